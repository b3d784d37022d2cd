package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BaSui01/convokeeper/llm/retry"
	"github.com/BaSui01/convokeeper/types"
	"go.uber.org/zap"
)

// TerminateToolName 是结束交互的工具名，Agent 按大小写不敏感匹配。
const TerminateToolName = "terminate"

const defaultDateTimeLayout = "2006-01-02 15:04:05"

// maxReadBytes 限制 read_file 返回的内容大小
const maxReadBytes = 64 * 1024

// BuiltinOptions 内置工具的运行参数
type BuiltinOptions struct {
	// BaseDir 是文件工具的沙箱根目录，为空时不注册文件工具。
	BaseDir string
	// Now 用于测试注入时钟，默认 time.Now。
	Now func() time.Time
	// FileRetry 文件读写的重试策略，默认 3 次、间隔 100ms。
	FileRetry *retry.Policy
	Logger    *zap.Logger
}

// RegisterBuiltins 注册 terminate、时间与文件工具。
func RegisterBuiltins(reg ToolRegistry, opts BuiltinOptions) error {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.FileRetry == nil {
		policy := retry.Fixed(3, 100*time.Millisecond)
		opts.FileRetry = &policy
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	b := &builtins{opts: opts, retryer: retry.New(*opts.FileRetry, opts.Logger)}

	entries := []builtinTool{
		{b.terminate, ToolMetadata{Schema: types.ToolSchema{
			Name:        TerminateToolName,
			Description: "Terminate the interaction when the request is met or cannot proceed further.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"status": {"type": "string", "enum": ["success", "failure"], "description": "The finish status of the interaction."}
				},
				"required": ["status"]
			}`),
		}}},
		{b.currentDateTime, ToolMetadata{Schema: types.ToolSchema{
			Name:        "get_current_datetime",
			Description: "Get the current local date and time.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"layout": {"type": "string", "description": "Optional Go time layout, defaults to 2006-01-02 15:04:05."}
				}
			}`),
		}}},
		{b.currentHour, ToolMetadata{Schema: types.ToolSchema{
			Name:        "get_current_hour",
			Description: "Get the current hour of the day (0-23).",
			Parameters:  types.EmptyObjectSchema,
		}}},
	}

	if opts.BaseDir != "" {
		entries = append(entries,
			builtinTool{b.readFile, ToolMetadata{Timeout: 10 * time.Second, Schema: types.ToolSchema{
				Name:        "read_file",
				Description: "Read a text file from the workspace directory.",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {"path": {"type": "string", "minLength": 1}},
					"required": ["path"]
				}`),
			}}},
			builtinTool{b.writeFile, ToolMetadata{Timeout: 10 * time.Second, Schema: types.ToolSchema{
				Name:        "write_file",
				Description: "Write a text file into the workspace directory, replacing existing content.",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"path": {"type": "string", "minLength": 1},
						"content": {"type": "string"}
					},
					"required": ["path", "content"]
				}`),
			}}},
		)
	}

	for _, e := range entries {
		if err := reg.Register(e.meta.Schema.Name, e.fn, e.meta); err != nil {
			return err
		}
	}
	return nil
}

type builtinTool struct {
	fn   ToolFunc
	meta ToolMetadata
}

type builtins struct {
	opts    BuiltinOptions
	retryer *retry.Retryer
}

func textResult(s string) (json.RawMessage, error) {
	return json.Marshal(s)
}

func (b *builtins) terminate(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	return textResult("The interaction has been completed with status: " + in.Status)
}

func (b *builtins) currentDateTime(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Layout string `json:"layout"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	layout := in.Layout
	if strings.TrimSpace(layout) == "" {
		layout = defaultDateTimeLayout
	}
	return textResult(b.opts.Now().Format(layout))
}

func (b *builtins) currentHour(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
	return textResult(strconv.Itoa(b.opts.Now().Hour()))
}

func (b *builtins) readFile(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	full, err := resolveSandboxed(b.opts.BaseDir, in.Path)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(full); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("file not found: %s", in.Path)
	}

	data, err := retry.Value(ctx, b.retryer, func() ([]byte, error) {
		return os.ReadFile(full)
	})
	if err != nil {
		return nil, err
	}
	if len(data) > maxReadBytes {
		data = data[:maxReadBytes]
	}
	return textResult(string(data))
}

func (b *builtins) writeFile(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	full, err := resolveSandboxed(b.opts.BaseDir, in.Path)
	if err != nil {
		return nil, err
	}

	err = b.retryer.Do(ctx, func() error {
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return err
		}
		return os.WriteFile(full, []byte(in.Content), 0o644)
	})
	if err != nil {
		return nil, err
	}
	return textResult(fmt.Sprintf("wrote %d bytes to %s", len(in.Content), in.Path))
}

// resolveSandboxed 将相对路径解析到 base 内，拒绝绝对路径和越界路径
func resolveSandboxed(base, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("path is required")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("absolute paths are not allowed: %s", rel)
	}
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", err
	}
	full := filepath.Join(absBase, filepath.Clean(rel))
	inside, err := filepath.Rel(absBase, full)
	if err != nil || inside == ".." || strings.HasPrefix(inside, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", rel)
	}
	return full, nil
}
