package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"
	"go.uber.org/zap"

	"github.com/BaSui01/convokeeper/internal/tlsutil"
	"github.com/BaSui01/convokeeper/llm"
	"github.com/BaSui01/convokeeper/types"
)

const (
	providerName     = "anthropic"
	fallbackModel    = "claude-sonnet-4-20250514"
	defaultMaxTokens = 4096
)

// Config Anthropic Provider 配置
type Config struct {
	APIKey    string        `json:"api_key" yaml:"api_key"`
	BaseURL   string        `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Model     string        `json:"model,omitempty" yaml:"model,omitempty"`
	MaxTokens int           `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Provider 通过 anthropic-sdk-go 调用 Messages 接口。
// SDK 自带的重试被关闭，重试由 Agent 的调用循环统一负责。
type Provider struct {
	client sdk.Client
	cfg    Config
	logger *zap.Logger
}

// NewProvider 创建 Provider
func NewProvider(cfg Config, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(tlsutil.HTTPClient(cfg.Timeout)),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Provider{
		client: sdk.NewClient(opts...),
		cfg:    cfg,
		logger: logger.With(zap.String("component", "llm_provider"), zap.String("provider", providerName)),
	}
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return providerName }

// Invoke implements llm.Provider.
func (p *Provider) Invoke(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if req == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "chat request is nil").WithProvider(providerName)
	}

	if req.Options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Options.Timeout)
		defer cancel()
	}

	params, err := p.buildParams(req)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, err.Error()).WithCause(err).WithProvider(providerName)
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		p.logger.Debug("messages call failed", zap.String("model", string(params.Model)), zap.Error(err))
		return nil, mapError(err)
	}
	return parseResponse(msg), nil
}

func (p *Provider) buildParams(req *llm.ChatRequest) (sdk.MessageNewParams, error) {
	model := req.Options.Model
	if model == "" {
		model = p.cfg.Model
	}
	if model == "" {
		model = fallbackModel
	}
	maxTokens := req.Options.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.cfg.MaxTokens
	}

	messages, system := convertMessages(req.Messages)
	if req.SystemPrompt != "" {
		system = append([]sdk.TextBlockParam{{Text: req.SystemPrompt}}, system...)
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
		System:    system,
	}
	if req.Options.Temperature > 0 {
		params.Temperature = param.NewOpt(float64(req.Options.Temperature))
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return params, err
		}
		params.Tools = tools
	}
	return params, nil
}

// convertMessages 将内部消息转换为 Messages API 格式。
// 历史中的 system 消息（例如压缩摘要）并入 system 参数；
// tool_use 只在紧跟着对应结果时保留，孤立的 tool_result 会被丢弃。
func convertMessages(msgs []types.Message) ([]sdk.MessageParam, []sdk.TextBlockParam) {
	result := make([]sdk.MessageParam, 0, len(msgs))
	var system []sdk.TextBlockParam
	for i, msg := range msgs {
		switch msg.Role {
		case types.RoleSystem:
			if msg.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: msg.Content})
			}
		case types.RoleTool:
			if i == 0 || !msgs[i-1].HasToolCalls() {
				continue
			}
			blocks := make([]sdk.ContentBlockParamUnion, 0, len(msg.ToolResponses))
			for _, tr := range msg.ToolResponses {
				blocks = append(blocks, sdk.NewToolResultBlock(tr.ID, tr.Data, false))
			}
			if len(blocks) > 0 {
				result = append(result, sdk.NewUserMessage(blocks...))
			}
		case types.RoleAssistant:
			var blocks []sdk.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(msg.Content))
			}
			if i+1 < len(msgs) && msgs[i+1].Role == types.RoleTool {
				for _, tc := range msg.ToolCalls {
					blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, toolInput(tc.Arguments), tc.Name))
				}
			}
			if len(blocks) > 0 {
				result = append(result, sdk.NewAssistantMessage(blocks...))
			}
		default:
			// API 拒绝空文本块
			if msg.Content == "" {
				continue
			}
			result = append(result, sdk.NewUserMessage(sdk.NewTextBlock(msg.Content)))
		}
	}
	return result, system
}

func toolInput(raw json.RawMessage) map[string]any {
	input := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &input)
	}
	return input
}

// convertTools 把 JSON Schema 参数转换为 tool 定义
func convertTools(schemas []types.ToolSchema) ([]sdk.ToolUnionParam, error) {
	result := make([]sdk.ToolUnionParam, 0, len(schemas))
	for _, s := range schemas {
		var schema sdk.ToolInputSchemaParam
		if len(s.Parameters) > 0 {
			if err := json.Unmarshal(s.Parameters, &schema); err != nil {
				return nil, fmt.Errorf("invalid tool schema for %s: %w", s.Name, err)
			}
		}
		tool := sdk.ToolUnionParamOfTool(schema, s.Name)
		if tool.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", s.Name)
		}
		if s.Description != "" {
			tool.OfTool.Description = sdk.String(s.Description)
		}
		result = append(result, tool)
	}
	return result, nil
}

func parseResponse(msg *sdk.Message) *llm.ChatResponse {
	out := &llm.ChatResponse{
		Model: string(msg.Model),
		Usage: llm.ChatUsage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			out.Text += block.Text
		case "tool_use":
			args := json.RawMessage(block.Input)
			if len(args) == 0 || !json.Valid(args) {
				args = json.RawMessage(`{}`)
			}
			out.ToolCalls = append(out.ToolCalls, types.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}
	return out
}

// mapError 将 SDK 错误映射为 *types.Error，规则与 openai Provider 一致
func mapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	status := 0
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		status = apiErr.StatusCode
	}

	var out *types.Error
	switch {
	case status == http.StatusTooManyRequests:
		out = types.NewError(types.ErrRateLimited, "rate limited by upstream").WithRetryable(true)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		out = types.NewError(types.ErrProviderUnavailable, "upstream rejected credentials")
	case status == http.StatusBadRequest:
		out = types.NewError(types.ErrInvalidRequest, "upstream rejected request")
	case status >= 500:
		out = types.NewError(types.ErrUpstreamError, fmt.Sprintf("upstream error (%d)", status)).WithRetryable(true)
	default:
		out = types.NewError(types.ErrUpstreamError, "upstream call failed").WithRetryable(true)
	}
	if status != 0 {
		out = out.WithHTTPStatus(status)
	}
	return out.WithCause(err).WithProvider(providerName)
}
