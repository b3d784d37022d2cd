package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/convokeeper/types"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ToolFunc defines the tool function signature.
type ToolFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// ToolMetadata describes tool metadata.
type ToolMetadata struct {
	Schema    types.ToolSchema // Tool JSON Schema
	RateLimit *RateLimitConfig // Rate limit config (optional)
	Timeout   time.Duration    // Execution timeout (default 30s)
}

// RateLimitConfig defines rate limit configuration.
type RateLimitConfig struct {
	MaxCalls int           // Maximum calls
	Window   time.Duration // Time window
}

// ToolRegistry defines tool registry interface.
type ToolRegistry interface {
	Register(name string, fn ToolFunc, metadata ToolMetadata) error
	Unregister(name string) error
	Get(name string) (ToolFunc, ToolMetadata, error)
	Schemas() []types.ToolSchema
	List() []string
	Has(name string) bool
}

// ====== 实现：DefaultRegistry ======

type registeredTool struct {
	fn      ToolFunc
	meta    ToolMetadata
	schema  *jsonschema.Schema
	limiter *rate.Limiter
}

// DefaultRegistry 并发安全的工具注册中心，注册时编译参数 schema。
type DefaultRegistry struct {
	mu     sync.RWMutex
	tools  map[string]*registeredTool
	logger *zap.Logger
}

// NewDefaultRegistry 创建默认的工具注册中心。
func NewDefaultRegistry(logger *zap.Logger) *DefaultRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DefaultRegistry{
		tools:  make(map[string]*registeredTool),
		logger: logger.With(zap.String("component", "tool_registry")),
	}
}

func (r *DefaultRegistry) Register(name string, fn ToolFunc, metadata ToolMetadata) error {
	if name == "" || fn == nil {
		return fmt.Errorf("tool name and function are required")
	}

	// 校验 Schema
	if metadata.Schema.Name == "" {
		metadata.Schema.Name = name
	}
	if metadata.Schema.Name != name {
		return fmt.Errorf("tool name mismatch: schema.Name=%s, register name=%s", metadata.Schema.Name, name)
	}
	if len(metadata.Schema.Parameters) == 0 {
		metadata.Schema.Parameters = types.EmptyObjectSchema
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", string(metadata.Schema.Parameters))
	if err != nil {
		return fmt.Errorf("compile schema for tool %s: %w", name, err)
	}

	// 设置默认超时
	if metadata.Timeout == 0 {
		metadata.Timeout = 30 * time.Second
	}

	entry := &registeredTool{
		fn:     fn,
		meta:   metadata,
		schema: compiled,
	}
	if rl := metadata.RateLimit; rl != nil && rl.MaxCalls > 0 && rl.Window > 0 {
		entry.limiter = rate.NewLimiter(rate.Limit(float64(rl.MaxCalls)/rl.Window.Seconds()), rl.MaxCalls)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = entry

	r.logger.Info("tool registered", zap.String("name", name), zap.Duration("timeout", metadata.Timeout))
	return nil
}

func (r *DefaultRegistry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; !exists {
		return fmt.Errorf("tool %s not found", name)
	}
	delete(r.tools, name)

	r.logger.Info("tool unregistered", zap.String("name", name))
	return nil
}

func (r *DefaultRegistry) Get(name string) (ToolFunc, ToolMetadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.tools[name]
	if !ok {
		return nil, ToolMetadata{}, fmt.Errorf("tool %s not found", name)
	}
	return entry.fn, entry.meta, nil
}

// Schemas 返回按名称排序的工具 schema，保证请求体稳定。
func (r *DefaultRegistry) Schemas() []types.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]types.ToolSchema, 0, len(r.tools))
	for _, entry := range r.tools {
		schemas = append(schemas, entry.meta.Schema)
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })
	return schemas
}

func (r *DefaultRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *DefaultRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// validate 按注册时编译的 schema 校验参数
func (r *DefaultRegistry) validate(name string, args json.RawMessage) error {
	r.mu.RLock()
	entry, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok || entry.schema == nil {
		return nil
	}

	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	if err := entry.schema.Validate(decoded); err != nil {
		return fmt.Errorf("arguments do not match schema: %w", err)
	}
	return nil
}

// allow 检查是否触发速率限制
func (r *DefaultRegistry) allow(name string) bool {
	r.mu.RLock()
	entry, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok || entry.limiter == nil {
		return true
	}
	return entry.limiter.Allow()
}
