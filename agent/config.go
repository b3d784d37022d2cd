package agent

import (
	"time"

	"github.com/BaSui01/convokeeper/agent/memory"
	"github.com/BaSui01/convokeeper/internal/metrics"
	"github.com/BaSui01/convokeeper/llm"
	"github.com/BaSui01/convokeeper/llm/tools"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// 默认提示词。NextStepPrompt 默认为空，单轮问答只留下 user + assistant 两条消息。
const (
	DefaultSystemPrompt = "You are a helpful assistant. Use the available tools when they help answer " +
		"the user's request, and call the terminate tool once the request is fulfilled or cannot proceed."
	DefaultReflectionPrompt = "Review the tool results above. If they answer the request, reply to the user " +
		"directly; otherwise decide which tool to call next."
)

// Config 单个 Agent 的运行参数
type Config struct {
	Name             string `json:"name" yaml:"name" env:"NAME"`
	SystemPrompt     string `json:"system_prompt" yaml:"system_prompt" env:"SYSTEM_PROMPT"`
	NextStepPrompt   string `json:"next_step_prompt" yaml:"next_step_prompt" env:"NEXT_STEP_PROMPT"`
	ReflectionPrompt string `json:"reflection_prompt" yaml:"reflection_prompt" env:"REFLECTION_PROMPT"`

	MaxSteps       int           `json:"max_steps" yaml:"max_steps" env:"MAX_STEPS"`
	MaxHistorySize int           `json:"max_history_size" yaml:"max_history_size" env:"MAX_HISTORY_SIZE"`
	StreamTimeout  time.Duration `json:"stream_timeout" yaml:"stream_timeout" env:"STREAM_TIMEOUT"`

	Model       string  `json:"model" yaml:"model" env:"MODEL"`
	Temperature float32 `json:"temperature" yaml:"temperature" env:"TEMPERATURE"`

	// MaxAttempts 是模型调用的总次数（含首次），RetryDelay 是两次调用之间的固定间隔。
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	RetryDelay  time.Duration `json:"retry_delay" yaml:"retry_delay" env:"RETRY_DELAY"`

	LoopWindow    int `json:"loop_window" yaml:"loop_window" env:"LOOP_WINDOW"`
	LoopThreshold int `json:"loop_threshold" yaml:"loop_threshold" env:"LOOP_THRESHOLD"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Name:             "convokeeper",
		SystemPrompt:     DefaultSystemPrompt,
		ReflectionPrompt: DefaultReflectionPrompt,
		MaxSteps:         20,
		MaxHistorySize:   20,
		StreamTimeout:    5 * time.Minute,
		Temperature:      0.7,
		MaxAttempts:      3,
		RetryDelay:       time.Second,
		LoopWindow:       defaultLoopWindow,
		LoopThreshold:    defaultLoopThreshold,
	}
}

// withDefaults fills zero numeric fields. Prompts are left as given so an
// empty prompt stays disabled.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = d.MaxSteps
	}
	if c.MaxHistorySize <= 0 {
		c.MaxHistorySize = d.MaxHistorySize
	}
	if c.StreamTimeout <= 0 {
		c.StreamTimeout = d.StreamTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.LoopWindow <= 0 {
		c.LoopWindow = d.LoopWindow
	}
	if c.LoopThreshold < 2 {
		c.LoopThreshold = d.LoopThreshold
	}
	return c
}

// Dependencies 是构造 Agent 所需的外部组件。
// Memory 必填；Thinker/Actor 为空时由 Provider + Tools 构造 ToolCallEngine。
type Dependencies struct {
	Provider llm.Provider
	Memory   memory.Memory
	Tools    tools.ToolRegistry
	Executor tools.Executor

	Thinker Thinker
	Actor   Actor

	Metrics *metrics.Collector
	Tracer  trace.Tracer
	Logger  *zap.Logger
}
