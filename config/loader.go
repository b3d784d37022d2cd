package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BaSui01/convokeeper/agent"
	"github.com/BaSui01/convokeeper/agent/memory"
	"github.com/BaSui01/convokeeper/agent/persistence"
	"github.com/BaSui01/convokeeper/internal/cache"
	"github.com/BaSui01/convokeeper/llm/circuitbreaker"
	"gopkg.in/yaml.v3"
)

// DefaultEnvPrefix 环境变量前缀
const DefaultEnvPrefix = "CONVOKEEPER"

// Config 是 ConvoKeeper 的完整配置结构
type Config struct {
	// Server HTTP 服务配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Agent 每个会话 Agent 的运行参数
	Agent agent.Config `yaml:"agent" env:"AGENT"`

	// Memory 会话记忆（存储策略 + 摘要压缩）
	Memory MemoryConfig `yaml:"memory" env:"MEMORY"`

	// Store 主/备消息存储
	Store StoreConfig `yaml:"store" env:"STORE"`

	// LLM 模型服务配置
	LLM LLMConfig `yaml:"llm" env:"LLM"`

	// Tools 内置工具配置
	Tools ToolsConfig `yaml:"tools" env:"TOOLS"`

	// Cache Agent 实例缓存
	Cache cache.Config `yaml:"cache" env:"CACHE"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时，需大于 agent.stream_timeout，否则 SSE 会被提前切断
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 每个客户端 IP 的限流速率（请求/秒），<=0 关闭限流
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 限流突发量
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// MemoryConfig 记忆配置
type MemoryConfig struct {
	// 存储策略: primary, secondary, hybrid
	Policy string `yaml:"policy" env:"POLICY"`
	// 是否启用摘要压缩
	SummaryEnabled bool `yaml:"summary_enabled" env:"SUMMARY_ENABLED"`
	// 摘要压缩参数
	Summary memory.SummaryConfig `yaml:"summary" env:"SUMMARY"`
}

// StoreConfig 主备存储配置。主存储通常是 Redis，备存储是文件或 SQL。
type StoreConfig struct {
	Primary   persistence.StoreConfig `yaml:"primary" env:"PRIMARY"`
	Secondary persistence.StoreConfig `yaml:"secondary" env:"SECONDARY"`
}

// LLMConfig LLM 配置
type LLMConfig struct {
	// Provider 名称：openai（含兼容模式）或 anthropic
	Provider string `yaml:"provider" env:"PROVIDER"`
	// API Key
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 基础 URL（可选，例如 DashScope 兼容模式地址）
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// 默认模型
	Model string `yaml:"model" env:"MODEL"`
	// 请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 单次回复的最大 token 数，anthropic 必填，<=0 时使用 Provider 默认值
	MaxTokens int `yaml:"max_tokens" env:"MAX_TOKENS"`
	// 熔断器，Threshold <= 0 时关闭
	CircuitBreaker circuitbreaker.Config `yaml:"circuit_breaker" env:"CIRCUIT_BREAKER"`
}

// ToolsConfig 内置工具配置
type ToolsConfig struct {
	// 文件工具的沙箱目录，为空时不注册 read_file/write_file
	BaseDir string `yaml:"base_dir" env:"BASE_DIR"`
	// 工具并发执行上限
	Concurrency int `yaml:"concurrency" env:"CONCURRENCY"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Loader 按 默认值 → YAML → 环境变量 → 校验器 的顺序构建 Config
type Loader struct {
	configPath string
	envPrefix  string
	lookupEnv  func(string) (string, bool)
	validators []func(*Config) error
}

// NewLoader 创建加载器，默认读取 CONVOKEEPER_ 前缀的环境变量
func NewLoader() *Loader {
	return &Loader{envPrefix: DefaultEnvPrefix, lookupEnv: os.LookupEnv}
}

// WithConfigPath 设置 YAML 文件路径，文件缺失时只用默认值和环境变量
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 追加校验器，按添加顺序执行，第一个错误即返回
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 构建配置
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if err := l.mergeFile(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from file: %w", err)
	}
	for _, b := range envBindings(reflect.ValueOf(cfg).Elem(), l.envPrefix) {
		raw, ok := l.lookupEnv(b.key)
		if !ok || raw == "" {
			continue
		}
		if err := b.set(raw); err != nil {
			return nil, fmt.Errorf("failed to load config from env: failed to set %s: %w", b.key, err)
		}
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}
	return cfg, nil
}

func (l *Loader) mergeFile(cfg *Config) error {
	if l.configPath == "" {
		return nil
	}
	data, err := os.ReadFile(l.configPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err != nil:
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// envBinding 是一个叶子字段与其环境变量名的绑定
type envBinding struct {
	key   string
	field reflect.Value
}

// envBindings 展开嵌套结构体，键名为 PREFIX_SECTION_FIELD；没有 env 标签的字段不参与
func envBindings(v reflect.Value, prefix string) []envBinding {
	var out []envBinding
	for _, f := range reflect.VisibleFields(v.Type()) {
		tag := f.Tag.Get("env")
		if tag == "" || tag == "-" || len(f.Index) != 1 {
			continue
		}
		field := v.FieldByIndex(f.Index)
		key := prefix + "_" + tag
		if field.Kind() == reflect.Struct {
			out = append(out, envBindings(field, key)...)
			continue
		}
		if field.CanSet() {
			out = append(out, envBinding{key: key, field: field})
		}
	}
	return out
}

var durationType = reflect.TypeOf(time.Duration(0))

// set 解析字符串并写入字段。time.Duration 按 ParseDuration 解析，
// []string 按逗号切分并去掉空白
func (b envBinding) set(raw string) error {
	f := b.field
	if f.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		f.SetInt(int64(d))
		return nil
	}

	var err error
	switch f.Kind() {
	case reflect.String:
		f.SetString(raw)
	case reflect.Bool:
		var v bool
		if v, err = strconv.ParseBool(raw); err == nil {
			f.SetBool(v)
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		var v int64
		if v, err = strconv.ParseInt(raw, 10, f.Type().Bits()); err == nil {
			f.SetInt(v)
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		var v uint64
		if v, err = strconv.ParseUint(raw, 10, f.Type().Bits()); err == nil {
			f.SetUint(v)
		}
	case reflect.Float32, reflect.Float64:
		var v float64
		if v, err = strconv.ParseFloat(raw, f.Type().Bits()); err == nil {
			f.SetFloat(v)
		}
	case reflect.Slice:
		if f.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", f.Type())
		}
		parts := strings.Split(raw, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		f.Set(reflect.ValueOf(parts))
	default:
		return fmt.Errorf("unsupported field type %s", f.Type())
	}
	return err
}

// MustLoad 读取 path 并校验，失败时 panic。只给 main 和测试用
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).WithValidator((*Config).Validate).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 检查跨字段约束，一次性报告所有问题
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.Server.HTTPPort > 0 && c.Server.HTTPPort <= 65535, "invalid HTTP port")
	check(c.Server.RateLimitRPS <= 0 || c.Server.RateLimitBurst > 0,
		"rate_limit_burst must be positive when rate limiting is enabled")

	a := c.Agent
	check(a.MaxSteps > 0, "agent.max_steps must be positive")
	check(a.MaxHistorySize > 0, "agent.max_history_size must be positive")
	check(a.Temperature >= 0 && a.Temperature <= 2, "agent.temperature must be between 0 and 2")
	check(a.MaxAttempts > 0, "agent.max_attempts must be positive")
	check(a.LoopThreshold >= 2, "agent.loop_threshold must be at least 2")
	check(a.LoopWindow >= a.LoopThreshold*2, "agent.loop_window must hold at least two repetitions")

	switch memory.Policy(c.Memory.Policy) {
	case memory.PolicyPrimary, memory.PolicySecondary, memory.PolicyHybrid:
	default:
		check(false, "unknown memory.policy %q", c.Memory.Policy)
	}
	check(!c.Memory.SummaryEnabled || c.Memory.Summary.ChunkSize <= c.Memory.Summary.Threshold,
		"memory.summary.chunk_size must not exceed threshold")

	if err := validateStore(c.Store.Primary); err != nil {
		check(false, "store.primary: %v", err)
	}
	if err := validateStore(c.Store.Secondary); err != nil {
		check(false, "store.secondary: %v", err)
	}

	check(c.LLM.Provider == "openai" || c.LLM.Provider == "anthropic", "unsupported llm.provider %q", c.LLM.Provider)
	check(c.Tools.Concurrency >= 0, "tools.concurrency must not be negative")
	check(!c.Telemetry.Enabled || c.Telemetry.OTLPEndpoint != "",
		"telemetry.otlp_endpoint is required when telemetry is enabled")

	if len(problems) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(problems, "; "))
	}
	return nil
}

func validateStore(s persistence.StoreConfig) error {
	switch s.Type {
	case persistence.StoreTypeMemory, persistence.StoreTypeFile:
	case persistence.StoreTypeRedis:
		if s.Redis.Host == "" || s.Redis.Port <= 0 {
			return fmt.Errorf("redis host and port are required")
		}
	case persistence.StoreTypeSQL:
		switch s.SQL.Driver {
		case "postgres", "mysql", "sqlite":
		default:
			return fmt.Errorf("unsupported sql driver %q", s.SQL.Driver)
		}
		if s.SQL.DSN == "" {
			return fmt.Errorf("sql dsn is required")
		}
	default:
		return fmt.Errorf("unsupported store type %q", s.Type)
	}
	if s.MaxMessages <= 0 {
		return fmt.Errorf("max_messages must be positive")
	}
	return nil
}
