// =============================================================================
// 📦 ConvoKeeper 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/convokeeper/agent"
	"github.com/BaSui01/convokeeper/agent/memory"
	"github.com/BaSui01/convokeeper/agent/persistence"
	"github.com/BaSui01/convokeeper/internal/cache"
	"github.com/BaSui01/convokeeper/llm/circuitbreaker"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Agent:     agent.DefaultConfig(),
		Memory:    DefaultMemoryConfig(),
		Store:     DefaultStoreConfig(),
		LLM:       DefaultLLMConfig(),
		Tools:     DefaultToolsConfig(),
		Cache:     cache.DefaultConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    6 * time.Minute,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    20,
		RateLimitBurst:  40,
	}
}

// DefaultMemoryConfig 返回默认记忆配置
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		Policy:         string(memory.PolicyHybrid),
		SummaryEnabled: true,
		Summary:        memory.DefaultSummaryConfig(),
	}
}

// DefaultStoreConfig 返回默认存储配置：Redis 主存储 + 文件备存储
func DefaultStoreConfig() StoreConfig {
	primary := persistence.DefaultStoreConfig()
	primary.Type = persistence.StoreTypeRedis

	secondary := persistence.DefaultStoreConfig()
	secondary.Type = persistence.StoreTypeFile

	return StoreConfig{Primary: primary, Secondary: secondary}
}

// DefaultLLMConfig 返回默认 LLM 配置
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Provider: "openai",
		Model:    "gpt-4o-mini",
		Timeout:  60 * time.Second,

		CircuitBreaker: circuitbreaker.DefaultConfig(),
	}
}

// DefaultToolsConfig 返回默认工具配置
func DefaultToolsConfig() ToolsConfig {
	return ToolsConfig{
		BaseDir:     "./data/workspace",
		Concurrency: 4,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "convokeeper",
		SampleRate:   0.1,
	}
}
