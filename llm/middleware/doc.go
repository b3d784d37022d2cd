// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 middleware 提供 llm.Provider 的中间件链机制，在模型调用前后插入
可组合的横切逻辑。

# 核心类型

  - Handler：func(ctx, *ChatRequest) (*ChatResponse, error)
  - Middleware：func(Handler) Handler
  - Chain：[]Middleware，下标 0 在最外层，支持 Append / Prepend / Then
  - Wrap：把 Provider 与 Chain 组合成新的 Provider

# 内置中间件

  - WithLogging：zap 记录模型、消息数、耗时与 Token 用量
  - WithTimeout：为单次调用添加 context 超时
  - WithMetrics：写入 llm_requests_total 等 Prometheus 指标
  - WithTracing：为每次调用创建 OpenTelemetry span "llm.invoke"
  - WithRecovery：捕获 Provider 内部 panic 并转为错误
  - WithCircuitBreaker：熔断期间直接拒绝调用
  - NormalizeToolSchemas：补全空的工具参数 schema
*/
package middleware
