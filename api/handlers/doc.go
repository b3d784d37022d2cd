/*
Package handlers 提供 ConvoKeeper HTTP API 的请求处理器。

# 核心类型

  - AgentHandler：SSE、同步 JSON 与 WebSocket 三种方式运行 Agent，以及缓存统计
  - ConversationHandler：会话清空、存在性、消息条数与迁移
  - HealthHandler：存活与就绪检查（/health, /ready）
  - Response：统一 JSON 响应结构（success + data + error + timestamp）
  - ResponseWriter：捕获状态码，透传 Flush 与 Hijack

# 错误映射

ToAPIError 把 agent 包的哨兵错误转换为 types.Error：

	agent.ErrInvalidState         → 409 AGENT_BUSY
	agent.ErrEmptyPrompt          → 400 EMPTY_PROMPT
	agent.ErrModelInvocation      → 502 MODEL_EXHAUSTED
	agent.ErrAgentClosed          → 503 SERVICE_UNAVAILABLE
	agent.ErrMigrationUnsupported → 501

# SSE 格式

每个事件写成 "event: <type>" 加若干 "data:" 行，多行步骤结果按行拆分。
事件类型与 agent.EventType 一致：conversationId、step、done、error。
*/
package handlers
