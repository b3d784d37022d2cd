// Package api 定义 ConvoKeeper HTTP API 的请求与响应结构。
//
// # 端点
//
//	GET  /v1/agent/chat                SSE 流式运行（message, conversation_id, user_id）
//	POST /v1/agent/run                 同步运行，返回 RunResponse
//	GET  /v1/agent/ws                  WebSocket 流式运行，首条消息为 RunRequest
//	GET  /v1/agent/cache/stats         Agent 实例缓存统计
//	POST /v1/conversations/clear       清空会话
//	GET  /v1/conversations/exists      会话是否存在
//	GET  /v1/conversations/count       会话消息条数
//	POST /v1/conversations/migrate     把备存储中的会话复制到主存储
//	GET  /health                       健康检查
//	GET  /metrics                      Prometheus 指标
//
// 会话类接口通过查询参数 conversation_id 指定会话。
//
// # 错误
//
// JSON 接口的错误统一为
//
//	{"success": false, "error": {"code": "AGENT_BUSY", "message": "..."}}
//
// 同一会话已有运行中的请求时返回 409 AGENT_BUSY，消息为空时返回 400 EMPTY_PROMPT。
package api
