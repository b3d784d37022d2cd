package api

// =============================================================================
// Agent 运行
// =============================================================================

// RunRequest 同步运行请求，也是 WebSocket 连接上的首条消息。
// @Description Agent 运行请求
type RunRequest struct {
	// 会话 ID，为空时由服务端生成
	ConversationID string `json:"conversation_id,omitempty" example:"chat:u1:1700000000000"`
	// 用户标识，只用于生成会话 ID 和日志
	UserID string `json:"user_id,omitempty" example:"u1"`
	// 用户输入
	Message string `json:"message" example:"What time is it?"`
}

// RunResponse 同步运行结果
// @Description Agent 运行结果
type RunResponse struct {
	ConversationID string `json:"conversation_id"`
	// 每步结果按行拼接，最后一行可能是终止说明
	Result string `json:"result"`
}

// StreamEvent WebSocket 上发送的事件，type 取值与 SSE 事件名一致：
// conversationId, step, done, error
type StreamEvent struct {
	Type string `json:"type" example:"step"`
	Data string `json:"data" example:"Step 1: ..."`
}

// =============================================================================
// 会话管理
// =============================================================================

// ConversationStatus 会话存在性与消息条数
type ConversationStatus struct {
	ConversationID string `json:"conversation_id"`
	Exists         bool   `json:"exists"`
	MessageCount   int    `json:"message_count"`
}

// MigrateResponse 从备存储迁移到主存储的结果
type MigrateResponse struct {
	ConversationID string `json:"conversation_id"`
	Migrated       int    `json:"migrated"`
}

// CacheStatsResponse Agent 实例缓存统计
type CacheStatsResponse struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	HitRate   float64 `json:"hit_rate"`
	Requests  int64   `json:"requests"`
	Size      int     `json:"size"`
	Evictions int64   `json:"evictions"`
	Summary   string  `json:"summary"`
}
