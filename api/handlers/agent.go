package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/BaSui01/convokeeper/agent"
	"github.com/BaSui01/convokeeper/api"
	"github.com/BaSui01/convokeeper/internal/ctxkeys"
	"github.com/BaSui01/convokeeper/internal/pool"
	"github.com/BaSui01/convokeeper/types"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

// =============================================================================
// 🤖 Agent 运行 Handler
// =============================================================================

// AgentManager 是 handler 依赖的 Manager 子集，*agent.Manager 实现了它
type AgentManager interface {
	GetOrCreate(ctx context.Context, conversationID, userID string) (*agent.Agent, error)
	GenerateConversationID(userID string) string
	CacheStats() agent.CacheStats
}

// AgentHandler 通过 SSE、同步 JSON 和 WebSocket 三种方式运行 Agent
type AgentHandler struct {
	manager        AgentManager
	logger         *zap.Logger
	originPatterns []string
}

// AgentHandlerOption configures an AgentHandler.
type AgentHandlerOption func(*AgentHandler)

// WithOriginPatterns 设置 WebSocket 允许的跨域来源
func WithOriginPatterns(patterns ...string) AgentHandlerOption {
	return func(h *AgentHandler) { h.originPatterns = patterns }
}

// NewAgentHandler 创建 Agent handler
func NewAgentHandler(manager AgentManager, logger *zap.Logger, opts ...AgentHandlerOption) *AgentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &AgentHandler{manager: manager, logger: logger.With(zap.String("handler", "agent"))}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// resolve 校验输入并取得会话对应的 Agent，失败时返回可直接写出的错误
func (h *AgentHandler) resolve(ctx context.Context, req *api.RunRequest) (*agent.Agent, *types.Error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, ToAPIError(agent.ErrEmptyPrompt)
	}
	if req.ConversationID == "" {
		req.ConversationID = h.manager.GenerateConversationID(req.UserID)
	}
	a, err := h.manager.GetOrCreate(ctx, req.ConversationID, req.UserID)
	if err != nil {
		return nil, ToAPIError(err)
	}
	return a, nil
}

func runRequestFromQuery(r *http.Request) api.RunRequest {
	q := r.URL.Query()
	return api.RunRequest{
		ConversationID: q.Get("conversation_id"),
		UserID:         q.Get("user_id"),
		Message:        q.Get("message"),
	}
}

// HandleChat 以 SSE 流式运行 Agent
// @Summary 流式运行
// @Description 依次推送 conversationId、step、done/error 事件
// @Tags Agent
// @Produce text/event-stream
// @Param message query string true "用户输入"
// @Param conversation_id query string false "会话 ID"
// @Param user_id query string false "用户标识"
// @Success 200 {string} string "SSE 事件流"
// @Failure 400 {object} Response "消息为空"
// @Router /v1/agent/chat [get]
func (h *AgentHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	req := runRequestFromQuery(r)
	a, apiErr := h.resolve(r.Context(), &req)
	if apiErr != nil {
		WriteError(w, apiErr, h.logger)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError, "streaming not supported", h.logger)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := ctxkeys.WithConversationID(r.Context(), req.ConversationID)
	if req.UserID != "" {
		ctx = ctxkeys.WithUserID(ctx, req.UserID)
	}
	// 客户端断开时 r.Context() 被取消，RunStream 随之停止并关闭通道
	for ev := range a.RunStream(ctx, req.Message) {
		if err := writeSSE(w, string(ev.Type), ev.Data); err != nil {
			h.logger.Debug("sse write failed, client gone", zap.String("conversation_id", req.ConversationID), zap.Error(err))
			return
		}
		flusher.Flush()
	}
}

// writeSSE 写出一个 SSE 事件，多行数据拆成多个 data 行
func writeSSE(w http.ResponseWriter, event, data string) error {
	b := pool.BufferPool.Get()
	defer pool.PutBuffer(b)

	if event != "" {
		fmt.Fprintf(b, "event: %s\n", event)
	}
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(b, "data: %s\n", line)
	}
	b.WriteByte('\n')
	_, err := w.Write(b.Bytes())
	return err
}

// HandleRun 同步运行 Agent
// @Summary 同步运行
// @Tags Agent
// @Accept json
// @Produce json
// @Param request body api.RunRequest true "运行请求"
// @Success 200 {object} Response{data=api.RunResponse}
// @Failure 400 {object} Response "消息为空"
// @Failure 409 {object} Response "会话忙"
// @Failure 502 {object} Response "模型不可用"
// @Router /v1/agent/run [post]
func (h *AgentHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	var req api.RunRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	a, apiErr := h.resolve(r.Context(), &req)
	if apiErr != nil {
		WriteError(w, apiErr, h.logger)
		return
	}

	ctx := ctxkeys.WithConversationID(r.Context(), req.ConversationID)
	result, err := a.Run(ctx, req.Message)
	if err != nil {
		WriteError(w, ToAPIError(err), h.logger)
		return
	}
	WriteSuccess(w, api.RunResponse{ConversationID: req.ConversationID, Result: result})
}

// HandleWebSocket 在 WebSocket 上运行一次 Agent：读取一条 RunRequest，
// 推送与 SSE 相同的事件序列后正常关闭连接。
// @Summary WebSocket 流式运行
// @Tags Agent
// @Router /v1/agent/ws [get]
func (h *AgentHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		// Accept 已写出 HTTP 错误
		h.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	var req api.RunRequest
	if err := wsjson.Read(ctx, conn, &req); err != nil {
		// wsjson 在解码失败时已用 StatusInvalidFramePayloadData 关闭连接
		h.logger.Debug("websocket read failed", zap.Error(err))
		return
	}

	a, apiErr := h.resolve(ctx, &req)
	if apiErr != nil {
		_ = wsjson.Write(ctx, conn, api.StreamEvent{Type: string(agent.EventError), Data: apiErr.Message})
		conn.Close(websocket.StatusPolicyViolation, string(apiErr.Code))
		return
	}

	runCtx := ctxkeys.WithConversationID(ctx, req.ConversationID)
	for ev := range a.RunStream(runCtx, req.Message) {
		if err := wsjson.Write(ctx, conn, api.StreamEvent{Type: string(ev.Type), Data: ev.Data}); err != nil {
			if !errors.Is(err, context.Canceled) {
				h.logger.Debug("websocket write failed", zap.String("conversation_id", req.ConversationID), zap.Error(err))
			}
			return
		}
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// HandleCacheStats 返回 Agent 实例缓存统计
// @Summary 缓存统计
// @Tags Agent
// @Produce json
// @Success 200 {object} Response{data=api.CacheStatsResponse}
// @Router /v1/agent/cache/stats [get]
func (h *AgentHandler) HandleCacheStats(w http.ResponseWriter, r *http.Request) {
	s := h.manager.CacheStats()
	WriteSuccess(w, api.CacheStatsResponse{
		Hits:      s.Hits,
		Misses:    s.Misses,
		HitRate:   s.HitRate,
		Requests:  s.Requests,
		Size:      s.Size,
		Evictions: s.Evictions,
		Summary:   s.String(),
	})
}
