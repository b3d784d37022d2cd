package handlers

import (
	"context"
	"net/http"

	"github.com/BaSui01/convokeeper/api"
	"go.uber.org/zap"
)

// ConversationManager 会话管理操作，*agent.Manager 实现了它
type ConversationManager interface {
	ClearConversation(ctx context.Context, conversationID string) error
	ConversationExists(ctx context.Context, conversationID string) bool
	MessageCount(ctx context.Context, conversationID string) int
	MigrateConversation(ctx context.Context, conversationID string) (int, error)
}

// ConversationHandler 会话清理、查询与迁移
type ConversationHandler struct {
	manager ConversationManager
	logger  *zap.Logger
}

// NewConversationHandler 创建会话 handler
func NewConversationHandler(manager ConversationManager, logger *zap.Logger) *ConversationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConversationHandler{manager: manager, logger: logger.With(zap.String("handler", "conversation"))}
}

// HandleClear 清空会话消息并丢弃缓存的 Agent
// @Summary 清空会话
// @Tags 会话
// @Param conversation_id query string true "会话 ID"
// @Success 200 {object} Response{data=api.ConversationStatus}
// @Router /v1/conversations/clear [post]
func (h *ConversationHandler) HandleClear(w http.ResponseWriter, r *http.Request) {
	id, ok := RequireConversationID(w, r, h.logger)
	if !ok {
		return
	}
	if err := h.manager.ClearConversation(r.Context(), id); err != nil {
		WriteError(w, ToAPIError(err), h.logger)
		return
	}
	WriteSuccess(w, api.ConversationStatus{ConversationID: id})
}

// HandleExists 查询会话是否存在
// @Summary 会话是否存在
// @Tags 会话
// @Param conversation_id query string true "会话 ID"
// @Success 200 {object} Response{data=api.ConversationStatus}
// @Router /v1/conversations/exists [get]
func (h *ConversationHandler) HandleExists(w http.ResponseWriter, r *http.Request) {
	id, ok := RequireConversationID(w, r, h.logger)
	if !ok {
		return
	}
	WriteSuccess(w, api.ConversationStatus{
		ConversationID: id,
		Exists:         h.manager.ConversationExists(r.Context(), id),
	})
}

// HandleCount 查询会话消息条数
// @Summary 会话消息条数
// @Tags 会话
// @Param conversation_id query string true "会话 ID"
// @Success 200 {object} Response{data=api.ConversationStatus}
// @Router /v1/conversations/count [get]
func (h *ConversationHandler) HandleCount(w http.ResponseWriter, r *http.Request) {
	id, ok := RequireConversationID(w, r, h.logger)
	if !ok {
		return
	}
	n := h.manager.MessageCount(r.Context(), id)
	WriteSuccess(w, api.ConversationStatus{ConversationID: id, Exists: n > 0, MessageCount: n})
}

// HandleMigrate 把备存储中的会话复制到主存储
// @Summary 迁移会话
// @Tags 会话
// @Param conversation_id query string true "会话 ID"
// @Success 200 {object} Response{data=api.MigrateResponse}
// @Failure 501 {object} Response "记忆策略不支持迁移"
// @Router /v1/conversations/migrate [post]
func (h *ConversationHandler) HandleMigrate(w http.ResponseWriter, r *http.Request) {
	id, ok := RequireConversationID(w, r, h.logger)
	if !ok {
		return
	}
	n, err := h.manager.MigrateConversation(r.Context(), id)
	if err != nil {
		WriteError(w, ToAPIError(err), h.logger)
		return
	}
	h.logger.Info("conversation migrated", zap.String("conversation_id", id), zap.Int("messages", n))
	WriteSuccess(w, api.MigrateResponse{ConversationID: id, Migrated: n})
}
