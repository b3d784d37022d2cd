package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/BaSui01/convokeeper/agent"
	"github.com/BaSui01/convokeeper/types"
	"go.uber.org/zap"
)

// maxBodyBytes 请求体上限
const maxBodyBytes = 1 << 20

// Response 所有 JSON 接口共用的响应信封
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// ErrorInfo 信封中的错误部分
type ErrorInfo struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable,omitempty"`
	HTTPStatus int    `json:"-"`
}

// WriteJSON 写出任意 JSON。响应头发出后编码失败只能丢弃。
func WriteJSON(w http.ResponseWriter, status int, data any) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func WriteSuccess(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, Response{Success: true, Data: data, Timestamp: time.Now()})
}

// WriteError 写出错误信封。err.HTTPStatus 为 0 时按错误码推导状态码。
func WriteError(w http.ResponseWriter, err *types.Error, logger *zap.Logger) {
	status := err.HTTPStatus
	if status == 0 {
		status = statusFor(err.Code)
	}
	logAPIError(logger, err, status)

	WriteJSON(w, status, Response{
		Error: &ErrorInfo{
			Code:       string(err.Code),
			Message:    err.Message,
			Retryable:  err.Retryable,
			HTTPStatus: status,
		},
		Timestamp: time.Now(),
	})
}

// WriteErrorMessage 用错误码和消息直接写出错误
func WriteErrorMessage(w http.ResponseWriter, status int, code types.ErrorCode, message string, logger *zap.Logger) {
	WriteError(w, types.NewError(code, message).WithHTTPStatus(status), logger)
}

// 5xx 记 Error，其余是调用方问题，记 Info
func logAPIError(logger *zap.Logger, err *types.Error, status int) {
	if logger == nil {
		return
	}
	fields := []zap.Field{
		zap.String("code", string(err.Code)),
		zap.String("message", err.Message),
		zap.Int("status", status),
		zap.Bool("retryable", err.Retryable),
	}
	if err.Cause != nil {
		fields = append(fields, zap.Error(err.Cause))
	}
	if status >= http.StatusInternalServerError {
		logger.Error("API error", fields...)
		return
	}
	logger.Info("API error", fields...)
}

var codeStatus = map[types.ErrorCode]int{
	types.ErrInvalidRequest:      http.StatusBadRequest,
	types.ErrEmptyPrompt:         http.StatusBadRequest,
	types.ErrToolValidation:      http.StatusBadRequest,
	types.ErrNotFound:            http.StatusNotFound,
	types.ErrAgentBusy:           http.StatusConflict,
	types.ErrRateLimited:         http.StatusTooManyRequests,
	types.ErrTimeout:             http.StatusGatewayTimeout,
	types.ErrModelExhausted:      http.StatusBadGateway,
	types.ErrUpstreamError:       http.StatusBadGateway,
	types.ErrServiceUnavailable:  http.StatusServiceUnavailable,
	types.ErrProviderUnavailable: http.StatusServiceUnavailable,
	types.ErrStoreFailure:        http.StatusServiceUnavailable,
}

func statusFor(code types.ErrorCode) int {
	if s, ok := codeStatus[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// agentErrors 把 agent 包的哨兵错误翻译成对外错误码，按顺序匹配
var agentErrors = []struct {
	target error
	build  func(cause error) *types.Error
}{
	{agent.ErrInvalidState, func(c error) *types.Error {
		return types.NewError(types.ErrAgentBusy, "conversation is already running, retry later").WithCause(c).WithRetryable(true)
	}},
	{agent.ErrEmptyPrompt, func(c error) *types.Error {
		return types.NewError(types.ErrEmptyPrompt, "message must not be empty").WithCause(c)
	}},
	{agent.ErrModelInvocation, func(c error) *types.Error {
		return types.NewError(types.ErrModelExhausted, "model is unavailable").WithCause(c).WithRetryable(true)
	}},
	{agent.ErrAgentClosed, func(c error) *types.Error {
		return types.NewError(types.ErrServiceUnavailable, "service is shutting down").WithCause(c)
	}},
	{agent.ErrMigrationUnsupported, func(c error) *types.Error {
		return types.NewError(types.ErrInvalidRequest, "memory has no secondary store to migrate from").
			WithCause(c).WithHTTPStatus(http.StatusNotImplemented)
	}},
	{context.DeadlineExceeded, func(c error) *types.Error {
		return types.NewError(types.ErrTimeout, "request timed out").WithCause(c).WithRetryable(true)
	}},
}

// ToAPIError 把任意错误转换为带错误码的 types.Error；链上已有 *types.Error 时直接使用
func ToAPIError(err error) *types.Error {
	for _, m := range agentErrors {
		if errors.Is(err, m.target) {
			return m.build(err)
		}
	}
	var typed *types.Error
	if errors.As(err, &typed) {
		return typed
	}
	return types.NewError(types.ErrInternalError, "internal error").WithCause(err)
}

// DecodeJSONBody 解码 JSON 请求体（1 MB 上限，拒绝未知字段）。
// 返回错误时响应已经写出。
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) error {
	var apiErr *types.Error
	if r.Body == nil || r.Body == http.NoBody {
		apiErr = types.NewError(types.ErrInvalidRequest, "request body is empty")
	} else {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		dec.DisallowUnknownFields()
		if err := dec.Decode(dst); err != nil {
			apiErr = types.NewError(types.ErrInvalidRequest, fmt.Sprintf("invalid JSON body: %v", err)).WithCause(err)
		}
	}
	if apiErr != nil {
		WriteError(w, apiErr, logger)
		return apiErr
	}
	return nil
}

// RequireConversationID 读取 conversation_id 查询参数，缺失时写出 400
func RequireConversationID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (string, bool) {
	id := r.URL.Query().Get("conversation_id")
	if id == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "conversation_id is required", logger)
	}
	return id, id != ""
}
