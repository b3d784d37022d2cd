package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BaSui01/convokeeper/agent"
	"github.com/BaSui01/convokeeper/agent/memory"
	"github.com/BaSui01/convokeeper/agent/persistence"
	"github.com/BaSui01/convokeeper/api"
	"github.com/BaSui01/convokeeper/internal/cache"
	"github.com/BaSui01/convokeeper/testutil/mocks"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type handlerRig struct {
	manager   *agent.Manager
	primary   *persistence.MemoryChatStore
	secondary *persistence.MemoryChatStore
}

func newHandlerRig(t *testing.T, provider *mocks.MockProvider) *handlerRig {
	t.Helper()
	primary := persistence.NewMemoryChatStore(persistence.StoreConfig{})
	secondary := persistence.NewMemoryChatStore(persistence.StoreConfig{})
	mem := memory.NewHybrid(primary, secondary, memory.PolicyHybrid)
	return &handlerRig{
		manager:   newManagerOver(t, provider, mem),
		primary:   primary,
		secondary: secondary,
	}
}

func newManagerOver(t *testing.T, provider *mocks.MockProvider, mem memory.Memory) *agent.Manager {
	t.Helper()
	cfg := agent.DefaultConfig()
	cfg.RetryDelay = 0
	cfg.MaxAttempts = 1
	factory := agent.NewFactory(cfg, agent.Dependencies{Provider: provider, Memory: mem, Logger: zap.NewNop()})
	m := agent.NewManager(factory, mem, cache.Config{
		MaxEntries:        10,
		ExpireAfterAccess: time.Minute,
		CleanupInterval:   time.Hour,
	})
	t.Cleanup(m.Close)
	return m
}

func postJSON(t *testing.T, h http.HandlerFunc, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodPost, "/v1/agent/run", bytes.NewReader(raw)))
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, dst any) Response {
	t.Helper()
	var resp struct {
		Response
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	if dst != nil {
		require.NoError(t, json.Unmarshal(resp.Data, dst))
	}
	return resp.Response
}

// =============================================================================
// 同步运行
// =============================================================================

func TestAgentHandler_HandleRun(t *testing.T) {
	rig := newHandlerRig(t, mocks.NewMockProvider().WithResponse("hello there"))
	h := NewAgentHandler(rig.manager, zap.NewNop())

	w := postJSON(t, h.HandleRun, api.RunRequest{ConversationID: "c1", Message: "hi"})
	require.Equal(t, http.StatusOK, w.Code)

	var out api.RunResponse
	resp := decodeData(t, w, &out)
	assert.True(t, resp.Success)
	assert.Equal(t, "c1", out.ConversationID)
	assert.Equal(t, "Step 1: hello there", out.Result)
	assert.Equal(t, 2, rig.manager.MessageCount(context.Background(), "c1"))
}

func TestAgentHandler_HandleRun_GeneratesConversationID(t *testing.T) {
	rig := newHandlerRig(t, mocks.NewMockProvider())
	h := NewAgentHandler(rig.manager, nil)

	w := postJSON(t, h.HandleRun, api.RunRequest{UserID: "u1", Message: "hi"})
	require.Equal(t, http.StatusOK, w.Code)

	var out api.RunResponse
	decodeData(t, w, &out)
	assert.True(t, strings.HasPrefix(out.ConversationID, "chat:u1:"), out.ConversationID)
}

func TestAgentHandler_HandleRun_Errors(t *testing.T) {
	tests := []struct {
		name       string
		provider   *mocks.MockProvider
		body       any
		wantStatus int
		wantCode   string
	}{
		{
			name:       "empty message",
			provider:   mocks.NewMockProvider(),
			body:       api.RunRequest{ConversationID: "c1", Message: "  "},
			wantStatus: http.StatusBadRequest,
			wantCode:   "EMPTY_PROMPT",
		},
		{
			name:       "model exhausted",
			provider:   mocks.NewMockProvider().WithError(mocks.ErrMockFailure),
			body:       api.RunRequest{ConversationID: "c1", Message: "hi"},
			wantStatus: http.StatusBadGateway,
			wantCode:   "MODEL_EXHAUSTED",
		},
		{
			name:       "unknown field",
			provider:   mocks.NewMockProvider(),
			body:       map[string]string{"prompt": "hi"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_REQUEST",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig := newHandlerRig(t, tt.provider)
			h := NewAgentHandler(rig.manager, zap.NewNop())

			w := postJSON(t, h.HandleRun, tt.body)
			assert.Equal(t, tt.wantStatus, w.Code)
			resp := decodeData(t, w, nil)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.wantCode, resp.Error.Code)
		})
	}
}

func TestAgentHandler_HandleRun_AfterClose(t *testing.T) {
	rig := newHandlerRig(t, mocks.NewMockProvider())
	rig.manager.Close()
	h := NewAgentHandler(rig.manager, zap.NewNop())

	w := postJSON(t, h.HandleRun, api.RunRequest{ConversationID: "c1", Message: "hi"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

// =============================================================================
// SSE
// =============================================================================

func TestWriteSSE_MultiLine(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, writeSSE(w, "step", "Step 1: a\nb"))
	assert.Equal(t, "event: step\ndata: Step 1: a\ndata: b\n\n", w.Body.String())
}

func TestAgentHandler_HandleChat(t *testing.T) {
	rig := newHandlerRig(t, mocks.NewMockProvider().WithResponse("hello there"))
	h := NewAgentHandler(rig.manager, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(h.HandleChat))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "?conversation_id=c1&message=hi")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t,
		"event: conversationId\ndata: c1\n\n"+
			"event: step\ndata: Step 1: hello there\n\n"+
			"event: done\ndata: [DONE]\n\n",
		string(body))
}

func TestAgentHandler_HandleChat_EmptyMessage(t *testing.T) {
	rig := newHandlerRig(t, mocks.NewMockProvider())
	h := NewAgentHandler(rig.manager, zap.NewNop())

	w := httptest.NewRecorder()
	h.HandleChat(w, httptest.NewRequest(http.MethodGet, "/v1/agent/chat?conversation_id=c1", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
}

func TestAgentHandler_HandleChat_ModelFailureEmitsErrorEvent(t *testing.T) {
	rig := newHandlerRig(t, mocks.NewMockProvider().WithError(mocks.ErrMockFailure))
	h := NewAgentHandler(rig.manager, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(h.HandleChat))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "?conversation_id=c1&message=hi")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(body), "event: conversationId\ndata: c1\n\n"))
	assert.Contains(t, string(body), "event: error\ndata: step 1: think: "+agent.ErrModelInvocation.Error())
	assert.Contains(t, string(body), mocks.ErrMockFailure.Error())
	assert.NotContains(t, string(body), "event: done")
}

// =============================================================================
// WebSocket
// =============================================================================

func dialWS(t *testing.T, h http.HandlerFunc) (*websocket.Conn, context.Context) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn, ctx
}

func readAllEvents(ctx context.Context, conn *websocket.Conn) ([]api.StreamEvent, error) {
	var events []api.StreamEvent
	for {
		var ev api.StreamEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}

func TestAgentHandler_HandleWebSocket(t *testing.T) {
	rig := newHandlerRig(t, mocks.NewMockProvider().WithResponse("hello there"))
	h := NewAgentHandler(rig.manager, zap.NewNop())
	conn, ctx := dialWS(t, h.HandleWebSocket)

	require.NoError(t, wsjson.Write(ctx, conn, api.RunRequest{ConversationID: "c1", Message: "hi"}))

	events, err := readAllEvents(ctx, conn)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
	require.Len(t, events, 3)
	assert.Equal(t, api.StreamEvent{Type: "conversationId", Data: "c1"}, events[0])
	assert.Equal(t, api.StreamEvent{Type: "step", Data: "Step 1: hello there"}, events[1])
	assert.Equal(t, api.StreamEvent{Type: "done", Data: agent.DoneMarker}, events[2])
}

func TestAgentHandler_HandleWebSocket_EmptyMessage(t *testing.T) {
	rig := newHandlerRig(t, mocks.NewMockProvider())
	h := NewAgentHandler(rig.manager, zap.NewNop())
	conn, ctx := dialWS(t, h.HandleWebSocket)

	require.NoError(t, wsjson.Write(ctx, conn, api.RunRequest{ConversationID: "c1"}))

	events, err := readAllEvents(ctx, conn)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
	require.Len(t, events, 1)
	assert.Equal(t, "error", events[0].Type)
}

func TestAgentHandler_HandleWebSocket_BadFrame(t *testing.T) {
	rig := newHandlerRig(t, mocks.NewMockProvider())
	h := NewAgentHandler(rig.manager, zap.NewNop())
	conn, ctx := dialWS(t, h.HandleWebSocket)

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("not json")))

	events, err := readAllEvents(ctx, conn)
	require.Error(t, err)
	assert.Empty(t, events)
	assert.NotEqual(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}

// =============================================================================
// 缓存统计
// =============================================================================

func TestAgentHandler_HandleCacheStats(t *testing.T) {
	rig := newHandlerRig(t, mocks.NewMockProvider())
	h := NewAgentHandler(rig.manager, zap.NewNop())

	postJSON(t, h.HandleRun, api.RunRequest{ConversationID: "c1", Message: "hi"})
	postJSON(t, h.HandleRun, api.RunRequest{ConversationID: "c1", Message: "again"})

	w := httptest.NewRecorder()
	h.HandleCacheStats(w, httptest.NewRequest(http.MethodGet, "/v1/agent/cache/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var stats api.CacheStatsResponse
	decodeData(t, w, &stats)
	assert.EqualValues(t, 1, stats.Misses)
	assert.EqualValues(t, 1, stats.Hits)
	assert.EqualValues(t, 2, stats.Requests)
	assert.Equal(t, 1, stats.Size)
	assert.Contains(t, stats.Summary, "AgentCache{")
}
