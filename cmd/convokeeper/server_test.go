package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/convokeeper/agent"
	"github.com/BaSui01/convokeeper/agent/persistence"
	"github.com/BaSui01/convokeeper/api"
	"github.com/BaSui01/convokeeper/config"
	"github.com/BaSui01/convokeeper/llm/tools"
	"github.com/BaSui01/convokeeper/testutil/mocks"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Store.Primary.Type = persistence.StoreTypeMemory
	cfg.Store.Secondary.Type = persistence.StoreTypeFile
	cfg.Store.Secondary.BaseDir = t.TempDir()
	cfg.Tools.BaseDir = t.TempDir()
	cfg.Agent.RetryDelay = 0
	cfg.Agent.MaxAttempts = 1
	cfg.Server.RateLimitRPS = 0
	return cfg
}

func newTestRuntime(t *testing.T, cfg *config.Config, provider *mocks.MockProvider) *runtime {
	t.Helper()
	rt, err := buildRuntime(cfg, zap.NewNop(), withProvider(provider), withRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.close(context.Background()) })
	return rt
}

func newTestServer(t *testing.T, rt *runtime) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(newRouter(ctx, rt, "test"))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return srv
}

func decodeEnvelope(t *testing.T, r io.Reader, dst any) {
	t.Helper()
	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(r).Decode(&env))
	require.True(t, env.Success)
	require.NoError(t, json.Unmarshal(env.Data, dst))
}

func TestBuildRuntime_Components(t *testing.T) {
	rt := newTestRuntime(t, testConfig(t), mocks.NewMockProvider())

	assert.NotNil(t, rt.summarize, "summary is enabled by default")
	assert.Same(t, rt.summarize, rt.memory)
	for _, name := range []string{tools.TerminateToolName, "get_current_datetime", "read_file", "write_file"} {
		assert.True(t, rt.registry.Has(name), name)
	}
	assert.Equal(t, "mock", rt.provider.Name())
}

func TestBuildRuntime_WithoutSummaryOrFileTools(t *testing.T) {
	cfg := testConfig(t)
	cfg.Memory.SummaryEnabled = false
	cfg.Tools.BaseDir = ""
	rt := newTestRuntime(t, cfg, mocks.NewMockProvider())

	assert.Nil(t, rt.summarize)
	assert.Same(t, rt.hybrid, rt.memory)
	assert.False(t, rt.registry.Has("read_file"))
	assert.True(t, rt.registry.Has(tools.TerminateToolName))
}

func TestBuildRuntime_InvalidStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Secondary.Type = "bogus"

	_, err := buildRuntime(cfg, zap.NewNop(), withProvider(mocks.NewMockProvider()), withRegistry(prometheus.NewRegistry()))
	require.Error(t, err)
	assert.ErrorIs(t, err, persistence.ErrInvalidInput)
}

func TestRouter_RunThenInspect(t *testing.T) {
	rt := newTestRuntime(t, testConfig(t), mocks.NewMockProvider().WithResponse("hi there"))
	srv := newTestServer(t, rt)

	body, _ := json.Marshal(api.RunRequest{ConversationID: "c1", Message: "hello"})
	resp, err := http.Post(srv.URL+"/v1/agent/run", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(requestIDHeader))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))

	var run api.RunResponse
	decodeEnvelope(t, resp.Body, &run)
	assert.Equal(t, "Step 1: hi there", run.Result)

	resp2, err := http.Get(srv.URL + "/v1/conversations/count?conversation_id=c1")
	require.NoError(t, err)
	defer resp2.Body.Close()

	var status api.ConversationStatus
	decodeEnvelope(t, resp2.Body, &status)
	assert.True(t, status.Exists)
	assert.EqualValues(t, 2, status.MessageCount)
}

func TestRouter_MethodMismatch(t *testing.T) {
	srv := newTestServer(t, newTestRuntime(t, testConfig(t), mocks.NewMockProvider()))

	resp, err := http.Get(srv.URL + "/v1/agent/run")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRouter_HealthReadyMetrics(t *testing.T) {
	srv := newTestServer(t, newTestRuntime(t, testConfig(t), mocks.NewMockProvider()))

	for _, path := range []string{"/health", "/ready"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `convokeeper_http_requests_total{method="GET",path="/health",status="2xx"} 1`)
}

func TestRouter_RateLimited(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.RateLimitRPS = 1
	cfg.Server.RateLimitBurst = 1
	srv := newTestServer(t, newTestRuntime(t, cfg, mocks.NewMockProvider()))

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		resp, err := http.Get(srv.URL + "/health")
		require.NoError(t, err)
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRunChat(t *testing.T) {
	rt := newTestRuntime(t, testConfig(t), mocks.NewMockProvider().WithResponse("hi there"))

	var out bytes.Buffer
	err := runChat(context.Background(), rt.manager, &chatOptions{conversationID: "c1", message: "hello"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "conversation: c1\nStep 1: hi there\n", out.String())
}

func TestRunChat_GeneratesConversationID(t *testing.T) {
	rt := newTestRuntime(t, testConfig(t), mocks.NewMockProvider())

	var out bytes.Buffer
	require.NoError(t, runChat(context.Background(), rt.manager, &chatOptions{userID: "u7", message: "hello"}, &out))
	assert.True(t, strings.HasPrefix(out.String(), "conversation: chat:u7:"), out.String())
}

func TestRunChat_Errors(t *testing.T) {
	rt := newTestRuntime(t, testConfig(t), mocks.NewMockProvider().WithError(mocks.ErrMockFailure))

	err := runChat(context.Background(), rt.manager, &chatOptions{conversationID: "c1"}, io.Discard)
	assert.ErrorIs(t, err, agent.ErrEmptyPrompt)

	err = runChat(context.Background(), rt.manager, &chatOptions{conversationID: "c2", message: "hello"}, io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), agent.ErrModelInvocation.Error())
}

func TestNewProvider_SelectsImplementation(t *testing.T) {
	cfg := config.DefaultLLMConfig()
	assert.Equal(t, "openai", newProvider(cfg, zap.NewNop()).Name())

	cfg.Provider = "anthropic"
	cfg.Model = "claude-sonnet-4-20250514"
	assert.Equal(t, "anthropic", newProvider(cfg, zap.NewNop()).Name())
}

func TestBuildRuntime_SQLStoreExportsPoolStats(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Secondary.Type = persistence.StoreTypeSQL
	cfg.Store.Secondary.SQL.Driver = "sqlite"
	cfg.Store.Secondary.SQL.DSN = "file::memory:"
	cfg.Store.Secondary.SQL.Pool.MaxOpenConns = 1
	cfg.Store.Secondary.SQL.Pool.MaxIdleConns = 1
	cfg.Store.Secondary.SQL.Pool.HealthCheckInterval = 0

	reg := prometheus.NewRegistry()
	rt, err := buildRuntime(cfg, zap.NewNop(), withProvider(mocks.NewMockProvider()), withRegistry(reg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.close(context.Background()) })

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range families {
		if mf.GetName() != "go_sql_max_open_connections" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "db_name" && lp.GetValue() == "secondary" {
					found = true
					assert.EqualValues(t, 1, m.GetGauge().GetValue())
				}
			}
		}
	}
	assert.True(t, found, "pool stats for the sql store are registered")
}
