package metrics

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

func newTestCollector() *Collector {
	return NewCollectorWithRegistry(nextTestNamespace(), prometheus.NewRegistry(), zap.NewNop())
}

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.llmRequestsTotal)
	assert.NotNil(t, collector.agentRunsTotal)
	assert.NotNil(t, collector.memoryOpsTotal)
}

func TestCollector_NilReceiverIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordHTTPRequest("GET", "/", 200, time.Millisecond)
		c.RecordLLMRequest("mock", "m", "success", time.Millisecond, 1, 1)
		c.RecordLLMRetry("a")
		c.RecordToolExecution("t", true, time.Millisecond)
		c.RecordAgentRun("a", "sync", "success", time.Millisecond)
		c.RecordAgentStep("a")
		c.RecordAgentStateTransition("a", "idle", "running")
		c.RecordLoopDetected("a")
		c.RecordMemoryOperation("redis", "get", nil, time.Millisecond)
		c.RecordCompaction("success", 6)
		c.RecordCacheHit("agent")
		c.RecordCacheMiss("agent")
		c.RecordCacheSize("agent", 1)
	})
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	collector := newTestCollector()

	collector.RecordHTTPRequest("GET", "/health", 200, 100*time.Millisecond)
	collector.RecordHTTPRequest("GET", "/health", 503, 10*time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "/health", "2xx")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "/health", "5xx")))
}

func TestCollector_RecordAgentAndMemory(t *testing.T) {
	collector := newTestCollector()

	collector.RecordAgentStep("keeper")
	collector.RecordAgentStep("keeper")
	collector.RecordLoopDetected("keeper")
	collector.RecordMemoryOperation("redis", "append", errors.New("down"), time.Millisecond)
	collector.RecordCompaction("success", 6)

	assert.Equal(t, float64(2), testutil.ToFloat64(collector.agentStepsTotal.WithLabelValues("keeper")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.agentLoopsDetected.WithLabelValues("keeper")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.memoryOpsTotal.WithLabelValues("redis", "append", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.compactionsTotal.WithLabelValues("success")))
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, "2xx", statusCode(204))
	assert.Equal(t, "3xx", statusCode(302))
	assert.Equal(t, "4xx", statusCode(429))
	assert.Equal(t, "5xx", statusCode(500))
	assert.Equal(t, "100", statusCode(100))
}
