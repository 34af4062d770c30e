package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollectorWithRegisterer(nextTestNamespace(), reg, zap.NewNop()), reg
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.llmRequestsTotal)
	assert.NotNil(t, collector.extractAttemptsTotal)
	assert.NotNil(t, collector.extractionsTotal)
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.RecordHTTPRequest("POST", "/api/v1/extract", 200, 100*time.Millisecond, 1024, 2048)
	collector.RecordHTTPRequest("POST", "/api/v1/extract", 201, 50*time.Millisecond, 512, 1024)
	collector.RecordHTTPRequest("POST", "/api/v1/extract", 422, 10*time.Millisecond, 512, 128)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("POST", "/api/v1/extract", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("POST", "/api/v1/extract", "4xx")))
}

func TestCollector_RecordLLMRequest(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.RecordLLMRequest("openai", "gpt-4o", "success", 500*time.Millisecond, 100, 50)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.llmRequestsTotal.WithLabelValues("openai", "gpt-4o", "success")))
	assert.Equal(t, 100.0, testutil.ToFloat64(collector.llmTokensUsed.WithLabelValues("openai", "gpt-4o", "prompt")))
	assert.Equal(t, 50.0, testutil.ToFloat64(collector.llmTokensUsed.WithLabelValues("openai", "gpt-4o", "completion")))
}

func TestCollector_RecordExtraction(t *testing.T) {
	reg := prometheus.NewRegistry()
	ns := nextTestNamespace()
	collector := NewCollectorWithRegisterer(ns, reg, zap.NewNop())

	collector.RecordExtractAttempt("tools", "invalid")
	collector.RecordExtractAttempt("tools", "invalid")
	collector.RecordExtractAttempt("tools", "ok")
	collector.RecordExtractAttempt("", "transport_error")
	collector.RecordExtraction("off", "ok", 3, 2*time.Second)
	collector.RecordExtraction("record", "error", 1, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.extractAttemptsTotal.WithLabelValues("tools", "invalid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.extractAttemptsTotal.WithLabelValues("unknown", "transport_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.extractionsTotal.WithLabelValues("off", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.extractionsTotal.WithLabelValues("record", "error")))

	n, err := testutil.GatherAndCount(reg, ns+"_extraction_attempts")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCollector_RecordCacheOperation(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.RecordCacheHit("redis")
	collector.RecordCacheMiss("redis")
	collector.RecordCacheMiss("redis")

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.cacheHits.WithLabelValues("redis")))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.cacheMisses.WithLabelValues("redis")))
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	collector, _ := newTestCollector(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.RecordHTTPRequest("GET", "/health", 200, 100*time.Millisecond, 0, 64)
			collector.RecordExtractAttempt("json", "ok")
			collector.RecordCacheHit("redis")
		}()
	}
	wg.Wait()

	assert.Equal(t, 10.0, testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "/health", "2xx")))
	assert.Equal(t, 10.0, testutil.ToFloat64(collector.extractAttemptsTotal.WithLabelValues("json", "ok")))
	assert.Equal(t, 10.0, testutil.ToFloat64(collector.cacheHits.WithLabelValues("redis")))
}

func TestCollector_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	ns := nextTestNamespace()
	NewCollectorWithRegisterer(ns, reg, zap.NewNop())

	assert.Panics(t, func() { NewCollectorWithRegisterer(ns, reg, zap.NewNop()) })
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, "2xx", statusCode(204))
	assert.Equal(t, "3xx", statusCode(302))
	assert.Equal(t, "4xx", statusCode(429))
	assert.Equal(t, "5xx", statusCode(503))
	assert.Equal(t, "unknown", statusCode(0))
}
