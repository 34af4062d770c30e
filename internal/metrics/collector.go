package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// 耗时分桶：上游调用通常在秒级，一次带重试的抽取可能到分钟级。
var (
	llmLatencyBuckets     = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60}
	extractLatencyBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}
	attemptBuckets        = []float64{1, 2, 3, 4, 6, 8, 11, 16}
	sizeBuckets           = prometheus.ExponentialBuckets(100, 10, 8)
)

// Collector 汇总服务端、上游调用、抽取引擎与缓存的 Prometheus 指标。
// 它实现 structured.Recorder、observability.Recorder 与 cache.HitRecorder，
// 三处都直接注入同一个实例。
type Collector struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	llmRequestsTotal   *prometheus.CounterVec
	llmRequestDuration *prometheus.HistogramVec
	llmTokensUsed      *prometheus.CounterVec

	extractAttemptsTotal *prometheus.CounterVec
	extractionsTotal     *prometheus.CounterVec
	extractionAttempts   *prometheus.HistogramVec
	extractionDuration   *prometheus.HistogramVec

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec
}

// NewCollector 注册到 prometheus.DefaultRegisterer。
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWithRegisterer(namespace, prometheus.DefaultRegisterer, logger)
}

// NewCollectorWithRegisterer 注册到 reg。同一 namespace 在同一 reg 上重复注册会 panic。
func NewCollectorWithRegisterer(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	f := promauto.With(reg)
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}
	histogram := func(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
		return f.NewHistogramVec(prometheus.HistogramOpts{Namespace: namespace, Name: name, Help: help, Buckets: buckets}, labels)
	}

	c := &Collector{
		httpRequestsTotal:   counter("http_requests_total", "HTTP requests served", "method", "path", "status"),
		httpRequestDuration: histogram("http_request_duration_seconds", "HTTP request latency", prometheus.DefBuckets, "method", "path"),
		httpRequestSize:     histogram("http_request_size_bytes", "HTTP request body size", sizeBuckets, "method", "path"),
		httpResponseSize:    histogram("http_response_size_bytes", "HTTP response body size", sizeBuckets, "method", "path"),

		llmRequestsTotal:   counter("llm_requests_total", "Upstream model calls", "provider", "model", "status"),
		llmRequestDuration: histogram("llm_request_duration_seconds", "Upstream model call latency", llmLatencyBuckets, "provider", "model"),
		// type: prompt | completion
		llmTokensUsed: counter("llm_tokens_used_total", "Tokens billed by the upstream", "provider", "model", "type"),

		// outcome: ok | invalid | malformed | transport_error
		extractAttemptsTotal: counter("extract_attempts_total", "Model calls made by the retry controller", "mode", "outcome"),
		extractionsTotal:     counter("extractions_total", "Finished extractions", "stream", "kind"),
		extractionAttempts:   histogram("extraction_attempts", "Model calls per extraction", attemptBuckets, "stream"),
		extractionDuration:   histogram("extraction_duration_seconds", "Extraction latency including retries", extractLatencyBuckets, "stream"),

		cacheHits:   counter("cache_hits_total", "Completion cache hits", "cache_type"),
		cacheMisses: counter("cache_misses_total", "Completion cache misses", "cache_type"),
	}

	if logger != nil {
		logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	}
	return c
}

// RecordHTTPRequest path 应当是归一化后的路由，避免标签基数失控。
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

func (c *Collector) RecordLLMRequest(provider, model, status string, duration time.Duration, promptTokens, completionTokens int) {
	c.llmRequestsTotal.WithLabelValues(provider, model, status).Inc()
	c.llmRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	c.llmTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	c.llmTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
}

// RecordExtractAttempt 记录重试控制器每次模型调用的校验结果。
func (c *Collector) RecordExtractAttempt(mode, outcome string) {
	if mode == "" {
		mode = "unknown"
	}
	c.extractAttemptsTotal.WithLabelValues(mode, outcome).Inc()
}

// RecordExtraction 记录一次结束的抽取；流式抽取的 attempts 固定为 1。
func (c *Collector) RecordExtraction(stream, kind string, attempts int, duration time.Duration) {
	c.extractionsTotal.WithLabelValues(stream, kind).Inc()
	if attempts > 0 {
		c.extractionAttempts.WithLabelValues(stream).Observe(float64(attempts))
	}
	c.extractionDuration.WithLabelValues(stream).Observe(duration.Seconds())
}

func (c *Collector) RecordCacheHit(cacheType string)  { c.cacheHits.WithLabelValues(cacheType).Inc() }
func (c *Collector) RecordCacheMiss(cacheType string) { c.cacheMisses.WithLabelValues(cacheType).Inc() }

// statusCode 把状态码归类为 2xx..5xx。
func statusCode(code int) string {
	if code < 200 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}
