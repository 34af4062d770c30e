package observability

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/extractflow/llm"
	"github.com/BaSui01/extractflow/types"
)

const instrumentationName = "github.com/BaSui01/extractflow/llm"

// Recorder 接收每次上游调用的指标；internal/metrics.Collector 实现了它。
type Recorder interface {
	RecordLLMRequest(provider, model, status string, duration time.Duration, promptTokens, completionTokens int)
}

// InstrumentedProvider 为每次上游调用创建 span、记录 Prometheus 指标并累计成本。
type InstrumentedProvider struct {
	inner    llm.Provider
	tracer   trace.Tracer
	recorder Recorder
	costs    *CostTracker
	logger   *zap.Logger
}

// Option 配置 InstrumentedProvider
type Option func(*InstrumentedProvider)

func WithTracer(t trace.Tracer) Option {
	return func(p *InstrumentedProvider) {
		if t != nil {
			p.tracer = t
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(p *InstrumentedProvider) { p.recorder = r }
}

func WithCostTracker(c *CostTracker) Option {
	return func(p *InstrumentedProvider) { p.costs = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(p *InstrumentedProvider) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewInstrumentedProvider 包装 inner
func NewInstrumentedProvider(inner llm.Provider, opts ...Option) *InstrumentedProvider {
	p := &InstrumentedProvider{
		inner:  inner,
		tracer: otel.Tracer(instrumentationName),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("provider", inner.Name()))
	return p
}

func (p *InstrumentedProvider) Name() string                        { return p.inner.Name() }
func (p *InstrumentedProvider) SupportsNativeFunctionCalling() bool { return p.inner.SupportsNativeFunctionCalling() }

func (p *InstrumentedProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return p.inner.HealthCheck(ctx)
}

func (p *InstrumentedProvider) start(ctx context.Context, op string, req *llm.ChatRequest) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, op, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(
		attribute.String("llm.provider", p.inner.Name()),
		attribute.String("llm.model", req.Model),
		attribute.String("tenant.id", req.TenantID),
		attribute.String("trace.request_id", req.TraceID),
		attribute.Int("llm.messages", len(req.Messages)),
	))
}

// Completion 调用上游并记录结果
func (p *InstrumentedProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	ctx, span := p.start(ctx, "llm.completion", req)
	defer span.End()

	start := time.Now()
	resp, err := p.inner.Completion(ctx, req)
	model := req.Model
	var usage llm.ChatUsage
	if resp != nil {
		usage = resp.Usage
		if resp.Model != "" {
			model = resp.Model
		}
	}
	p.finish(span, model, time.Since(start), usage, err)
	return resp, err
}

// Stream 的 span 在通道关闭时结束，usage 取最后一个携带 usage 的 chunk。
func (p *InstrumentedProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	ctx, span := p.start(ctx, "llm.stream", req)
	start := time.Now()

	src, err := p.inner.Stream(ctx, req)
	if err != nil {
		p.finish(span, req.Model, time.Since(start), llm.ChatUsage{}, err)
		span.End()
		return nil, err
	}

	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		defer span.End()

		model := req.Model
		var usage llm.ChatUsage
		var streamErr error
		first := true
		for chunk := range src {
			if first {
				span.AddEvent("first_chunk")
				first = false
			}
			if chunk.Model != "" {
				model = chunk.Model
			}
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}
			if chunk.Err != nil {
				streamErr = chunk.Err
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				// 消费方已放弃；继续排空上游直到其关闭
				if streamErr == nil {
					streamErr = ctx.Err()
				}
				for range src {
				}
				p.finish(span, model, time.Since(start), usage, streamErr)
				return
			}
		}
		// 上游因取消而提前关闭通道
		if streamErr == nil && ctx.Err() != nil {
			streamErr = ctx.Err()
		}
		p.finish(span, model, time.Since(start), usage, streamErr)
	}()
	return out, nil
}

func (p *InstrumentedProvider) finish(span trace.Span, model string, elapsed time.Duration, usage llm.ChatUsage, err error) {
	status := statusOf(err)
	cost := 0.0
	if p.costs != nil && err == nil {
		cost = p.costs.Track(p.inner.Name(), model, usage.PromptTokens, usage.CompletionTokens)
	}
	if p.recorder != nil {
		p.recorder.RecordLLMRequest(p.inner.Name(), model, status, elapsed, usage.PromptTokens, usage.CompletionTokens)
	}

	span.SetAttributes(
		attribute.String("llm.status", status),
		attribute.String("llm.response_model", model),
		attribute.Int("llm.tokens.prompt", usage.PromptTokens),
		attribute.Int("llm.tokens.completion", usage.CompletionTokens),
		attribute.Float64("llm.cost_usd", cost),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Debug("upstream call failed",
			zap.String("model", model),
			zap.String("status", status),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
	}
}

// statusOf 把错误折叠为低基数的状态标签
func statusOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	if te, ok := types.AsError(err); ok && te.Code != "" {
		return string(te.Code)
	}
	return "error"
}

var _ llm.Provider = (*InstrumentedProvider)(nil)
