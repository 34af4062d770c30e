package retry

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/extractflow/llm"
	"github.com/BaSui01/extractflow/types"
)

// =============================================================================
// 传输层重试
// =============================================================================

// RetryableProvider 为 llm.Provider 增加指数退避重试。
// 只处理传输错误（types.Error.Retryable 为 true）；模型输出未通过校验属于
// structured 包的纠错重试，不在这里处理。
type RetryableProvider struct {
	inner  llm.Provider
	policy *Policy
	logger *zap.Logger
}

// NewRetryableProvider 创建带重试的 Provider 包装。policy 为 nil 时使用 DefaultPolicy。
func NewRetryableProvider(inner llm.Provider, policy *Policy, logger *zap.Logger) *RetryableProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &RetryableProvider{
		inner:  inner,
		policy: policy,
		logger: logger.With(zap.String("component", "retry_provider"), zap.String("provider", inner.Name())),
	}
}

var _ llm.Provider = (*RetryableProvider)(nil)

func (p *RetryableProvider) Name() string                        { return p.inner.Name() }
func (p *RetryableProvider) SupportsNativeFunctionCalling() bool { return p.inner.SupportsNativeFunctionCalling() }

func (p *RetryableProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return p.inner.HealthCheck(ctx)
}

// Completion 在可重试的传输错误上重试。
func (p *RetryableProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	return Do(ctx, p.policy, p.logger, func() (*llm.ChatResponse, error) {
		return p.inner.Completion(ctx, req)
	})
}

// Stream 只重试建立连接阶段，流中途的错误通过 StreamChunk.Err 交给调用方。
func (p *RetryableProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	return Do(ctx, p.policy, p.logger, func() (<-chan llm.StreamChunk, error) {
		return p.inner.Stream(ctx, req)
	})
}

// =============================================================================
// 传输层限流
// =============================================================================

// RateLimitedProvider 用令牌桶限制发往上游的请求速率。
// 纠错重试会成倍放大调用次数，限流放在传输层统一处理。
type RateLimitedProvider struct {
	inner   llm.Provider
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewRateLimitedProvider 创建限流包装。rps <= 0 表示不限流。
func NewRateLimitedProvider(inner llm.Provider, rps float64, burst int, logger *zap.Logger) *RateLimitedProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedProvider{
		inner:   inner,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With(zap.String("component", "rate_limited_provider"), zap.String("provider", inner.Name())),
	}
}

var _ llm.Provider = (*RateLimitedProvider)(nil)

func (p *RateLimitedProvider) Name() string                        { return p.inner.Name() }
func (p *RateLimitedProvider) SupportsNativeFunctionCalling() bool { return p.inner.SupportsNativeFunctionCalling() }

func (p *RateLimitedProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return p.inner.HealthCheck(ctx)
}

func (p *RateLimitedProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	return p.inner.Completion(ctx, req)
}

func (p *RateLimitedProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	return p.inner.Stream(ctx, req)
}

func (p *RateLimitedProvider) wait(ctx context.Context) error {
	start := time.Now()
	if err := p.limiter.Wait(ctx); err != nil {
		return types.NewError(types.ErrRateLimited, "local rate limit wait aborted").
			WithCause(err).
			WithProvider(p.inner.Name())
	}
	if waited := time.Since(start); waited > 100*time.Millisecond {
		p.logger.Debug("request delayed by rate limiter", zap.Duration("waited", waited))
	}
	return nil
}
