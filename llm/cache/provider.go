package cache

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/BaSui01/extractflow/llm"
)

// HitRecorder 接收缓存命中统计；internal/metrics.Collector 实现了它。
type HitRecorder interface {
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
}

const cacheType = "completion"

// CachedProvider 在 Completion 前查询缓存。流式请求直接透传：
// 流式结果按片段消费，缓存整段响应没有意义。
type CachedProvider struct {
	inner    llm.Provider
	cache    *MultiLevelCache
	recorder HitRecorder
	logger   *zap.Logger
}

// NewCachedProvider 包装 inner。recorder 可以为 nil。
func NewCachedProvider(inner llm.Provider, cache *MultiLevelCache, recorder HitRecorder, logger *zap.Logger) *CachedProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedProvider{
		inner:    inner,
		cache:    cache,
		recorder: recorder,
		logger:   logger.With(zap.String("provider", inner.Name())),
	}
}

func (p *CachedProvider) Name() string                        { return p.inner.Name() }
func (p *CachedProvider) SupportsNativeFunctionCalling() bool { return p.inner.SupportsNativeFunctionCalling() }

func (p *CachedProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return p.inner.HealthCheck(ctx)
}

func (p *CachedProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	return p.inner.Stream(ctx, req)
}

// Completion 命中时返回缓存副本；未命中时调用上游并写回。写缓存失败不影响结果。
func (p *CachedProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if !p.cache.IsCacheable(req) {
		return p.inner.Completion(ctx, req)
	}

	key := p.cache.GenerateKey(req)
	entry, err := p.cache.Get(ctx, key)
	if err == nil && entry.Response != nil {
		p.record(true)
		resp := *entry.Response
		resp.Choices = append([]llm.ChatChoice(nil), entry.Response.Choices...)
		return &resp, nil
	}
	if err != nil && !errors.Is(err, ErrCacheMiss) {
		p.logger.Warn("cache lookup failed", zap.Error(err))
	}
	p.record(false)

	resp, err := p.inner.Completion(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) > 0 {
		if err := p.cache.Set(ctx, key, &Entry{Response: resp, TokensSaved: resp.Usage.TotalTokens}); err != nil {
			p.logger.Warn("cache write failed", zap.String("trace_id", req.TraceID), zap.Error(err))
		}
	}
	return resp, nil
}

func (p *CachedProvider) record(hit bool) {
	if p.recorder == nil {
		return
	}
	if hit {
		p.recorder.RecordCacheHit(cacheType)
	} else {
		p.recorder.RecordCacheMiss(cacheType)
	}
}

var _ llm.Provider = (*CachedProvider)(nil)
