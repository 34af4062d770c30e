package cache

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/extractflow/llm"
	"github.com/BaSui01/extractflow/types"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func chatReq(content string) *llm.ChatRequest {
	return &llm.ChatRequest{
		Model:    "gpt-4o-mini",
		TenantID: "acme",
		Messages: []llm.Message{types.NewUserMessage(content)},
	}
}

// ---------------------------------------------------------------------------
// LRU
// ---------------------------------------------------------------------------

func TestLRUCache_Eviction(t *testing.T) {
	c := NewLRUCache(2, time.Minute)

	c.Set("key1", &Entry{TokensSaved: 1})
	c.Set("key2", &Entry{TokensSaved: 2})
	_, _ = c.Get("key1")                  // key1 变为最近使用
	c.Set("key3", &Entry{TokensSaved: 3}) // 驱逐 key2

	_, ok := c.Get("key2")
	assert.False(t, ok, "key2 should have been evicted")
	got, ok := c.Get("key1")
	require.True(t, ok)
	assert.Equal(t, 1, got.TokensSaved)
	assert.Equal(t, 2, c.Len())
}

func TestLRUCache_TTL(t *testing.T) {
	c := NewLRUCache(10, time.Minute)
	now := time.Unix(1700000000, 0)
	c.now = func() time.Time { return now }

	c.Set("key1", &Entry{})
	_, ok := c.Get("key1")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("key1")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestLRUCache_DeletePrefix(t *testing.T) {
	c := NewLRUCache(10, time.Minute)
	c.Set("extract:cache:a:1", &Entry{})
	c.Set("extract:cache:a:2", &Entry{})
	c.Set("extract:cache:b:1", &Entry{})

	assert.Equal(t, 2, c.DeletePrefix("extract:cache:a:"))
	assert.Equal(t, 1, c.Len())
}

// ---------------------------------------------------------------------------
// Key strategies
// ---------------------------------------------------------------------------

func TestHashKeyStrategy_IgnoresVolatileFields(t *testing.T) {
	s := NewHashKeyStrategy()

	a := chatReq("hello")
	b := chatReq("hello")
	b.TraceID = "other-trace"
	b.TenantID = "other-tenant"
	b.Metadata = map[string]string{"x": "y"}

	assert.Equal(t, s.GenerateKey(a), s.GenerateKey(b))
	assert.Contains(t, s.GenerateKey(a), "extract:cache:")
	assert.NotEqual(t, s.GenerateKey(a), s.GenerateKey(chatReq("world")))

	c := chatReq("hello")
	c.ResponseFormat = &llm.ResponseFormat{Type: llm.ResponseFormatJSONObject}
	assert.NotEqual(t, s.GenerateKey(a), s.GenerateKey(c), "response format changes output")
}

func TestTenantKeyStrategy(t *testing.T) {
	s := NewTenantKeyStrategy()
	key := s.GenerateKey(chatReq("hello"))
	assert.Contains(t, key, TenantPrefix("acme")+"gpt-4o-mini:")

	anon := chatReq("hello")
	anon.TenantID = ""
	assert.Contains(t, s.GenerateKey(anon), "extract:cache:_:")
}

func TestNewKeyStrategy(t *testing.T) {
	for name, want := range map[string]string{"": "hash", "hash": "hash", "tenant": "tenant"} {
		s, err := NewKeyStrategy(name)
		require.NoError(t, err)
		assert.Equal(t, want, s.Name())
	}
	_, err := NewKeyStrategy("semantic")
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// MultiLevelCache
// ---------------------------------------------------------------------------

func TestMultiLevelCache_RedisBackfillsLocal(t *testing.T) {
	mr, rdb := newRedis(t)
	c, err := NewMultiLevelCache(rdb, DefaultConfig(), zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	resp := &llm.ChatResponse{ID: "r1", Choices: []llm.ChatChoice{{Message: types.NewAssistantMessage("{}")}}}
	require.NoError(t, c.Set(ctx, "k", &Entry{Response: resp, TokensSaved: 9}))
	assert.True(t, mr.Exists("k"))
	ttl := mr.TTL("k")
	assert.Equal(t, time.Hour, ttl)

	c.local.Clear()
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "r1", got.Response.ID)
	assert.Equal(t, 1, c.local.Len(), "redis hit must backfill local cache")

	require.NoError(t, c.Delete(ctx, "k"))
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMultiLevelCache_CorruptEntryIsDropped(t *testing.T) {
	mr, rdb := newRedis(t)
	cfg := DefaultConfig()
	cfg.EnableLocal = false
	c, err := NewMultiLevelCache(rdb, cfg, nil)
	require.NoError(t, err)

	require.NoError(t, mr.Set("bad", "{not json"))
	_, err = c.Get(context.Background(), "bad")
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.False(t, mr.Exists("bad"))
}

func TestMultiLevelCache_InvalidateTenant(t *testing.T) {
	mr, rdb := newRedis(t)
	cfg := DefaultConfig()
	cfg.KeyStrategy = "tenant"
	c, err := NewMultiLevelCache(rdb, cfg, nil)
	require.NoError(t, err)
	ctx := context.Background()

	for _, content := range []string{"a", "b", "c"} {
		req := chatReq(content)
		require.NoError(t, c.Set(ctx, c.GenerateKey(req), &Entry{Response: &llm.ChatResponse{}}))
	}
	other := chatReq("a")
	other.TenantID = "globex"
	otherKey := c.GenerateKey(other)
	require.NoError(t, c.Set(ctx, otherKey, &Entry{Response: &llm.ChatResponse{}}))

	n, err := c.InvalidateTenant(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{otherKey}, mr.Keys())
}

// ---------------------------------------------------------------------------
// CachedProvider
// ---------------------------------------------------------------------------

type countingProvider struct {
	calls atomic.Int32
}

func (p *countingProvider) Completion(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	n := p.calls.Add(1)
	args, _ := json.Marshal(map[string]any{"call": n})
	return &llm.ChatResponse{
		ID:      "resp",
		Model:   req.Model,
		Choices: []llm.ChatChoice{{Message: types.NewAssistantMessage(string(args))}},
		Usage:   llm.ChatUsage{TotalTokens: 12},
	}, nil
}

func (p *countingProvider) Stream(context.Context, *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk)
	close(ch)
	return ch, nil
}

func (p *countingProvider) HealthCheck(context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true}, nil
}
func (p *countingProvider) Name() string                        { return "counting" }
func (p *countingProvider) SupportsNativeFunctionCalling() bool { return true }

type hitCounter struct{ hits, misses int }

func (h *hitCounter) RecordCacheHit(string)  { h.hits++ }
func (h *hitCounter) RecordCacheMiss(string) { h.misses++ }

func TestCachedProvider_Completion(t *testing.T) {
	_, rdb := newRedis(t)
	c, err := NewMultiLevelCache(rdb, DefaultConfig(), nil)
	require.NoError(t, err)

	inner := &countingProvider{}
	rec := &hitCounter{}
	p := NewCachedProvider(inner, c, rec, zap.NewNop())
	ctx := context.Background()

	first, err := p.Completion(ctx, chatReq("hello"))
	require.NoError(t, err)
	second, err := p.Completion(ctx, chatReq("hello"))
	require.NoError(t, err)

	assert.Equal(t, int32(1), inner.calls.Load())
	assert.Equal(t, first.Choices[0].Message.Content, second.Choices[0].Message.Content)
	assert.Equal(t, 1, rec.hits)
	assert.Equal(t, 1, rec.misses)

	_, err = p.Completion(ctx, chatReq("different"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestCachedProvider_SkipsNonDeterministic(t *testing.T) {
	c, err := NewMultiLevelCache(nil, DefaultConfig(), nil)
	require.NoError(t, err)

	inner := &countingProvider{}
	p := NewCachedProvider(inner, c, nil, nil)

	req := chatReq("hello")
	req.Temperature = 0.7
	for i := 0; i < 3; i++ {
		_, err := p.Completion(context.Background(), req)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), inner.calls.Load())
	assert.Equal(t, "counting", p.Name())
}
