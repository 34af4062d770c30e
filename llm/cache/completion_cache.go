package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/extractflow/llm"
)

var ErrCacheMiss = errors.New("cache miss")

// Store 补全缓存接口
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, key string, entry *Entry) error
	Delete(ctx context.Context, key string) error
}

// Entry 缓存条目
type Entry struct {
	Response    *llm.ChatResponse `json:"response"`
	TokensSaved int               `json:"tokens_saved"`
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
}

// Config 缓存配置
type Config struct {
	LocalMaxSize int           `yaml:"local_max_size" json:"local_max_size"` // 本地缓存最大条目数
	LocalTTL     time.Duration `yaml:"local_ttl" json:"local_ttl"`           // 本地缓存 TTL
	RedisTTL     time.Duration `yaml:"redis_ttl" json:"redis_ttl"`           // Redis 缓存 TTL
	EnableLocal  bool          `yaml:"enable_local" json:"enable_local"`     // 是否启用本地缓存
	EnableRedis  bool          `yaml:"enable_redis" json:"enable_redis"`     // 是否启用 Redis 缓存
	KeyStrategy  string        `yaml:"key_strategy" json:"key_strategy"`     // hash | tenant
	// MaxTemperature 以上的请求不缓存；默认 0，即只缓存确定性请求
	MaxTemperature float32 `yaml:"max_temperature" json:"max_temperature"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		LocalMaxSize: 1000,
		LocalTTL:     5 * time.Minute,
		RedisTTL:     time.Hour,
		EnableLocal:  true,
		EnableRedis:  true,
		KeyStrategy:  "hash",
	}
}

// MultiLevelCache 多级缓存：本地 LRU 作为 L1，Redis 作为 L2
type MultiLevelCache struct {
	local    *LRUCache
	redis    redis.UniversalClient
	config   Config
	strategy KeyStrategy
	logger   *zap.Logger
}

// NewMultiLevelCache 创建多级缓存。rdb 为 nil 时只使用本地缓存。
func NewMultiLevelCache(rdb redis.UniversalClient, config Config, logger *zap.Logger) (*MultiLevelCache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	strategy, err := NewKeyStrategy(config.KeyStrategy)
	if err != nil {
		return nil, err
	}

	var local *LRUCache
	if config.EnableLocal {
		local = NewLRUCache(config.LocalMaxSize, config.LocalTTL)
	}
	if !config.EnableRedis {
		rdb = nil
	}

	logger.Info("completion cache initialized",
		zap.String("key_strategy", strategy.Name()),
		zap.Bool("local", local != nil),
		zap.Bool("redis", rdb != nil),
	)

	return &MultiLevelCache{
		local:    local,
		redis:    rdb,
		config:   config,
		strategy: strategy,
		logger:   logger.With(zap.String("component", "completion_cache")),
	}, nil
}

// GenerateKey 生成缓存键（使用策略模式）
func (c *MultiLevelCache) GenerateKey(req *llm.ChatRequest) string {
	return c.strategy.GenerateKey(req)
}

// IsCacheable 只缓存温度不高于阈值的请求；高温度请求的输出本身不可复现。
func (c *MultiLevelCache) IsCacheable(req *llm.ChatRequest) bool {
	return req != nil && req.Temperature <= c.config.MaxTemperature
}

// Get 获取缓存
func (c *MultiLevelCache) Get(ctx context.Context, key string) (*Entry, error) {
	// 1. 查本地缓存
	if c.local != nil {
		if entry, ok := c.local.Get(key); ok {
			c.logger.Debug("local cache hit", zap.String("key", key))
			return entry, nil
		}
	}

	// 2. 查 Redis 缓存
	if c.redis != nil {
		data, err := c.redis.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			var entry Entry
			if err := json.Unmarshal(data, &entry); err != nil {
				c.logger.Warn("dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
				_ = c.redis.Del(ctx, key).Err()
				return nil, ErrCacheMiss
			}
			// 回填本地缓存
			if c.local != nil {
				c.local.Set(key, &entry)
			}
			c.logger.Debug("redis cache hit", zap.String("key", key))
			return &entry, nil
		case !errors.Is(err, redis.Nil):
			c.logger.Warn("redis get error", zap.Error(err))
		}
	}

	return nil, ErrCacheMiss
}

// Set 设置缓存
func (c *MultiLevelCache) Set(ctx context.Context, key string, entry *Entry) error {
	now := time.Now()
	entry.CreatedAt = now
	entry.ExpiresAt = now.Add(c.config.RedisTTL)

	if c.local != nil {
		c.local.Set(key, entry)
	}

	if c.redis != nil {
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := c.redis.Set(ctx, key, data, c.config.RedisTTL).Err(); err != nil {
			c.logger.Warn("redis set error", zap.Error(err))
			return err
		}
	}

	c.logger.Debug("cache set", zap.String("key", key))
	return nil
}

// Delete 删除缓存
func (c *MultiLevelCache) Delete(ctx context.Context, key string) error {
	if c.local != nil {
		c.local.Delete(key)
	}
	if c.redis != nil {
		return c.redis.Del(ctx, key).Err()
	}
	return nil
}

// InvalidateTenant 删除租户下的全部条目，仅对 tenant 键策略有意义。
// Redis 侧使用 SCAN 分批删除，返回删除的键数量。
func (c *MultiLevelCache) InvalidateTenant(ctx context.Context, tenantID string) (int, error) {
	prefix := TenantPrefix(tenantID)
	n := 0
	if c.local != nil {
		n = c.local.DeletePrefix(prefix)
	}
	if c.redis == nil {
		return n, nil
	}

	deleted := 0
	iter := c.redis.Scan(ctx, 0, prefix+"*", 200).Iterator()
	batch := make([]string, 0, 200)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		removed, err := c.redis.Del(ctx, batch...).Result()
		deleted += int(removed)
		batch = batch[:0]
		return err
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := flush(); err != nil {
				return deleted, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, err
	}
	if err := flush(); err != nil {
		return deleted, err
	}

	c.logger.Info("cache invalidated by tenant",
		zap.String("tenant_id", tenantID),
		zap.Int("redis_keys", deleted),
		zap.Int("local_keys", n),
	)
	return deleted, nil
}
