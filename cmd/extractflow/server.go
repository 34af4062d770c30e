package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/extractflow/api/handlers"
	"github.com/BaSui01/extractflow/config"
	rediscache "github.com/BaSui01/extractflow/internal/cache"
	"github.com/BaSui01/extractflow/internal/metrics"
	"github.com/BaSui01/extractflow/internal/server"
	"github.com/BaSui01/extractflow/internal/telemetry"
	"github.com/BaSui01/extractflow/llm"
	llmcache "github.com/BaSui01/extractflow/llm/cache"
	"github.com/BaSui01/extractflow/llm/factory"
	"github.com/BaSui01/extractflow/llm/observability"
	"github.com/BaSui01/extractflow/llm/tokenizer"
	"github.com/BaSui01/extractflow/structured"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 ExtractFlow 的主服务器
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	level      zap.AtomicLevel

	// provider 非空时跳过按配置构建 Provider 链，测试中注入 mock
	provider llm.Provider

	collector *metrics.Collector
	otel      *telemetry.Providers
	redis     *rediscache.Manager
	costs     *observability.CostTracker
	client    *structured.Client
	reloader  *config.Reloader

	healthHandler  *handlers.HealthHandler
	extractHandler *handlers.ExtractHandler
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, level zap.AtomicLevel) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		level:      level,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Run 装配所有组件并阻塞直到 ctx 结束或任一服务器异常退出
func (s *Server) Run(ctx context.Context) error {
	if err := s.setup(ctx); err != nil {
		s.cleanup()
		return err
	}
	defer s.cleanup()

	if s.reloader != nil {
		if err := s.reloader.Start(ctx); err != nil {
			return fmt.Errorf("start config reloader: %w", err)
		}
		defer s.reloader.Stop()
	}

	managers, err := s.startServers(ctx)
	if err != nil {
		return err
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("hot_reload_enabled", s.reloader != nil),
	)
	return server.RunAll(ctx, managers...)
}

// setup 依次初始化指标、遥测、缓存、Provider 链、抽取客户端和 handlers
func (s *Server) setup(ctx context.Context) error {
	if s.collector == nil {
		s.collector = metrics.NewCollector("extractflow", s.logger)
	}

	otelProviders, err := telemetry.Init(s.cfg.Telemetry, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize telemetry, tracing disabled", zap.Error(err))
		otelProviders = &telemetry.Providers{}
	}
	s.otel = otelProviders

	s.costs = observability.NewCostTracker(observability.NewCostCalculator())

	if s.provider == nil {
		p, err := s.buildProvider(ctx)
		if err != nil {
			return err
		}
		s.provider = p
	}

	opts := []structured.ClientOption{
		structured.WithLogger(s.logger),
		structured.WithTracer(s.otel.Tracer()),
		structured.WithRecorder(s.collector),
		structured.WithDefaultModel(s.cfg.LLM.Model),
		structured.WithBatchConcurrency(s.cfg.Extract.BatchConcurrency),
	}
	if s.cfg.Extract.MaxContextTokens > 0 {
		opts = append(opts, structured.WithContextBudget(tokenizer.ForModel(s.cfg.LLM.Model), s.cfg.Extract.MaxContextTokens))
	}
	client, err := structured.NewClient(s.provider, opts...)
	if err != nil {
		return fmt.Errorf("create extraction client: %w", err)
	}
	s.client = client

	defaults, err := extractDefaults(s.cfg)
	if err != nil {
		return err
	}
	s.extractHandler = handlers.NewExtractHandler(s.client, defaults, s.logger)

	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.NewProviderCheck(s.provider))
	if s.redis != nil {
		s.healthHandler.RegisterCheck(handlers.NewFuncCheck("redis", s.redis.Ping))
	}

	if s.configPath != "" {
		s.reloader = config.NewReloader(s.configPath, s.cfg, config.WithReloadLogger(s.logger))
		s.reloader.OnReload(s.applyReload)
	}

	s.logger.Info("Handlers initialized", zap.String("provider", s.provider.Name()))
	return nil
}

// buildProvider 按配置构建 Provider 注册表并返回默认 Provider。
// 包装顺序（由外到内）：指标与追踪 → 补全缓存 → 重试与限流 → HTTP
func (s *Server) buildProvider(ctx context.Context) (llm.Provider, error) {
	var completionCache *llmcache.MultiLevelCache
	if s.cfg.Cache.Enabled {
		mgr, err := rediscache.NewManager(ctx, redisConfig(s.cfg.Cache), s.logger)
		if err != nil {
			s.logger.Warn("Redis not available, completion cache uses local tier only", zap.Error(err))
		} else {
			s.redis = mgr
		}
		completionCache, err = llmcache.NewMultiLevelCache(s.redisClient(), completionCacheConfig(s.cfg.Cache, s.redis != nil), s.logger)
		if err != nil {
			return nil, fmt.Errorf("create completion cache: %w", err)
		}
	}

	wrap := func(name string, p llm.Provider) llm.Provider {
		if completionCache != nil {
			p = llmcache.NewCachedProvider(p, completionCache, s.collector, s.logger)
		}
		return observability.NewInstrumentedProvider(p,
			observability.WithTracer(s.otel.Tracer()),
			observability.WithRecorder(s.collector),
			observability.WithCostTracker(s.costs),
			observability.WithLogger(s.logger),
		)
	}

	reg, err := factory.NewRegistryFromConfig(s.cfg.LLM.ProviderConfigs(), s.cfg.LLM.DefaultProvider, wrap, s.logger)
	if err != nil {
		return nil, fmt.Errorf("build providers: %w", err)
	}
	s.logger.Info("LLM providers registered", zap.Strings("providers", reg.List()))
	return reg.Default()
}

// redisClient 返回 nil 接口值而不是 (*redis.Client)(nil)
func (s *Server) redisClient() redis.UniversalClient {
	if s.redis == nil {
		return nil
	}
	return s.redis.Client()
}

// applyReload 在配置重载后调整日志级别与抽取默认参数
func (s *Server) applyReload(_, next *config.Config) {
	s.level.SetLevel(parseLevel(next.Log.Level))
	defaults, err := extractDefaults(next)
	if err != nil {
		s.logger.Error("reloaded extract config rejected", zap.Error(err))
		return
	}
	s.extractHandler.SetDefaults(defaults)
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// routes 注册路由并构建中间件链
func (s *Server) routes(ctx context.Context) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	mux.HandleFunc("POST /api/v1/extract", s.extractHandler.HandleExtract)
	mux.HandleFunc("POST /api/v1/extract/batch", s.extractHandler.HandleBatch)
	mux.HandleFunc("POST /api/v1/extract/stream", s.extractHandler.HandleStream)

	if s.cfg.Server.MetricsPort == 0 {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(s.otel.Tracer()),
		MetricsMiddleware(s.collector),
		RequestLogger(s.logger),
		Auth(s.cfg.Server, publicPaths, s.logger),
	}
	// 放在鉴权之后，才能按租户计数
	if s.cfg.Server.RateLimitRPS > 0 {
		middlewares = append(middlewares, RateLimiter(ctx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger))
	}

	return Chain(mux, middlewares...)
}

// publicPaths 不需要鉴权的路径
var publicPaths = []string{"/health", "/healthz", "/ready", "/version", "/metrics"}

func (s *Server) startServers(ctx context.Context) ([]*server.Manager, error) {
	httpCfg := server.Config{
		Name:            "api",
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}
	apiServer := server.NewManager(s.routes(ctx), httpCfg, s.logger)
	if err := apiServer.Start(); err != nil {
		return nil, fmt.Errorf("start HTTP server: %w", err)
	}
	managers := []*server.Manager{apiServer}

	if s.cfg.Server.MetricsPort != 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer := server.NewManager(mux, server.Config{
			Name:            "metrics",
			Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
			ReadTimeout:     s.cfg.Server.ReadTimeout,
			WriteTimeout:    s.cfg.Server.ReadTimeout,
			ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
		}, s.logger)
		if err := metricsServer.Start(); err != nil {
			_ = apiServer.Shutdown(context.Background())
			return nil, fmt.Errorf("start metrics server: %w", err)
		}
		managers = append(managers, metricsServer)
	}
	return managers, nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// cleanup 释放外部资源；HTTP 服务器由 RunAll 负责关闭
func (s *Server) cleanup() {
	if s.costs != nil {
		sum := s.costs.Summary()
		s.logger.Info("LLM usage summary",
			zap.Int("requests", sum.RequestCount),
			zap.Int("tokens_input", sum.TokensInput),
			zap.Int("tokens_output", sum.TokensOutput),
			zap.Float64("cost_usd", sum.TotalCost),
		)
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Warn("redis close error", zap.Error(err))
		}
	}
	if s.otel != nil {
		if err := s.otel.Shutdown(context.Background()); err != nil {
			s.logger.Warn("telemetry shutdown error", zap.Error(err))
		}
	}
	s.logger.Info("Graceful shutdown completed")
}

// =============================================================================
// 🔧 配置转换
// =============================================================================

func extractDefaults(cfg *config.Config) (handlers.ExtractDefaults, error) {
	mode, err := structured.ParseMode(cfg.Extract.Mode)
	if err != nil {
		return handlers.ExtractDefaults{}, err
	}
	return handlers.ExtractDefaults{
		Mode:         mode,
		MaxRetries:   cfg.Extract.MaxRetries,
		Timeout:      cfg.Extract.RequestTimeout,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	}, nil
}

func redisConfig(c config.CacheConfig) rediscache.Config {
	rc := rediscache.DefaultConfig()
	rc.Addr = c.Addr
	rc.Password = c.Password
	rc.DB = c.DB
	rc.TLS = c.TLS
	if c.PoolSize > 0 {
		rc.PoolSize = c.PoolSize
	}
	if c.MinIdleConns > 0 {
		rc.MinIdleConns = c.MinIdleConns
	}
	return rc
}

func completionCacheConfig(c config.CacheConfig, redisAvailable bool) llmcache.Config {
	cc := llmcache.DefaultConfig()
	if c.LocalMaxSize > 0 {
		cc.LocalMaxSize = c.LocalMaxSize
	}
	if c.LocalTTL > 0 {
		cc.LocalTTL = c.LocalTTL
	}
	if c.RedisTTL > 0 {
		cc.RedisTTL = c.RedisTTL
	}
	if c.KeyStrategy != "" {
		cc.KeyStrategy = c.KeyStrategy
	}
	cc.EnableRedis = redisAvailable
	return cc
}
