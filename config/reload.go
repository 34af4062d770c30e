// 配置文件轮询重载。
//
// 轮询配置文件的内容校验和，变更经过防抖后重新加载并校验，
// 成功时通知回调；加载或校验失败时保留当前配置。
package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ReloadCallback 在新配置生效后被调用
type ReloadCallback func(oldConfig, newConfig *Config)

// ReloadOption 配置 Reloader
type ReloadOption func(*Reloader)

// WithPollInterval 设置轮询间隔
func WithPollInterval(d time.Duration) ReloadOption {
	return func(r *Reloader) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithDebounceDelay 设置防抖延迟：文件需要在该时长内保持不变才会被加载
func WithDebounceDelay(d time.Duration) ReloadOption {
	return func(r *Reloader) { r.debounce = d }
}

// WithReloadLogger 设置日志记录器
func WithReloadLogger(logger *zap.Logger) ReloadOption {
	return func(r *Reloader) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithLoader 替换加载器，例如使用自定义环境变量前缀
func WithLoader(l *Loader) ReloadOption {
	return func(r *Reloader) { r.loader = l }
}

// Reloader 监视单个配置文件并在变更时重新加载
type Reloader struct {
	mu sync.RWMutex

	path     string
	loader   *Loader
	interval time.Duration
	debounce time.Duration
	logger   *zap.Logger

	current   *Config
	checksum  string
	version   int
	callbacks []ReloadCallback

	// 待确认的变更
	pendingSum   string
	pendingSince time.Time

	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewReloader 创建 Reloader。current 是当前生效的配置。
func NewReloader(path string, current *Config, opts ...ReloadOption) *Reloader {
	r := &Reloader{
		path:     path,
		interval: time.Second,
		debounce: 500 * time.Millisecond,
		logger:   zap.NewNop(),
		current:  current,
		version:  1,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.loader == nil {
		r.loader = NewLoader()
	}
	r.loader.WithConfigPath(path)
	r.logger = r.logger.With(zap.String("component", "config_reloader"), zap.String("path", path))

	if sum, err := fileChecksum(path); err == nil {
		r.checksum = sum
	}
	return r
}

// OnReload 注册重载回调
func (r *Reloader) OnReload(cb ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

// Config 返回当前生效的配置
func (r *Reloader) Config() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Version 返回配置版本号，每次成功重载加一
func (r *Reloader) Version() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Start 启动轮询
func (r *Reloader) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("reloader already running")
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	r.running = true
	go r.pollLoop(ctx)

	r.logger.Info("config reloader started", zap.Duration("interval", r.interval))
	return nil
}

// Stop 停止轮询并等待轮询协程退出
func (r *Reloader) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	cancel()
	<-done
	r.logger.Info("config reloader stopped")
}

func (r *Reloader) pollLoop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.check()
		}
	}
}

// check 检测文件变更；内容需在防抖窗口内保持稳定才会触发重载
func (r *Reloader) check() {
	sum, err := fileChecksum(r.path)
	if err != nil {
		return
	}

	r.mu.Lock()
	if sum == r.checksum {
		r.pendingSum = ""
		r.mu.Unlock()
		return
	}
	if sum != r.pendingSum {
		r.pendingSum = sum
		r.pendingSince = time.Now()
	}
	ready := time.Since(r.pendingSince) >= r.debounce
	r.mu.Unlock()

	if ready {
		if err := r.Reload(); err != nil {
			r.logger.Error("config reload failed, keeping current config", zap.Error(err))
			// 记住失败的内容，避免每个周期重复报错
			r.mu.Lock()
			r.checksum = sum
			r.pendingSum = ""
			r.mu.Unlock()
		}
	}
}

// Reload 立即从文件重新加载配置。失败时当前配置保持不变。
func (r *Reloader) Reload() error {
	sum, err := fileChecksum(r.path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	next, err := r.loader.Load()
	if err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	r.mu.Lock()
	old := r.current
	r.current = next
	r.checksum = sum
	r.pendingSum = ""
	r.version++
	version := r.version
	callbacks := append([]ReloadCallback(nil), r.callbacks...)
	r.mu.Unlock()

	r.logger.Info("config reloaded",
		zap.Int("version", version),
		zap.Strings("restart_required", RestartRequired(old, next)),
	)
	for _, cb := range callbacks {
		r.notify(cb, old, next)
	}
	return nil
}

func (r *Reloader) notify(cb ReloadCallback, old, next *Config) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("config reload callback panicked", zap.Any("panic", p))
		}
	}()
	cb(old, next)
}

// RestartRequired 返回只有重启服务才会生效的已变更配置项
func RestartRequired(old, next *Config) []string {
	if old == nil || next == nil {
		return nil
	}
	var out []string
	if old.Server.HTTPPort != next.Server.HTTPPort {
		out = append(out, "server.http_port")
	}
	if old.Server.MetricsPort != next.Server.MetricsPort {
		out = append(out, "server.metrics_port")
	}
	if old.Cache.Enabled != next.Cache.Enabled || old.Cache.Addr != next.Cache.Addr {
		out = append(out, "cache")
	}
	if old.Telemetry != next.Telemetry {
		out = append(out, "telemetry")
	}
	if fmt.Sprint(old.LLM.ProviderConfigs()) != fmt.Sprint(next.LLM.ProviderConfigs()) {
		out = append(out, "llm")
	}
	return out
}

func fileChecksum(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:]), nil
}
