package llm

import (
	"maps"
	"slices"
	"sync"

	"github.com/BaSui01/extractflow/types"
)

// ProviderRegistry 按名称保存已配置的 Provider。
// 服务端按请求里的 provider 字段选择上游，未指定时使用默认项。并发安全。
type ProviderRegistry struct {
	mu          sync.RWMutex
	byName      map[string]Provider
	defaultName string
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{byName: make(map[string]Provider)}
}

// Register 注册或替换 name 对应的 Provider。
// 在调用 SetDefault 之前，第一个注册的就是默认项。
func (r *ProviderRegistry) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[name] = p
	if r.defaultName == "" {
		r.defaultName = name
	}
}

// SetDefault 指定默认项，name 必须已注册。
func (r *ProviderRegistry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; !ok {
		return types.NewConfigurationError("provider %q not registered", name)
	}
	r.defaultName = name
	return nil
}

// Resolve 返回 name 对应的 Provider；name 为空时返回默认项。
// 未知名称是配置错误，错误信息里列出可用的名称。
func (r *ProviderRegistry) Resolve(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.defaultName
	}
	if name == "" {
		return nil, types.NewConfigurationError("no provider configured")
	}
	if p, ok := r.byName[name]; ok {
		return p, nil
	}
	return nil, types.NewConfigurationError("provider %q is not configured (available: %v)", name, r.namesLocked())
}

// Default 等价于 Resolve("")。
func (r *ProviderRegistry) Default() (Provider, error) { return r.Resolve("") }

func (r *ProviderRegistry) DefaultName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultName
}

// List 按字典序返回所有名称。
func (r *ProviderRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *ProviderRegistry) namesLocked() []string {
	return slices.Sorted(maps.Keys(r.byName))
}
