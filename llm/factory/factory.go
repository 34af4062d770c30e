package factory

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/extractflow/llm"
	"github.com/BaSui01/extractflow/llm/providers"
	"github.com/BaSui01/extractflow/llm/providers/deepseek"
	"github.com/BaSui01/extractflow/llm/providers/openai"
	"github.com/BaSui01/extractflow/llm/providers/openaicompat"
	"github.com/BaSui01/extractflow/llm/providers/qwen"
	"github.com/BaSui01/extractflow/llm/retry"
	"github.com/BaSui01/extractflow/types"
)

// ProviderConfig is the generic configuration accepted by the factory function.
// It uses a flat structure with an Extra map for provider-specific fields.
type ProviderConfig struct {
	// Type selects the constructor; defaults to the provider name.
	Type    string         `json:"type,omitempty" yaml:"type,omitempty"`
	APIKey  string         `json:"api_key" yaml:"api_key"`
	BaseURL string         `json:"base_url" yaml:"base_url"`
	Model   string         `json:"model,omitempty" yaml:"model,omitempty"`
	Timeout time.Duration  `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Extra   map[string]any `json:"extra,omitempty" yaml:"extra,omitempty"`

	Retry     RetryConfig     `json:"retry,omitempty" yaml:"retry,omitempty"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
}

// RetryConfig configures transport-level retries. MaxRetries == 0 disables them.
type RetryConfig struct {
	MaxRetries   int           `json:"max_retries" yaml:"max_retries"`
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay" yaml:"max_delay"`
}

// RateLimitConfig configures the outbound token bucket. RPS <= 0 disables it.
type RateLimitConfig struct {
	RPS   float64 `json:"rps" yaml:"rps"`
	Burst int     `json:"burst" yaml:"burst"`
}

// compatAliases are self-hosted or aggregator endpoints speaking the OpenAI
// wire format. They always need a base_url.
var compatAliases = map[string]bool{
	"openaicompat": true,
	"compat":       true,
	"vllm":         true,
	"ollama":       true,
	"openrouter":   true,
	"lmstudio":     true,
}

// SupportedProviders returns the provider types accepted by NewProviderFromConfig.
func SupportedProviders() []string {
	names := []string{"openai", "deepseek", "qwen"}
	for name := range compatAliases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewProviderFromConfig creates a Provider instance based on the provider name
// and a generic ProviderConfig, then applies rate limiting and transport
// retries when configured. Retries wrap the limiter so every attempt waits
// for a token.
//
// Unknown names with a base_url are treated as generic OpenAI-compatible
// endpoints.
func NewProviderFromConfig(name string, cfg ProviderConfig, logger *zap.Logger) (llm.Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p, err := newBaseProvider(name, cfg, logger)
	if err != nil {
		return nil, err
	}
	if cfg.RateLimit.RPS > 0 {
		p = retry.NewRateLimitedProvider(p, cfg.RateLimit.RPS, cfg.RateLimit.Burst, logger)
	}
	if cfg.Retry.MaxRetries > 0 {
		policy := retry.DefaultPolicy()
		policy.MaxRetries = cfg.Retry.MaxRetries
		if cfg.Retry.InitialDelay > 0 {
			policy.InitialDelay = cfg.Retry.InitialDelay
		}
		if cfg.Retry.MaxDelay > 0 {
			policy.MaxDelay = cfg.Retry.MaxDelay
		}
		p = retry.NewRetryableProvider(p, policy, logger)
	}
	return p, nil
}

func newBaseProvider(name string, cfg ProviderConfig, logger *zap.Logger) (llm.Provider, error) {
	base := providers.BaseProviderConfig{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
		Timeout: cfg.Timeout,
	}

	kind := cfg.Type
	if kind == "" {
		kind = name
	}

	switch kind {
	case "openai":
		oc := providers.OpenAIConfig{BaseProviderConfig: base}
		if v, ok := cfg.Extra["organization"].(string); ok {
			oc.Organization = v
		}
		if v, ok := cfg.Extra["strict_schema"].(bool); ok {
			oc.StrictSchema = v
		}
		return openai.NewOpenAIProvider(oc, logger), nil

	case "deepseek":
		return deepseek.NewDeepSeekProvider(providers.DeepSeekConfig{BaseProviderConfig: base}, logger), nil

	case "qwen":
		return qwen.NewQwenProvider(providers.QwenConfig{BaseProviderConfig: base}, logger), nil
	}

	if !compatAliases[kind] && cfg.BaseURL == "" {
		return nil, types.NewConfigurationError("unknown provider %q (supported: %v, or set base_url for an OpenAI-compatible endpoint)", kind, SupportedProviders())
	}
	if cfg.BaseURL == "" {
		return nil, types.NewConfigurationError("provider %q requires base_url", name)
	}

	cc := openaicompat.Config{
		ProviderName: name,
		APIKey:       cfg.APIKey,
		BaseURL:      cfg.BaseURL,
		DefaultModel: cfg.Model,
		Timeout:      cfg.Timeout,
	}
	if v, ok := cfg.Extra["endpoint_path"].(string); ok {
		cc.EndpointPath = v
	}
	if v, ok := cfg.Extra["models_endpoint"].(string); ok {
		cc.ModelsEndpoint = v
	}
	if v, ok := cfg.Extra["supports_tools"].(bool); ok {
		cc.SupportsTools = &v
	}
	if v, ok := cfg.Extra["supports_json_schema"].(bool); ok {
		cc.SupportsJSONSchema = &v
	}
	return openaicompat.New(cc, logger), nil
}

// WrapFunc decorates a freshly built provider, e.g. with caching or
// instrumentation.
type WrapFunc func(name string, p llm.Provider) llm.Provider

// NewRegistryFromConfig builds every configured provider and registers it.
// defaultName selects the default; when empty the alphabetically first
// provider is used so the choice does not depend on map order.
func NewRegistryFromConfig(cfgs map[string]ProviderConfig, defaultName string, wrap WrapFunc, logger *zap.Logger) (*llm.ProviderRegistry, error) {
	if len(cfgs) == 0 {
		return nil, types.NewConfigurationError("no llm providers configured")
	}
	names := make([]string, 0, len(cfgs))
	for name := range cfgs {
		names = append(names, name)
	}
	sort.Strings(names)

	reg := llm.NewProviderRegistry()
	for _, name := range names {
		p, err := NewProviderFromConfig(name, cfgs[name], logger)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		if wrap != nil {
			p = wrap(name, p)
		}
		reg.Register(name, p)
	}
	if defaultName != "" {
		if err := reg.SetDefault(defaultName); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
