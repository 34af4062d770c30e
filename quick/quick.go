// =============================================================================
// Package quick: One-Line Extraction Client Construction
// =============================================================================
// Provides a convenience entry point for creating an extraction client with
// minimal boilerplate. Delegates to llm/factory and structured internally.
//
// Usage:
//
//	import "github.com/BaSui01/extractflow/quick"
//
//	c, err := quick.New(quick.WithOpenAI("gpt-4o-mini"))
//	c, err := quick.New(quick.WithDeepSeek("deepseek-chat"), quick.WithTransportRetries(2))
//	c, err := quick.New(quick.WithProvider(myProvider), quick.WithModel("custom"))
//
// =============================================================================
package quick

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/BaSui01/extractflow/llm"
	"github.com/BaSui01/extractflow/llm/factory"
	"github.com/BaSui01/extractflow/llm/tokenizer"
	"github.com/BaSui01/extractflow/structured"
)

// Option configures the client created by New.
type Option func(*options)

type options struct {
	model    string
	provider llm.Provider
	logger   *zap.Logger

	// Provider shortcut fields: used when provider is nil.
	providerName string
	apiKey       string
	baseURL      string
	retries      int

	maxContextTokens int
}

// WithProvider sets a pre-built LLM provider.
func WithProvider(p llm.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithOpenAI creates an OpenAI provider using the given model.
// API key is read from OPENAI_API_KEY environment variable.
func WithOpenAI(model string) Option {
	return withPreset("openai", model, "OPENAI_API_KEY")
}

// WithDeepSeek creates a DeepSeek provider using the given model.
// API key is read from DEEPSEEK_API_KEY environment variable.
func WithDeepSeek(model string) Option {
	return withPreset("deepseek", model, "DEEPSEEK_API_KEY")
}

// WithQwen creates a Qwen (DashScope) provider using the given model.
// API key is read from DASHSCOPE_API_KEY environment variable.
func WithQwen(model string) Option {
	return withPreset("qwen", model, "DASHSCOPE_API_KEY")
}

// WithCompatible targets any OpenAI-compatible endpoint (vLLM, Ollama, ...).
func WithCompatible(baseURL, model string) Option {
	return func(o *options) {
		o.providerName = "openaicompat"
		o.baseURL = baseURL
		o.model = model
	}
}

func withPreset(name, model, env string) Option {
	return func(o *options) {
		o.providerName = name
		o.model = model
		if o.apiKey == "" {
			o.apiKey = os.Getenv(env)
		}
	}
}

// WithModel sets the model name. Overrides the model set by provider shortcuts.
func WithModel(model string) Option {
	return func(o *options) { o.model = model }
}

// WithLogger sets a custom zap logger. Defaults to zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithAPIKey overrides the API key for provider shortcuts (WithOpenAI, etc.).
func WithAPIKey(key string) Option {
	return func(o *options) { o.apiKey = key }
}

// WithTransportRetries retries transient upstream failures (5xx, 429,
// timeouts) n times with exponential backoff. Output validation retries are
// configured per request with Request.MaxRetries.
func WithTransportRetries(n int) Option {
	return func(o *options) { o.retries = n }
}

// WithContextBudget stops corrective retries once the conversation would
// exceed maxTokens for the configured model.
func WithContextBudget(maxTokens int) Option {
	return func(o *options) { o.maxContextTokens = maxTokens }
}

// New creates a structured.Client with minimal configuration.
func New(opts ...Option) (*structured.Client, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	// Resolve provider.
	p := o.provider
	if p == nil {
		if o.providerName == "" {
			return nil, fmt.Errorf("provider is required: use WithProvider, WithOpenAI, WithDeepSeek, WithQwen or WithCompatible")
		}
		if o.apiKey == "" && o.baseURL == "" {
			return nil, fmt.Errorf("API key is required for %s: set the environment variable or use WithAPIKey", o.providerName)
		}
		var err error
		p, err = factory.NewProviderFromConfig(o.providerName, factory.ProviderConfig{
			APIKey:  o.apiKey,
			BaseURL: o.baseURL,
			Model:   o.model,
			Retry:   factory.RetryConfig{MaxRetries: o.retries},
		}, o.logger)
		if err != nil {
			return nil, fmt.Errorf("create %s provider: %w", o.providerName, err)
		}
	}

	clientOpts := []structured.ClientOption{
		structured.WithLogger(o.logger),
		structured.WithDefaultModel(o.model),
	}
	if o.maxContextTokens > 0 {
		clientOpts = append(clientOpts, structured.WithContextBudget(tokenizer.ForModel(o.model), o.maxContextTokens))
	}
	return structured.NewClient(p, clientOpts...)
}
