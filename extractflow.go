// Package extractflow provides a top-level convenience entry point for
// extracting typed values from language-model output with minimal
// boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/extractflow"
//
//	c, err := extractflow.New(extractflow.WithOpenAI("gpt-4o-mini"))
//	user, err := extractflow.Extract[User](ctx, c, "Jason is 25 years old", 2)
//
// New is a thin wrapper around [quick.New]; both produce identical results.
// The full API (streaming, record mode, dynamic schemas) lives in the
// structured package.
package extractflow

import (
	"context"

	"github.com/BaSui01/extractflow/quick"
	"github.com/BaSui01/extractflow/structured"
	"github.com/BaSui01/extractflow/types"
)

// Option configures the client created by [New].
type Option = quick.Option

// New creates a [structured.Client] with minimal configuration.
// At minimum, a provider must be specified via [WithOpenAI], [WithDeepSeek],
// [WithQwen], [WithCompatible] or [WithProvider].
func New(opts ...Option) (*structured.Client, error) {
	return quick.New(opts...)
}

// Extract decodes prompt's answer into T, re-prompting the model up to
// maxRetries times with the validation errors of the previous attempt.
// A value that still fails validation is returned as a *types.Error carrying
// code FIELD_VALIDATION or MALFORMED_OUTPUT.
func Extract[T any](ctx context.Context, c *structured.Client, prompt string, maxRetries int, opts ...structured.SchemaOption[T]) (T, error) {
	var zero T
	schema, err := structured.For(opts...)
	if err != nil {
		return zero, types.NewConfigurationError("%v", err)
	}
	res, err := structured.ChatCompletion(ctx, c, structured.Request[T]{
		Schema:     schema,
		Messages:   []types.Message{types.NewUserMessage(prompt)},
		MaxRetries: maxRetries,
	})
	if err != nil {
		return zero, err
	}
	if err := res.Err(); err != nil {
		return zero, err
	}
	return res.Value, nil
}

// Re-export provider shortcuts so callers never need to import quick/.

// WithProvider sets a pre-built LLM provider.
var WithProvider = quick.WithProvider

// WithOpenAI creates an OpenAI provider. API key from OPENAI_API_KEY env.
var WithOpenAI = quick.WithOpenAI

// WithDeepSeek creates a DeepSeek provider. API key from DEEPSEEK_API_KEY env.
var WithDeepSeek = quick.WithDeepSeek

// WithQwen creates a Qwen provider. API key from DASHSCOPE_API_KEY env.
var WithQwen = quick.WithQwen

// WithCompatible targets an OpenAI-compatible endpoint.
var WithCompatible = quick.WithCompatible

// WithModel overrides the model name.
var WithModel = quick.WithModel

// WithLogger sets a custom zap logger.
var WithLogger = quick.WithLogger

// WithAPIKey overrides the API key for provider shortcuts.
var WithAPIKey = quick.WithAPIKey

// WithTransportRetries retries transient upstream failures.
var WithTransportRetries = quick.WithTransportRetries

// WithContextBudget bounds the conversation size of corrective retries.
var WithContextBudget = quick.WithContextBudget
