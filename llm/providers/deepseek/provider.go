package deepseek

import (
	"go.uber.org/zap"

	"github.com/BaSui01/extractflow/llm/providers"
	"github.com/BaSui01/extractflow/llm/providers/openaicompat"
)

// DeepSeekProvider 实现 DeepSeek LLM 提供者.
// DeepSeek 使用 OpenAI 兼容的 API 格式.
type DeepSeekProvider struct {
	*openaicompat.Provider
}

// NewDeepSeekProvider 创建新的 DeepSeek 提供者实例.
// DeepSeek 只支持 json_object，json_schema 请求会被降级。
func NewDeepSeekProvider(cfg providers.DeepSeekConfig, logger *zap.Logger) *DeepSeekProvider {
	cfg.BaseURL = cfg.Endpoint(providers.DeepSeekBaseURL)
	noSchema := false

	return &DeepSeekProvider{
		Provider: openaicompat.New(openaicompat.Config{
			ProviderName:       "deepseek",
			APIKey:             cfg.APIKey,
			BaseURL:            cfg.BaseURL,
			DefaultModel:       cfg.Model,
			FallbackModel:      "deepseek-chat",
			Timeout:            cfg.Timeout,
			EndpointPath:       "/chat/completions",
			ModelsEndpoint:     "/models",
			SupportsJSONSchema: &noSchema,
		}, logger),
	}
}
