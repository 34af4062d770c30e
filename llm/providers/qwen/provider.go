package qwen

import (
	"go.uber.org/zap"

	"github.com/BaSui01/extractflow/llm/providers"
	"github.com/BaSui01/extractflow/llm/providers/openaicompat"
)

// QwenProvider 实现阿里巴巴通义千问 LLM 提供者.
// Qwen 使用 OpenAI 兼容的 API 格式.
type QwenProvider struct {
	*openaicompat.Provider
}

// NewQwenProvider 创建新的 Qwen 提供者实例.
func NewQwenProvider(cfg providers.QwenConfig, logger *zap.Logger) *QwenProvider {
	cfg.BaseURL = cfg.Endpoint(providers.QwenBaseURL)

	return &QwenProvider{
		Provider: openaicompat.New(openaicompat.Config{
			ProviderName:   "qwen",
			APIKey:         cfg.APIKey,
			BaseURL:        cfg.BaseURL,
			DefaultModel:   cfg.Model,
			FallbackModel:  "qwen-plus",
			Timeout:        cfg.Timeout,
			EndpointPath:   "/compatible-mode/v1/chat/completions",
			ModelsEndpoint: "/compatible-mode/v1/models",
		}, logger),
	}
}
