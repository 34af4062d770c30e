package openai

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/extractflow/llm"
	"github.com/BaSui01/extractflow/llm/providers"
	"github.com/BaSui01/extractflow/llm/providers/openaicompat"
)

// OpenAIProvider 实现 OpenAI LLM 提供者.
// 补全与流式请求委托给嵌入的 openaicompat.Provider.
type OpenAIProvider struct {
	*openaicompat.Provider
	openaiCfg providers.OpenAIConfig
}

// NewOpenAIProvider 创建新的 OpenAI 提供者实例.
func NewOpenAIProvider(cfg providers.OpenAIConfig, logger *zap.Logger) *OpenAIProvider {
	cfg.BaseURL = cfg.Endpoint(providers.OpenAIBaseURL)
	p := &OpenAIProvider{
		Provider: openaicompat.New(openaicompat.Config{
			ProviderName:  "openai",
			APIKey:        cfg.APIKey,
			BaseURL:       cfg.BaseURL,
			DefaultModel:  cfg.Model,
			FallbackModel: "gpt-4o-mini",
			Timeout:       cfg.Timeout,
			RequestHook:   strictSchemaHook(cfg.StrictSchema),
		}, logger),
		openaiCfg: cfg,
	}

	// Organization header
	p.SetBuildHeaders(func(req *http.Request, apiKey string) {
		providers.BearerTokenHeaders(req, apiKey)
		if cfg.Organization != "" {
			req.Header.Set("OpenAI-Organization", cfg.Organization)
		}
	})

	return p
}

// strictSchemaHook 开启 json_schema 严格模式。严格模式要求 schema 中所有属性都列为 required，
// 因此默认关闭，由配置显式打开。
func strictSchemaHook(strict bool) func(*llm.ChatRequest, *providers.OpenAICompatRequest) {
	if !strict {
		return nil
	}
	return func(_ *llm.ChatRequest, body *providers.OpenAICompatRequest) {
		rf := body.ResponseFormat
		if rf == nil || rf.Type != llm.ResponseFormatJSONSchema || rf.JSONSchema == nil {
			return
		}
		js := *rf.JSONSchema
		on := true
		js.Strict = &on
		body.ResponseFormat = &llm.ResponseFormat{Type: rf.Type, JSONSchema: &js}
	}
}
