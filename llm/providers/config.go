package providers

import "time"

// 各服务商的默认入口地址。
const (
	OpenAIBaseURL   = "https://api.openai.com"
	DeepSeekBaseURL = "https://api.deepseek.com"
	QwenBaseURL     = "https://dashscope.aliyuncs.com"
)

// BaseProviderConfig 是各服务商共享的连接配置，嵌入到具体 Config 中。
type BaseProviderConfig struct {
	APIKey  string        `json:"api_key" yaml:"api_key"`
	BaseURL string        `json:"base_url" yaml:"base_url"`
	Model   string        `json:"model,omitempty" yaml:"model,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Endpoint 返回 BaseURL，未配置时返回服务商默认地址。
func (c BaseProviderConfig) Endpoint(fallback string) string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return fallback
}

// OpenAIConfig OpenAI 配置。
type OpenAIConfig struct {
	BaseProviderConfig `yaml:",inline"`
	Organization       string `json:"organization,omitempty" yaml:"organization,omitempty"`
	// StrictSchema 在 json_schema 模式下打开 strict；严格模式要求所有属性都是 required
	StrictSchema bool `json:"strict_schema,omitempty" yaml:"strict_schema,omitempty"`
}

// QwenConfig 通义千问配置，走 DashScope 的 OpenAI 兼容入口。
type QwenConfig struct {
	BaseProviderConfig `yaml:",inline"`
}

// DeepSeekConfig DeepSeek 配置。DeepSeek 不支持 json_schema，结构化输出请求会降级为 json_object。
type DeepSeekConfig struct {
	BaseProviderConfig `yaml:",inline"`
}
