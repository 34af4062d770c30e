package api

import (
	"encoding/json"
)

// =============================================================================
// 抽取请求类型
// =============================================================================

// Message 对话消息
type Message struct {
	// 角色：system、user、assistant
	Role    string `json:"role" example:"user"`
	Content string `json:"content" example:"Jason is 25 years old"`
	Name    string `json:"name,omitempty"`
	// 多模态输入，仅 user 消息可携带
	Images []Image `json:"images,omitempty"`
}

// Image 图片引用：type 为 url 时填 url，为 base64 时填 data 与 media_type
type Image struct {
	Type      string `json:"type" example:"url"`
	URL       string `json:"url,omitempty" example:"https://example.com/receipt.png"`
	Data      string `json:"data,omitempty"`
	MediaType string `json:"media_type,omitempty" example:"image/png"`
}

// ExtractRequest 抽取请求
// @Description 结构化抽取请求
type ExtractRequest struct {
	// 模型名称，为空时使用服务默认模型
	Model string `json:"model,omitempty" example:"gpt-4o-mini"`
	// 目标对象的 JSON Schema
	Schema json.RawMessage `json:"schema"`
	// Schema 名称，用作工具名 / response_format 名
	SchemaName string `json:"schema_name,omitempty" example:"UserDetail"`
	// 单条用户输入；与 Messages 至少提供一个
	Prompt string `json:"prompt,omitempty"`
	// 完整对话
	Messages []Message `json:"messages,omitempty"`
	// 输出约束方式：tools、json_schema、json
	Mode string `json:"mode,omitempty" example:"tools"`
	// 纠错重试次数；为空时使用服务默认值，流式请求必须为 0
	MaxRetries *int `json:"max_retries,omitempty"`
	// 流式方式：partial、record；仅用于 /extract/stream
	Stream string `json:"stream,omitempty" example:"record"`
	// 采样温度（0-2）
	Temperature float32 `json:"temperature,omitempty"`
	// 生成的最大 token 数
	MaxTokens int `json:"max_tokens,omitempty"`
	// 请求超时，例如 "30s"
	Timeout string `json:"timeout,omitempty" example:"60s"`
	// 自定义元数据，透传给供应商
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ExtractResponse 抽取成功的响应
// @Description 结构化抽取结果
type ExtractResponse struct {
	// 通过校验的对象
	Value any `json:"value"`
	// 模型调用次数（1 + 重试次数）
	Attempts int `json:"attempts"`
	// 构造对象所用的原始 JSON
	Raw json.RawMessage `json:"raw,omitempty"`
}

// BatchExtractRequest 批量抽取请求，每项独立重试
type BatchExtractRequest struct {
	Requests []ExtractRequest `json:"requests"`
}

// BatchItem 批量抽取中单项的结果
type BatchItem struct {
	Index    int             `json:"index"`
	Value    any             `json:"value,omitempty"`
	Attempts int             `json:"attempts,omitempty"`
	Raw      json.RawMessage `json:"raw,omitempty"`
	Error    *ItemError      `json:"error,omitempty"`
}

// ItemError 单项错误
type ItemError struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Lines   []string `json:"lines,omitempty"`
}

// BatchExtractResponse 批量抽取响应，顺序与请求一致
type BatchExtractResponse struct {
	Items     []BatchItem `json:"items"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
}

// =============================================================================
// SSE 事件
// =============================================================================

// StreamEvent 是 /extract/stream 推送的 data 负载。
// SSE event 名与 Kind 相同：partial、ok、error。
type StreamEvent struct {
	Kind string `json:"kind"`
	// 记录在源数组中的位置（record 模式）
	Index int             `json:"index"`
	Value any             `json:"value,omitempty"`
	Lines []string        `json:"lines,omitempty"`
	Raw   json.RawMessage `json:"raw,omitempty"`
}

// StreamSummary 是流结束时的 done 事件负载
type StreamSummary struct {
	Records int `json:"records"`
	Failed  int `json:"failed"`
}
