package llm

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BaSui01/extractflow/types"
)

// 消息与错误类型统一定义在 types 包，这里以别名形式暴露，便于 Provider 实现直接引用。
type (
	Role       = types.Role
	Message    = types.Message
	ToolCall   = types.ToolCall
	ToolSchema = types.ToolSchema
	Error      = types.Error
	ErrorCode  = types.ErrorCode

	ImageContent = types.ImageContent
)

const (
	RoleSystem    = types.RoleSystem
	RoleUser      = types.RoleUser
	RoleAssistant = types.RoleAssistant
	RoleTool      = types.RoleTool
)

// 统一的传输错误码，用于对齐 HTTP 状态与可重试性。
const (
	ErrInvalidRequest      = types.ErrInvalidRequest      // 参数/格式错误
	ErrUnauthorized        = types.ErrUnauthorized        // 未授权或密钥失效
	ErrForbidden           = types.ErrForbidden           // 权限或内容策略拒绝
	ErrRateLimited         = types.ErrRateLimited         // 上游或本地限流
	ErrQuotaExceeded       = types.ErrQuotaExceeded       // 额度/配额用尽
	ErrContentFiltered     = types.ErrContentFiltered     // 命中内容安全
	ErrModelOverloaded     = types.ErrModelOverloaded     // 模型过载
	ErrUpstreamTimeout     = types.ErrUpstreamTimeout     // 上游超时
	ErrUpstreamError       = types.ErrUpstreamError       // 上游 5xx/网络错误
	ErrProviderUnavailable = types.ErrProviderUnavailable // Provider 不可用
	ErrModelNotFound       = types.ErrModelNotFound
	ErrContextTooLong      = types.ErrContextTooLong
)

// ResponseFormatType 指定模型输出格式。
type ResponseFormatType string

const (
	ResponseFormatText       ResponseFormatType = "text"
	ResponseFormatJSONObject ResponseFormatType = "json_object"
	ResponseFormatJSONSchema ResponseFormatType = "json_schema"
)

// ResponseFormat 对应 OpenAI 兼容接口的 response_format 字段。
type ResponseFormat struct {
	Type       ResponseFormatType `json:"type"`
	JSONSchema *JSONSchemaFormat  `json:"json_schema,omitempty"`
}

// JSONSchemaFormat 描述 json_schema 模式下的目标 schema。
type JSONSchemaFormat struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema"`
	Strict      *bool           `json:"strict,omitempty"`
}

type ChatRequest struct {
	TraceID        string            `json:"trace_id"`
	TenantID       string            `json:"tenant_id,omitempty"`
	UserID         string            `json:"user_id,omitempty"`
	Model          string            `json:"model"`
	Messages       []Message         `json:"messages"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	Temperature    float32           `json:"temperature,omitempty"`
	TopP           float32           `json:"top_p,omitempty"`
	Stop           []string          `json:"stop,omitempty"`
	Tools          []ToolSchema      `json:"tools,omitempty"`
	ToolChoice     string            `json:"tool_choice,omitempty"` // auto/none/required/<tool name>
	ResponseFormat *ResponseFormat   `json:"response_format,omitempty"`
	Timeout        time.Duration     `json:"timeout,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// Add 累加另一份用量。
func (u *ChatUsage) Add(other ChatUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

type ChatChoice struct {
	Index        int     `json:"index"`
	FinishReason string  `json:"finish_reason,omitempty"`
	Message      Message `json:"message"`
}

type ChatResponse struct {
	ID        string       `json:"id,omitempty"`
	Provider  string       `json:"provider,omitempty"`
	Model     string       `json:"model"`
	Choices   []ChatChoice `json:"choices"`
	Usage     ChatUsage    `json:"usage,omitempty"`
	CreatedAt time.Time    `json:"created_at,omitempty"`
}

// StreamChunk 是流式响应的一个增量。Err 非空表示传输中断，之后通道会关闭。
type StreamChunk struct {
	ID           string     `json:"id,omitempty"`
	Provider     string     `json:"provider,omitempty"`
	Model        string     `json:"model,omitempty"`
	Index        int        `json:"index,omitempty"`
	Delta        Message    `json:"delta"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        *ChatUsage `json:"usage,omitempty"` // 最终 chunk 可带 usage
	Err          *Error     `json:"error,omitempty"`
}

// HealthStatus 表示 Provider 健康检查结果。
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
}

// Provider 定义了统一的 LLM 适配接口。
// 结构化输出通过 ChatRequest.Tools（函数调用）或 ChatRequest.ResponseFormat 传递 schema。
type Provider interface {
	// Completion 发起同步聊天请求，返回完整响应
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Stream 发起流式聊天请求，返回增量响应通道。
	// ctx 取消后实现必须停止发送并关闭通道。
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)

	// HealthCheck 执行轻量级健康检查，返回延迟与可用性信息。
	HealthCheck(ctx context.Context) (*HealthStatus, error)

	// Name 返回 Provider 的唯一标识
	Name() string

	// SupportsNativeFunctionCalling 返回是否支持原生 Function Calling
	SupportsNativeFunctionCalling() bool
}
