package types

import "encoding/json"

// Role 消息角色。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall 是模型发起的一次函数调用。结构化提取时模型把 JSON 答案放在 Arguments 里；
// 流式传输中 Arguments 只是一段片段，不一定是合法 JSON。
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ImageContent 多模态输入中的一张图片，Type 为 "url" 或 "base64"。
type ImageContent struct {
	Type      string `json:"type"`
	URL       string `json:"url,omitempty"`
	Data      string `json:"data,omitempty"`
	MediaType string `json:"media_type,omitempty"` // base64 时使用，如 image/png
}

// Message 对话中的一条消息。带图片的消息按多段内容发送：先文本，再逐张图片。
type Message struct {
	Role       Role           `json:"role"`
	Content    string         `json:"content,omitempty"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Images     []ImageContent `json:"images,omitempty"`
}

func NewSystemMessage(content string) Message { return Message{Role: RoleSystem, Content: content} }

func NewUserMessage(content string) Message { return Message{Role: RoleUser, Content: content} }

func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// NewToolMessage 创建函数调用的结果消息，toolCallID 必须与上一条 assistant 消息中的调用对应。
func NewToolMessage(toolCallID, name, content string) Message {
	return Message{Role: RoleTool, Content: content, Name: name, ToolCallID: toolCallID}
}

// Payload 返回模型答案的文本：有函数调用时取第一个调用的参数，否则取 Content。
func (m Message) Payload() string {
	if len(m.ToolCalls) > 0 {
		return string(m.ToolCalls[0].Arguments)
	}
	return m.Content
}

func (m Message) WithToolCalls(calls []ToolCall) Message {
	m.ToolCalls = calls
	return m
}

func (m Message) WithImages(images []ImageContent) Message {
	m.Images = images
	return m
}

// WithImageURL 追加一张 URL 图片，不会修改原消息的 Images。
func (m Message) WithImageURL(url string) Message {
	m.Images = append(append([]ImageContent(nil), m.Images...), ImageContent{Type: "url", URL: url})
	return m
}

// IsMultipart 报告消息是否需要按多段内容发送。
func (m Message) IsMultipart() bool { return len(m.Images) > 0 }

// ToolSchema 函数调用的声明，Parameters 为 JSON Schema。
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}
