package providers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/BaSui01/extractflow/llm"
)

// MapHTTPError 将 HTTP 状态码映射为带有合适重试标记的 llm.Error
// 这是所有提供者使用的通用错误映射函数
func MapHTTPError(status int, msg string, provider string) *llm.Error {
	e := &llm.Error{Message: msg, HTTPStatus: status, Provider: provider}
	switch status {
	case http.StatusUnauthorized:
		e.Code = llm.ErrUnauthorized
	case http.StatusForbidden:
		e.Code = llm.ErrForbidden
	case http.StatusNotFound:
		e.Code = llm.ErrModelNotFound
	case http.StatusTooManyRequests:
		e.Code = llm.ErrRateLimited
		e.Retryable = true
	case http.StatusRequestEntityTooLarge:
		e.Code = llm.ErrContextTooLong
	case http.StatusBadRequest:
		msgLower := strings.ToLower(msg)
		switch {
		case strings.Contains(msgLower, "context length") ||
			strings.Contains(msgLower, "context_length") ||
			strings.Contains(msgLower, "maximum context"):
			e.Code = llm.ErrContextTooLong
		case strings.Contains(msgLower, "quota") ||
			strings.Contains(msgLower, "credit") ||
			strings.Contains(msgLower, "limit"):
			// 检查配额/信用关键字
			e.Code = llm.ErrQuotaExceeded
		case strings.Contains(msgLower, "content_filter") ||
			strings.Contains(msgLower, "content management policy"):
			e.Code = llm.ErrContentFiltered
		default:
			e.Code = llm.ErrInvalidRequest
		}
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		e.Code = llm.ErrUpstreamTimeout
		e.Retryable = true
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		e.Code = llm.ErrUpstreamError
		e.Retryable = true
	case 529: // Model overloaded (used by some providers)
		e.Code = llm.ErrModelOverloaded
		e.Retryable = true
	default:
		e.Code = llm.ErrUpstreamError
		e.Retryable = status >= 500
	}
	return e
}

// ReadErrorMessage 读取响应体中的错误消息
// 尝试解析 JSON 错误响应，失败则回退到原始文本
func ReadErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil {
		return "failed to read error response"
	}

	var errResp OpenAICompatErrorResp
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		if errResp.Error.Type != "" {
			return fmt.Sprintf("%s (type: %s)", errResp.Error.Message, errResp.Error.Type)
		}
		return errResp.Error.Message
	}

	// 回退到原始文本
	return strings.TrimSpace(string(data))
}

// UpstreamError 构造网络层或响应解码失败的可重试错误
func UpstreamError(err error, provider string) *llm.Error {
	return &llm.Error{
		Code:       llm.ErrUpstreamError,
		Message:    err.Error(),
		HTTPStatus: http.StatusBadGateway,
		Retryable:  true,
		Provider:   provider,
		Cause:      err,
	}
}

// =============================================================================
// OpenAI 兼容 API 线上类型
// =============================================================================
// OpenAI、DeepSeek、Qwen、GLM、vLLM、Ollama 等兼容接口共用。
// 注意工具调用参数在线上是 JSON 字符串，内部统一为 json.RawMessage。

// OpenAICompatContentPart 多模态内容片段
type OpenAICompatContentPart struct {
	Type     string                `json:"type"` // text / image_url
	Text     string                `json:"text,omitempty"`
	ImageURL *OpenAICompatImageURL `json:"image_url,omitempty"`
}

// OpenAICompatImageURL 图片引用，URL 可以是 http(s) 地址或 data URI
type OpenAICompatImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// OpenAICompatContent 是 content 字段：纯文本或片段数组。
type OpenAICompatContent struct {
	Text  string
	Parts []OpenAICompatContentPart
}

// MarshalJSON 有片段时输出数组，否则输出字符串
func (c OpenAICompatContent) MarshalJSON() ([]byte, error) {
	if len(c.Parts) > 0 {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON 接受字符串、null 或片段数组；数组中的文本片段会拼接到 Text
func (c *OpenAICompatContent) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*c = OpenAICompatContent{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		c.Parts = nil
		return json.Unmarshal(data, &c.Text)
	}
	var parts []OpenAICompatContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("content must be a string or an array of parts: %w", err)
	}
	var sb strings.Builder
	for _, p := range parts {
		if p.Type == "text" {
			sb.WriteString(p.Text)
		}
	}
	c.Text, c.Parts = sb.String(), parts
	return nil
}

// OpenAICompatMessage 表示 OpenAI 兼容的消息格式.
type OpenAICompatMessage struct {
	Role       string                 `json:"role,omitempty"`
	Content    *OpenAICompatContent   `json:"content,omitempty"`
	Name       string                 `json:"name,omitempty"`
	ToolCalls  []OpenAICompatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
}

// Text 返回消息的文本内容
func (m OpenAICompatMessage) Text() string {
	if m.Content == nil {
		return ""
	}
	return m.Content.Text
}

// OpenAICompatToolCall 表示 OpenAI 兼容的工具调用.
// Index 仅在流式增量中出现，用于把同一个调用的参数片段对齐。
type OpenAICompatToolCall struct {
	Index    *int                 `json:"index,omitempty"`
	ID       string               `json:"id,omitempty"`
	Type     string               `json:"type,omitempty"`
	Function OpenAICompatFunction `json:"function"`
}

// OpenAICompatFunction 工具调用中的函数名与参数（JSON 字符串）.
type OpenAICompatFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

// OpenAICompatFunctionDef 工具定义中的函数声明.
type OpenAICompatFunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// OpenAICompatTool 表示 OpenAI 兼容的工具定义.
type OpenAICompatTool struct {
	Type     string                  `json:"type"`
	Function OpenAICompatFunctionDef `json:"function"`
}

// OpenAICompatRequest 表示 OpenAI 兼容的聊天完成请求.
type OpenAICompatRequest struct {
	Model          string                `json:"model"`
	Messages       []OpenAICompatMessage `json:"messages"`
	Tools          []OpenAICompatTool    `json:"tools,omitempty"`
	ToolChoice     any                   `json:"tool_choice,omitempty"`
	ResponseFormat *llm.ResponseFormat   `json:"response_format,omitempty"`
	MaxTokens      int                   `json:"max_tokens,omitempty"`
	Temperature    float32               `json:"temperature,omitempty"`
	TopP           float32               `json:"top_p,omitempty"`
	Stop           []string              `json:"stop,omitempty"`
	Stream         bool                  `json:"stream,omitempty"`
	User           string                `json:"user,omitempty"`
}

// OpenAICompatChoice 表示 OpenAI 兼容响应中的单个选项.
type OpenAICompatChoice struct {
	Index        int                  `json:"index"`
	FinishReason string               `json:"finish_reason"`
	Message      OpenAICompatMessage  `json:"message"`
	Delta        *OpenAICompatMessage `json:"delta,omitempty"`
}

// OpenAICompatUsage 表示 OpenAI 兼容响应中的 token 用量.
type OpenAICompatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// OpenAICompatResponse 表示 OpenAI 兼容的聊天完成响应.
type OpenAICompatResponse struct {
	ID      string               `json:"id"`
	Model   string               `json:"model"`
	Choices []OpenAICompatChoice `json:"choices"`
	Usage   *OpenAICompatUsage   `json:"usage,omitempty"`
	Created int64                `json:"created,omitempty"`
}

// OpenAICompatErrorResp 表示 OpenAI 兼容的错误响应.
type OpenAICompatErrorResp struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
		Param   string `json:"param"`
	} `json:"error"`
}

// =============================================================================
// 转换
// =============================================================================

// ConvertMessagesToOpenAI 将 llm.Message 切片转换为 OpenAI 兼容格式.
// 带图片的消息转换为 text + image_url 片段数组。
func ConvertMessagesToOpenAI(msgs []llm.Message) []OpenAICompatMessage {
	out := make([]OpenAICompatMessage, 0, len(msgs))
	for _, m := range msgs {
		oa := OpenAICompatMessage{
			Role:       string(m.Role),
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		switch {
		case len(m.Images) > 0:
			parts := make([]OpenAICompatContentPart, 0, len(m.Images)+1)
			if m.Content != "" {
				parts = append(parts, OpenAICompatContentPart{Type: "text", Text: m.Content})
			}
			for _, img := range m.Images {
				parts = append(parts, OpenAICompatContentPart{
					Type:     "image_url",
					ImageURL: &OpenAICompatImageURL{URL: imageURL(img)},
				})
			}
			oa.Content = &OpenAICompatContent{Parts: parts}
		case m.Content != "" || len(m.ToolCalls) == 0:
			oa.Content = &OpenAICompatContent{Text: m.Content}
		}
		if len(m.ToolCalls) > 0 {
			oa.ToolCalls = make([]OpenAICompatToolCall, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				oa.ToolCalls = append(oa.ToolCalls, OpenAICompatToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: OpenAICompatFunction{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
		}
		out = append(out, oa)
	}
	return out
}

func imageURL(img llm.ImageContent) string {
	if img.URL != "" {
		return img.URL
	}
	mediaType := img.MediaType
	if mediaType == "" {
		mediaType = "image/png"
	}
	return "data:" + mediaType + ";base64," + img.Data
}

// ConvertToolsToOpenAI 将 llm.ToolSchema 切片转换为 OpenAI 兼容格式.
func ConvertToolsToOpenAI(tools []llm.ToolSchema) []OpenAICompatTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]OpenAICompatTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, OpenAICompatTool{
			Type: "function",
			Function: OpenAICompatFunctionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

// ConvertToolChoice 将 ChatRequest.ToolChoice 转换为线上格式：
// auto/none/required 原样输出，其它值视为强制调用的工具名。
func ConvertToolChoice(choice string) any {
	switch choice {
	case "":
		return nil
	case "auto", "none", "required":
		return choice
	default:
		return map[string]any{
			"type":     "function",
			"function": map[string]string{"name": choice},
		}
	}
}

// BuildOpenAIRequest 由 llm.ChatRequest 构造线上请求体
func BuildOpenAIRequest(req *llm.ChatRequest, model string, stream bool) OpenAICompatRequest {
	return OpenAICompatRequest{
		Model:          model,
		Messages:       ConvertMessagesToOpenAI(req.Messages),
		Tools:          ConvertToolsToOpenAI(req.Tools),
		ToolChoice:     ConvertToolChoice(req.ToolChoice),
		ResponseFormat: req.ResponseFormat,
		MaxTokens:      req.MaxTokens,
		Temperature:    req.Temperature,
		TopP:           req.TopP,
		Stop:           req.Stop,
		Stream:         stream,
		User:           req.UserID,
	}
}

// ToLLMToolCalls 将线上工具调用转换为 llm.ToolCall
func ToLLMToolCalls(calls []OpenAICompatToolCall) []llm.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]llm.ToolCall, 0, len(calls))
	for _, tc := range calls {
		call := llm.ToolCall{ID: tc.ID, Name: tc.Function.Name}
		if tc.Function.Arguments != "" {
			call.Arguments = json.RawMessage(tc.Function.Arguments)
		}
		out = append(out, call)
	}
	return out
}

// ToLLMChatResponse 将 OpenAI 兼容的响应转换为 llm.ChatResponse.
func ToLLMChatResponse(oa OpenAICompatResponse, provider string) *llm.ChatResponse {
	choices := make([]llm.ChatChoice, 0, len(oa.Choices))
	for _, c := range oa.Choices {
		msg := llm.Message{
			Role:      llm.RoleAssistant,
			Content:   c.Message.Text(),
			Name:      c.Message.Name,
			ToolCalls: ToLLMToolCalls(c.Message.ToolCalls),
		}
		choices = append(choices, llm.ChatChoice{
			Index:        c.Index,
			FinishReason: c.FinishReason,
			Message:      msg,
		})
	}
	resp := &llm.ChatResponse{
		ID:       oa.ID,
		Provider: provider,
		Model:    oa.Model,
		Choices:  choices,
	}
	if oa.Usage != nil {
		resp.Usage = llm.ChatUsage{
			PromptTokens:     oa.Usage.PromptTokens,
			CompletionTokens: oa.Usage.CompletionTokens,
			TotalTokens:      oa.Usage.TotalTokens,
		}
	}
	return resp
}

// ChooseModel 根据请求和默认值选择模型
func ChooseModel(req *llm.ChatRequest, defaultModel, fallbackModel string) string {
	if req != nil && req.Model != "" {
		return req.Model
	}
	if defaultModel != "" {
		return defaultModel
	}
	return fallbackModel
}

// BearerTokenHeaders 是标准的 Bearer token 认证 header 构建函数。
func BearerTokenHeaders(r *http.Request, apiKey string) {
	if apiKey != "" {
		r.Header.Set("Authorization", "Bearer "+apiKey)
	}
	r.Header.Set("Content-Type", "application/json")
}

// SafeCloseBody 安全关闭 HTTP 响应体并忽略错误
func SafeCloseBody(body io.ReadCloser) {
	if body != nil {
		_ = body.Close()
	}
}
