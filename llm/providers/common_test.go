package providers

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/extractflow/llm"
)

func TestMapHTTPError(t *testing.T) {
	tests := []struct {
		status    int
		msg       string
		wantCode  llm.ErrorCode
		retryable bool
	}{
		{http.StatusUnauthorized, "bad key", llm.ErrUnauthorized, false},
		{http.StatusForbidden, "nope", llm.ErrForbidden, false},
		{http.StatusNotFound, "model not found", llm.ErrModelNotFound, false},
		{http.StatusTooManyRequests, "slow down", llm.ErrRateLimited, true},
		{http.StatusRequestEntityTooLarge, "too big", llm.ErrContextTooLong, false},
		{http.StatusBadRequest, "This model's maximum context length is 8192 tokens", llm.ErrContextTooLong, false},
		{http.StatusBadRequest, "You exceeded your current QUOTA", llm.ErrQuotaExceeded, false},
		{http.StatusBadRequest, "content_filter triggered", llm.ErrContentFiltered, false},
		{http.StatusBadRequest, "invalid field", llm.ErrInvalidRequest, false},
		{http.StatusRequestTimeout, "timeout", llm.ErrUpstreamTimeout, true},
		{http.StatusGatewayTimeout, "timeout", llm.ErrUpstreamTimeout, true},
		{http.StatusBadGateway, "bad gateway", llm.ErrUpstreamError, true},
		{http.StatusServiceUnavailable, "unavailable", llm.ErrUpstreamError, true},
		{529, "overloaded", llm.ErrModelOverloaded, true},
		{http.StatusInternalServerError, "boom", llm.ErrUpstreamError, true},
		{418, "teapot", llm.ErrUpstreamError, false},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			e := MapHTTPError(tt.status, tt.msg, "openai")
			assert.Equal(t, tt.wantCode, e.Code)
			assert.Equal(t, tt.retryable, e.Retryable)
			assert.Equal(t, tt.status, e.HTTPStatus)
			assert.Equal(t, "openai", e.Provider)
			assert.Equal(t, tt.msg, e.Message)
		})
	}
}

// 4xx 中只有 408/429 可重试，5xx 一律可重试
func TestMapHTTPError_RetryableProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		status := rapid.IntRange(400, 599).Draw(rt, "status")
		msg := rapid.StringMatching(`[a-z ]{0,20}`).Draw(rt, "msg")
		e := MapHTTPError(status, msg, "p")

		want := status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout
		if e.Retryable != want {
			rt.Fatalf("status %d: retryable=%v, want %v", status, e.Retryable, want)
		}
		if e.Code == "" {
			rt.Fatalf("status %d: empty code", status)
		}
	})
}

func TestReadErrorMessage(t *testing.T) {
	assert.Equal(t, "invalid key (type: auth)",
		ReadErrorMessage(strings.NewReader(`{"error":{"message":"invalid key","type":"auth"}}`)))
	assert.Equal(t, "plain", ReadErrorMessage(strings.NewReader(`{"error":{"message":"plain"}}`)))
	assert.Equal(t, "upstream exploded", ReadErrorMessage(strings.NewReader("  upstream exploded\n")))
}

func TestChooseModel_Priority(t *testing.T) {
	tests := []struct {
		name     string
		req      *llm.ChatRequest
		def      string
		fallback string
		want     string
	}{
		{"request wins", &llm.ChatRequest{Model: "request-model"}, "config-model", "fallback", "request-model"},
		{"config before fallback", &llm.ChatRequest{}, "config-model", "fallback", "config-model"},
		{"fallback last", &llm.ChatRequest{}, "", "fallback", "fallback"},
		{"nil request", nil, "", "fallback", "fallback"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ChooseModel(tt.req, tt.def, tt.fallback))
		})
	}
}

func TestOpenAICompatContent_JSON(t *testing.T) {
	t.Run("string round trip", func(t *testing.T) {
		data, err := json.Marshal(OpenAICompatContent{Text: "hi"})
		require.NoError(t, err)
		assert.Equal(t, `"hi"`, string(data))

		var c OpenAICompatContent
		require.NoError(t, json.Unmarshal(data, &c))
		assert.Equal(t, "hi", c.Text)
		assert.Empty(t, c.Parts)
	})

	t.Run("parts collapse to text", func(t *testing.T) {
		var c OpenAICompatContent
		require.NoError(t, json.Unmarshal([]byte(`[{"type":"text","text":"a"},{"type":"image_url","image_url":{"url":"http://x/y.png"}},{"type":"text","text":"b"}]`), &c))
		assert.Equal(t, "ab", c.Text)
		assert.Len(t, c.Parts, 3)
	})

	t.Run("null message content", func(t *testing.T) {
		var m OpenAICompatMessage
		require.NoError(t, json.Unmarshal([]byte(`{"role":"assistant","content":null}`), &m))
		assert.Equal(t, "", m.Text())
	})

	t.Run("rejects numbers", func(t *testing.T) {
		var c OpenAICompatContent
		assert.Error(t, json.Unmarshal([]byte(`42`), &c))
	})
}

func TestConvertMessagesToOpenAI(t *testing.T) {
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: "sys"},
		{Role: llm.RoleUser, Content: "look", Images: []llm.ImageContent{
			{Type: "url", URL: "https://example.com/a.png"},
			{Type: "base64", Data: "AAAA", MediaType: "image/jpeg"},
		}},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{
			{ID: "call_1", Name: "User", Arguments: json.RawMessage(`{"age":"x"}`)},
		}},
		{Role: llm.RoleTool, ToolCallID: "call_1", Name: "User", Content: "Validation errors found"},
	}

	out := ConvertMessagesToOpenAI(msgs)
	require.Len(t, out, 4)

	assert.Equal(t, "sys", out[0].Text())

	parts := out[1].Content.Parts
	require.Len(t, parts, 3)
	assert.Equal(t, "text", parts[0].Type)
	assert.Equal(t, "https://example.com/a.png", parts[1].ImageURL.URL)
	assert.Equal(t, "data:image/jpeg;base64,AAAA", parts[2].ImageURL.URL)

	assert.Nil(t, out[2].Content)
	require.Len(t, out[2].ToolCalls, 1)
	assert.Equal(t, "function", out[2].ToolCalls[0].Type)
	assert.Equal(t, `{"age":"x"}`, out[2].ToolCalls[0].Function.Arguments)

	assert.Equal(t, "tool", out[3].Role)
	assert.Equal(t, "call_1", out[3].ToolCallID)

	// 线上格式：arguments 必须是字符串
	data, err := json.Marshal(out[2])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"arguments":"{\"age\":\"x\"}"`)
}

func TestConvertToolChoice(t *testing.T) {
	assert.Nil(t, ConvertToolChoice(""))
	assert.Equal(t, "auto", ConvertToolChoice("auto"))
	assert.Equal(t, "required", ConvertToolChoice("required"))
	assert.Equal(t, map[string]any{
		"type":     "function",
		"function": map[string]string{"name": "User"},
	}, ConvertToolChoice("User"))
}

func TestToLLMChatResponse(t *testing.T) {
	var oa OpenAICompatResponse
	require.NoError(t, json.Unmarshal([]byte(`{
		"id":"chatcmpl-1","model":"gpt-4o",
		"choices":[{"index":0,"finish_reason":"tool_calls","message":{"role":"assistant","content":null,
			"tool_calls":[{"id":"call_9","type":"function","function":{"name":"User","arguments":"{\"name\":\"Jason\",\"age\":25}"}}]}}],
		"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`), &oa))

	resp := ToLLMChatResponse(oa, "openai")
	assert.Equal(t, "openai", resp.Provider)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	require.Len(t, resp.Choices, 1)
	call := resp.Choices[0].Message.ToolCalls[0]
	assert.Equal(t, "call_9", call.ID)
	assert.Equal(t, "User", call.Name)
	assert.JSONEq(t, `{"name":"Jason","age":25}`, string(call.Arguments))
}

func TestBaseProviderConfig_Endpoint(t *testing.T) {
	assert.Equal(t, QwenBaseURL, BaseProviderConfig{}.Endpoint(QwenBaseURL))
	assert.Equal(t, "http://localhost:11434", BaseProviderConfig{BaseURL: "http://localhost:11434"}.Endpoint(QwenBaseURL))
}
