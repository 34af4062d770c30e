package handlers

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/extractflow/api"
	"github.com/BaSui01/extractflow/structured"
	"github.com/BaSui01/extractflow/testutil/mocks"
	"github.com/BaSui01/extractflow/types"
)

const userSchema = `{
  "type": "object",
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "age":  {"type": "integer", "minimum": 0}
  },
  "required": ["name", "age"]
}`

const usersSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "properties": {
      "first_name": {"type": "string"},
      "last_name":  {"type": "string", "minLength": 2}
    },
    "required": ["first_name", "last_name"]
  }
}`

func newExtractHandler(t *testing.T, provider *mocks.MockProvider) *ExtractHandler {
	t.Helper()
	client, err := structured.NewClient(provider, structured.WithDefaultModel("test-model"))
	require.NoError(t, err)
	return NewExtractHandler(client, ExtractDefaults{
		Mode:         structured.ModeTools,
		MaxRetries:   0,
		Timeout:      5 * time.Second,
		MaxBodyBytes: 1 << 20,
	}, zap.NewNop())
}

func postJSON(t *testing.T, handler http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler(w, r)
	return w
}

func intPtr(n int) *int { return &n }

func TestExtract_Success(t *testing.T) {
	provider := mocks.NewScriptedProvider(`{"name":"Jason","age":25}`)
	h := newExtractHandler(t, provider)

	w := postJSON(t, h.HandleExtract, "/api/v1/extract", api.ExtractRequest{
		Schema:     json.RawMessage(userSchema),
		SchemaName: "UserDetail",
		Prompt:     "Jason is 25 years old",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decodeResponse(t, w)
	data := resp.Data.(map[string]any)
	assert.Equal(t, float64(1), data["attempts"])
	value := data["value"].(map[string]any)
	assert.Equal(t, "Jason", value["name"])
	assert.Equal(t, float64(25), value["age"])

	call := provider.GetLastCall()
	require.NotNil(t, call)
	assert.Equal(t, "test-model", call.Request.Model)
	require.Len(t, call.Request.Tools, 1)
	assert.Equal(t, "UserDetail", call.Request.Tools[0].Name)
}

func TestExtract_RetriesThenSucceeds(t *testing.T) {
	provider := mocks.NewScriptedProvider(`{"name":"Jason","age":-1}`, `{"name":"Jason","age":25}`)
	h := newExtractHandler(t, provider)

	w := postJSON(t, h.HandleExtract, "/api/v1/extract", api.ExtractRequest{
		Schema:     json.RawMessage(userSchema),
		Prompt:     "Jason is 25",
		MaxRetries: intPtr(1),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	data := decodeResponse(t, w).Data.(map[string]any)
	assert.Equal(t, float64(2), data["attempts"])
	assert.Equal(t, 2, provider.GetCallCount())

	// 第二次调用带上了纠错消息对
	calls := provider.GetCalls()
	assert.Len(t, calls[1].Request.Messages, len(calls[0].Request.Messages)+2)
}

func TestExtract_ValidationFailureReturns422WithLines(t *testing.T) {
	provider := mocks.NewScriptedProvider(`{"name":"","age":-3}`)
	h := newExtractHandler(t, provider)

	w := postJSON(t, h.HandleExtract, "/api/v1/extract", api.ExtractRequest{
		Schema: json.RawMessage(userSchema),
		Prompt: "nobody",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	resp := decodeResponse(t, w)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(types.ErrFieldValidation), resp.Error.Code)
	require.Len(t, resp.Error.Lines, 2)
	// 字段按名称排序
	assert.True(t, strings.HasPrefix(resp.Error.Lines[0], "age — "))
	assert.True(t, strings.HasPrefix(resp.Error.Lines[1], "name — "))
}

func TestExtract_MalformedOutput(t *testing.T) {
	h := newExtractHandler(t, mocks.NewScriptedProvider("I cannot answer that"))

	w := postJSON(t, h.HandleExtract, "/api/v1/extract", api.ExtractRequest{
		Schema: json.RawMessage(userSchema),
		Prompt: "?",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	resp := decodeResponse(t, w)
	assert.Equal(t, string(types.ErrMalformedOutput), resp.Error.Code)
}

func TestExtract_TransportErrorNotRetried(t *testing.T) {
	upstream := types.NewError(types.ErrUpstreamError, "bad gateway").WithRetryable(true)
	provider := mocks.NewErrorProvider(upstream)
	h := newExtractHandler(t, provider)

	w := postJSON(t, h.HandleExtract, "/api/v1/extract", api.ExtractRequest{
		Schema:     json.RawMessage(userSchema),
		Prompt:     "x",
		MaxRetries: intPtr(3),
	})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, 1, provider.GetCallCount())
}

func TestExtract_ForwardsImages(t *testing.T) {
	provider := mocks.NewScriptedProvider(`{"name":"Jason","age":25}`)
	h := newExtractHandler(t, provider)

	w := postJSON(t, h.HandleExtract, "/api/v1/extract", api.ExtractRequest{
		Schema: json.RawMessage(userSchema),
		Messages: []api.Message{{
			Role:    "user",
			Content: "Who is on this badge?",
			Images: []api.Image{
				{Type: "url", URL: "https://example.com/badge.png"},
				{Type: "base64", Data: "iVBORw0KGgo=", MediaType: "image/png"},
			},
		}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	msgs := provider.GetLastCall().Request.Messages
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	assert.True(t, last.IsMultipart())
	assert.Equal(t, []types.ImageContent{
		{Type: "url", URL: "https://example.com/badge.png"},
		{Type: "base64", Data: "iVBORw0KGgo=", MediaType: "image/png"},
	}, last.Images)
}

func TestExtract_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		req  api.ExtractRequest
		code types.ErrorCode
	}{
		{"missing schema", api.ExtractRequest{Prompt: "x"}, types.ErrInvalidRequest},
		{"invalid schema", api.ExtractRequest{Schema: json.RawMessage(`"oops"`), Prompt: "x"}, types.ErrInvalidRequest},
		{"no prompt", api.ExtractRequest{Schema: json.RawMessage(userSchema)}, types.ErrInvalidRequest},
		{"bad role", api.ExtractRequest{Schema: json.RawMessage(userSchema), Messages: []api.Message{{Role: "tool", Content: "x"}}}, types.ErrInvalidRequest},
		{"bad mode", api.ExtractRequest{Schema: json.RawMessage(userSchema), Prompt: "x", Mode: "xml"}, types.ErrInvalidRequest},
		{"bad timeout", api.ExtractRequest{Schema: json.RawMessage(userSchema), Prompt: "x", Timeout: "soon"}, types.ErrInvalidRequest},
		{"stream on sync endpoint", api.ExtractRequest{Schema: json.RawMessage(userSchema), Prompt: "x", Stream: "partial"}, types.ErrInvalidRequest},
		{"negative retries", api.ExtractRequest{Schema: json.RawMessage(userSchema), Prompt: "x", MaxRetries: intPtr(-1)}, types.ErrConfiguration},
		{"image on assistant", api.ExtractRequest{Schema: json.RawMessage(userSchema), Messages: []api.Message{
			{Role: "assistant", Content: "x", Images: []api.Image{{Type: "url", URL: "https://example.com/a.png"}}},
		}}, types.ErrInvalidRequest},
		{"image without url", api.ExtractRequest{Schema: json.RawMessage(userSchema), Messages: []api.Message{
			{Role: "user", Content: "x", Images: []api.Image{{Type: "url"}}},
		}}, types.ErrInvalidRequest},
		{"unknown image type", api.ExtractRequest{Schema: json.RawMessage(userSchema), Messages: []api.Message{
			{Role: "user", Content: "x", Images: []api.Image{{Type: "file", URL: "a.png"}}},
		}}, types.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := mocks.NewMockProvider()
			h := newExtractHandler(t, provider)
			w := postJSON(t, h.HandleExtract, "/api/v1/extract", tt.req)

			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			resp := decodeResponse(t, w)
			assert.Equal(t, string(tt.code), resp.Error.Code)
			assert.Zero(t, provider.GetCallCount(), "no model call on a rejected request")
		})
	}
}

func TestExtract_DefaultsCanBeSwapped(t *testing.T) {
	provider := mocks.NewScriptedProvider(`{"name":"J","age":-1}`, `{"name":"J","age":1}`)
	h := newExtractHandler(t, provider)

	d := h.Defaults()
	d.MaxRetries = 1
	d.Mode = structured.ModeJSON
	h.SetDefaults(d)

	w := postJSON(t, h.HandleExtract, "/api/v1/extract", api.ExtractRequest{
		Schema: json.RawMessage(userSchema),
		Prompt: "x",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Empty(t, provider.GetCalls()[0].Request.Tools, "json mode sends no tools")
}

func TestExtractBatch(t *testing.T) {
	provider := mocks.NewMockProvider().WithResponse(`{"name":"Same","age":1}`)
	h := newExtractHandler(t, provider)

	body := api.BatchExtractRequest{Requests: []api.ExtractRequest{
		{Schema: json.RawMessage(userSchema), Prompt: "a"},
		{Schema: json.RawMessage(`{"type":"object","properties":{"age":{"type":"integer","maximum":0}},"required":["age"]}`), Prompt: "b"},
	}}
	w := postJSON(t, h.HandleBatch, "/api/v1/extract/batch", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	raw, err := json.Marshal(decodeResponse(t, w).Data)
	require.NoError(t, err)
	var out api.BatchExtractResponse
	require.NoError(t, json.Unmarshal(raw, &out))

	require.Len(t, out.Items, 2)
	assert.Equal(t, 1, out.Succeeded)
	assert.Equal(t, 1, out.Failed)
	assert.Nil(t, out.Items[0].Error)
	require.NotNil(t, out.Items[1].Error)
	assert.Equal(t, string(types.ErrFieldValidation), out.Items[1].Error.Code)
	assert.Equal(t, 1, out.Items[1].Index)
}

func TestExtractBatch_Empty(t *testing.T) {
	h := newExtractHandler(t, mocks.NewMockProvider())
	w := postJSON(t, h.HandleBatch, "/api/v1/extract/batch", api.BatchExtractRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// --- SSE ---

type sseEvent struct {
	name string
	data string
}

func readSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	var cur sseEvent
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if cur.name != "" {
				events = append(events, cur)
			}
			cur = sseEvent{}
		}
	}
	return events
}

func TestExtractStream_Records(t *testing.T) {
	provider := mocks.NewStreamProvider(
		`{"items":[{"first_name":"Jason",`,
		`"last_name":"Liu"},{"first_name":"Jo",`,
		`"last_name":"X"}]}`,
	)
	h := newExtractHandler(t, provider)

	w := postJSON(t, h.HandleStream, "/api/v1/extract/stream", api.ExtractRequest{
		Schema: json.RawMessage(usersSchema),
		Prompt: "Jason Liu and Jo X",
		Stream: "record",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	events := readSSE(t, w.Body.String())
	require.Len(t, events, 3)

	assert.Equal(t, "ok", events[0].name)
	var first api.StreamEvent
	require.NoError(t, json.Unmarshal([]byte(events[0].data), &first))
	assert.Equal(t, 0, first.Index)
	assert.Equal(t, "Liu", first.Value.(map[string]any)["last_name"])

	assert.Equal(t, "error", events[1].name)
	var second api.StreamEvent
	require.NoError(t, json.Unmarshal([]byte(events[1].data), &second))
	assert.Equal(t, 1, second.Index)
	require.Len(t, second.Lines, 1)
	assert.True(t, strings.HasPrefix(second.Lines[0], "last_name — "))

	assert.Equal(t, "done", events[2].name)
	assert.JSONEq(t, `{"records":2,"failed":1}`, events[2].data)
	assert.True(t, provider.WaitStreams(time.Second))
}

func TestExtractStream_Partial(t *testing.T) {
	provider := mocks.NewStreamProvider(`{"name":"Ja`, `son","age":`, `25}`)
	h := newExtractHandler(t, provider)

	w := postJSON(t, h.HandleStream, "/api/v1/extract/stream", api.ExtractRequest{
		Schema: json.RawMessage(userSchema),
		Prompt: "Jason is 25",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	events := readSSE(t, w.Body.String())
	require.GreaterOrEqual(t, len(events), 3)

	terminal := 0
	for _, ev := range events[:len(events)-1] {
		if ev.name != "partial" {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal, "exactly one terminal event")
	assert.Equal(t, "ok", events[len(events)-2].name)
	assert.Equal(t, "done", events[len(events)-1].name)
}

func TestExtractStream_UpstreamFailureMidStream(t *testing.T) {
	provider := mocks.NewStreamProvider(`{"name":"Ja`, `son"}`).
		WithStreamError(1, types.NewError(types.ErrUpstreamError, "connection reset"))
	h := newExtractHandler(t, provider)

	w := postJSON(t, h.HandleStream, "/api/v1/extract/stream", api.ExtractRequest{
		Schema: json.RawMessage(userSchema),
		Prompt: "x",
		Stream: "partial",
	})
	require.Equal(t, http.StatusOK, w.Code)

	events := readSSE(t, w.Body.String())
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, "failure", last.name)
	assert.Contains(t, last.data, string(types.ErrUpstreamError))
}

func TestExtractStream_RejectsRetriesAndNonArrayRecords(t *testing.T) {
	h := newExtractHandler(t, mocks.NewStreamProvider(`{}`))

	w := postJSON(t, h.HandleStream, "/api/v1/extract/stream", api.ExtractRequest{
		Schema:     json.RawMessage(userSchema),
		Prompt:     "x",
		MaxRetries: intPtr(2),
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(types.ErrConfiguration), decodeResponse(t, w).Error.Code)

	w = postJSON(t, h.HandleStream, "/api/v1/extract/stream", api.ExtractRequest{
		Schema: json.RawMessage(userSchema),
		Prompt: "x",
		Stream: "record",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
