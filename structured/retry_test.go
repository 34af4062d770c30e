package structured

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/BaSui01/extractflow/llm"
	"github.com/BaSui01/extractflow/llm/tokenizer"
	"github.com/BaSui01/extractflow/testutil"
	"github.com/BaSui01/extractflow/testutil/mocks"
	"github.com/BaSui01/extractflow/types"
)

func seriesJSON(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = strconv.Itoa(i + 1)
	}
	return `{"series": [` + strings.Join(parts, ", ") + `]}`
}

func TestChatCompletion_SeriesConvergesWithinBudget(t *testing.T) {
	provider := mocks.NewScriptedProvider(
		`{"series": [1, 2, 3, 4, 5]}`,
		`{"series": [2, 2, 2]}`,
		seriesJSON(10), // 10 个但和为奇数
		seriesJSON(20),
	)
	rec := &fakeRecorder{}
	c := newTestClient(t, provider, WithRecorder(rec))

	res, err := ChatCompletion(testutil.TestContext(t), c, Request[Series]{
		Schema:     seriesSchema(),
		Messages:   userMessages("Generate a series of integers"),
		MaxRetries: 10,
	})
	require.NoError(t, err)
	require.True(t, res.OK(), res.Errors.Render())
	assert.Len(t, res.Value.Series, 20)
	assert.Equal(t, 4, res.Attempts)
	assert.LessOrEqual(t, res.Attempts, 11)

	calls := provider.GetCalls()
	require.Len(t, calls, 4)
	for i, call := range calls {
		assert.Len(t, call.Request.Messages, 1+2*i, "call %d carries the whole conversation", i)
		assert.Equal(t, "test-model", call.Request.Model)
		assert.Equal(t, "series", call.Request.ToolChoice)
	}

	last := calls[3].Request.Messages
	testutil.AssertRoles(t, last,
		types.RoleUser,
		types.RoleAssistant, types.RoleTool,
		types.RoleAssistant, types.RoleTool,
		types.RoleAssistant, types.RoleTool,
	)
	assert.Equal(t, "Generate a series of integers", last[0].Content)

	echo, feedback := last[1], last[2]
	require.Len(t, echo.ToolCalls, 1)
	assert.Equal(t, "call_mock_1", echo.ToolCalls[0].ID)
	assert.JSONEq(t, `{"series": [1, 2, 3, 4, 5]}`, string(echo.ToolCalls[0].Arguments))
	assert.Equal(t, echo.ToolCalls[0].ID, feedback.ToolCallID)
	assert.Contains(t, feedback.Content, "series — should have at least 10 item(s)")
	assert.Contains(t, feedback.Content, "series — The sum of the series must be even")

	assert.Contains(t, last[4].Content, "at least 10 item(s)")
	assert.NotContains(t, last[4].Content, "must be even")
	assert.Contains(t, last[6].Content, "must be even")
	assert.NotContains(t, last[6].Content, "at least 10")

	assert.Equal(t, []string{"invalid", "invalid", "invalid", "ok"}, rec.outcomes())
	assert.Equal(t, []string{"ok"}, rec.kinds())
}

func TestChatCompletion_ExhaustionReturnsLastErrors(t *testing.T) {
	provider := mocks.NewScriptedProvider(
		`{"name": "", "age": 1}`,
		`{"name": "Jason", "age": -1}`,
		`{"name": "Jason", "age": -2}`,
		`{"name": "Jason", "age": 25}`,
	)
	c := newTestClient(t, provider)

	res, err := ChatCompletion(testutil.TestContext(t), c, Request[UserInfo]{
		Schema:     MustFor[UserInfo](),
		Messages:   userMessages("Jason is 25"),
		MaxRetries: 2,
	})
	require.NoError(t, err, "validation failure is a result, not an error")
	assert.Equal(t, KindError, res.Kind)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, provider.GetCallCount(), "at most max_retries + 1 calls")
	assert.Equal(t, []string{"age — should be greater than or equal to 0"}, res.Errors.Lines())
	assert.JSONEq(t, `{"name":"Jason","age":-2}`, string(res.Raw))
	assert.True(t, types.IsErrorCode(res.Err(), types.ErrFieldValidation))
}

func TestChatCompletion_NoRetries(t *testing.T) {
	provider := mocks.NewScriptedProvider(`{"name": "Jason"}`, `{"name": "Jason", "age": 25}`)
	c := newTestClient(t, provider)

	res, err := ChatCompletion(testutil.TestContext(t), c, Request[UserInfo]{
		Schema:   MustFor[UserInfo](),
		Messages: userMessages("Jason is 25"),
	})
	require.NoError(t, err)
	assert.Equal(t, KindError, res.Kind)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, provider.GetCallCount())
}

func TestChatCompletion_MalformedOutputIsRetried(t *testing.T) {
	provider := mocks.NewScriptedProvider(`{"name": "Jason", "age": 2`, `{"name": "Jason", "age": 25}`)
	rec := &fakeRecorder{}
	c := newTestClient(t, provider, WithRecorder(rec))

	res, err := ChatCompletion(testutil.TestContext(t), c, Request[UserInfo]{
		Schema:     MustFor[UserInfo](),
		Messages:   userMessages("Jason is 25"),
		MaxRetries: 1,
	})
	require.NoError(t, err)
	require.True(t, res.OK())
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, []string{"malformed", "ok"}, rec.outcomes())

	msgs := provider.GetLastCall().Request.Messages
	require.Len(t, msgs, 3)
	args := msgs[1].ToolCalls[0].Arguments
	assert.True(t, json.Valid(args), "invalid output is echoed as a JSON string")
	assert.Contains(t, msgs[2].Content, "(root) — unparseable response")
}

func TestChatCompletion_PromptModes(t *testing.T) {
	tests := []struct {
		mode       Mode
		wantFormat llm.ResponseFormatType
		firstRoles []types.Role
		retryRoles []types.Role
	}{
		{ModeTools, "", []types.Role{types.RoleUser}, []types.Role{types.RoleAssistant, types.RoleTool}},
		{ModeJSONSchema, llm.ResponseFormatJSONSchema, []types.Role{types.RoleUser}, []types.Role{types.RoleAssistant, types.RoleUser}},
		{ModeJSON, llm.ResponseFormatJSONObject, []types.Role{types.RoleSystem, types.RoleUser}, []types.Role{types.RoleAssistant, types.RoleUser}},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			provider := mocks.NewScriptedProvider(`{"name": "Jason"}`, `{"name": "Jason", "age": 25}`)
			c := newTestClient(t, provider)

			res, err := ChatCompletion(testutil.TestContext(t), c, Request[UserInfo]{
				Schema:     MustFor[UserInfo](),
				Messages:   userMessages("Jason is 25"),
				MaxRetries: 1,
				Mode:       tt.mode,
			})
			require.NoError(t, err)
			require.True(t, res.OK())

			calls := provider.GetCalls()
			require.Len(t, calls, 2)
			first, second := calls[0].Request, calls[1].Request

			if tt.wantFormat == "" {
				assert.Nil(t, first.ResponseFormat)
				require.Len(t, first.Tools, 1)
				assert.Equal(t, "user_info", first.Tools[0].Name)
			} else {
				require.NotNil(t, first.ResponseFormat)
				assert.Equal(t, tt.wantFormat, first.ResponseFormat.Type)
				assert.Empty(t, first.Tools)
			}
			testutil.AssertRoles(t, first.Messages, tt.firstRoles...)
			testutil.AssertRoles(t, second.Messages[len(first.Messages):], tt.retryRoles...)
			assert.Contains(t, second.Messages[len(second.Messages)-1].Content, "age — field required")
		})
	}
}

func TestChatCompletion_JSONModeEmbedsSchema(t *testing.T) {
	provider := mocks.NewSuccessProvider(`{"name": "Jason", "age": 25}`)
	c := newTestClient(t, provider)

	_, err := ChatCompletion(testutil.TestContext(t), c, Request[UserInfo]{
		Schema:   MustFor[UserInfo](),
		Messages: userMessages("Jason is 25"),
		Mode:     ModeJSON,
	})
	require.NoError(t, err)
	system := provider.GetLastCall().Request.Messages[0]
	assert.Contains(t, system.Content, `"required"`)
	assert.Contains(t, system.Content, "Respond with ONLY the JSON object.")
}

func TestChatCompletion_TransportErrorIsNotRetried(t *testing.T) {
	upstream := types.NewError(types.ErrUpstreamError, "bad gateway").WithRetryable(true)
	provider := mocks.NewMockProvider().WithScript(
		mocks.Reply{Text: `{"name": "Jason"}`},
		mocks.Reply{Err: upstream},
		mocks.Reply{Text: `{"name": "Jason", "age": 25}`},
	)
	rec := &fakeRecorder{}
	c := newTestClient(t, provider, WithRecorder(rec))

	res, err := ChatCompletion(testutil.TestContext(t), c, Request[UserInfo]{
		Schema:     MustFor[UserInfo](),
		Messages:   userMessages("Jason is 25"),
		MaxRetries: 5,
	})
	require.ErrorIs(t, err, upstream)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 2, provider.GetCallCount())
	assert.Equal(t, []string{"transport_error"}, rec.kinds())
}

func TestChatCompletion_ConfigurationErrors(t *testing.T) {
	s := MustFor[UserInfo]()
	msgs := userMessages("x")

	tests := []struct {
		name string
		req  Request[UserInfo]
		want string
	}{
		{"nil schema", Request[UserInfo]{Messages: msgs}, "schema is required"},
		{"negative retries", Request[UserInfo]{Schema: s, Messages: msgs, MaxRetries: -1}, "max_retries must be >= 0"},
		{"retries with streaming", Request[UserInfo]{Schema: s, Messages: msgs, MaxRetries: 2, Stream: StreamPartial}, "not supported with partial streaming"},
		{"stream flag on single entry point", Request[UserInfo]{Schema: s, Messages: msgs, Stream: StreamPartial}, "cannot be used with this entry point"},
		{"no messages", Request[UserInfo]{Schema: s}, "at least one message"},
		{"unknown mode", Request[UserInfo]{Schema: s, Messages: msgs, Mode: Mode(9)}, "unknown mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := mocks.NewSuccessProvider(`{}`)
			c := newTestClient(t, provider)

			_, err := ChatCompletion(testutil.TestContext(t), c, tt.req)
			require.Error(t, err)
			assert.True(t, types.IsErrorCode(err, types.ErrConfiguration))
			assert.Contains(t, err.Error(), tt.want)
			assert.Equal(t, 0, provider.GetCallCount(), "rejected before any model call")
		})
	}

	_, err := NewClient(nil)
	assert.True(t, types.IsErrorCode(err, types.ErrConfiguration))
}

func TestChatCompletion_ContextBudgetStopsRetrying(t *testing.T) {
	provider := mocks.NewScriptedProvider(`{"name": "Jason"}`, `{"name": "Jason", "age": 25}`)
	tok := tokenizer.NewEstimatorTokenizer("test-model", 0)
	c := newTestClient(t, provider, WithContextBudget(tok, 12))

	res, err := ChatCompletion(testutil.TestContext(t), c, Request[UserInfo]{
		Schema:     MustFor[UserInfo](),
		Messages:   userMessages("Jason is 25"),
		MaxRetries: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, KindError, res.Kind)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, provider.GetCallCount())
	assert.Equal(t, []string{"age — field required"}, res.Errors.Lines())
}

func TestChatCompletion_Cancellation(t *testing.T) {
	provider := mocks.NewSuccessProvider(`{"name": "Jason", "age": 25}`)
	c := newTestClient(t, provider)

	_, err := ChatCompletion(testutil.CancelledContext(), c, Request[UserInfo]{
		Schema:   MustFor[UserInfo](),
		Messages: userMessages("Jason is 25"),
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, provider.GetCallCount())

	slow := mocks.NewSuccessProvider(`{"name": "Jason", "age": 25}`).WithDelay(time.Second)
	c = newTestClient(t, slow)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = ChatCompletion(ctx, c, Request[UserInfo]{
		Schema:   MustFor[UserInfo](),
		Messages: userMessages("Jason is 25"),
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChatCompletion_ForwardsRequestContext(t *testing.T) {
	provider := mocks.NewSuccessProvider(`{"name": "Jason", "age": 25}`)
	c := newTestClient(t, provider)

	ctx := types.WithTraceID(testutil.TestContext(t), "trace-1")
	ctx = types.WithTenantID(ctx, "acme")
	ctx = types.WithUserID(ctx, "u-7")
	_, err := ChatCompletion(ctx, c, Request[UserInfo]{
		Model:    "override-model",
		Schema:   MustFor[UserInfo](),
		Messages: userMessages("Jason is 25"),
		Options:  &RequestOptions{Temperature: 0.2, MaxTokens: 64, Stop: []string{"\n\n"}},
	})
	require.NoError(t, err)

	req := provider.GetLastCall().Request
	assert.Equal(t, "trace-1", req.TraceID)
	assert.Equal(t, "acme", req.TenantID)
	assert.Equal(t, "u-7", req.UserID)
	assert.Equal(t, "override-model", req.Model)
	assert.Equal(t, float32(0.2), req.Temperature)
	assert.Equal(t, 64, req.MaxTokens)
	assert.Equal(t, []string{"\n\n"}, req.Stop)
}

func TestChatCompletion_CallerMessagesAreNotMutated(t *testing.T) {
	provider := mocks.NewScriptedProvider(`{"name": "Jason"}`, `{"name": "Jason", "age": 25}`)
	c := newTestClient(t, provider)

	msgs := make([]types.Message, 1, 8)
	msgs[0] = types.NewUserMessage("Jason is 25")
	_, err := ChatCompletion(testutil.TestContext(t), c, Request[UserInfo]{
		Schema: MustFor[UserInfo](), Messages: msgs, MaxRetries: 1,
	})
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	assert.Equal(t, types.Message{}, msgs[:2][1], "spare capacity is never written")
}

func TestChatCompletion_Span(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	provider := mocks.NewScriptedProvider(`{"name": "Jason"}`, `{"name": "Jason"}`)
	c := newTestClient(t, provider, WithTracer(tp.Tracer("test")))
	_, err := ChatCompletion(testutil.TestContext(t), c, Request[UserInfo]{
		Schema: MustFor[UserInfo](), Messages: userMessages("x"), MaxRetries: 1,
	})
	require.NoError(t, err)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "structured.ChatCompletion", spans[0].Name)
	assert.Equal(t, "Error", spans[0].Status.Code.String())
	require.Len(t, spans[0].Events, 2)
	assert.Equal(t, "validation_failed", spans[0].Events[0].Name)
}

// --- Batch ---

func TestChatCompletionBatch(t *testing.T) {
	var inflight, peak atomic.Int32
	provider := mocks.NewMockProvider().WithCompletionFunc(func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)

		prompt := req.Messages[len(req.Messages)-1].Content
		switch prompt {
		case "fail":
			return nil, types.NewError(types.ErrUpstreamError, "boom")
		case "invalid":
			return textResponse(`{"name": ""}`), nil
		default:
			return textResponse(`{"name": "` + prompt + `", "age": 1}`), nil
		}
	})
	c := newTestClient(t, provider, WithBatchConcurrency(2))

	prompts := []string{"a", "fail", "b", "invalid", "c"}
	reqs := make([]Request[UserInfo], len(prompts))
	for i, p := range prompts {
		reqs[i] = Request[UserInfo]{Schema: MustFor[UserInfo](), Messages: userMessages(p), Mode: ModeJSON}
	}

	items, err := ChatCompletionBatch(testutil.TestContext(t), c, reqs)
	require.NoError(t, err)
	require.Len(t, items, 5)

	assert.Equal(t, "a", items[0].Result.Value.Name)
	assert.Error(t, items[1].Err, "a failed item does not cancel its siblings")
	assert.Equal(t, "b", items[2].Result.Value.Name)
	assert.Equal(t, KindError, items[3].Result.Kind)
	assert.Equal(t, "c", items[4].Result.Value.Name)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestChatCompletionBatch_ConfigErrorNamesTheRequest(t *testing.T) {
	provider := mocks.NewSuccessProvider(`{}`)
	c := newTestClient(t, provider)
	reqs := []Request[UserInfo]{
		{Schema: MustFor[UserInfo](), Messages: userMessages("ok")},
		{Schema: MustFor[UserInfo]()},
	}
	_, err := ChatCompletionBatch(testutil.TestContext(t), c, reqs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request 1")
	assert.Equal(t, 0, provider.GetCallCount())
}

func textResponse(text string) *llm.ChatResponse {
	return &llm.ChatResponse{
		ID: "r",
		Choices: []llm.ChatChoice{{
			FinishReason: "stop",
			Message:      types.Message{Role: types.RoleAssistant, Content: text},
		}},
	}
}
