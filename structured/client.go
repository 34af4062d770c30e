package structured

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/extractflow/llm"
	"github.com/BaSui01/extractflow/llm/tokenizer"
	"github.com/BaSui01/extractflow/types"
)

// StreamMode 决定请求的输出方式。
type StreamMode uint8

const (
	StreamOff StreamMode = iota
	StreamRecord
	StreamPartial
)

func (m StreamMode) String() string {
	switch m {
	case StreamOff:
		return "off"
	case StreamRecord:
		return "record"
	case StreamPartial:
		return "partial"
	default:
		return "unknown"
	}
}

// ParseStreamMode parses "off", "record" or "partial".
func ParseStreamMode(s string) (StreamMode, error) {
	switch s {
	case "", "off", "none":
		return StreamOff, nil
	case "record", "records":
		return StreamRecord, nil
	case "partial":
		return StreamPartial, nil
	default:
		return 0, configError("unknown stream mode %q", s)
	}
}

// Request is one extraction request.
type Request[T any] struct {
	// Model overrides the client's default model when set.
	Model    string
	Schema   Schema[T]
	Messages []types.Message
	Stream   StreamMode
	// MaxRetries 首次调用之后的纠错重试上限，仅 StreamOff 时有效
	MaxRetries int
	Mode       Mode
	Options    *RequestOptions
}

// check 在发起任何模型调用前检查调用方误用。
func (r *Request[T]) check(want StreamMode) error {
	if r.Schema == nil {
		return configError("schema is required")
	}
	if r.MaxRetries < 0 {
		return configError("max_retries must be >= 0, got %d", r.MaxRetries)
	}
	if r.Stream != StreamOff && r.MaxRetries > 0 {
		return configError("max_retries is not supported with %s streaming: validation applies only to the complete response", r.Stream)
	}
	if r.Stream != want {
		return configError("stream mode %s cannot be used with this entry point (expects %s)", r.Stream, want)
	}
	if len(r.Messages) == 0 {
		return configError("at least one message is required")
	}
	if r.Mode > ModeJSON {
		return configError("unknown mode %d", r.Mode)
	}
	return nil
}

// Recorder receives extraction metrics. internal/metrics.Collector implements it.
type Recorder interface {
	RecordExtractAttempt(mode, outcome string)
	RecordExtraction(stream, kind string, attempts int, duration time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordExtractAttempt(string, string)                 {}
func (nopRecorder) RecordExtraction(string, string, int, time.Duration) {}

// Client 把 Provider 绑定到各抽取入口。Client 不保存单次调用状态，可并发使用。
type Client struct {
	provider         llm.Provider
	model            string
	logger           *zap.Logger
	tracer           trace.Tracer
	recorder         Recorder
	tokenizer        tokenizer.Tokenizer
	maxContextTokens int
	batchConcurrency int
}

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) ClientOption {
	return func(c *Client) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

func WithRecorder(r Recorder) ClientOption {
	return func(c *Client) {
		if r != nil {
			c.recorder = r
		}
	}
}

// WithDefaultModel sets the model used when a request leaves Model empty.
func WithDefaultModel(model string) ClientOption {
	return func(c *Client) { c.model = model }
}

// WithContextBudget 当对话按 t 计数将超过 maxTokens 时停止重试。
func WithContextBudget(t tokenizer.Tokenizer, maxTokens int) ClientOption {
	return func(c *Client) {
		c.tokenizer = t
		c.maxContextTokens = maxTokens
	}
}

// WithBatchConcurrency 限制 ChatCompletionBatch 的并发调用数。
func WithBatchConcurrency(n int) ClientOption {
	return func(c *Client) { c.batchConcurrency = n }
}

// NewClient creates a Client.
func NewClient(provider llm.Provider, opts ...ClientOption) (*Client, error) {
	if provider == nil {
		return nil, configError("provider cannot be nil")
	}
	c := &Client{
		provider:         provider,
		logger:           zap.NewNop(),
		tracer:           otel.Tracer("github.com/BaSui01/extractflow/structured"),
		recorder:         nopRecorder{},
		batchConcurrency: 4,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("component", "structured"), zap.String("provider", provider.Name()))
	return c, nil
}

// Provider returns the underlying provider.
func (c *Client) Provider() llm.Provider { return c.provider }

// prepare 校验 req 并生成发给 Provider 的请求。
func prepare[T any](ctx context.Context, c *Client, req *Request[T], want StreamMode) (*llm.ChatRequest, string, error) {
	if err := req.check(want); err != nil {
		return nil, "", err
	}
	model := req.Model
	if model == "" {
		model = c.model
	}
	name := schemaName(req.Schema)
	chatReq, err := buildChatRequest(model, name, req.Schema.Describe(), req.Mode, req.Messages, req.Options)
	if err != nil {
		return nil, "", err
	}
	scope := types.ScopeFrom(ctx)
	chatReq.TraceID = traceID(ctx)
	chatReq.TenantID = scope.TenantID
	chatReq.UserID = scope.UserID
	return chatReq, name, nil
}

func traceID(ctx context.Context) string {
	if id, ok := types.TraceID(ctx); ok && id != "" {
		return id
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return uuid.NewString()
}
