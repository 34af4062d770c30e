package structured

import (
	"context"
	"iter"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/extractflow/llm"
)

// Stream 是惰性、拉取式、只能遍历一次的结果序列。
// 每次 Next 只从上游读取到解码器产出结果为止，不会超前读取。
//
//	s, err := structured.ChatCompletionStream(ctx, client, req)
//	if err != nil { ... }
//	defer s.Close()
//	for s.Next() {
//		r := s.Current()
//	}
//	if err := s.Err(); err != nil { ... }
type Stream[T any] struct {
	ctx     context.Context
	cancel  context.CancelFunc
	chunks  <-chan llm.StreamChunk
	decoder Decoder[T]

	pending  []Result[T]
	current  Result[T]
	err      error
	finished bool

	span      trace.Span
	logger    *zap.Logger
	recorder  Recorder
	mode      StreamMode
	start     time.Time
	emitted   int
	closed    bool
	closeOnce sync.Once
}

func newStream[T any](ctx context.Context, c *Client, chatReq *llm.ChatRequest, name string, mode StreamMode, decoder Decoder[T]) (*Stream[T], error) {
	ctx, cancel := context.WithCancel(ctx)
	ctx, span := c.tracer.Start(ctx, "structured.Stream", trace.WithAttributes(
		attribute.String("extract.schema", name),
		attribute.String("extract.stream", mode.String()),
		attribute.String("llm.model", chatReq.Model),
	))

	chunks, err := c.provider.Stream(ctx, chatReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		cancel()
		c.recorder.RecordExtraction(mode.String(), "transport_error", 1, 0)
		return nil, err
	}

	return &Stream[T]{
		ctx:      ctx,
		cancel:   cancel,
		chunks:   chunks,
		decoder:  decoder,
		span:     span,
		logger:   c.logger.With(zap.String("trace_id", chatReq.TraceID), zap.String("schema", name), zap.String("stream", mode.String())),
		recorder: c.recorder,
		mode:     mode,
		start:    time.Now(),
	}, nil
}

// Next 前进到下一个结果。序列结束、传输失败或已 Close 时返回 false（见 Err）。
func (s *Stream[T]) Next() bool {
	for {
		if len(s.pending) > 0 {
			s.current = s.pending[0]
			s.pending = s.pending[1:]
			s.emitted++
			return true
		}
		if s.finished || s.err != nil || s.closed {
			return false
		}

		select {
		case <-s.ctx.Done():
			s.fail(s.ctx.Err())
			return false
		case chunk, ok := <-s.chunks:
			if !ok {
				// 取消导致的关闭不是正常结束
				if err := s.ctx.Err(); err != nil {
					s.fail(err)
					return false
				}
				s.pending = s.decoder.Finish()
				s.finished = true
				s.complete()
				continue
			}
			if chunk.Err != nil {
				s.fail(chunk.Err)
				return false
			}
			if text := llm.ChunkText(chunk); text != "" {
				s.pending = s.decoder.Feed(text)
			}
		}
	}
}

// Current 返回最近一次成功 Next 产出的结果。
func (s *Stream[T]) Current() Result[T] { return s.current }

// Err 返回结束流的传输错误或 ctx 错误。
func (s *Stream[T]) Err() error { return s.err }

// Close 取消上游请求，可重复调用，流结束后调用也安全。
func (s *Stream[T]) Close() error {
	s.closeOnce.Do(func() {
		s.closed = true
		s.cancel()
		if !s.finished && s.err == nil {
			s.pending = nil
			s.span.SetAttributes(attribute.Bool("extract.abandoned", true))
			s.recorder.RecordExtraction(s.mode.String(), "abandoned", 1, time.Since(s.start))
		}
		s.span.End()
		// 上游在 ctx 取消后会关闭通道，这里排空以免发送方阻塞
		go func(ch <-chan llm.StreamChunk) {
			for range ch {
			}
		}(s.chunks)
	})
	return nil
}

func (s *Stream[T]) fail(err error) {
	s.err = err
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
	s.logger.Warn("stream failed", zap.Int("emitted", s.emitted), zap.Error(err))
	s.recorder.RecordExtraction(s.mode.String(), "transport_error", 1, time.Since(s.start))
	s.finished = true
	_ = s.Close()
}

func (s *Stream[T]) complete() {
	kind := KindOK
	for _, r := range s.pending {
		if r.Kind == KindError {
			kind = KindError
		}
	}
	s.recorder.RecordExtraction(s.mode.String(), kind.String(), 1, time.Since(s.start))
	s.logger.Debug("stream finished", zap.Duration("elapsed", time.Since(s.start)))
	s.span.SetAttributes(attribute.String("extract.outcome", kind.String()))
	_ = s.Close()
}

// ChatCompletionStream 启动部分流抽取：每个分片一个 KindPartial，最后恰好一个终态结果。
func ChatCompletionStream[T any](ctx context.Context, c *Client, req Request[T]) (*Stream[T], error) {
	chatReq, name, err := prepare(ctx, c, &req, StreamPartial)
	if err != nil {
		return nil, err
	}
	return newStream(ctx, c, chatReq, name, StreamPartial, Decoder[T](NewPartialDecoder(req.Schema)))
}

// ChatCompletionRecords 启动记录流抽取。Schema 必须是记录 Schema（如 ArrayOf 的返回值）。
// 每个元素闭合即产出一个终态结果，不做重试。
func ChatCompletionRecords[E any](ctx context.Context, c *Client, req Request[[]E]) (*Stream[E], error) {
	rs, ok := req.Schema.(RecordSchema[E])
	if req.Schema != nil && !ok {
		return nil, configError("record streaming requires an array schema with an element schema (see ArrayOf)")
	}
	chatReq, name, err := prepare(ctx, c, &req, StreamRecord)
	if err != nil {
		return nil, err
	}
	return newStream(ctx, c, chatReq, name, StreamRecord, Decoder[E](NewRecordDecoder(rs)))
}

// StreamSeq 把 ChatCompletionStream 适配为 range-over-func 序列。
// 每次 range 都会发起一次新的模型调用，break 会取消请求。
func StreamSeq[T any](ctx context.Context, c *Client, req Request[T]) iter.Seq2[Result[T], error] {
	return func(yield func(Result[T], error) bool) {
		s, err := ChatCompletionStream(ctx, c, req)
		if err != nil {
			yield(Result[T]{}, err)
			return
		}
		drain(s, yield)
	}
}

// RecordSeq is the record-stream counterpart of StreamSeq.
func RecordSeq[E any](ctx context.Context, c *Client, req Request[[]E]) iter.Seq2[Result[E], error] {
	return func(yield func(Result[E], error) bool) {
		s, err := ChatCompletionRecords(ctx, c, req)
		if err != nil {
			yield(Result[E]{}, err)
			return
		}
		drain(s, yield)
	}
}

func drain[T any](s *Stream[T], yield func(Result[T], error) bool) {
	defer s.Close()
	for s.Next() {
		if !yield(s.Current(), nil) {
			return
		}
	}
	if err := s.Err(); err != nil {
		yield(Result[T]{}, err)
	}
}
