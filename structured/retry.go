package structured

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/extractflow/llm"
	"github.com/BaSui01/extractflow/types"
)

// retryState is owned by one ChatCompletion call.
type retryState struct {
	attempt  int
	last     FieldErrors
	messages []types.Message
}

// ChatCompletion 执行单次模式抽取。校验失败时把渲染后的字段错误回灌给模型，
// 最多重试 req.MaxRetries 次；最终结果为 KindOK，或携带最后一次 FieldErrors 的 KindError。
//
// error 返回值只用于配置错误（发起调用前）和传输错误（这里不重试）。
func ChatCompletion[T any](ctx context.Context, c *Client, req Request[T]) (Result[T], error) {
	chatReq, name, err := prepare(ctx, c, &req, StreamOff)
	if err != nil {
		return Result[T]{}, err
	}

	ctx, span := c.tracer.Start(ctx, "structured.ChatCompletion", trace.WithAttributes(
		attribute.String("extract.schema", name),
		attribute.String("extract.mode", req.Mode.String()),
		attribute.Int("extract.max_retries", req.MaxRetries),
		attribute.String("llm.model", chatReq.Model),
	))
	defer span.End()

	logger := c.logger.With(
		zap.String("trace_id", chatReq.TraceID),
		zap.String("schema", name),
		zap.String("mode", req.Mode.String()),
	)

	start := time.Now()
	state := &retryState{messages: chatReq.Messages}
	for {
		if err := ctx.Err(); err != nil {
			return finishTransport[T](c, span, state, start, err)
		}
		state.attempt++

		attemptReq := *chatReq
		attemptReq.Messages = state.messages
		resp, err := c.provider.Completion(ctx, &attemptReq)
		if err != nil {
			logger.Warn("model call failed", zap.Int("attempt", state.attempt), zap.Error(err))
			return finishTransport[T](c, span, state, start, err)
		}
		choice, err := llm.FirstChoice(resp)
		if err != nil {
			return finishTransport[T](c, span, state, start, err)
		}

		text := llm.ChoiceText(choice)
		res := DecodeText(req.Schema, text)
		res.Attempts = state.attempt
		if res.OK() {
			c.recorder.RecordExtractAttempt(req.Mode.String(), "ok")
			c.recorder.RecordExtraction(StreamOff.String(), KindOK.String(), state.attempt, time.Since(start))
			span.SetAttributes(attribute.Int("extract.attempts", state.attempt))
			logger.Debug("extraction succeeded", zap.Int("attempts", state.attempt))
			return res, nil
		}

		state.last = res.Errors
		outcome := "invalid"
		if res.Errors.ToError().Code == types.ErrMalformedOutput {
			outcome = "malformed"
		}
		c.recorder.RecordExtractAttempt(req.Mode.String(), outcome)
		span.AddEvent("validation_failed", trace.WithAttributes(
			attribute.Int("attempt", state.attempt),
			attribute.Int("errors", state.last.Count()),
		))
		logger.Info("model output rejected",
			zap.Int("attempt", state.attempt),
			zap.String("outcome", outcome),
			zap.Strings("errors", state.last.Lines()),
		)

		if state.attempt > req.MaxRetries {
			return finishExhausted(c, span, state, start, res), nil
		}

		pair := correctiveMessages(req.Mode, name, choice.Message, text, state.last)
		next := make([]types.Message, 0, len(state.messages)+2)
		next = append(append(next, state.messages...), pair[0], pair[1])
		if c.overBudget(next) {
			logger.Warn("retry skipped: conversation exceeds context budget",
				zap.Int("attempt", state.attempt),
				zap.Int("max_context_tokens", c.maxContextTokens),
			)
			return finishExhausted(c, span, state, start, res), nil
		}
		state.messages = next
	}
}

func finishExhausted[T any](c *Client, span trace.Span, state *retryState, start time.Time, res Result[T]) Result[T] {
	c.recorder.RecordExtraction(StreamOff.String(), KindError.String(), state.attempt, time.Since(start))
	span.SetAttributes(attribute.Int("extract.attempts", state.attempt))
	span.SetStatus(codes.Error, "validation failed")
	return res
}

func finishTransport[T any](c *Client, span trace.Span, state *retryState, start time.Time, err error) (Result[T], error) {
	c.recorder.RecordExtractAttempt("", "transport_error")
	c.recorder.RecordExtraction(StreamOff.String(), "transport_error", state.attempt, time.Since(start))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return Result[T]{Attempts: state.attempt}, err
}

// overBudget 判断消息是否超出上下文预算，计数失败时不阻止重试。
func (c *Client) overBudget(messages []types.Message) bool {
	if c.tokenizer == nil || c.maxContextTokens <= 0 {
		return false
	}
	n, err := c.tokenizer.CountMessages(messages)
	if err != nil {
		c.logger.Debug("token count failed", zap.Error(err))
		return false
	}
	return n > c.maxContextTokens
}

// BatchItem is the outcome of one request in ChatCompletionBatch.
type BatchItem[T any] struct {
	Result Result[T]
	Err    error
}

// ChatCompletionBatch 并发执行多个独立的单次抽取，结果顺序与 reqs 一致。
// 单项失败不影响其他项，只有 ctx 取消会停止整批。
func ChatCompletionBatch[T any](ctx context.Context, c *Client, reqs []Request[T]) ([]BatchItem[T], error) {
	for i := range reqs {
		if err := reqs[i].check(StreamOff); err != nil {
			if te, ok := types.AsError(err); ok {
				return nil, types.NewConfigurationError("request %d: %s", i, te.Message)
			}
			return nil, err
		}
	}

	out := make([]BatchItem[T], len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	if c.batchConcurrency > 0 {
		g.SetLimit(c.batchConcurrency)
	}
	for i := range reqs {
		g.Go(func() error {
			res, err := ChatCompletion(gctx, c, reqs[i])
			out[i] = BatchItem[T]{Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return out, err
	}
	return out, nil
}
