package handlers

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/BaSui01/extractflow/api"
	"github.com/BaSui01/extractflow/structured"
	"github.com/BaSui01/extractflow/types"
)

// =============================================================================
// 🧩 结构化抽取 Handler
// =============================================================================

// maxBatchSize 单次批量抽取的请求上限
const maxBatchSize = 64

// ExtractDefaults 请求未指定时使用的参数，可在运行时替换
type ExtractDefaults struct {
	Mode         structured.Mode
	MaxRetries   int
	Timeout      time.Duration
	MaxBodyBytes int64
}

// ExtractHandler 处理抽取请求。Schema 来自请求体，值为 JSON 树。
type ExtractHandler struct {
	client   *structured.Client
	defaults atomic.Pointer[ExtractDefaults]
	logger   *zap.Logger
}

// NewExtractHandler 创建抽取处理器
func NewExtractHandler(client *structured.Client, defaults ExtractDefaults, logger *zap.Logger) *ExtractHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &ExtractHandler{client: client, logger: logger.With(zap.String("handler", "extract"))}
	h.defaults.Store(&defaults)
	return h
}

// SetDefaults 替换默认参数，配置重载时调用
func (h *ExtractHandler) SetDefaults(d ExtractDefaults) {
	h.defaults.Store(&d)
	h.logger.Info("extract defaults updated",
		zap.String("mode", d.Mode.String()),
		zap.Int("max_retries", d.MaxRetries),
		zap.Duration("timeout", d.Timeout),
	)
}

// Defaults 返回当前默认参数
func (h *ExtractHandler) Defaults() ExtractDefaults { return *h.defaults.Load() }

// HandleExtract 处理单次抽取，校验失败时带纠错重试
// @Summary 结构化抽取
// @Tags 抽取
// @Accept json
// @Produce json
// @Param request body api.ExtractRequest true "抽取请求"
// @Success 200 {object} Response{data=api.ExtractResponse}
// @Failure 400 {object} Response "请求或配置错误"
// @Failure 422 {object} Response "重试耗尽后仍未通过校验"
// @Failure 502 {object} Response "上游错误"
// @Security ApiKeyAuth
// @Router /api/v1/extract [post]
func (h *ExtractHandler) HandleExtract(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	defaults := h.Defaults()
	var body api.ExtractRequest
	if err := DecodeJSONBody(w, r, &body, defaults.MaxBodyBytes, h.logger); err != nil {
		return
	}
	req, timeout, apiErr := buildRequest(&body, defaults, false)
	if apiErr != nil {
		WriteError(w, apiErr, h.logger)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	start := time.Now()
	res, err := structured.ChatCompletion(ctx, h.client, req)
	if err != nil {
		WriteError(w, ToTypedError(err), h.logger)
		return
	}
	if !res.OK() {
		h.logger.Info("extraction failed validation",
			zap.Int("attempts", res.Attempts),
			zap.Int("errors", res.Errors.Count()),
		)
		WriteError(w, res.Errors.ToError(), h.logger)
		return
	}

	h.logger.Debug("extraction succeeded",
		zap.Int("attempts", res.Attempts),
		zap.Duration("duration", time.Since(start)),
	)
	WriteSuccess(w, api.ExtractResponse{Value: res.Value, Attempts: res.Attempts, Raw: res.Raw})
}

// HandleBatch 并发处理一组抽取请求，单项失败不影响其余项
// @Summary 批量结构化抽取
// @Tags 抽取
// @Accept json
// @Produce json
// @Param request body api.BatchExtractRequest true "批量请求"
// @Success 200 {object} Response{data=api.BatchExtractResponse}
// @Security ApiKeyAuth
// @Router /api/v1/extract/batch [post]
func (h *ExtractHandler) HandleBatch(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	defaults := h.Defaults()
	var body api.BatchExtractRequest
	if err := DecodeJSONBody(w, r, &body, defaults.MaxBodyBytes, h.logger); err != nil {
		return
	}
	if len(body.Requests) == 0 {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "requests cannot be empty", h.logger)
		return
	}
	if len(body.Requests) > maxBatchSize {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			fmt.Sprintf("at most %d requests per batch", maxBatchSize), h.logger)
		return
	}

	reqs := make([]structured.Request[any], len(body.Requests))
	var timeout time.Duration
	for i := range body.Requests {
		req, t, apiErr := buildRequest(&body.Requests[i], defaults, false)
		if apiErr != nil {
			apiErr.Message = fmt.Sprintf("requests[%d]: %s", i, apiErr.Message)
			WriteError(w, apiErr, h.logger)
			return
		}
		reqs[i] = req
		timeout = max(timeout, t)
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	items, err := structured.ChatCompletionBatch(ctx, h.client, reqs)
	if err != nil {
		WriteError(w, ToTypedError(err), h.logger)
		return
	}

	resp := api.BatchExtractResponse{Items: make([]api.BatchItem, len(items))}
	for i, item := range items {
		out := api.BatchItem{Index: i, Attempts: item.Result.Attempts}
		switch {
		case item.Err != nil:
			out.Error = itemError(ToTypedError(item.Err))
		case !item.Result.OK():
			out.Error = itemError(item.Result.Errors.ToError())
		default:
			out.Value = item.Result.Value
			out.Raw = item.Result.Raw
		}
		if out.Error != nil {
			resp.Failed++
		} else {
			resp.Succeeded++
		}
		resp.Items[i] = out
	}
	WriteSuccess(w, resp)
}

// HandleStream 以 SSE 推送抽取结果
//
// stream=partial 时推送逐步完善的部分对象，最后一个事件为 ok 或 error；
// stream=record 时 schema 必须是数组，每条记录完成后单独推送 ok 或 error。
// 流结束时发送 done 事件。
// @Summary 流式结构化抽取
// @Tags 抽取
// @Accept json
// @Produce text/event-stream
// @Param request body api.ExtractRequest true "抽取请求"
// @Success 200 {string} string "SSE 流"
// @Security ApiKeyAuth
// @Router /api/v1/extract/stream [post]
func (h *ExtractHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	defaults := h.Defaults()
	var body api.ExtractRequest
	if err := DecodeJSONBody(w, r, &body, defaults.MaxBodyBytes, h.logger); err != nil {
		return
	}
	if body.Stream == "" {
		body.Stream = structured.StreamPartial.String()
	}
	req, timeout, apiErr := buildRequest(&body, defaults, true)
	if apiErr != nil {
		WriteError(w, apiErr, h.logger)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError, "streaming not supported", h.logger)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	// 先打开上游流，配置错误与建立连接失败仍以普通 JSON 错误返回
	sse := &sseWriter{w: w, flusher: flusher}
	var summary api.StreamSummary
	if req.Stream == structured.StreamRecord {
		records, err := recordRequest(req)
		if err != nil {
			WriteError(w, err, h.logger)
			return
		}
		stream, streamErr := structured.ChatCompletionRecords(ctx, h.client, records)
		if streamErr != nil {
			WriteError(w, ToTypedError(streamErr), h.logger)
			return
		}
		defer stream.Close()
		sse.start()
		h.pump(sse, &summary, stream)
	} else {
		stream, err := structured.ChatCompletionStream(ctx, h.client, req)
		if err != nil {
			WriteError(w, ToTypedError(err), h.logger)
			return
		}
		defer stream.Close()
		sse.start()
		h.pump(sse, &summary, stream)
	}
}

// pump 把 Stream 的结果写成 SSE 事件
func (h *ExtractHandler) pump(sse *sseWriter, summary *api.StreamSummary, stream *structured.Stream[any]) {
	for stream.Next() {
		res := stream.Current()
		ev := api.StreamEvent{Kind: res.Kind.String(), Index: res.Index, Raw: res.Raw}
		switch res.Kind {
		case structured.KindError:
			ev.Lines = res.Errors.Lines()
			summary.Records++
			summary.Failed++
		case structured.KindOK:
			ev.Value = res.Value
			summary.Records++
		default:
			ev.Value = res.Value
		}
		if err := sse.event(ev.Kind, ev); err != nil {
			// 客户端断开
			h.logger.Debug("sse write failed", zap.Error(err))
			return
		}
	}
	if err := stream.Err(); err != nil {
		info := NewErrorInfo(ToTypedError(err))
		h.logger.Warn("extraction stream failed", zap.String("code", info.Code), zap.Error(err))
		_ = sse.event("failure", info)
		return
	}
	_ = sse.event("done", summary)
}

// =============================================================================
// 🔧 请求转换
// =============================================================================

func buildRequest(body *api.ExtractRequest, defaults ExtractDefaults, streaming bool) (structured.Request[any], time.Duration, *types.Error) {
	var req structured.Request[any]

	if len(body.Schema) == 0 {
		return req, 0, types.NewError(types.ErrInvalidRequest, "schema is required")
	}
	schema, err := structured.ParseDynamicSchema(body.SchemaName, body.Schema)
	if err != nil {
		return req, 0, types.NewError(types.ErrInvalidRequest, "invalid schema").WithCause(err)
	}
	req.Schema = schema
	req.Model = body.Model

	req.Messages = make([]types.Message, 0, len(body.Messages)+1)
	for _, m := range body.Messages {
		role := types.Role(m.Role)
		switch role {
		case types.RoleSystem, types.RoleUser, types.RoleAssistant:
		default:
			return req, 0, types.NewError(types.ErrInvalidRequest, fmt.Sprintf("unsupported message role %q", m.Role))
		}
		msg := types.Message{Role: role, Content: m.Content, Name: m.Name}
		if len(m.Images) > 0 {
			images, apiErr := convertImages(role, m.Images)
			if apiErr != nil {
				return req, 0, apiErr
			}
			msg = msg.WithImages(images)
		}
		req.Messages = append(req.Messages, msg)
	}
	if body.Prompt != "" {
		req.Messages = append(req.Messages, types.NewUserMessage(body.Prompt))
	}
	if len(req.Messages) == 0 {
		return req, 0, types.NewError(types.ErrInvalidRequest, "prompt or messages is required")
	}

	req.Mode = defaults.Mode
	if body.Mode != "" {
		if req.Mode, err = structured.ParseMode(body.Mode); err != nil {
			return req, 0, types.NewError(types.ErrInvalidRequest, err.Error())
		}
	}

	switch {
	case body.MaxRetries != nil:
		req.MaxRetries = *body.MaxRetries
	case !streaming:
		req.MaxRetries = defaults.MaxRetries
	}

	if streaming {
		if req.Stream, err = structured.ParseStreamMode(body.Stream); err != nil || req.Stream == structured.StreamOff {
			return req, 0, types.NewError(types.ErrInvalidRequest, fmt.Sprintf("stream must be partial or record, got %q", body.Stream))
		}
	} else if body.Stream != "" {
		return req, 0, types.NewError(types.ErrInvalidRequest, "stream is only accepted by /api/v1/extract/stream")
	}

	if body.Temperature < 0 || body.Temperature > 2 {
		return req, 0, types.NewError(types.ErrInvalidRequest, "temperature must be between 0 and 2")
	}
	if body.Temperature != 0 || body.MaxTokens != 0 || len(body.Metadata) > 0 {
		req.Options = &structured.RequestOptions{
			Temperature: body.Temperature,
			MaxTokens:   body.MaxTokens,
			Metadata:    body.Metadata,
		}
	}

	timeout := defaults.Timeout
	if body.Timeout != "" {
		d, err := time.ParseDuration(body.Timeout)
		if err != nil || d <= 0 {
			return req, 0, types.NewError(types.ErrInvalidRequest, fmt.Sprintf("invalid timeout %q", body.Timeout))
		}
		timeout = d
	}
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	return req, timeout, nil
}

// recordRequest 把数组 schema 的请求转换为逐条记录请求
func recordRequest(req structured.Request[any]) (structured.Request[[]any], *types.Error) {
	dyn, ok := req.Schema.(*structured.DynamicSchema)
	if !ok {
		return structured.Request[[]any]{}, types.NewConfigurationError("record streaming requires a dynamic schema")
	}
	records, err := dyn.Records()
	if err != nil {
		return structured.Request[[]any]{}, types.NewError(types.ErrInvalidRequest, "record streaming requires an array schema").WithCause(err)
	}
	return structured.Request[[]any]{
		Model:      req.Model,
		Schema:     records,
		Messages:   req.Messages,
		Stream:     req.Stream,
		MaxRetries: req.MaxRetries,
		Mode:       req.Mode,
		Options:    req.Options,
	}, nil
}

func itemError(err *types.Error) *api.ItemError {
	info := NewErrorInfo(err)
	return &api.ItemError{Code: info.Code, Message: info.Message, Lines: info.Lines}
}

// =============================================================================
// 📡 SSE 输出
// =============================================================================

type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseWriter) start() {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()
}

// event 写出一个 SSE 事件；data 用 JSON 编码，避免换行破坏帧
func (s *sseWriter) event(name string, data any) error {
	payload, err := gojson.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func convertImages(role types.Role, in []api.Image) ([]types.ImageContent, *types.Error) {
	if role != types.RoleUser {
		return nil, types.NewError(types.ErrInvalidRequest, fmt.Sprintf("images are only allowed on user messages, got %q", role))
	}
	out := make([]types.ImageContent, 0, len(in))
	for i, img := range in {
		switch img.Type {
		case "url":
			if img.URL == "" {
				return nil, types.NewError(types.ErrInvalidRequest, fmt.Sprintf("image %d: url is required", i))
			}
		case "base64":
			if img.Data == "" {
				return nil, types.NewError(types.ErrInvalidRequest, fmt.Sprintf("image %d: data is required", i))
			}
		default:
			return nil, types.NewError(types.ErrInvalidRequest, fmt.Sprintf("image %d: unsupported type %q", i, img.Type))
		}
		out = append(out, types.ImageContent{Type: img.Type, URL: img.URL, Data: img.Data, MediaType: img.MediaType})
	}
	return out, nil
}
