// MockProvider 的 LLM 提供商测试模拟实现。
//
// 支持按调用顺序编排的响应脚本、流式分片与错误注入。
package mocks

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/BaSui01/extractflow/llm"
	"github.com/BaSui01/extractflow/types"
)

// --- MockProvider 结构 ---

// Reply 是一次 Completion 调用的脚本化结果。Err 非空时返回该错误。
type Reply struct {
	Text string
	Err  error
}

// MockProvider 是 LLM Provider 的模拟实现。
//
// 当请求携带 Tools 时，响应文本以 tool call 参数的形式返回，与真实的函数调用模型一致；
// 否则作为消息内容返回。
type MockProvider struct {
	mu sync.RWMutex

	name string

	// 响应配置
	response     string
	replies      []Reply
	streamChunks []string
	streamErr    *types.Error
	streamErrAt  int
	err          error

	// Token 使用统计
	promptTokens     int
	completionTokens int

	// 调用记录
	calls          []MockProviderCall
	completionFunc func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)
	streamFunc     func(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error)

	// 行为控制
	delay     time.Duration
	callCount int
	streams   sync.WaitGroup
}

// MockProviderCall 记录单次调用
type MockProviderCall struct {
	Request  *llm.ChatRequest
	Response *llm.ChatResponse
	Error    error
	Stream   bool
}

// --- 构造函数和 Builder 方法 ---

// NewMockProvider 创建新的 MockProvider
func NewMockProvider() *MockProvider {
	return &MockProvider{
		name:             "mock",
		response:         "{}",
		promptTokens:     10,
		completionTokens: 20,
	}
}

// WithName 设置 Provider 名称
func (m *MockProvider) WithName(name string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.name = name
	return m
}

// WithResponse 设置脚本耗尽后的固定响应
func (m *MockProvider) WithResponse(response string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.response = response
	return m
}

// WithReplies 按调用顺序设置 Completion 响应文本
func (m *MockProvider) WithReplies(texts ...string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range texts {
		m.replies = append(m.replies, Reply{Text: t})
	}
	return m
}

// WithScript 按调用顺序设置响应或错误
func (m *MockProvider) WithScript(replies ...Reply) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, replies...)
	return m
}

// WithError 设置每次调用都返回的错误
func (m *MockProvider) WithError(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithStreamChunks 设置流式响应块
func (m *MockProvider) WithStreamChunks(chunks ...string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamChunks = chunks
	return m
}

// WithStreamError 在发送 after 个分片后以 err 中断流
func (m *MockProvider) WithStreamError(after int, err *types.Error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamErrAt = after
	m.streamErr = err
	return m
}

// WithTokenUsage 设置 Token 使用量
func (m *MockProvider) WithTokenUsage(prompt, completion int) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.promptTokens = prompt
	m.completionTokens = completion
	return m
}

// WithDelay 设置每个响应（或每个流式分片）之前的延迟
func (m *MockProvider) WithDelay(d time.Duration) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithCompletionFunc 设置自定义 Completion 函数
func (m *MockProvider) WithCompletionFunc(fn func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completionFunc = fn
	return m
}

// WithStreamFunc 设置自定义 Stream 函数
func (m *MockProvider) WithStreamFunc(fn func(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error)) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamFunc = fn
	return m
}

// --- Provider 接口实现 ---

func (m *MockProvider) Name() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.name
}

func (m *MockProvider) SupportsNativeFunctionCalling() bool { return true }

func (m *MockProvider) HealthCheck(context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true, Latency: time.Millisecond}, nil
}

// Completion 返回下一条脚本响应
func (m *MockProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	m.mu.Lock()
	m.callCount++
	snapshot := snapshotRequest(req)

	if m.err != nil {
		m.calls = append(m.calls, MockProviderCall{Request: snapshot, Error: m.err})
		err := m.err
		m.mu.Unlock()
		return nil, err
	}
	if fn := m.completionFunc; fn != nil {
		m.mu.Unlock()
		resp, err := fn(ctx, req)
		m.mu.Lock()
		m.calls = append(m.calls, MockProviderCall{Request: snapshot, Response: resp, Error: err})
		m.mu.Unlock()
		return resp, err
	}

	reply := m.nextReply()
	delay := m.delay
	if reply.Err != nil {
		m.calls = append(m.calls, MockProviderCall{Request: snapshot, Error: reply.Err})
		m.mu.Unlock()
		return nil, reply.Err
	}
	resp := &llm.ChatResponse{
		ID:       "mock-response-id",
		Provider: m.name,
		Model:    req.Model,
		Choices: []llm.ChatChoice{{
			FinishReason: "stop",
			Message:      replyMessage(req, reply.Text, m.callCount),
		}},
		Usage: llm.ChatUsage{
			PromptTokens:     m.promptTokens,
			CompletionTokens: m.completionTokens,
			TotalTokens:      m.promptTokens + m.completionTokens,
		},
		CreatedAt: time.Now(),
	}
	if len(resp.Choices[0].Message.ToolCalls) > 0 {
		resp.Choices[0].FinishReason = "tool_calls"
	}
	m.calls = append(m.calls, MockProviderCall{Request: snapshot, Response: resp})
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return resp, nil
}

// Stream 逐个发送分片。通道无缓冲：消费方停止读取时发送方阻塞在 ctx 上，
// 便于测试取消路径。
func (m *MockProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	m.mu.Lock()
	m.callCount++
	m.calls = append(m.calls, MockProviderCall{Request: snapshotRequest(req), Stream: true})
	if m.err != nil {
		err := m.err
		m.mu.Unlock()
		return nil, err
	}
	if fn := m.streamFunc; fn != nil {
		m.mu.Unlock()
		return fn(ctx, req)
	}
	chunks := append([]string(nil), m.streamChunks...)
	streamErr, errAt := m.streamErr, m.streamErrAt
	delay := m.delay
	name := m.name
	m.streams.Add(1)
	m.mu.Unlock()

	tools := len(req.Tools) > 0
	ch := make(chan llm.StreamChunk)
	go func() {
		defer m.streams.Done()
		defer close(ch)

		send := func(c llm.StreamChunk) bool {
			select {
			case <-ctx.Done():
				return false
			case ch <- c:
				return true
			}
		}
		for i, text := range chunks {
			if streamErr != nil && i == errAt {
				send(llm.StreamChunk{Provider: name, Err: streamErr})
				return
			}
			if delay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
			}
			c := llm.StreamChunk{ID: "mock-chunk-id", Provider: name, Model: req.Model, Index: i}
			if tools {
				c.Delta = types.Message{Role: types.RoleAssistant, ToolCalls: []types.ToolCall{{Arguments: []byte(text)}}}
				if i == 0 {
					c.Delta.ToolCalls[0].ID = "call_mock_0"
					c.Delta.ToolCalls[0].Name = req.ToolChoice
				}
			} else {
				c.Delta = types.Message{Role: types.RoleAssistant, Content: text}
			}
			if i == len(chunks)-1 {
				c.FinishReason = "stop"
			}
			if !send(c) {
				return
			}
		}
		if streamErr != nil && errAt >= len(chunks) {
			send(llm.StreamChunk{Provider: name, Err: streamErr})
		}
	}()
	return ch, nil
}

// nextReply 弹出下一条脚本；脚本耗尽后返回固定响应。调用方持有锁。
func (m *MockProvider) nextReply() Reply {
	if len(m.replies) == 0 {
		return Reply{Text: m.response}
	}
	r := m.replies[0]
	m.replies = m.replies[1:]
	return r
}

func replyMessage(req *llm.ChatRequest, text string, n int) types.Message {
	if len(req.Tools) == 0 {
		return types.Message{Role: types.RoleAssistant, Content: text}
	}
	name := req.ToolChoice
	if name == "" {
		name = req.Tools[0].Name
	}
	return types.Message{
		Role: types.RoleAssistant,
		ToolCalls: []types.ToolCall{{
			ID:        "call_mock_" + strconv.Itoa(n),
			Name:      name,
			Arguments: []byte(text),
		}},
	}
}

// snapshotRequest 复制请求与消息切片，调用方后续修改不会影响记录。
func snapshotRequest(req *llm.ChatRequest) *llm.ChatRequest {
	if req == nil {
		return nil
	}
	cp := *req
	cp.Messages = append([]types.Message(nil), req.Messages...)
	return &cp
}

// --- 查询方法 ---

// GetCalls 获取所有调用记录
func (m *MockProvider) GetCalls() []MockProviderCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]MockProviderCall{}, m.calls...)
}

// GetCallCount 获取调用次数
func (m *MockProvider) GetCallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.callCount
}

// GetLastCall 获取最后一次调用
func (m *MockProvider) GetLastCall() *MockProviderCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.calls) == 0 {
		return nil
	}
	call := m.calls[len(m.calls)-1]
	return &call
}

// WaitStreams 等待所有流式发送 goroutine 退出，用于断言没有遗留 goroutine。
func (m *MockProvider) WaitStreams(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		m.streams.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Reset 重置所有状态
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.callCount = 0
	m.replies = nil
	m.err = nil
}

// --- 预设 Provider 工厂 ---

// NewSuccessProvider 创建总是返回 response 的 Provider
func NewSuccessProvider(response string) *MockProvider {
	return NewMockProvider().WithResponse(response)
}

// NewErrorProvider 创建总是失败的 Provider
func NewErrorProvider(err error) *MockProvider {
	return NewMockProvider().WithError(err)
}

// NewScriptedProvider 创建按顺序返回 texts 的 Provider
func NewScriptedProvider(texts ...string) *MockProvider {
	return NewMockProvider().WithReplies(texts...)
}

// NewStreamProvider 创建流式响应的 Provider
func NewStreamProvider(chunks ...string) *MockProvider {
	return NewMockProvider().WithStreamChunks(chunks...)
}

var _ llm.Provider = (*MockProvider)(nil)
