package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/BaSui01/extractflow/llm"
)

const keyPrefix = "extract:cache:"

// KeyStrategy 缓存键生成策略接口
type KeyStrategy interface {
	// GenerateKey 生成缓存键
	GenerateKey(req *llm.ChatRequest) string

	// Name 返回策略名称（用于日志和调试）
	Name() string
}

// NewKeyStrategy 按名称创建策略：hash（默认）或 tenant。
func NewKeyStrategy(name string) (KeyStrategy, error) {
	switch name {
	case "", "hash":
		return NewHashKeyStrategy(), nil
	case "tenant":
		return NewTenantKeyStrategy(), nil
	default:
		return nil, fmt.Errorf("unknown cache key strategy %q", name)
	}
}

// fingerprint 只包含决定模型输出的字段；TraceID、UserID、Metadata、Timeout 不参与。
type fingerprint struct {
	Model          string              `json:"model"`
	Messages       []llm.Message       `json:"messages"`
	MaxTokens      int                 `json:"max_tokens,omitempty"`
	Temperature    float32             `json:"temperature,omitempty"`
	TopP           float32             `json:"top_p,omitempty"`
	Stop           []string            `json:"stop,omitempty"`
	Tools          []llm.ToolSchema    `json:"tools,omitempty"`
	ToolChoice     string              `json:"tool_choice,omitempty"`
	ResponseFormat *llm.ResponseFormat `json:"response_format,omitempty"`
}

func requestHash(req *llm.ChatRequest) string {
	fp := fingerprint{
		Model:          req.Model,
		Messages:       req.Messages,
		MaxTokens:      req.MaxTokens,
		Temperature:    req.Temperature,
		TopP:           req.TopP,
		Stop:           req.Stop,
		Tools:          req.Tools,
		ToolChoice:     req.ToolChoice,
		ResponseFormat: req.ResponseFormat,
	}
	data, err := json.Marshal(fp)
	if err != nil {
		// fallback: 使用 fmt.Sprintf 生成确定性字符串避免 key 碰撞
		data = []byte(fmt.Sprintf("%v", fp))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

// HashKeyStrategy 全局共享的请求 Hash 键：extract:cache:{hash}
type HashKeyStrategy struct{}

// NewHashKeyStrategy 创建 Hash 策略
func NewHashKeyStrategy() *HashKeyStrategy { return &HashKeyStrategy{} }

// Name 返回策略名称
func (s *HashKeyStrategy) Name() string { return "hash" }

// GenerateKey 生成 Hash 缓存键
func (s *HashKeyStrategy) GenerateKey(req *llm.ChatRequest) string {
	return keyPrefix + requestHash(req)
}

// TenantKeyStrategy 按租户隔离的键：extract:cache:{tenant}:{model}:{hash}
// 同一租户的条目共享前缀，可以整体失效。
type TenantKeyStrategy struct{}

// NewTenantKeyStrategy 创建租户隔离策略
func NewTenantKeyStrategy() *TenantKeyStrategy { return &TenantKeyStrategy{} }

// Name 返回策略名称
func (s *TenantKeyStrategy) Name() string { return "tenant" }

// GenerateKey 生成租户隔离的缓存键
func (s *TenantKeyStrategy) GenerateKey(req *llm.ChatRequest) string {
	return TenantPrefix(req.TenantID) + req.Model + ":" + requestHash(req)
}

// TenantPrefix 返回租户所有条目共享的键前缀
func TenantPrefix(tenantID string) string {
	if tenantID == "" {
		tenantID = "_"
	}
	return keyPrefix + tenantID + ":"
}
