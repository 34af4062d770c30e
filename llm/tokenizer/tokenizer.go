package tokenizer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/BaSui01/extractflow/types"
)

// Tokenizer 是统一的 token 计数接口。
type Tokenizer interface {
	// CountTokens 返回给定文本的 token 数.
	CountTokens(text string) (int, error)

	// CountMessages 返回消息列表的总 token 数,
	// 包括每条消息的开销（角色标记、分隔符等）。
	CountMessages(messages []types.Message) (int, error)

	// Encode 将文本转换为 token ID 列表.
	Encode(text string) ([]int, error)

	// Decode 将 token ID 转换回文本.
	Decode(tokens []int) (string, error)

	// MaxTokens 返回模型的最大上下文长度.
	MaxTokens() int

	// Name 返回分词器的名称.
	Name() string
}

// messageText 返回一条消息中会进入上下文的全部文本：
// 正文、工具调用名与参数。重试时回显的工具调用参数往往比正文更长。
func messageText(msg types.Message) string {
	if len(msg.ToolCalls) == 0 {
		return msg.Content
	}
	var sb strings.Builder
	sb.WriteString(msg.Content)
	for _, tc := range msg.ToolCalls {
		sb.WriteString(tc.Name)
		sb.Write(tc.Arguments)
	}
	return sb.String()
}

// 全局分词器注册表.
var (
	modelTokenizers   = make(map[string]Tokenizer)
	modelTokenizersMu sync.RWMutex
)

// RegisterTokenizer 为给定的模型名称注册分词器.
func RegisterTokenizer(model string, t Tokenizer) {
	modelTokenizersMu.Lock()
	defer modelTokenizersMu.Unlock()
	modelTokenizers[model] = t
}

// GetTokenizer 返回为模型注册的分词器，精确匹配优先，否则取最长前缀匹配。
func GetTokenizer(model string) (Tokenizer, error) {
	modelTokenizersMu.RLock()
	defer modelTokenizersMu.RUnlock()

	if t, ok := modelTokenizers[model]; ok {
		return t, nil
	}

	var (
		best   string
		result Tokenizer
	)
	for prefix, t := range modelTokenizers {
		if len(prefix) > len(best) && strings.HasPrefix(model, prefix) {
			best, result = prefix, t
		}
	}
	if result != nil {
		return result, nil
	}

	return nil, fmt.Errorf("no tokenizer registered for model: %s", model)
}

// GetTokenizerOrEstimator 返回该模型的注册分词器，未注册时退回通用估算器。
func GetTokenizerOrEstimator(model string) Tokenizer {
	t, err := GetTokenizer(model)
	if err != nil {
		return NewEstimatorTokenizer(model, 0)
	}
	return t
}

// ForModel 为已知 OpenAI 模型返回 tiktoken 分词器，其余模型返回估算器。
// 不依赖全局注册表。
func ForModel(model string) Tokenizer {
	if _, known := lookupEncoding(model); known {
		if t, err := NewTiktokenTokenizer(model); err == nil {
			return t
		}
	}
	return NewEstimatorTokenizer(model, 0)
}
