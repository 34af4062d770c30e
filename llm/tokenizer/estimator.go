package tokenizer

import (
	"fmt"
	"math"

	"github.com/BaSui01/extractflow/types"
)

// 消息级开销：角色标记与分隔符约 4 个 token，整段对话收尾约 3 个。
const (
	perMessageOverhead      = 4
	perConversationOverhead = 3
)

// EstimatorTokenizer 按字符类别估算 token 数，用于没有精确分词器的模型。
//
// 结构化输出的对话里充斥 JSON 标点，按 len/4 估算会明显偏低，
// 所以把字符分成三类分别计价，并且向上取整：上下文预算宁可偏紧。
type EstimatorTokenizer struct {
	model     string
	maxTokens int

	textCharsPerToken float64 // 普通字符（ASCII 字母、数字、空白）
	cjkCharsPerToken  float64 // CJK 字符
	structuralCost    float64 // 每个 JSON 结构标点的 token 数
}

// NewEstimatorTokenizer 创建估算器，maxTokens <= 0 时取 4096。
func NewEstimatorTokenizer(model string, maxTokens int) *EstimatorTokenizer {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &EstimatorTokenizer{
		model:             model,
		maxTokens:         maxTokens,
		textCharsPerToken: 4.0,
		cjkCharsPerToken:  1.5,
		structuralCost:    0.5,
	}
}

// WithCharsPerToken 覆盖普通字符的计价比例。
func (e *EstimatorTokenizer) WithCharsPerToken(ratio float64) *EstimatorTokenizer {
	if ratio > 0 {
		e.textCharsPerToken = ratio
	}
	return e
}

func (e *EstimatorTokenizer) CountTokens(text string) (int, error) {
	if text == "" {
		return 0, nil
	}

	var plain, cjk, structural int
	for _, r := range text {
		switch {
		case isCJK(r):
			cjk++
		case isStructural(r):
			structural++
		default:
			plain++
		}
	}

	estimated := float64(plain)/e.textCharsPerToken +
		float64(cjk)/e.cjkCharsPerToken +
		float64(structural)*e.structuralCost
	return max(int(math.Ceil(estimated)), 1), nil
}

func (e *EstimatorTokenizer) CountMessages(messages []types.Message) (int, error) {
	total := perConversationOverhead
	for _, msg := range messages {
		tokens, err := e.CountTokens(messageText(msg))
		if err != nil {
			return 0, err
		}
		total += tokens + perMessageOverhead
	}
	return total, nil
}

// Encode 返回与估算数量等长的伪 token ID，只用于长度计算。
func (e *EstimatorTokenizer) Encode(text string) ([]int, error) {
	count, err := e.CountTokens(text)
	if err != nil {
		return nil, err
	}
	tokens := make([]int, count)
	for i := range tokens {
		tokens[i] = i
	}
	return tokens, nil
}

func (e *EstimatorTokenizer) Decode(_ []int) (string, error) {
	return "", fmt.Errorf("estimator tokenizer for %s does not support decode", e.model)
}

func (e *EstimatorTokenizer) MaxTokens() int { return e.maxTokens }

func (e *EstimatorTokenizer) Name() string { return "estimator" }

func isStructural(r rune) bool {
	switch r {
	case '{', '}', '[', ']', ':', ',', '"':
		return true
	}
	return false
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) || // 基本区
		(r >= 0x3400 && r <= 0x4DBF) || // 扩展 A
		(r >= 0x20000 && r <= 0x2A6DF) || // 扩展 B
		(r >= 0xF900 && r <= 0xFAFF) || // 兼容表意字符
		(r >= 0x3000 && r <= 0x303F) || // 标点
		(r >= 0xFF00 && r <= 0xFFEF) // 全角
}
