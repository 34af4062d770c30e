// Package tokenizer 为上下文预算计数：OpenAI 系列模型用 tiktoken 精确计数，
// 其余模型退回按字符类别计价的估算器。每轮纠错重试都会追加两条消息，
// structured.WithContextBudget 靠它判断下一轮是否还放得下。
package tokenizer
