// Package factory 提供 LLM Provider 的集中式工厂，
// 通过名称映射创建 Provider 实例并按配置叠加限流与传输层重试，
// 打破 llm 包与各 provider 子包之间的循环依赖。
package factory
