// Package openaicompat provides a shared base implementation for all
// OpenAI-compatible LLM providers.
//
// OpenAI, DeepSeek, Qwen and self-hosted servers such as vLLM or Ollama share
// the Chat Completions wire format. Instead of duplicating HTTP handling, SSE
// parsing, message conversion and error mapping, vendors embed
// openaicompat.Provider and only override what differs:
//
//   - Provider name and default model
//   - Base URL and endpoint paths
//   - Custom headers (if any)
//   - Whether response_format json_schema is honoured
//   - Request hooks for provider-specific fields
//
// Usage:
//
//	p := openaicompat.New(openaicompat.Config{
//	    ProviderName:  "vllm",
//	    BaseURL:       "http://localhost:8000",
//	    DefaultModel:  "Qwen/Qwen2.5-7B-Instruct",
//	}, logger)
package openaicompat
