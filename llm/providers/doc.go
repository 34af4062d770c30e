// Copyright 2026 ExtractFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
# 概述

包 providers 提供跨模型服务商的通用适配与辅助能力，是所有具体 Provider
实现的公共基础层。各服务商子包（openai、deepseek、qwen）以及
openaicompat 依赖本包完成请求/响应转换与错误映射。

# 核心类型

  - BaseProviderConfig：所有 Provider 共享的基础配置（APIKey、BaseURL、Model、Timeout）
  - OpenAICompat* 系列：OpenAI 兼容 API 的请求/响应/工具调用线上结构体
  - OpenAICompatContent：content 字段，兼容纯文本与多模态片段数组

# 核心函数

  - MapHTTPError：将 HTTP 状态码映射为语义化的 llm.Error（含 Retryable 标记）
  - ConvertMessagesToOpenAI / ConvertToolsToOpenAI / ConvertToolChoice：请求转换
  - BuildOpenAIRequest：由 llm.ChatRequest 组装完整请求体
  - ToLLMChatResponse / ToLLMToolCalls：响应转换，工具参数统一为 json.RawMessage
  - ChooseModel：按优先级选择模型（请求 > 默认 > 兜底）

重试与限流包装器位于 llm/retry。
*/
package providers
