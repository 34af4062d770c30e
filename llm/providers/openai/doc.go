// Copyright 2026 ExtractFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
# 概述

包 openai 提供 OpenAI 模型的 Provider 适配实现。该包在 openaicompat
基础上仅定制认证头与 json_schema 严格模式，补全与 SSE 流式解析
全部委托给 openaicompat。

# 核心结构体

  - OpenAIProvider：嵌入 openaicompat.Provider

# 支持能力

  - Chat Completions（/v1/chat/completions）
  - 流式输出（SSE）
  - 原生 Function Calling，tool_choice 强制指定函数
  - response_format: json_object / json_schema（可选 strict）
  - Organization header 支持
*/
package openai
