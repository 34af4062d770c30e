// Copyright (c) ExtractFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 ExtractFlow 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 llm、structured、api
等上层模块提供统一的类型契约，避免循环依赖。

# 核心类型

  - Message：对话消息（Role、Content、ToolCalls、Images 多模态）
  - ToolCall：模型发起的工具调用（流式时 Arguments 为增量片段）
  - ToolSchema：工具定义（name + description + JSON Schema parameters）
  - Error / ErrorCode：结构化错误体系，含 HTTP 状态码、Retryable、Provider 标记

# 错误分类

  - 传输错误：UPSTREAM_ERROR、RATE_LIMITED、UPSTREAM_TIMEOUT 等，由 Provider 产生
  - MALFORMED_OUTPUT：模型输出直到流结束都不是合法 JSON
  - FIELD_VALIDATION：JSON 合法但字段构造或校验失败
  - CONFIGURATION：请求配置错误，在任何模型调用之前同步返回

# 主要能力

  - Context 传播：Scope（TraceID、TenantID、UserID）及 WithTraceID / WithTenantID / WithUserID
  - 错误工具链：AsError / IsErrorCode / IsRetryable / IsTransportError
*/
package types
