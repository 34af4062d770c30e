// 版权所有 2024 ExtractFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 llm 提供大语言模型接入层：Provider 抽象、请求/响应模型，以及
重试、限流、缓存与 token 计数等围绕 Provider 的增强能力。

# Provider 抽象

核心接口是 [Provider]，包含补全、流式输出、健康检查与能力声明。
结构化抽取只依赖 Completion 与 Stream 两个方法。

# 核心类型

  - [ChatRequest]：聊天请求，Tools / ResponseFormat 用于传递目标 schema
  - [ChatResponse] / [ChatChoice]：同步响应
  - [StreamChunk]：流式增量，Err 表示传输中断
  - [ResponseFormat]：json_object / json_schema 输出格式

# 子包

  - llm/providers/openaicompat：OpenAI 兼容 HTTP + SSE 实现
  - llm/retry：传输层指数退避重试与限流包装
  - llm/cache：基于 Redis 的补全响应缓存
  - llm/tokenizer：tiktoken 与估算 token 计数
*/
package llm
