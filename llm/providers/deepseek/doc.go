// Copyright 2026 ExtractFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
包 deepseek 接入 DeepSeek 的 OpenAI 兼容接口，请求、SSE 解析与错误映射都委托给
嵌入的 openaicompat.Provider。

与 OpenAI 的差异只有两点：入口是 {BaseURL}/chat/completions（默认
providers.DeepSeekBaseURL，兜底模型 deepseek-chat）；不接受 json_schema，
ModeJSONSchema 的请求在发出前改写为 json_object，模型看不到 schema，只能靠
校验与纠错重试兜底；需要把 schema 写进提示词时改用 ModeJSON。
工具调用模式（ModeTools）原生支持，是 DeepSeek 上推荐的抽取方式。
*/
package deepseek
