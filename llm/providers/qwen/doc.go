// Copyright 2026 ExtractFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
包 qwen 提供阿里巴巴通义千问（Qwen）系列模型的 Provider 适配实现，
基于 OpenAI 兼容协议接入 DashScope API。

Qwen Provider 复用 openaicompat 基础设施，通过 DashScope 的
compatible-mode 端点实现与 OpenAI API 格式一致的调用，支持
Function Calling、json_object / json_schema 输出以及 SSE 流式输出。
*/
package qwen
