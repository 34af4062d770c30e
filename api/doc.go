// Package api 定义 ExtractFlow HTTP API 的请求与响应结构。
//
// # API 概览
//
//   - POST /api/v1/extract          按 JSON Schema 抽取一个结构化对象，失败时带纠错重试
//   - POST /api/v1/extract/batch    并发抽取一组对象
//   - POST /api/v1/extract/stream   以 SSE 推送部分对象（stream=partial）或逐条记录（stream=record）
//   - GET  /health /healthz /ready  健康检查
//   - GET  /version                 版本信息
//
// # 认证
//
// 配置了 API Key 时通过 X-API-Key 头认证；配置了 JWT 密钥时也接受
// Authorization: Bearer <token>。
//
// # 错误
//
// 所有错误使用统一响应结构，error.code 取值见 types.ErrorCode。
// FIELD_VALIDATION 与 MALFORMED_OUTPUT 错误的 error.lines 为逐字段的
// "字段 — 原因" 文本。
//
// # SSE 事件
//
// /api/v1/extract/stream 的事件名为 partial、ok、error（逐条记录的校验失败）、
// failure（上游传输错误，流随即结束）与 done（正常结束，带统计）。
package api
