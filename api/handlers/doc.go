/*
Package handlers 提供 ExtractFlow HTTP API 的请求处理器。

  - ExtractHandler：/api/v1/extract、/extract/batch、/extract/stream，
    请求体携带 JSON Schema，值以 JSON 树返回；流式接口输出 SSE。
  - HealthHandler：存活与就绪检查，就绪检查并发执行已注册的 HealthCheck
    （供应商、Redis 等）。
  - Response / ErrorInfo：统一响应结构；types.ErrorCode 到 HTTP 状态码的
    映射集中在 mapErrorCodeToHTTPStatus。字段校验失败返回 422，并在
    error.lines 中给出逐字段原因。
*/
package handlers
