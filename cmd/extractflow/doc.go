/*
Package main 提供 ExtractFlow 服务端程序入口。

# 概述

cmd/extractflow 是 ExtractFlow 的可执行入口，提供 HTTP 抽取服务、
命令行单次抽取、健康检查和版本查询等子命令。程序支持 YAML 配置加载、
结构化日志（zap）、Prometheus 指标、OpenTelemetry 追踪以及配置轮询重载。

# 核心类型

  - Server：主服务器，装配 Provider 链、抽取客户端与 HTTP/Metrics 双端口
  - Middleware：HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve（启动服务）、extract（读取文本执行一次抽取）、version、health
  - Provider 链：factory 构建（重试、限流）→ 可选补全缓存 → 指标与追踪
  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、Metrics、
    RequestLogger、RateLimiter（基于 IP）、Auth（X-API-Key 或 JWT Bearer）
  - 配置重载：日志级别与抽取默认参数无需重启即可生效
  - 优雅关闭：SIGINT/SIGTERM 取消根 context，所有 server.Manager 一起关闭
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
