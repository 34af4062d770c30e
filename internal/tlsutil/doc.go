// Package tlsutil 集中管理 TLS 设置：上游模型 API 的 HTTP 客户端（普通与流式两种超时策略）、
// 对外 HTTPS 服务以及补全缓存的 Redis 连接都从这里取配置，统一要求 TLS 1.2 及以上。
package tlsutil
