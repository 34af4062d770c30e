// Copyright 2026 ExtractFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
包 cache 管理进程内共享的 Redis 连接。

Manager 负责连接生命周期：启动时 Ping 校验连通性，后台定时健康检查
（状态变化时通过 zap 记录），Close 安全释放连接。上层的补全缓存
（llm/cache）通过 Client 复用同一连接池，/ready 探针通过 Healthy
读取最近一次检查结果。
*/
package cache
