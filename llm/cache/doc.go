// Copyright 2026 ExtractFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
包 cache 为确定性的补全请求提供多级缓存，通过本地 LRU 与 Redis 协同
避免重复的模型调用。

# 核心类型

  - MultiLevelCache：L1 本地 LRU（O(1) 操作）+ L2 Redis，命中 Redis 时回填本地。
  - KeyStrategy：缓存键策略。hash 为全局共享键，tenant 按租户隔离并支持
    InvalidateTenant 批量失效（Redis 侧使用 SCAN）。
  - CachedProvider：llm.Provider 包装器，只缓存 Completion；流式请求透传。

# 键的组成

缓存键只由决定模型输出的字段计算：模型、消息（去除时间戳与元数据）、
采样参数、工具、tool_choice 与 response_format。TraceID 等请求标识不参与。
重试时对话会追加纠错消息，因此每次重试的键都不同，不会命中上一次的无效输出。

# 使用方式

	mlc, err := cache.NewMultiLevelCache(redisClient, cache.DefaultConfig(), logger)
	provider = cache.NewCachedProvider(provider, mlc, metricsCollector, logger)
*/
package cache
