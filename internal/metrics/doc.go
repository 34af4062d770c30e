// Copyright 2026 ExtractFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖
HTTP、LLM、结构化抽取与缓存四个维度。

# 概述

Collector 统一注册和记录 Prometheus 指标。默认注册到
prometheus.DefaultRegisterer，也可通过 NewCollectorWithRegisterer
注入独立 Registry。所有指标按 namespace 隔离。

# 核心类型

  - Collector：指标收集器，实现 structured.Recorder，
    可直接通过 structured.WithRecorder 接入抽取引擎。

# 主要能力

  - HTTP 指标：请求总数、耗时、请求/响应体大小，状态码归类为 2xx/3xx/4xx/5xx。
  - LLM 指标：请求总数、耗时、Token 用量（prompt/completion）。
  - 抽取指标：每次模型调用的校验结果（ok/invalid/malformed/transport_error）、
    完成的抽取数、每次抽取的调用次数分布与耗时。
  - 缓存指标：命中与未命中计数，按 cache_type 分组。
*/
package metrics
