// 版权所有 2024 ExtractFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 observability 为 LLM 调用提供追踪、指标与成本核算。

# 核心类型

  - InstrumentedProvider：包装任意 llm.Provider，为每次 Completion / Stream
    创建 OpenTelemetry span，并把状态、耗时与 token 用量交给 Recorder
  - Recorder：指标接收接口，由 internal/metrics.Collector 实现
  - CostCalculator：按 provider:model 维护每百万 token 价格，带日期后缀的
    模型名按最长前缀匹配
  - CostTracker：进程级成本累计

流式调用的 span 在结果通道关闭时结束；消费方取消时状态记为 canceled。
*/
package observability
