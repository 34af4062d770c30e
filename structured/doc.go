// Copyright 2026 ExtractFlow Authors
// Use of this source code is governed by the project license.

/*
# 概述

包 structured 是 ExtractFlow 的结构化解码与重试校验引擎：把模型的自由文本或
token 流还原为经过 Schema 校验的类型化值，校验失败时把字段级错误回灌给模型重新生成。

# 核心接口

  - Schema[T]：Describe / Construct / Validate 三件套，引擎只通过它使用 Schema
  - PartialConstructor[T]：宽松构造，用于部分流的中间结果
  - RecordSchema[E]：可逐元素解码的数组 Schema
  - Decoder[T]：Feed / Finish 形式的解码模式

# 主要类型

  - TypeSchema[T]：由 Go 类型反射得到的 Schema（For / MustFor），支持 WithRule、WithCheck
  - DynamicSchema：运行时加载的 JSON Schema，值为 JSON 树
  - ArraySchema[E]：元素 Schema 的数组（ArrayOf），以 {"items": [...]} 形式描述给模型
  - FieldErrors：有序的 字段路径 → 错误信息 映射，Render 输出 "field — message" 行
  - Result[T]：partial / ok / error 三种结果
  - Stream[T]：惰性、拉取式、单次遍历的结果通道
  - Client：绑定 llm.Provider、日志、追踪与指标

# 解码模式

  - 单次（ChatCompletion）：读完整响应后构造并校验，失败时按 MaxRetries 纠错重试
  - 记录流（ChatCompletionRecords / RecordSeq）：数组元素闭合即独立校验并输出
  - 部分流（ChatCompletionStream / StreamSeq）：每个分片输出当前最佳值，结束时输出唯一终态

流式模式下设置 MaxRetries、负的 MaxRetries、缺少 Schema 等误用会在发起任何模型调用前
以 CONFIGURATION 错误返回。

# 典型用法

	schema := structured.MustFor[Series](structured.WithRule(checkSeries))
	client, _ := structured.NewClient(provider, structured.WithLogger(logger))
	res, err := structured.ChatCompletion(ctx, client, structured.Request[Series]{
		Schema:     schema,
		Messages:   []types.Message{types.NewUserMessage("Generate a series")},
		MaxRetries: 3,
	})
	if err != nil { // 传输或配置错误 }
	if !res.OK() { fmt.Println(res.Errors.Render()) }
*/
package structured
