// Copyright 2026 ExtractFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
Package testutil 提供 ExtractFlow 测试的共享工具和辅助函数。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 断言工具: AssertRoles / AssertJSONEqual / AssertEventuallyTrue
  - 分片工具: SplitFragments / SplitAt，把完整响应切成 token 流
  - 流式辅助: CollectStreamChunks / CollectStreamText / SendChunksToChannel

# 子包

  - testutil/mocks: MockProvider，按调用顺序编排响应脚本、流式分片与错误注入

# 使用示例

	ctx := testutil.TestContext(t)
	provider := mocks.NewScriptedProvider(`{"a":1}`, `{"a":2}`)
	client, _ := structured.NewClient(provider)
*/
package testutil
