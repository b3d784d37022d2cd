// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 convokeeper 测试的共享工具和辅助函数。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 断言工具: AssertMessagesEqual / Contents / AssertEventuallyTrue
  - 通道辅助: Drain 读取流式事件直到关闭或超时
  - 数据工具: MustJSON

# 子包

  - testutil/mocks: MockProvider（脚本化 llm.Provider）、MockChatStore
    （可注入错误的会话存储）、MockTool（记录调用的工具）
  - testutil/fixtures: 模型响应与会话消息工厂

# 使用示例

	ctx := testutil.TestContext(t)
	provider := mocks.NewMockProvider().WithResponses(fixtures.TerminateResponse("done"))
	resp, err := provider.Invoke(ctx, &llm.ChatRequest{})
*/
package testutil
