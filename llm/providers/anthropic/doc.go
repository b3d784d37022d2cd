// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 anthropic 基于 anthropic-sdk-go 实现 llm.Provider，调用 Messages 接口。

与 openai 包的差异：

  - 系统提示与历史中的 system 消息（压缩摘要）合并到 system 参数
  - 工具结果以 tool_result 块放在 user 消息中，按 tool_use_id 关联
  - max_tokens 必填，未配置时使用 4096
  - SDK 内置重试关闭，避免和 Agent 的重试叠加

错误映射与 openai 包相同，529 (overloaded) 归为可重试的 UPSTREAM_ERROR。
*/
package anthropic
