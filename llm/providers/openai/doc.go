// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
# 概述

包 openai 基于 sashabaranov/go-openai 实现 llm.Provider，适用于
OpenAI 官方接口以及任何 OpenAI 兼容的服务（例如 DashScope
compatible-mode、DeepSeek、本地 vLLM）。

# 核心结构体

  - Provider：持有 go-openai Client，Invoke 同步调用 Chat Completions
  - Config：API Key、BaseURL、默认模型、超时、Organization

# 消息映射

  - System / User / Assistant 消息一对一映射
  - Assistant 的 ToolCalls 映射为 function 类型的 tool_calls
  - Tool 消息按 ToolResponse 拆分为多条 role=tool 消息（按 tool_call_id 关联）

# 错误映射

上游错误统一转换为 *types.Error：429 映射为 RATE_LIMITED，5xx 映射为
UPSTREAM_ERROR（均可重试），401/403 映射为 PROVIDER_UNAVAILABLE。
*/
package openai
