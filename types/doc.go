// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 convokeeper 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 agent、llm、api 等上层模块
提供统一的类型契约，避免循环依赖。

# 核心类型

  - Message：对话消息，按 Role 区分 system / user / assistant / tool 四种形态
  - ToolCall：assistant 消息携带的工具调用请求（id + name + arguments）
  - ToolResponse：tool 消息携带的工具执行结果（id + name + data）
  - ToolSchema：工具定义（name + description + JSON Schema parameters）
  - Error：结构化错误，含错误码、HTTP 状态码与 Retryable 标记

# 序列化

Message 的 JSON 编码即所有存储后端（Redis / 文件 / SQL）的持久化格式，
字段增删需保持向后兼容。
*/
package types
