// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 llm 定义了 Agent 与大语言模型之间的调用边界。

# 概述

核心接口是 [Provider]：一次 Invoke 接收完整消息列表、系统提示词、可用工具
定义与调用选项，返回文本以及模型请求的工具调用列表。工具的实际执行
不在模型层完成（Options.InternalToolExecution 恒为 false），由上层
Agent 显式分发，以便检查、重试与清洗工具结果。

# 子包

  - retry：固定间隔 / 指数退避重试
  - tools：工具注册表、参数校验与执行器
  - providers/openai：基于 go-openai 的 OpenAI 兼容实现
*/
package llm
