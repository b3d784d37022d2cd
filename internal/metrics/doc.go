// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 汇总 ConvoKeeper 的 Prometheus 指标。

Collector 的每个 Record 方法都允许 nil 接收者，组件在未注入收集器时
可以直接调用而无需判空。NewCollector 注册到默认 Registry，测试使用
NewCollectorWithRegistry 传入独立的 prometheus.Registry。

指标分组（均带 namespace 前缀）：

  - http_*：请求数与耗时，path 由中间件归一化，状态码归为 2xx..5xx
  - llm_*：模型请求、耗时、token 用量与重试次数
  - tool_*：工具执行次数与耗时，按成功与否区分
  - agent_*：运行、步数、状态迁移与循环检测
  - memory_*：存储操作与摘要压缩（次数、移除的消息数）
  - cache_*：Agent 实例缓存命中、未命中与条目数
*/
package metrics
