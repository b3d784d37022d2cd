// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 memory 提供面向会话的记忆层：在 persistence 的存储后端之上
组合出双写、回退读取与后台摘要压缩。

# 核心接口

  - [Memory]：按会话 ID 追加、读取、清空消息
  - [Inspector]：可选的计数与存在性查询

# 核心类型

  - [Hybrid]：主备两级存储。写入尽力双写，读取主存储为空或失败时
    回退到备存储并回填主存储，清空时并发清理两端。
  - [Summarizing]：装饰器。追加后把压缩任务提交到后台工作池，
    历史过长时把最早的一段消息替换为一条模型生成的摘要。
  - [StoreMemory]：单个 ChatStore 的直接适配。

# 一致性

摘要替换采用先清空再写入的方式，在装饰器内部持有写锁，
经由同一装饰器的追加会等待替换完成；绕过装饰器直接写入
底层存储的调用方可能在清空与写入之间丢失消息。
*/
package memory
