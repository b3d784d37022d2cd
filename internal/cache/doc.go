// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 提供进程内的泛型 LRU 缓存，支持容量上限、访问后过期、
后台清理与淘汰回调。Agent 管理器使用它按会话缓存 Agent 实例。

# 核心类型

  - LRU：并发安全的泛型缓存，Get 刷新访问时间并移动到队首。
  - Config：容量、访问过期时间与清理间隔。
  - Stats：命中、未命中、淘汰次数与命中率。
  - EvictReason：expired / capacity / invalidated / closed。

# 主要能力

  - GetOrCreate：在同一把锁内完成查找与创建，避免重复构造。
  - 淘汰回调：在锁外执行，调用方可在其中释放资源。
  - 后台清理：按 CleanupInterval 移除过期条目，Close 时停止并等待退出。
*/
package cache
