// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 persistence 提供会话消息（types.Message）的持久化存储抽象及多后端实现。

# 概述

每个会话由一个不透明的字符串 ID 标识，拥有一段有序的消息序列。
消息以 JSON 编码存储，所有后端共享同一格式，因此可以在后端之间迁移。
读取时遇到无法解码的数据，后端会删除该会话的数据并返回空历史（自愈）。

# 核心接口

  - Store: 所有存储的基础接口，提供 Close 和 Ping 健康检查。
  - ChatStore: 会话存储接口，提供 Append、Get、Clear、Count、Exists。

# 后端实现

  - Redis: 主存储。每个会话一个 List，Append 在一个 Pipeline 中执行
    RPUSH + EXPIRE + LTRIM，保留最近 MaxMessages 条并刷新 TTL。
  - File: 次存储。每个会话一个 JSON 文件，临时文件 + rename 原子写入，
    文件名经过清洗并限制长度。
  - SQL: 基于 GORM 的 chat_messages 表，支持 postgres、mysql、sqlite。
  - Memory: 进程内实现，适合开发与测试。

# 使用方式

	store, err := persistence.NewChatStore(config, logger)
*/
package persistence
