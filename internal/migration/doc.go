// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 管理 SQL 消息存储（chat_messages 表）的版本化 Schema，
基于 golang-migrate 实现。

# 概述

PostgreSQL 与 MySQL 的迁移文件通过 embed.FS 内嵌，由 iofs source
交给 golang-migrate 执行。SQLite 部署由 SQL 存储的 auto_migrate
直接建表，这里返回 ErrUnsupportedDatabase。

# 核心类型

  - Migrator：Up/Down/Steps/Force/Version/Status/Info/Close。
  - SchemaMigrator：在调用方提供的 *sql.DB 上运行 golang-migrate。
  - NewMigratorFromStoreConfig：按 persistence.SQLStoreConfig 打开
    连接池并创建迁移器，Close 时一并释放连接。
  - CLI：为 `convokeeper migrate` 子命令格式化输出。
*/
package migration
