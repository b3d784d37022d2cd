// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 为 SQL 会话存储和 migrate 命令打开 GORM 连接。

Open 按驱动名选择方言：postgres、mysql，以及 glebarez/sqlite 提供的
纯 Go sqlite（无需 cgo）。PoolManager 负责连接池参数、后台探活和
关闭顺序；SQL 存储的追加写通过 WithTransactionRetry 在死锁或
序列化失败时按指数退避重试。
*/
package database
