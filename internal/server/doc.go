// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 管理 HTTP 服务器的生命周期：非阻塞启动、优雅关闭与关闭钩子。

# 核心类型

  - Manager：封装 net/http.Server 与 net.Listener，提供
    Start/Run/Shutdown/OnShutdown。
  - Config：监听地址、读写超时、空闲超时、请求头上限与关闭超时。

# 关闭顺序

Shutdown 先停止接收新连接并排空进行中的请求（不含已劫持的 WebSocket 连接），
再按注册的逆序执行 OnShutdown 钩子。serve 命令依次注册遥测、存储与
Agent Manager 的关闭，因此 Agent 最先关闭，遥测最后刷新。

Run 阻塞到 ctx 取消或服务器异常退出，通常配合 signal.NotifyContext 使用。
*/
package server
