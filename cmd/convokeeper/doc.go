/*
Package main 提供 ConvoKeeper 服务端程序入口。

# 子命令

  - serve：启动 HTTP 服务（SSE、WebSocket、同步运行、会话管理、/metrics）
  - chat：在配置的存储与模型上一次性运行 Agent，逐行输出步骤
  - migrate：SQL 存储的版本化迁移（up、down、steps、status、version、force）
  - version：显示构建信息

# 组装

runtime 依次创建遥测、Prometheus 收集器、主备存储、Hybrid 记忆（可选
Summarizing 包装）、带中间件链的 Provider、内置工具与 Agent Manager。
serve 与 chat 共用同一套组装。

HTTP 中间件自外向内：Recovery、RequestID、SecurityHeaders、OTelTracing、
RequestLogger、MetricsMiddleware、RateLimiter（rate_limit_rps > 0 时启用）。

指定 --config 时监听配置文件，变更后只热更新 log.level。
*/
package main
