// Package telemetry 封装 OpenTelemetry SDK 初始化。
//
// 启用时通过 OTLP gRPC 导出 trace 与 metric，并把 SDK provider 注册为全局
// provider，agent 运行与模型调用的 span 都经由全局 tracer 输出。
// 关闭时不连接任何外部服务。
package telemetry
