// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package tools 提供工具注册、参数校验与并发执行。

DefaultRegistry 在注册时用 santhosh-tekuri/jsonschema 编译参数 schema，
可选的按工具速率限制基于 golang.org/x/time/rate。DefaultExecutor 通过
errgroup 并发执行一轮工具调用，工具失败、超时、panic 与参数校验失败都会
被渲染为 "Error: ..." 响应文本写回对话，而不是向上返回 Go 错误。

RegisterBuiltins 注册 terminate、get_current_datetime、get_current_hour，
以及在 BaseDir 沙箱内读写文件的 read_file / write_file。
*/
package tools
