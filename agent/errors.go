package agent

import "errors"

var (
	// ErrInvalidState 运行前 Agent 不处于 Idle 状态
	ErrInvalidState = errors.New("agent is not idle")

	// ErrEmptyPrompt 提示词为空或只有空白
	ErrEmptyPrompt = errors.New("empty prompt")

	// ErrModelInvocation 本次运行的首次模型调用在重试后仍然失败
	ErrModelInvocation = errors.New("model invocation failed")

	// ErrNoToolResponse 工具执行后历史末尾没有 tool 消息
	ErrNoToolResponse = errors.New("no tool response found")

	// ErrAgentClosed Agent 已随 Manager 关闭
	ErrAgentClosed = errors.New("agent closed")

	// ErrConfigInvalid 构造参数缺失
	ErrConfigInvalid = errors.New("invalid agent config")
)

// ErrMigrationUnsupported 当前记忆不支持从备存储迁移
var ErrMigrationUnsupported = errors.New("memory does not support migration")
