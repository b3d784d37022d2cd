package agent

import (
	"context"

	"github.com/BaSui01/convokeeper/llm"
	"github.com/BaSui01/convokeeper/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RunContext 保存单次运行的可变状态：步数、最终答案、待执行的模型响应与循环检测缓冲区。
// 它在运行开始时创建、清理时丢弃，不会跨运行泄漏。
type RunContext struct {
	agent      *Agent
	runID      string
	step       int
	modelCalls int

	finalAnswer string
	pending     *llm.ChatResponse
	loops       *LoopDetector
	logger      *zap.Logger
}

func newRunContext(a *Agent) *RunContext {
	runID := uuid.NewString()
	return &RunContext{
		agent:  a,
		runID:  runID,
		loops:  NewLoopDetector(a.cfg.LoopWindow, a.cfg.LoopThreshold),
		logger: a.logger.With(zap.String("run_id", runID)),
	}
}

// Agent returns the agent executing this run.
func (rc *RunContext) Agent() *Agent { return rc.agent }

// RunID returns the unique id of this run.
func (rc *RunContext) RunID() string { return rc.runID }

// Step returns the 1-based index of the current step.
func (rc *RunContext) Step() int { return rc.step }

// ConversationID returns the conversation the run writes to.
func (rc *RunContext) ConversationID() string { return rc.agent.conversationID }

// Logger returns a logger scoped to the run.
func (rc *RunContext) Logger() *zap.Logger { return rc.logger }

// FinalAnswer returns the answer recorded by the current step, if any.
func (rc *RunContext) FinalAnswer() string { return rc.finalAnswer }

// SetFinalAnswer records the answer reported for the current step.
func (rc *RunContext) SetFinalAnswer(s string) { rc.finalAnswer = s }

// SetPending stores a model response whose tool calls still have to run.
func (rc *RunContext) SetPending(resp *llm.ChatResponse) { rc.pending = resp }

// TakePending returns the pending response and clears it.
func (rc *RunContext) TakePending() *llm.ChatResponse {
	resp := rc.pending
	rc.pending = nil
	return resp
}

// Loops returns the loop detector of this run.
func (rc *RunContext) Loops() *LoopDetector { return rc.loops }

// Finish marks the run as finished. Calling it more than once is harmless.
func (rc *RunContext) Finish() {
	if rc.agent.State() == StateRunning {
		_ = rc.agent.transition(StateFinished)
	}
}

// beginModelCall 返回本次运行中的模型调用序号，从 1 开始
func (rc *RunContext) beginModelCall() int {
	rc.modelCalls++
	return rc.modelCalls
}

// History loads the conversation from memory.
func (rc *RunContext) History(ctx context.Context) ([]types.Message, error) {
	return rc.agent.memory.Get(ctx, rc.agent.conversationID)
}

// Append adds messages to the conversation.
func (rc *RunContext) Append(ctx context.Context, msgs ...types.Message) error {
	return rc.agent.memory.Add(ctx, rc.agent.conversationID, msgs...)
}

// Replace swaps the whole conversation for msgs.
func (rc *RunContext) Replace(ctx context.Context, msgs []types.Message) error {
	return replaceHistory(ctx, rc.agent, msgs)
}
