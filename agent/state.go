package agent

import "fmt"

// State 定义 Agent 生命周期状态
type State string

const (
	StateIdle     State = "idle"     // 空闲，可接受新的运行
	StateRunning  State = "running"  // 正在执行步骤
	StateFinished State = "finished" // 本次运行已结束，等待清理
	StateError    State = "error"    // 运行失败，需要 Reset
)

// validTransitions 定义合法的状态转换
var validTransitions = map[State][]State{
	StateIdle:     {StateRunning},
	StateRunning:  {StateFinished, StateError, StateIdle},
	StateFinished: {StateIdle, StateError}, // 超时可在最后一步之后强制失败
	StateError:    {StateIdle},             // 只能通过 Reset
}

// String implements fmt.Stringer.
func (s State) String() string { return string(s) }

// CanTransition 检查状态转换是否合法
func CanTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition 非法状态转换错误
type ErrInvalidTransition struct {
	From State
	To   State
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}
