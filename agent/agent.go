package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/convokeeper/agent/memory"
	"github.com/BaSui01/convokeeper/internal/ctxkeys"
	"github.com/BaSui01/convokeeper/internal/metrics"
	"github.com/BaSui01/convokeeper/llm/tools"
	"github.com/BaSui01/convokeeper/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	tracerName = "github.com/BaSui01/convokeeper/agent"

	modeSync   = "sync"
	modeStream = "stream"

	thinkingCompleteResult = "Thinking complete - no action needed"
)

// Thinker 决定下一步是否需要执行工具
type Thinker interface {
	Think(ctx context.Context, rc *RunContext) (shouldAct bool, err error)
}

// Actor 执行 Thinker 留下的动作并返回步骤结果文本
type Actor interface {
	Act(ctx context.Context, rc *RunContext) (string, error)
}

// Agent 绑定一个会话 ID 的工具调用 Agent。
// 同一实例上的运行由 execMu 串行化，状态由 stateMu 保护。
type Agent struct {
	cfg            Config
	conversationID string
	memory         memory.Memory
	thinker        Thinker
	actor          Actor

	metrics *metrics.Collector
	tracer  trace.Tracer
	logger  *zap.Logger

	execMu  sync.Mutex
	stateMu sync.RWMutex
	state   State

	currentStep atomic.Int32
	closed      atomic.Bool
}

// New 创建绑定 conversationID 的 Agent
func New(conversationID string, cfg Config, deps Dependencies) (*Agent, error) {
	if deps.Memory == nil {
		return nil, fmt.Errorf("%w: memory is required", ErrConfigInvalid)
	}
	cfg = cfg.withDefaults()

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("agent", cfg.Name), zap.String("conversation_id", conversationID))

	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	thinker, actor := deps.Thinker, deps.Actor
	if thinker == nil || actor == nil {
		if deps.Provider == nil {
			return nil, fmt.Errorf("%w: provider is required without custom strategies", ErrConfigInvalid)
		}
		registry := deps.Tools
		if registry == nil {
			registry = tools.NewDefaultRegistry(logger)
		}
		executor := deps.Executor
		if executor == nil {
			executor = tools.NewDefaultExecutor(registry, logger, tools.WithMetrics(deps.Metrics))
		}
		engine := NewToolCallEngine(cfg, deps.Provider, registry, executor, deps.Metrics, logger)
		if thinker == nil {
			thinker = engine
		}
		if actor == nil {
			actor = engine
		}
	}

	return &Agent{
		cfg:            cfg,
		conversationID: conversationID,
		memory:         deps.Memory,
		thinker:        thinker,
		actor:          actor,
		metrics:        deps.Metrics,
		tracer:         tracer,
		logger:         logger,
		state:          StateIdle,
	}, nil
}

// Name 返回 Agent 名称
func (a *Agent) Name() string { return a.cfg.Name }

// ConversationID 返回绑定的会话 ID
func (a *Agent) ConversationID() string { return a.conversationID }

// Config 返回生效的配置副本
func (a *Agent) Config() Config { return a.cfg }

// CurrentStep 返回正在执行的步骤序号，空闲时为 0
func (a *Agent) CurrentStep() int { return int(a.currentStep.Load()) }

// State 返回当前状态，可在任意 goroutine 调用
func (a *Agent) State() State {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	return a.state
}

// Reset 把 Error 状态的 Agent 恢复为 Idle。
func (a *Agent) Reset() error {
	switch st := a.State(); st {
	case StateIdle:
		return nil
	case StateError:
		return a.transition(StateIdle)
	default:
		return fmt.Errorf("%w: cannot reset while %s", ErrInvalidState, st)
	}
}

// Close 拒绝后续运行，正在进行的运行不受影响。
func (a *Agent) Close() {
	if a.closed.CompareAndSwap(false, true) {
		a.logger.Debug("agent closed")
	}
}

func (a *Agent) transition(to State) error {
	a.stateMu.Lock()
	from := a.state
	if from == to {
		a.stateMu.Unlock()
		return nil
	}
	if !CanTransition(from, to) {
		a.stateMu.Unlock()
		return ErrInvalidTransition{From: from, To: to}
	}
	a.state = to
	a.stateMu.Unlock()

	a.logger.Debug("state transition", zap.String("from", string(from)), zap.String("to", string(to)))
	a.metrics.RecordAgentStateTransition(a.cfg.Name, string(from), string(to))
	return nil
}

// Run 同步执行一次运行，返回以换行连接的步骤结果。
// 并发调用会阻塞到前一次运行结束。
func (a *Agent) Run(ctx context.Context, prompt string) (string, error) {
	a.execMu.Lock()
	defer a.execMu.Unlock()
	return a.execute(ctx, prompt, modeSync, nil)
}

// RunStream 在后台执行运行，并按顺序推送会话 ID、每个步骤、最后的 done 或 error 事件。
// 通道总会被关闭；停止读取的调用方必须取消 ctx。
func (a *Agent) RunStream(ctx context.Context, prompt string) <-chan StreamEvent {
	out := make(chan StreamEvent, 4)

	go func() {
		defer close(out)

		emit := func(ev StreamEvent) bool {
			if ctx.Err() != nil {
				return false
			}
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit(StreamEvent{Type: EventConversationID, Data: a.conversationID}) {
			return
		}

		a.execMu.Lock()
		defer a.execMu.Unlock()

		runCtx, cancel := context.WithTimeout(ctx, a.cfg.StreamTimeout)
		defer cancel()

		if _, err := a.execute(runCtx, prompt, modeStream, emit); err != nil {
			emit(StreamEvent{Type: EventError, Data: err.Error()})
			return
		}
		emit(StreamEvent{Type: EventDone, Data: DoneMarker})
	}()

	return out
}

// execute 运行主循环，调用方必须持有 execMu。emit 为 nil 表示同步模式。
func (a *Agent) execute(ctx context.Context, prompt, mode string, emit func(StreamEvent) bool) (string, error) {
	if a.closed.Load() {
		return "", ErrAgentClosed
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("run not started: %w", err)
	}
	if strings.TrimSpace(prompt) == "" {
		return "", ErrEmptyPrompt
	}
	if st := a.State(); st != StateIdle {
		return "", fmt.Errorf("%w: state is %s", ErrInvalidState, st)
	}

	rc := newRunContext(a)
	ctx = ctxkeys.WithRunID(ctx, rc.runID)
	ctx = ctxkeys.WithConversationID(ctx, a.conversationID)
	ctx, span := a.tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("agent.name", a.cfg.Name),
		attribute.String("agent.mode", mode),
		attribute.String("conversation.id", a.conversationID),
		attribute.String("run.id", rc.runID),
	))
	defer span.End()

	start := time.Now()
	status := "success"
	defer func() {
		a.metrics.RecordAgentRun(a.cfg.Name, mode, status, time.Since(start))
	}()
	defer a.cleanup()

	fail := func(err error) (string, error) {
		// 调用方取消与正常结束走同一清理路径，只有超时和失败才进入 Error
		if errors.Is(ctx.Err(), context.Canceled) {
			status = "cancelled"
			if terr := a.transition(StateFinished); terr != nil {
				rc.logger.Warn("failed to finish cancelled run", zap.Error(terr))
			}
			span.SetStatus(codes.Error, "cancelled")
			rc.logger.Info("agent run cancelled", zap.Int("step", rc.step), zap.Error(err))
			return "", err
		}
		status = "error"
		if a.State() != StateError {
			if terr := a.transition(StateError); terr != nil {
				rc.logger.Warn("failed to mark agent errored", zap.Error(terr))
			}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		rc.logger.Error("agent run failed", zap.Int("step", rc.step), zap.Error(err))
		return "Execution error: " + err.Error(), err
	}

	if err := a.memory.Add(ctx, a.conversationID, types.NewUserMessage(prompt)); err != nil {
		status = "error"
		span.RecordError(err)
		return "", fmt.Errorf("append prompt: %w", err)
	}
	if err := a.transition(StateRunning); err != nil {
		return fail(err)
	}
	rc.logger.Info("agent run started", zap.String("mode", mode))

	lines := make([]string, 0, a.cfg.MaxSteps+1)
	record := func(line string) bool {
		lines = append(lines, line)
		return emit == nil || emit(StreamEvent{Type: EventStep, Data: line})
	}

	for i := 1; i <= a.cfg.MaxSteps && a.State() != StateFinished; i++ {
		if err := ctx.Err(); err != nil {
			return fail(fmt.Errorf("run interrupted: %w", err))
		}
		rc.step = i
		a.currentStep.Store(int32(i))

		result, err := a.step(ctx, rc)
		if err != nil {
			return fail(fmt.Errorf("step %d: %w", i, err))
		}
		a.metrics.RecordAgentStep(a.cfg.Name)
		rc.logger.Debug("step completed", zap.Int("step", i), zap.String("result", result))

		if !record(fmt.Sprintf("Step %d: %s", i, result)) {
			return fail(fmt.Errorf("run interrupted: %w", context.Cause(ctx)))
		}
		a.pruneHistory(ctx)
	}

	if err := ctx.Err(); err != nil {
		return fail(fmt.Errorf("run interrupted: %w", err))
	}

	if a.State() != StateFinished {
		if err := a.transition(StateFinished); err != nil {
			return fail(err)
		}
		if !record(fmt.Sprintf("Terminated: reached max steps (%d)", a.cfg.MaxSteps)) {
			return fail(fmt.Errorf("run interrupted: %w", context.Cause(ctx)))
		}
	}

	span.SetAttributes(attribute.Int("agent.steps", rc.step))
	rc.logger.Info("agent run finished", zap.Int("steps", rc.step), zap.Duration("duration", time.Since(start)))
	return strings.Join(lines, "\n"), nil
}

// step 执行一次 think/act
func (a *Agent) step(ctx context.Context, rc *RunContext) (string, error) {
	rc.finalAnswer = ""

	shouldAct, err := a.thinker.Think(ctx, rc)
	if err != nil {
		return "", fmt.Errorf("think: %w", err)
	}
	if shouldAct {
		result, err := a.actor.Act(ctx, rc)
		if err != nil {
			return "", fmt.Errorf("act: %w", err)
		}
		return result, nil
	}

	rc.Finish()
	if rc.finalAnswer != "" {
		return rc.finalAnswer, nil
	}
	return thinkingCompleteResult, nil
}

// cleanup 在每条路径上执行：非 Error 状态回到 Idle，步数归零。
func (a *Agent) cleanup() {
	a.stateMu.Lock()
	from := a.state
	changed := from != StateError && from != StateIdle
	if changed {
		a.state = StateIdle
	}
	a.stateMu.Unlock()

	if changed {
		a.metrics.RecordAgentStateTransition(a.cfg.Name, string(from), string(StateIdle))
	}
	a.currentStep.Store(0)
}

// pruneHistory keeps the newest MaxHistorySize messages. Leading tool
// messages whose tool call was cut off are dropped as well.
func (a *Agent) pruneHistory(ctx context.Context) {
	history, err := a.memory.Get(ctx, a.conversationID)
	if err != nil {
		a.logger.Warn("failed to load history for pruning", zap.Error(err))
		return
	}
	if len(history) <= a.cfg.MaxHistorySize {
		return
	}

	kept := history[len(history)-a.cfg.MaxHistorySize:]
	for len(kept) > 0 && kept[0].Role == types.RoleTool {
		kept = kept[1:]
	}
	if err := replaceHistory(ctx, a, kept); err != nil {
		a.logger.Warn("failed to prune history", zap.Error(err))
		return
	}
	a.logger.Debug("history pruned", zap.Int("from", len(history)), zap.Int("to", len(kept)))
}

// replaceHistory 先清空再追加，两步之间的并发追加可能丢失
func replaceHistory(ctx context.Context, a *Agent, msgs []types.Message) error {
	if err := a.memory.Clear(ctx, a.conversationID); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := a.memory.Add(ctx, a.conversationID, msgs...); err != nil {
		return fmt.Errorf("rewrite history: %w", err)
	}
	return nil
}
