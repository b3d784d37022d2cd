package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/BaSui01/convokeeper/testutil"
	"github.com/BaSui01/convokeeper/testutil/fixtures"
	"github.com/BaSui01/convokeeper/testutil/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eventTypes(events []StreamEvent) []EventType {
	out := make([]EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestRunStream_EventOrder(t *testing.T) {
	echo := mocks.NewMockTool("echo", "x")
	provider := mocks.NewMockProvider().WithResponses(
		fixtures.ToolCallResponse("c1", "echo", nil),
		fixtures.TextResponse("final"),
	)
	rig := newRig(t, provider, testConfig(), echo)

	events, closed := testutil.Drain(rig.agent.RunStream(context.Background(), "go"), 2*time.Second)
	require.True(t, closed)
	assert.Equal(t, []EventType{EventConversationID, EventStep, EventStep, EventDone}, eventTypes(events))
	assert.Equal(t, testConversation, events[0].Data)
	assert.Equal(t, "Step 1: "+resultToolsExecuted, events[1].Data)
	assert.Equal(t, "Step 2: final", events[2].Data)
	assert.Equal(t, DoneMarker, events[3].Data)
	assert.True(t, events[3].IsTerminal())
	assert.Equal(t, StateIdle, rig.agent.State())
}

func TestRunStream_MaxStepsEvent(t *testing.T) {
	echo := mocks.NewMockTool("echo", "x")
	provider := mocks.NewMockProvider().WithFallback(fixtures.ToolCallResponse("c", "echo", nil))
	cfg := testConfig()
	cfg.MaxSteps = 2
	rig := newRig(t, provider, cfg, echo)

	events, closed := testutil.Drain(rig.agent.RunStream(context.Background(), "go"), 2*time.Second)
	require.True(t, closed)
	require.Len(t, events, 5)
	assert.Equal(t, "Terminated: reached max steps (2)", events[3].Data)
	assert.Equal(t, EventDone, events[4].Type)
}

func TestRunStream_PreconditionErrors(t *testing.T) {
	rig := newRig(t, mocks.NewMockProvider(), testConfig())

	events, closed := testutil.Drain(rig.agent.RunStream(context.Background(), ""), time.Second)
	require.True(t, closed)
	assert.Equal(t, []EventType{EventConversationID, EventError}, eventTypes(events))
	assert.Equal(t, ErrEmptyPrompt.Error(), events[1].Data)
}

func TestRunStream_FirstCallFailure(t *testing.T) {
	provider := mocks.NewMockProvider().WithError(mocks.ErrMockFailure)
	cfg := testConfig()
	cfg.MaxAttempts = 1
	rig := newRig(t, provider, cfg)

	events, closed := testutil.Drain(rig.agent.RunStream(context.Background(), "hi"), time.Second)
	require.True(t, closed)
	assert.Equal(t, []EventType{EventConversationID, EventError}, eventTypes(events))
	assert.Contains(t, events[1].Data, ErrModelInvocation.Error())
	assert.Equal(t, StateError, rig.agent.State())
}

func TestRunStream_TimeoutForcesError(t *testing.T) {
	provider := mocks.NewMockProvider().WithDelay(5 * time.Second)
	cfg := testConfig()
	cfg.StreamTimeout = 50 * time.Millisecond
	rig := newRig(t, provider, cfg)

	events, closed := testutil.Drain(rig.agent.RunStream(context.Background(), "slow"), 2*time.Second)
	require.True(t, closed)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Type)
	assert.Contains(t, last.Data, "deadline exceeded")
	assert.NotContains(t, eventTypes(events), EventDone)
	assert.Equal(t, StateError, rig.agent.State())
	assert.Zero(t, rig.agent.CurrentStep())

	msgs := rig.history(t)
	assert.Equal(t, interruptedMessage, msgs[len(msgs)-1].Content)
}

func TestRunStream_CallerCancellation(t *testing.T) {
	provider := mocks.NewMockProvider().WithDelay(5 * time.Second)
	rig := newRig(t, provider, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	ch := rig.agent.RunStream(ctx, "slow")

	first := <-ch
	assert.Equal(t, EventConversationID, first.Type)
	assert.Eventually(t, func() bool { return provider.CallCount() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	events, closed := testutil.Drain(ch, 2*time.Second)
	require.True(t, closed)
	for _, ev := range events {
		assert.NotEqual(t, EventDone, ev.Type)
	}
	assert.Eventually(t, func() bool { return rig.agent.State() == StateIdle }, time.Second, 5*time.Millisecond)
	assert.Zero(t, rig.agent.CurrentStep())

	provider.WithDelay(0).WithResponse("back")
	result, err := rig.agent.Run(context.Background(), "again")
	require.NoError(t, err, "a cancelled stream leaves the agent reusable")
	assert.Equal(t, "Step 1: back", result)
}

func TestRunStream_SerializedWithRun(t *testing.T) {
	provider := mocks.NewMockProvider().WithDelay(20 * time.Millisecond).WithResponse("r")
	rig := newRig(t, provider, testConfig())

	ch := rig.agent.RunStream(context.Background(), "stream")
	result, err := rig.agent.Run(context.Background(), "sync")
	require.NoError(t, err)
	assert.Equal(t, "Step 1: r", result)

	events, closed := testutil.Drain(ch, 2*time.Second)
	require.True(t, closed)
	assert.Equal(t, EventDone, events[len(events)-1].Type)

	roles := make([]string, 0)
	for _, m := range rig.history(t) {
		roles = append(roles, string(m.Role))
	}
	assert.Equal(t, "user,assistant,user,assistant", strings.Join(roles, ","))
}
