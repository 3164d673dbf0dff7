package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/agentmesh/agentmesh/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPauseParksRunningWork(t *testing.T) {
	h := newHarness(nil)
	running := NewStep("WORK", "in flight")
	running.Status = StepRunning
	pending := NewStep("WORK", "not started")
	h.agent.AddStep(running)
	h.agent.AddStep(pending)
	h.agent.mu.Lock()
	h.agent.state = core.AgentRunning
	h.agent.pendingQuestions["q-8"] = running.ID
	h.agent.mu.Unlock()

	require.NoError(t, h.agent.Pause(context.Background()))

	assert.Equal(t, core.AgentPaused, h.agent.State())
	assert.Equal(t, StepPaused, running.Status)
	assert.Equal(t, StepPending, pending.Status)

	// Outstanding questions are withdrawn and a checkpoint lands in the store.
	h.users.mu.Lock()
	cancelled := append([]string(nil), h.users.cancelled...)
	h.users.mu.Unlock()
	assert.Equal(t, []string{"q-8"}, cancelled)

	snap, err := h.store.LoadSnapshot(context.Background(), h.agent.ID)
	require.NoError(t, err)
	assert.Equal(t, core.AgentPaused, snap.State)
}

func TestPauseCancelsWorkScope(t *testing.T) {
	h := newHarness(nil)
	workCtx, workCancel := context.WithCancel(context.Background())
	h.agent.mu.Lock()
	h.agent.state = core.AgentRunning
	h.agent.workCtx = workCtx
	h.agent.workCancel = workCancel
	h.agent.mu.Unlock()

	require.NoError(t, h.agent.Pause(context.Background()))

	select {
	case <-workCtx.Done():
	default:
		t.Fatal("pause left the work scope alive")
	}
}

func TestResumeRestartsPausedSteps(t *testing.T) {
	h := newHarness(nil)
	step := NewStep("WORK", "parked")
	step.Status = StepPaused
	h.agent.AddStep(step)
	h.agent.mu.Lock()
	h.agent.state = core.AgentPaused
	h.agent.mu.Unlock()

	require.NoError(t, h.agent.Resume(context.Background()))

	assert.Equal(t, core.AgentRunning, h.agent.State())
	assert.Equal(t, StepPending, step.Status)
	h.agent.mu.Lock()
	assert.NotNil(t, h.agent.workCtx)
	h.agent.mu.Unlock()
}

func TestResumeRequiresPausedOrInitializing(t *testing.T) {
	h := newHarness(nil)
	h.agent.mu.Lock()
	h.agent.state = core.AgentRunning
	h.agent.mu.Unlock()

	err := h.agent.Resume(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrInvalidState))
}

func TestAbortIsTerminal(t *testing.T) {
	h := newHarness(nil)
	h.agent.mu.Lock()
	h.agent.state = core.AgentRunning
	h.agent.mu.Unlock()

	require.NoError(t, h.agent.Abort(context.Background()))
	assert.Equal(t, core.AgentAborted, h.agent.State())

	err := h.agent.Pause(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrAgentTerminal))

	err = h.agent.Resume(context.Background())
	assert.True(t, errors.Is(err, core.ErrInvalidState))
}

func TestShutdownUnregisters(t *testing.T) {
	h := newHarness(nil)
	dir := newFakeDirectory()
	h.agent.deps.Directory = dir
	require.NoError(t, dir.RegisterAgent(context.Background(), &core.AgentInfo{
		ID: h.agent.ID, MissionID: "mission-1",
	}))

	h.agent.Shutdown(context.Background())

	_, err := dir.FindAgent(context.Background(), h.agent.ID)
	assert.True(t, errors.Is(err, core.ErrAgentNotFound))
}
