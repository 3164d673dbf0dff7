package agent

import (
	"context"
	"fmt"

	"github.com/agentmesh/agentmesh/core"
)

// Pause stops new dispatch, cancels in-flight work, resolves outstanding
// user questions with an empty answer and persists a snapshot. The run loop
// keeps ticking and yields until Resume.
func (a *Agent) Pause(ctx context.Context) error {
	return a.suspend(ctx, core.AgentPaused)
}

// Abort is pause with a terminal state; there is no resume from ABORTED.
func (a *Agent) Abort(ctx context.Context) error {
	return a.suspend(ctx, core.AgentAborted)
}

func (a *Agent) suspend(ctx context.Context, target core.AgentState) error {
	a.mu.Lock()
	if a.state.Terminal() {
		current := a.state
		a.mu.Unlock()
		return fmt.Errorf("agent %s is %s: %w", a.ID, current, core.ErrAgentTerminal)
	}
	cancel := a.workCancel
	a.workCtx, a.workCancel = nil, nil
	pending := make(map[string]string, len(a.pendingQuestions))
	for reqID, stepID := range a.pendingQuestions {
		pending[reqID] = stepID
	}
	a.mu.Unlock()

	// Revoke the run scope so every in-flight primitive execution and
	// remote call observes cancellation.
	if cancel != nil {
		cancel()
	}

	for reqID := range pending {
		if a.deps.Users != nil {
			if err := a.deps.Users.Cancel(ctx, reqID); err != nil {
				a.logger().Debug("Question cancel failed during suspend", map[string]interface{}{
					"request_id": reqID,
					"error":      err.Error(),
				})
			}
		}
	}

	a.mu.Lock()
	for _, s := range a.steps {
		if s.Status == StepRunning {
			s.Status = StepPaused
		}
	}
	a.mu.Unlock()

	a.setState(ctx, target)
	a.checkpointNow(ctx)
	return nil
}

// Resume re-enters the run loop from PAUSED or INITIALIZING with a fresh
// cancellation scope.
func (a *Agent) Resume(ctx context.Context) error {
	a.mu.Lock()
	if a.state != core.AgentPaused && a.state != core.AgentInitializing {
		current := a.state
		a.mu.Unlock()
		return fmt.Errorf("cannot resume from %s: %w", current, core.ErrInvalidState)
	}
	a.workCtx, a.workCancel = context.WithCancel(context.Background())
	for _, s := range a.steps {
		if s.Status == StepPaused {
			s.Status = StepPending
		}
	}
	a.mu.Unlock()

	a.setState(ctx, core.AgentRunning)
	return nil
}

// checkpointNow serializes and persists the full agent snapshot. Failures
// are logged but never stop execution.
func (a *Agent) checkpointNow(ctx context.Context) {
	if a.deps.Store == nil {
		return
	}
	snap := a.BuildSnapshot()
	if err := a.deps.Store.SaveSnapshot(ctx, snap); err != nil {
		a.logger().Warn("Checkpoint failed", map[string]interface{}{
			"agent_id": a.ID,
			"error":    err.Error(),
		})
		return
	}
	a.logger().Debug("Checkpoint saved", map[string]interface{}{
		"agent_id": a.ID,
		"steps":    len(snap.Steps),
	})
}

// Shutdown unregisters the agent and removes its live locations. Called by
// the process host on teardown, after Run returns.
func (a *Agent) Shutdown(ctx context.Context) {
	if a.deps.Directory == nil {
		return
	}
	if err := a.deps.Directory.UnregisterAgent(ctx, a.ID); err != nil {
		a.logger().Warn("Unregister failed", map[string]interface{}{
			"agent_id": a.ID,
			"error":    err.Error(),
		})
	}
}
