package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/agentmesh/core"
)

// markDelegating detaches a step from the local list and parks it in the
// delegated set as SUB_PLAN_RUNNING. The step rejoins the list when the
// TASK_RESULT message arrives, or on delegation failure.
func (a *Agent) markDelegating(ctx context.Context, step *Step) {
	a.mu.Lock()
	step.Status = StepSubPlanRunning
	a.mu.Unlock()
	a.publisher.PublishStepEvent(ctx, a.buildEvent(step, "delegating"))
}

// delegate finds or provisions an agent for the step's recommended role and
// transfers ownership. Runs asynchronously; failure returns the step to the
// local list so the scheduler can run it or surface the error.
func (a *Agent) delegate(ctx context.Context, step *Step) {
	target, err := a.findOrSpawn(ctx, step.RecommendedRole)
	if err != nil {
		a.logger().Warn("Delegation target unavailable, running locally", map[string]interface{}{
			"step_id": step.ID,
			"role":    step.RecommendedRole,
			"error":   err.Error(),
		})
		a.mu.Lock()
		step.Status = StepPending
		step.RecommendedRole = ""
		a.mu.Unlock()
		return
	}

	transferID := uuid.New().String()
	record := DelegationRecord{
		From:       a.ID,
		To:         target.ID,
		Reason:     fmt.Sprintf("role %s", step.RecommendedRole),
		TransferID: transferID,
		Timestamp:  time.Now().UTC(),
	}

	a.mu.Lock()
	step.Delegations = append(step.Delegations, record)
	step.CurrentOwner = target.ID
	a.stats.delegations++
	a.mu.Unlock()

	if a.deps.Locator != nil {
		loc := &core.StepLocation{StepID: step.ID, OwnerAgentID: target.ID, AgentHost: target.Address}
		if err := a.deps.Locator.SetLocation(ctx, loc); err != nil {
			a.logger().Warn("Step location transfer failed", map[string]interface{}{
				"step_id": step.ID,
				"error":   err.Error(),
			})
		}
	}

	// Move the step out of the local list; the delegated set tracks it
	// until the result message closes the loop.
	if detached, ok := a.removeStep(step.ID); ok {
		step = detached
	}
	a.mu.Lock()
	a.delegated[transferID] = step
	a.mu.Unlock()

	err = a.publisher.SendTo(ctx, target.ID, &InboundMessage{
		Type:       MsgTaskDelegation,
		From:       a.ID,
		TransferID: transferID,
		Step:       step.Clone(),
	})
	if err != nil {
		a.logger().Error("Delegation hand-off failed", map[string]interface{}{
			"step_id": step.ID,
			"target":  target.ID,
			"error":   err.Error(),
		})
		// Undo the transfer and run locally.
		a.mu.Lock()
		delete(a.delegated, transferID)
		step.CurrentOwner = a.ID
		step.Status = StepPending
		step.RecommendedRole = ""
		a.steps = append(a.steps, step)
		a.stepIndex[step.ID] = step
		a.mu.Unlock()
		a.registerLocation(step)
		return
	}

	a.logger().Info("Delegated step", map[string]interface{}{
		"step_id":     step.ID,
		"verb":        step.Verb,
		"target":      target.ID,
		"role":        step.RecommendedRole,
		"transfer_id": transferID,
	})
}

// notifyDelegator reports a finished delegated step back to the agent that
// handed it over. No-op for steps this agent has always owned.
func (a *Agent) notifyDelegator(ctx context.Context, step *Step, errMsg string) {
	a.mu.Lock()
	transferID := step.TransferID
	var from string
	if n := len(step.Delegations); n > 0 && step.Delegations[n-1].To == a.ID {
		from = step.Delegations[n-1].From
	}
	if transferID != "" && from != "" {
		step.TransferID = ""
	}
	a.mu.Unlock()
	if transferID == "" || from == "" {
		return
	}

	err := a.publisher.SendTo(ctx, from, &InboundMessage{
		Type:       MsgTaskResult,
		From:       a.ID,
		TransferID: transferID,
		Outputs:    step.Result,
		Error:      errMsg,
	})
	if err != nil {
		a.logger().Error("Reporting delegated result failed", map[string]interface{}{
			"step_id":     step.ID,
			"transfer_id": transferID,
			"target":      from,
			"error":       err.Error(),
		})
	}
}

// findOrSpawn returns a RUNNING agent of the role, provisioning one through
// the spawner when none exists and polling until it reports RUNNING.
func (a *Agent) findOrSpawn(ctx context.Context, role string) (*core.AgentInfo, error) {
	if a.deps.Directory == nil {
		return nil, fmt.Errorf("no directory configured: %w", core.ErrDelegationFailed)
	}

	if agent, err := a.findRunning(ctx, role); err == nil {
		return agent, nil
	}

	if a.deps.Spawner == nil {
		return nil, fmt.Errorf("no %s agent and no spawner: %w", role, core.ErrDelegationFailed)
	}
	spawnedID, err := a.deps.Spawner.SpawnAgent(ctx, a.MissionID, role)
	if err != nil {
		return nil, fmt.Errorf("spawning %s agent: %w", role, err)
	}

	deadline := time.Now().Add(a.opts.SpawnWaitTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
		info, err := a.deps.Directory.FindAgent(ctx, spawnedID)
		if err == nil && info.State == core.AgentRunning {
			return info, nil
		}
	}
	return nil, fmt.Errorf("spawned %s agent never reported running: %w", role, core.ErrDelegationFailed)
}

func (a *Agent) findRunning(ctx context.Context, role string) (*core.AgentInfo, error) {
	agents, err := a.deps.Directory.FindByRole(ctx, a.MissionID, role)
	if err != nil {
		return nil, err
	}
	for _, info := range agents {
		if info.State == core.AgentRunning {
			return info, nil
		}
	}
	return nil, fmt.Errorf("no running %s agent: %w", role, core.ErrAgentNotFound)
}
