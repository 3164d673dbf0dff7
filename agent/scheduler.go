package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentmesh/agentmesh/core"
	"github.com/agentmesh/agentmesh/resilience"
	"github.com/agentmesh/agentmesh/telemetry"
)

// stuckRecoverableMarker tags WAITING steps parked by the USER_INPUT_NEEDED
// failure path, the only ones the stuck-state sweep may revive.
const stuckRecoverableMarker = "awaiting_input_fallback"

// pruneThreshold is the serialized size above which a settled step's result
// is cleared from memory once persisted.
const pruneThreshold = 8192

// Run drives the agent until it reaches a terminal state or ctx is
// cancelled. The loop is logically single-threaded: one readiness sweep at a
// time, with ready steps executed in parallel and joined per sweep.
func (a *Agent) Run(ctx context.Context) error {
	a.mu.Lock()
	a.workCtx, a.workCancel = context.WithCancel(context.Background())
	a.mu.Unlock()

	// Process-level cancellation revokes the current work scope too.
	go func() {
		<-ctx.Done()
		a.mu.Lock()
		if a.workCancel != nil {
			a.workCancel()
		}
		a.mu.Unlock()
	}()

	if a.deps.Directory != nil {
		err := a.deps.Directory.RegisterAgent(ctx, &core.AgentInfo{
			ID:        a.ID,
			MissionID: a.MissionID,
			Role:      a.Role,
			State:     core.AgentInitializing,
			Address:   a.deps.Address,
		})
		if err != nil {
			return fmt.Errorf("registering agent %s: %w", a.ID, err)
		}
	}

	stopInbox := a.startInbox(ctx)
	defer stopInbox()

	a.setState(ctx, core.AgentRunning)

	checkpoint := time.NewTicker(a.opts.CheckpointInterval)
	defer checkpoint.Stop()

	for {
		select {
		case <-ctx.Done():
			a.setState(context.Background(), core.AgentAborted)
			return ctx.Err()
		case <-checkpoint.C:
			if a.State() == core.AgentRunning {
				a.checkpointNow(ctx)
			}
			continue
		default:
		}

		state := a.State()
		if state.Terminal() {
			return nil
		}
		if state != core.AgentRunning {
			a.idle()
			continue
		}

		a.sweepStuckWaiting(ctx)

		ready := a.readySteps()
		if len(ready) == 0 {
			if a.hasActiveWork() {
				a.idle()
				continue
			}
			a.mu.Lock()
			reflected := a.reflectionDone
			a.mu.Unlock()
			if !reflected {
				a.missionReflection(ctx)
				continue
			}
			a.finishMission(ctx)
			continue
		}

		local, delegable := a.partitionReady(ready)

		for _, step := range delegable {
			a.markDelegating(ctx, step)
			go a.delegate(a.workContext(), step)
		}

		g, gctx := errgroup.WithContext(a.workContext())
		for _, step := range local {
			step := step
			g.Go(func() error {
				a.runStep(gctx, step)
				return nil
			})
		}
		_ = g.Wait()

		a.deadlockSweep(ctx)
	}
}

func (a *Agent) workContext() context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.workCtx == nil {
		return context.Background()
	}
	return a.workCtx
}

func (a *Agent) idle() {
	time.Sleep(a.opts.IdleSweepInterval)
}

// startInbox subscribes to this agent's bus channel and pumps messages into
// HandleMessage. Returns a stop function; a missing bus is a no-op.
func (a *Agent) startInbox(ctx context.Context) func() {
	if a.deps.Bus == nil {
		return func() {}
	}
	msgs, stop, err := a.deps.Bus.Subscribe(ctx, InboxChannel(a.ID))
	if err != nil {
		a.logger().Warn("Inbox subscription failed", map[string]interface{}{
			"agent_id": a.ID,
			"error":    err.Error(),
		})
		return func() {}
	}
	go func() {
		for payload := range msgs {
			if err := a.HandleMessage(ctx, payload); err != nil {
				a.logger().Warn("Inbound message handling failed", map[string]interface{}{
					"agent_id": a.ID,
					"error":    err.Error(),
				})
			}
		}
	}()
	return stop
}

// readySteps enumerates PENDING steps whose dependencies are satisfied and
// whose backoff gate has passed. Local readiness is evaluated while holding
// a.mu; the inbox goroutine mutates step status and results under the same
// lock. Edges whose source lives on another agent are checked afterwards,
// against the resolver's read-only snapshots.
func (a *Agent) readySteps() []*Step {
	type remoteCheck struct {
		step *Step
		deps []Dependency
	}

	now := time.Now()
	a.mu.Lock()
	ready := make([]*Step, 0, len(a.steps))
	var pendingRemote []remoteCheck
	for _, s := range a.steps {
		if s.Status != StepPending || s.IsRemotelyOwned(a.ID) {
			continue
		}
		if !s.NotBefore.IsZero() && now.Before(s.NotBefore) {
			continue
		}
		ok, remote := a.dependenciesSatisfiedLocked(s)
		if !ok {
			continue
		}
		if len(remote) > 0 {
			pendingRemote = append(pendingRemote, remoteCheck{step: s, deps: remote})
			continue
		}
		ready = append(ready, s)
	}
	a.mu.Unlock()

	for _, rc := range pendingRemote {
		if a.remoteDependenciesSatisfied(rc.deps) {
			ready = append(ready, rc.step)
		}
	}
	return ready
}

// dependenciesSatisfiedLocked applies the readiness rules for locally owned
// sources: non-signal edges need a COMPLETED source with a non-null named
// output, signal edges need only completion, and parent-scope edges need the
// parent itself ready. Edges whose source is unknown locally are returned for
// a cross-agent check outside the lock. Caller holds a.mu.
func (a *Agent) dependenciesSatisfiedLocked(s *Step) (bool, []Dependency) {
	var remote []Dependency
	for _, dep := range s.Dependencies {
		if dep.SourceStepID == ParentScopeRef {
			parent, ok := a.stepIndex[s.ParentID]
			if ok && parent.Status != StepCompleted && parent.InputValues == nil {
				return false, nil
			}
			continue
		}

		source, ok := a.stepIndex[dep.SourceStepID]
		if !ok {
			remote = append(remote, dep)
			continue
		}
		if !dependencyMet(source, dep) {
			return false, nil
		}
	}
	return true, remote
}

// remoteDependenciesSatisfied checks edges whose source is owned by another
// agent. Resolved steps are isolated snapshots, so no lock is held here.
func (a *Agent) remoteDependenciesSatisfied(deps []Dependency) bool {
	for _, dep := range deps {
		source, err := a.crossAgent.ResolveStep(a.workContext(), dep.SourceStepID)
		if err != nil {
			return false
		}
		if !dependencyMet(source, dep) {
			return false
		}
	}
	return true
}

func dependencyMet(source *Step, dep Dependency) bool {
	if source.Status != StepCompleted {
		return false
	}
	if dep.SignalOnly() {
		return true
	}
	record, found := source.NamedOutput(dep.OutputName)
	if !found || record.Value == nil {
		// A pruned result still satisfies; the resolver re-hydrates it
		// from the persisted work-product.
		return resultPruned(source)
	}
	return true
}

// partitionReady splits ready steps into locally runnable and delegable. The
// coordinator role runs everything locally.
func (a *Agent) partitionReady(ready []*Step) (local, delegable []*Step) {
	for _, s := range ready {
		if s.RecommendedRole != "" && s.RecommendedRole != a.Role &&
			a.Role != RoleCoordinator && a.deps.Directory != nil {
			delegable = append(delegable, s)
			continue
		}
		local = append(local, s)
	}
	return local, delegable
}

// runStep executes one step end to end: resolve inputs, dispatch, record the
// outcome.
func (a *Agent) runStep(ctx context.Context, step *Step) {
	ctx, span := telemetry.StartStepSpan(ctx, step.ID, step.Verb)
	defer span.End()

	a.mu.Lock()
	if step.Status != StepPending {
		a.mu.Unlock()
		return
	}
	step.Status = StepRunning
	step.StartedAt = time.Now().UTC()
	a.mu.Unlock()
	a.publisher.PublishStepEvent(ctx, a.buildEvent(step, "dispatched"))

	a.resolveInputs(ctx, step)

	if failed := failedInputs(step); len(failed) > 0 {
		err := &StepError{
			Code:    "MISSING_DEPENDENCY",
			Message: fmt.Sprintf("unresolved inputs: %v", failed),
		}
		telemetry.RecordSpanError(span, err)
		a.handleStepFailure(ctx, step, err)
		return
	}

	execCtx, cancel := a.stepContext(ctx, step)
	defer cancel()

	records, handled, err := a.executeBuiltinVerb(execCtx, step)
	if !handled {
		if a.deps.Executor == nil {
			err = &StepError{Code: "UNSUPPORTED", Message: fmt.Sprintf("no executor for verb %s", step.Verb)}
		} else {
			records, err = a.deps.Executor.Execute(execCtx, CapabilityRequest{
				MissionID:   a.MissionID,
				AgentID:     a.ID,
				StepID:      step.ID,
				Verb:        step.Verb,
				Description: step.Description,
				Inputs:      step.InputValues,
				Timeout:     step.Timeout,
			})
		}
	}

	if err != nil {
		telemetry.RecordSpanError(span, err)
		a.handleStepFailure(ctx, step, err)
		return
	}
	a.handleStepSuccess(ctx, step, records)
	telemetry.SetSpanAttributes(span, map[string]interface{}{"step.status": string(step.Status)})
}

func (a *Agent) stepContext(ctx context.Context, step *Step) (context.Context, context.CancelFunc) {
	timeout := a.opts.PrimitiveStepTimeout
	if IsPlanningVerb(step.Verb) {
		timeout = a.opts.PlanningStepTimeout
	}
	if step.Timeout > 0 {
		timeout = step.Timeout
	}
	return context.WithTimeout(ctx, timeout)
}

// handleStepSuccess interprets the returned record list: error records route
// to the failure machine, pending-user-input parks the step, plan records
// expand new steps, and everything else completes the step.
func (a *Agent) handleStepSuccess(ctx context.Context, step *Step, records []OutputRecord) {
	for i := range records {
		if records[i].Type == ResultError {
			a.handleStepFailure(ctx, step, &StepError{Message: stableText(records[i].Value)})
			return
		}
	}

	for i := range records {
		if records[i].Type == ResultPendingUserInput {
			requestID := stableText(records[i].Value)
			a.mu.Lock()
			step.Status = StepWaiting
			step.AwaitsSignal = requestID
			a.pendingQuestions[requestID] = step.ID
			a.mu.Unlock()
			a.publisher.PublishStepEvent(ctx, a.buildEvent(step, "awaiting user input"))
			return
		}
	}

	execStatus := ""
	for i := range records {
		if records[i].Name == recordExecStatus {
			execStatus = stableText(records[i].Value)
		}
	}
	if execStatus == execDeferred {
		a.mu.Lock()
		step.Status = StepPending
		step.NotBefore = time.Now().Add(a.opts.IdleSweepInterval)
		a.mu.Unlock()
		return
	}

	// REFLECT plans are interpreted by the reflection manager after
	// completion, with signature tracking; they skip the generic expansion.
	if planned, ok := findPlanRecord(records); ok && step.Verb != VerbReflect {
		scope := step.ScopeID
		if step.Verb == VerbForeach {
			scope = step.ID
		}
		steps, err := a.assemblePlan(planned, step, scope)
		if err != nil {
			a.handleStepFailure(ctx, step, &StepError{
				Code: "VALIDATION_ERROR", Message: "produced plan failed validation", Err: err,
			})
			return
		}
		for _, s := range steps {
			a.AddStep(s)
		}
		if hasRecord(records, recordLoopGate) && len(steps) > 0 {
			// Requeued loop steps wait for their emitted body.
			a.mu.Lock()
			step.Dependencies = append(step.Dependencies, Dependency{
				SourceStepID: steps[len(steps)-1].ID,
				InputName:    fmt.Sprintf("__loop_%d", step.CurrentIndex),
			})
			a.mu.Unlock()
		}
	}

	if execStatus == execInProgress {
		a.mu.Lock()
		step.Status = StepPending
		step.NotBefore = time.Time{}
		a.mu.Unlock()
		a.publisher.PublishStepEvent(ctx, a.buildEvent(step, "iteration dispatched"))
		return
	}

	a.completeStep(ctx, step, records)
}

func (a *Agent) completeStep(ctx context.Context, step *Step, records []OutputRecord) {
	a.mu.Lock()
	step.Result = records
	step.Status = StepCompleted
	step.FinishedAt = time.Now().UTC()
	step.LastError = ""
	if step.Verb != VerbReflect && a.replanDepth > 0 {
		a.replanDepth--
	}
	a.mu.Unlock()

	a.notifyDelegator(ctx, step, "")

	if missing := step.MissingDeclaredOutputs(); len(missing) > 0 {
		a.logger().Warn("Completed step missing declared outputs", map[string]interface{}{
			"step_id": step.ID,
			"verb":    step.Verb,
			"missing": missing,
		})
	}

	a.publisher.PublishStepEvent(ctx, a.buildEvent(step, "completed"))
	if err := a.saveWorkProduct(ctx, step); err != nil {
		a.logger().Warn("Work product save failed", map[string]interface{}{
			"step_id": step.ID,
			"error":   err.Error(),
		})
	}
	if a.deps.Store != nil {
		if err := a.deps.Store.SaveStep(ctx, step); err != nil {
			a.logger().Warn("Step record save failed", map[string]interface{}{
				"step_id": step.ID,
				"error":   err.Error(),
			})
		}
	}

	if step.Verb == VerbReflect {
		if err := a.handleReflectionOutcome(ctx, step); err != nil {
			if errors.Is(err, core.ErrReflectionLoop) {
				a.setState(ctx, core.AgentError)
			}
			return
		}
	}

	a.pruneSettledSteps()
}

// handleStepFailure is the failure machine of §4.8: classify, then retry,
// park, or surface through reflection.
func (a *Agent) handleStepFailure(ctx context.Context, step *Step, err error) {
	kind := Classify(err)

	a.mu.Lock()
	step.LastError = err.Error()
	a.mu.Unlock()

	a.logger().Info("Step failed", map[string]interface{}{
		"step_id": step.ID,
		"verb":    step.Verb,
		"kind":    string(kind),
		"error":   err.Error(),
	})
	a.publisher.PublishStepEvent(ctx, a.buildEvent(step, "failed: "+string(kind)))
	a.publisher.PublishStepFailure(ctx, step, kind)

	switch kind {
	case FailureTransient:
		if step.RetryCount < step.MaxRetries {
			a.scheduleRetry(ctx, step, &step.RetryCount, backoffDelay(a.opts.DefaultBackoff, step.RetryCount+1))
			return
		}
	case FailureRecoverable:
		if step.RecoverableRetryCount < step.MaxRecoverableRetries {
			a.scheduleRetry(ctx, step, &step.RecoverableRetryCount, a.opts.DefaultBackoff)
			return
		}
	case FailureUserInputNeeded:
		a.parkForUserInput(ctx, step, err)
		return
	case FailureValidation:
		a.surfaceFailure(ctx, step, kind)
		return
	}
	a.surfaceFailure(ctx, step, FailurePermanent)
}

func backoffDelay(base time.Duration, attempt int) time.Duration {
	return resilience.Backoff(&resilience.RetryConfig{
		InitialDelay:  base,
		MaxDelay:      5 * time.Minute,
		BackoffFactor: 2.0,
	}, attempt)
}

func (a *Agent) scheduleRetry(ctx context.Context, step *Step, counter *int, delay time.Duration) {
	a.mu.Lock()
	*counter++
	a.stats.retries++
	step.Status = StepPending
	step.NotBefore = time.Now().Add(delay)
	a.mu.Unlock()
	a.say(ctx, fmt.Sprintf("Retrying %s after a failure.", step.Verb))
}

// parkForUserInput marks the step WAITING and routes the question through
// the user gateway. These parks carry the stuck-recovery marker so the sweep
// can revive them if the missing data arrives by other means.
func (a *Agent) parkForUserInput(ctx context.Context, step *Step, cause error) {
	if a.deps.Users == nil {
		a.surfaceFailure(ctx, step, FailurePermanent)
		return
	}
	requestID, err := a.deps.Users.Ask(ctx, UserQuestion{
		MissionID: a.MissionID,
		AgentID:   a.ID,
		StepID:    step.ID,
		Prompt:    fmt.Sprintf("Step %s needs input: %s", step.Verb, cause.Error()),
	})
	if err != nil {
		a.surfaceFailure(ctx, step, FailurePermanent)
		return
	}
	a.mu.Lock()
	step.Status = StepWaiting
	step.AwaitsSignal = requestID
	step.ErrorContext = stuckRecoverableMarker
	a.pendingQuestions[requestID] = step.ID
	a.mu.Unlock()
	a.publisher.PublishStepEvent(ctx, a.buildEvent(step, "awaiting user input"))
}

// surfaceFailure marks the step ERROR, cancels its pending successors and
// attempts a reflective replan. A refused replan fails the agent.
func (a *Agent) surfaceFailure(ctx context.Context, step *Step, kind FailureKind) {
	a.mu.Lock()
	step.Status = StepFailed
	step.FinishedAt = time.Now().UTC()
	a.sameVerbFailures[step.Verb]++
	a.mu.Unlock()

	a.cancelPendingSuccessors(step.ID)
	a.notifyDelegator(ctx, step, step.LastError)
	a.say(ctx, fmt.Sprintf("Abandoning the %s branch after a %s failure.", step.Verb, kind))

	if !a.replanFromFailure(ctx, step) {
		a.say(ctx, "Mission failed: no recovery path remains.")
		a.setState(ctx, core.AgentError)
	}
}

// cancelPendingSuccessors cancels every PENDING step that transitively
// depends on the given step.
func (a *Agent) cancelPendingSuccessors(stepID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	doomed := map[string]bool{stepID: true}
	for changed := true; changed; {
		changed = false
		for _, s := range a.steps {
			if s.Status != StepPending || doomed[s.ID] {
				continue
			}
			for _, dep := range s.Dependencies {
				if doomed[dep.SourceStepID] {
					doomed[s.ID] = true
					s.Status = StepCancelled
					s.FinishedAt = time.Now().UTC()
					changed = true
					break
				}
			}
		}
	}
}

// deadlockSweep cancels PENDING steps whose dependencies can never be
// satisfied, then cascades through their dependents.
func (a *Agent) deadlockSweep(ctx context.Context) {
	var stuck []*Step
	a.mu.Lock()
	for _, s := range a.steps {
		if s.Status == StepPending && a.permanentlyUnsatisfiedLocked(s) {
			stuck = append(stuck, s)
		}
	}
	for _, s := range stuck {
		s.Status = StepCancelled
		s.FinishedAt = time.Now().UTC()
	}
	a.mu.Unlock()

	for _, s := range stuck {
		a.logger().Warn("Cancelled deadlocked step", map[string]interface{}{
			"step_id": s.ID,
			"verb":    s.Verb,
		})
		a.publisher.PublishStepEvent(ctx, a.buildEvent(s, "deadlocked"))
		a.cancelPendingSuccessors(s.ID)
	}
}

func (a *Agent) permanentlyUnsatisfiedLocked(s *Step) bool {
	for _, dep := range s.Dependencies {
		if dep.SourceStepID == ParentScopeRef {
			continue
		}
		source, ok := a.stepIndex[dep.SourceStepID]
		if !ok {
			continue
		}
		switch source.Status {
		case StepFailed, StepCancelled:
			return true
		case StepCompleted:
			if dep.SignalOnly() || resultPruned(source) {
				continue
			}
			if record, found := source.NamedOutput(dep.OutputName); !found || record.Value == nil {
				return true
			}
		}
	}
	return false
}

// sweepStuckWaiting revives WAITING steps parked by the user-input fallback
// whose inputs have since become resolvable.
func (a *Agent) sweepStuckWaiting(ctx context.Context) {
	a.mu.Lock()
	var parked []*Step
	for _, s := range a.steps {
		if s.Status == StepWaiting && s.ErrorContext == stuckRecoverableMarker && s.AwaitsSignal != "" {
			parked = append(parked, s)
		}
	}
	a.mu.Unlock()

	for _, s := range parked {
		a.resolveInputs(ctx, s)
		if len(failedInputs(s)) > 0 || len(unresolvedPlaceholders(s)) > 0 {
			continue
		}
		a.mu.Lock()
		requestID := s.AwaitsSignal
		s.AwaitsSignal = ""
		s.ErrorContext = ""
		s.Status = StepPending
		delete(a.pendingQuestions, requestID)
		a.mu.Unlock()

		if a.deps.Users != nil {
			if err := a.deps.Users.Cancel(ctx, requestID); err != nil {
				a.logger().Debug("Question cancel failed", map[string]interface{}{
					"request_id": requestID,
					"error":      err.Error(),
				})
			}
		}
		a.logger().Info("Recovered stuck step", map[string]interface{}{
			"step_id": s.ID,
		})
	}
}

// hasActiveWork reports whether any step is still moving or could move.
func (a *Agent) hasActiveWork() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.delegated) > 0 {
		return true
	}
	for _, s := range a.steps {
		switch s.Status {
		case StepPending, StepRunning, StepWaiting, StepSubPlanRunning:
			return true
		}
	}
	return false
}

// finishMission loads the final deliverable as the agent output and
// transitions to COMPLETED.
func (a *Agent) finishMission(ctx context.Context) {
	a.mu.Lock()
	var final []OutputRecord
	for i := len(a.steps) - 1; i >= 0; i-- {
		s := a.steps[i]
		if s.Status != StepCompleted || len(s.Result) == 0 {
			continue
		}
		deliverable := false
		for _, record := range s.Result {
			if record.IsDeliverable {
				deliverable = true
			}
		}
		if deliverable || final == nil {
			final = s.Result
			if resultPruned(s) && a.deps.Store != nil {
				if wp, err := a.deps.Store.LoadWorkProduct(ctx, s.ID); err == nil && wp != nil {
					final = wp.Outputs
				}
			}
			if deliverable {
				break
			}
		}
	}
	a.finalOutput = final
	a.mu.Unlock()

	a.checkpointNow(ctx)
	a.say(ctx, "Mission accomplished.")
	a.setState(ctx, core.AgentCompleted)
}

// pruneSettledSteps clears bulky results of terminal steps nothing active
// depends on. The persisted work-product remains authoritative.
func (a *Agent) pruneSettledSteps() {
	if a.deps.Store == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	dependedOn := make(map[string]bool)
	for _, s := range a.steps {
		if s.Status.Terminal() {
			continue
		}
		for _, dep := range s.Dependencies {
			dependedOn[dep.SourceStepID] = true
		}
	}

	for _, s := range a.steps {
		if !s.Status.Terminal() || dependedOn[s.ID] || resultPruned(s) {
			continue
		}
		size := 0
		for i := range s.Result {
			size += len(stableText(s.Result[i].Value))
		}
		if size > pruneThreshold {
			s.Prune()
		}
	}
}

func findPlanRecord(records []OutputRecord) ([]PlanTask, bool) {
	for i := range records {
		if records[i].Name == recordPlan || records[i].Type == ResultPlan {
			tasks, err := parseSubPlan(records[i].Value)
			if err != nil || tasks == nil {
				return nil, false
			}
			return tasks, true
		}
	}
	return nil, false
}

func hasRecord(records []OutputRecord, name string) bool {
	for i := range records {
		if records[i].Name == name {
			return true
		}
	}
	return false
}
