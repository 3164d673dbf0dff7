package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/agentmesh/agentmesh/core"
)

// planSignature hashes the structural shape of a plan: verbs, truncated
// descriptions and sorted input-name sets. Reflection loops produce the same
// signature over and over, which is how they are detected.
func planSignature(tasks []PlanTask) string {
	h := sha256.New()
	for _, t := range tasks {
		desc := t.Description
		if len(desc) > 64 {
			desc = desc[:64]
		}
		names := make([]string, 0, len(t.Inputs))
		for name := range t.Inputs {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintf(h, "%s|%s|%s\n", t.Verb, desc, strings.Join(names, ","))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// noteReflectionPlan records a reflection-produced signature and reports
// whether the consecutive-repetition bound is exhausted.
func (a *Agent) noteReflectionPlan(tasks []PlanTask) (loopDetected bool) {
	sig := planSignature(tasks)
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.planSignatures); n > 0 && a.planSignatures[n-1] != sig {
		a.planSignatures = a.planSignatures[:0]
	}
	a.planSignatures = append(a.planSignatures, sig)
	return len(a.planSignatures) >= a.opts.MaxReflectCyclesPerError
}

// replanFromFailure creates a REFLECT step for a failed step, bounded by the
// replan depth and the per-step and per-verb loop heuristics. Returns false
// when replanning is refused and the failure must surface.
func (a *Agent) replanFromFailure(ctx context.Context, failed *Step) bool {
	a.mu.Lock()
	alreadyReplanned := a.replannedSteps[failed.ID]
	verbFailures := a.sameVerbFailures[failed.Verb]
	depthExhausted := a.replanDepth >= a.opts.MaxReplanDepth
	a.mu.Unlock()

	if alreadyReplanned {
		a.logger().Warn("Refusing to replan the same step twice", map[string]interface{}{
			"step_id": failed.ID, "verb": failed.Verb,
		})
		return false
	}
	if depthExhausted {
		a.logger().Warn("Replan depth exhausted", map[string]interface{}{
			"step_id": failed.ID, "depth": a.opts.MaxReplanDepth,
		})
		return false
	}
	if verbFailures > 2 {
		a.logger().Warn("Too many failures for one verb, refusing replan", map[string]interface{}{
			"verb": failed.Verb, "failures": verbFailures,
		})
		return false
	}

	reflect := NewStep(VerbReflect, fmt.Sprintf("Recover from failure of %s", failed.Verb))
	reflect.InputRefs = map[string]InputRef{
		"failed_verb":  LiteralRef(failed.Verb),
		"error":        LiteralRef(failed.LastError),
		"work_summary": LiteralRef(a.completedWorkSummary()),
	}
	reflect.OriginalOwner = a.ID
	reflect.CurrentOwner = a.ID

	a.mu.Lock()
	a.replanDepth++
	a.replannedSteps[failed.ID] = true
	a.stats.replans++
	a.mu.Unlock()

	a.AddStep(reflect)
	a.say(ctx, fmt.Sprintf("Replanning after a %s failure.", failed.Verb))
	return true
}

// missionReflection issues the single end-of-mission REFLECT step, guarded
// by the reflectionDone flag. It runs at most once unless the reflection
// itself revives the plan.
func (a *Agent) missionReflection(ctx context.Context) {
	a.mu.Lock()
	if a.reflectionDone {
		a.mu.Unlock()
		return
	}
	a.reflectionDone = true
	a.mu.Unlock()

	reflect := NewStep(VerbReflect, "Review the mission outcome")
	reflect.InputRefs = map[string]InputRef{
		"plan_history": LiteralRef(a.planHistory()),
		"work_summary": LiteralRef(a.completedWorkSummary()),
		"mission_end":  LiteralRef(true),
	}
	reflect.OriginalOwner = a.ID
	reflect.CurrentOwner = a.ID
	a.AddStep(reflect)
}

// execReflect runs a REFLECT step through the reasoning service and
// normalizes its output to one of the interpreted shapes.
func (a *Agent) execReflect(ctx context.Context, step *Step) ([]OutputRecord, error) {
	if a.deps.Reasoner == nil {
		return nil, &StepError{Code: "UNSUPPORTED", Message: "no reasoning service configured"}
	}

	var b strings.Builder
	if evaluateCondition(step.InputValues["mission_end"]) {
		b.WriteString("The mission has no active work left. Review the history below.\n")
		b.WriteString("Reply with a JSON array of further tasks, an empty array if the mission is accomplished,\n")
		b.WriteString(`or {"direct_answer": "<goal>"} to pursue a direct answer.` + "\n")
	} else {
		b.WriteString("A step failed. Produce a JSON recovery plan for the remaining work.\n")
		fmt.Fprintf(&b, "Failed verb: %s\nError: %s\n",
			stableText(step.InputValues["failed_verb"]), stableText(step.InputValues["error"]))
	}
	fmt.Fprintf(&b, "Completed work:\n%s\n", stableText(step.InputValues["work_summary"]))
	if history := stableText(step.InputValues["plan_history"]); history != "" {
		fmt.Fprintf(&b, "Plan history:\n%s\n", history)
	}

	resp, err := a.deps.Reasoner.GenerateResponse(ctx, b.String(), &core.ReasoningOptions{
		SystemPrompt: planningSystemPrompt,
		History:      a.conversationCopy(),
	})
	if err != nil {
		return nil, fmt.Errorf("reflection call for step %s: %w", step.ID, err)
	}
	a.AppendConversation(core.RoleAssistant, resp.Content)

	tasks, directAnswer, err := parsePlanContent(resp.Content)
	switch {
	case err == nil && directAnswer != "":
		a.logger().Info("Reflection surfaced a direct answer", map[string]interface{}{
			"step_id": step.ID,
		})
		return []OutputRecord{{Name: "direct_answer", Type: ResultText, Value: directAnswer}}, nil
	case err == nil:
		// Both plan-output and answer-JSON shapes funnel here; log the path.
		a.logger().Info("Reflection produced a plan", map[string]interface{}{
			"step_id": step.ID,
			"tasks":   len(tasks),
		})
		return []OutputRecord{planRecord(tasks)}, nil
	default:
		a.logger().Info("Reflection produced plain text", map[string]interface{}{
			"step_id": step.ID,
		})
		return []OutputRecord{{Name: "answer", Type: ResultText, Value: resp.Content}}, nil
	}
}

// handleReflectionOutcome interprets a completed REFLECT step per the
// end-of-mission rules: new plan, mission accomplished, direct answer, or
// continue as-is. Returns an error only for a detected reflection loop.
func (a *Agent) handleReflectionOutcome(ctx context.Context, step *Step) error {
	if record, ok := step.findRecord("direct_answer"); ok {
		goal := stableText(record.Value)
		a.cancelPendingSuccessors(step.ID)
		next := NewStep(VerbAccomplish, goal)
		next.InputRefs = map[string]InputRef{"goal": LiteralRef(goal)}
		next.OriginalOwner = a.ID
		next.CurrentOwner = a.ID
		a.mu.Lock()
		a.reflectionDone = false
		a.mu.Unlock()
		a.AddStep(next)
		a.say(ctx, "Pursuing a direct answer from reflection.")
		return nil
	}

	record, ok := step.findRecord(recordPlan)
	if !ok {
		// Plain-text reflection output: continue as-is.
		return nil
	}
	tasks, err := parseSubPlan(record.Value)
	if err != nil {
		return nil
	}
	if len(tasks) == 0 {
		// Mission accomplished; the run loop will observe no active work.
		a.say(ctx, "Reflection confirms the mission is accomplished.")
		return nil
	}

	if a.noteReflectionPlan(tasks) {
		a.say(ctx, "Unrecoverable: reflection keeps proposing the same plan.")
		return fmt.Errorf("plan signature repeated beyond the bound: %w", core.ErrReflectionLoop)
	}

	steps, err := a.assemblePlan(tasks, step, step.ScopeID)
	if err != nil {
		a.logger().Error("Reflection plan failed assembly", map[string]interface{}{
			"step_id": step.ID,
			"error":   err.Error(),
		})
		return nil
	}
	for _, s := range steps {
		a.AddStep(s)
	}
	a.mu.Lock()
	a.reflectionDone = false
	a.mu.Unlock()
	a.say(ctx, fmt.Sprintf("Reflection produced %d new steps.", len(steps)))
	return nil
}

// completedWorkSummary builds a short textual digest of completed outputs
// for reflection prompts.
func (a *Agent) completedWorkSummary() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var b strings.Builder
	for _, s := range a.steps {
		if s.Status != StepCompleted {
			continue
		}
		for _, record := range s.Result {
			text := stableText(record.Value)
			if len(text) > 200 {
				text = text[:200] + "..."
			}
			fmt.Fprintf(&b, "- %s.%s: %s\n", s.Verb, s.ExposedName(record.Name), text)
		}
	}
	return b.String()
}

// planHistory lists every step's verb, description and status.
func (a *Agent) planHistory() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var b strings.Builder
	for _, s := range a.steps {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", s.Status, s.Verb, s.Description)
	}
	return b.String()
}
