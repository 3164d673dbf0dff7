package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordByName(records []OutputRecord, name string) (OutputRecord, bool) {
	for _, r := range records {
		if r.Name == name {
			return r, true
		}
	}
	return OutputRecord{}, false
}

func mustTasks(t *testing.T, records []OutputRecord) []PlanTask {
	t.Helper()
	record, ok := recordByName(records, recordPlan)
	require.True(t, ok, "no plan record")
	tasks, err := parseSubPlan(record.Value)
	require.NoError(t, err)
	return tasks
}

func execStatusOf(records []OutputRecord) string {
	record, ok := recordByName(records, recordExecStatus)
	if !ok {
		return ""
	}
	return stableText(record.Value)
}

func TestExecDecideTrueBranch(t *testing.T) {
	h := newHarness(nil)
	step := NewStep(VerbDecide, "pick a branch")
	step.InputValues = map[string]interface{}{
		"condition":  true,
		"trueSteps":  `[{"verb": "YES", "description": "taken"}]`,
		"falseSteps": `[{"verb": "NO", "description": "skipped"}]`,
	}

	records, err := execDecide(context.Background(), h.agent, step)
	require.NoError(t, err)

	decision, ok := recordByName(records, "decision")
	require.True(t, ok)
	assert.Equal(t, "true", decision.Value)

	tasks := mustTasks(t, records)
	require.Len(t, tasks, 1)
	assert.Equal(t, "YES", tasks[0].Verb)
}

func TestExecDecideFalseBranchMayBeEmpty(t *testing.T) {
	h := newHarness(nil)
	step := NewStep(VerbDecide, "pick a branch")
	step.InputValues = map[string]interface{}{
		"condition": "false",
		"trueSteps": `[{"verb": "YES"}]`,
	}

	records, err := execDecide(context.Background(), h.agent, step)
	require.NoError(t, err)

	decision, _ := recordByName(records, "decision")
	assert.Equal(t, "false", decision.Value)
	_, hasPlan := recordByName(records, recordPlan)
	assert.False(t, hasPlan)
}

func TestExecRepeatEmitsRenamedCopies(t *testing.T) {
	h := newHarness(nil)
	step := NewStep(VerbRepeat, "do it twice")
	step.InputValues = map[string]interface{}{
		"count": 2,
		"steps": `[
			{"id": "x", "verb": "A"},
			{"id": "y", "verb": "B", "inputs": {"in": {"sourceStep": "x", "outputName": "out"}}}
		]`,
	}

	records, err := execRepeat(context.Background(), h.agent, step)
	require.NoError(t, err)
	tasks := mustTasks(t, records)
	require.Len(t, tasks, 4)

	assert.Equal(t, "x#r0", tasks[0].ID)
	assert.Equal(t, "y#r0", tasks[1].ID)
	assert.Equal(t, "x#r1", tasks[2].ID)
	assert.Equal(t, "y#r1", tasks[3].ID)

	// Intra-plan references follow the rename so the copies do not collide.
	assert.Equal(t, "x#r0", tasks[1].Inputs["in"].SourceStep)
	assert.Equal(t, "x#r1", tasks[3].Inputs["in"].SourceStep)
}

func TestExecRepeatZeroCountCompletes(t *testing.T) {
	h := newHarness(nil)
	step := NewStep(VerbRepeat, "no iterations")
	step.InputValues = map[string]interface{}{"count": 0, "steps": `[{"verb": "A"}]`}

	records, err := execRepeat(context.Background(), h.agent, step)
	require.NoError(t, err)
	assert.Equal(t, execCompleted, execStatusOf(records))
	_, hasPlan := recordByName(records, recordPlan)
	assert.False(t, hasPlan)
}

func TestExecSequenceChainsSignalDependencies(t *testing.T) {
	h := newHarness(nil)
	step := NewStep(VerbSequence, "three in order")
	step.InputValues = map[string]interface{}{
		"steps": `[{"verb": "A"}, {"verb": "B"}, {"verb": "C"}]`,
	}

	records, err := execSequence(context.Background(), h.agent, step)
	require.NoError(t, err)
	tasks := mustTasks(t, records)
	require.Len(t, tasks, 3)

	assert.Empty(t, tasks[0].DependsOn)
	require.Len(t, tasks[1].DependsOn, 1)
	assert.Equal(t, 1, tasks[1].DependsOn[0].Ordinal)
	assert.Equal(t, "__after", tasks[1].DependsOn[0].InputName)
	require.Len(t, tasks[2].DependsOn, 1)
	assert.Equal(t, 2, tasks[2].DependsOn[0].Ordinal)
}

func TestExecWhileStopsWhenConditionFalse(t *testing.T) {
	h := newHarness(nil)
	step := NewStep(VerbWhile, "no more work")
	step.CurrentIndex = 4
	step.InputValues = map[string]interface{}{"condition": false, "steps": `[{"verb": "A"}]`}

	records, err := execWhile(context.Background(), h.agent, step)
	require.NoError(t, err)
	assert.Equal(t, execCompleted, execStatusOf(records))
	iterations, _ := recordByName(records, "iterations")
	assert.Equal(t, "4", iterations.Value)
}

func TestExecWhileEmitsBodyAndRequeues(t *testing.T) {
	h := newHarness(nil)
	step := NewStep(VerbWhile, "keep going")
	step.InputValues = map[string]interface{}{"condition": "true", "steps": `[{"id": "b", "verb": "A"}]`}

	records, err := execWhile(context.Background(), h.agent, step)
	require.NoError(t, err)
	assert.Equal(t, execInProgress, execStatusOf(records))
	_, gated := recordByName(records, recordLoopGate)
	assert.True(t, gated)
	assert.Equal(t, 1, step.CurrentIndex)

	tasks := mustTasks(t, records)
	require.Len(t, tasks, 1)
	assert.Equal(t, "b#l0", tasks[0].ID)
}

func TestExecLoopSafetyCap(t *testing.T) {
	opts := testOptions()
	opts.LoopBodySafetyCap = 2
	h := newHarness(opts)

	step := NewStep(VerbWhile, "runaway loop")
	step.CurrentIndex = 2
	step.InputValues = map[string]interface{}{"condition": true, "steps": `[{"verb": "A"}]`}

	records, err := execWhile(context.Background(), h.agent, step)
	require.NoError(t, err)
	assert.Equal(t, execCompleted, execStatusOf(records))
	terminated, ok := recordByName(records, "loop_terminated")
	require.True(t, ok)
	assert.Equal(t, "safety_cap", terminated.Value)
}

func TestExecUntilRunsBodyBeforeFirstCheck(t *testing.T) {
	h := newHarness(nil)
	step := NewStep(VerbUntil, "at least once")
	// The stop condition already holds, but UNTIL checks after the body.
	step.InputValues = map[string]interface{}{"condition": true, "steps": `[{"verb": "A"}]`}

	records, err := execUntil(context.Background(), h.agent, step)
	require.NoError(t, err)
	assert.Equal(t, execInProgress, execStatusOf(records))
	assert.Equal(t, 1, step.CurrentIndex)

	// Second evaluation observes the satisfied condition and stops.
	records, err = execUntil(context.Background(), h.agent, step)
	require.NoError(t, err)
	assert.Equal(t, execCompleted, execStatusOf(records))
}

func TestExecTimeoutStampsEveryTask(t *testing.T) {
	h := newHarness(nil)
	step := NewStep(VerbTimeout, "bounded work")
	step.InputValues = map[string]interface{}{
		"timeout": "30s",
		"steps":   `[{"verb": "A"}, {"verb": "B"}]`,
	}

	records, err := execTimeout(context.Background(), h.agent, step)
	require.NoError(t, err)
	tasks := mustTasks(t, records)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, 30, task.TimeoutSeconds)
	}
}

func TestExecForeachUsesDefaultBatchSize(t *testing.T) {
	opts := testOptions()
	opts.DefaultBatchSize = 3
	h := newHarness(opts)

	step := NewStep(VerbForeach, "first batch")
	step.InputValues = map[string]interface{}{
		"array": []interface{}{"a", "b", "c", "d", "e"},
		"steps": `[{"verb": "W", "inputs": {"x": {"sourceStep": 0, "outputName": "item"}}}]`,
	}

	records, err := execForeach(context.Background(), h.agent, step)
	require.NoError(t, err)
	assert.Equal(t, execInProgress, execStatusOf(records))
	assert.Equal(t, 3, step.CurrentIndex)

	tasks := mustTasks(t, records)
	require.Len(t, tasks, 3)
	for i, task := range tasks {
		ref := task.Inputs["x"]
		assert.False(t, ref.IsRef(), "iteration item must be injected as a literal")
		assert.Equal(t, []interface{}{"a", "b", "c"}[i], ref.Value)
	}
}

func TestExecForeachMissingArrayFails(t *testing.T) {
	h := newHarness(nil)
	step := NewStep(VerbForeach, "broken")
	step.InputValues = map[string]interface{}{"steps": `[{"verb": "W"}]`}

	_, err := execForeach(context.Background(), h.agent, step)
	require.Error(t, err)
	assert.Equal(t, FailureValidation, Classify(err))
}

func TestExecRegroupEmptyListCompletes(t *testing.T) {
	h := newHarness(nil)
	step := NewStep(VerbRegroup, "nothing to gather")
	step.InputValues = map[string]interface{}{"stepIdsToRegroup": []interface{}{}}

	records, err := execRegroup(context.Background(), h.agent, step)
	require.NoError(t, err)
	assert.Equal(t, execCompleted, execStatusOf(records))
	results, ok := recordByName(records, "regrouped_results")
	require.True(t, ok)
	assert.Empty(t, results.Value)
}

func TestExecRegroupDefersOnUnfinishedSource(t *testing.T) {
	h := newHarness(nil)
	pending := NewStep("WORK", "still running")
	h.agent.AddStep(pending)

	step := NewStep(VerbRegroup, "gather")
	step.InputValues = map[string]interface{}{"stepIdsToRegroup": []interface{}{pending.ID}}

	records, err := execRegroup(context.Background(), h.agent, step)
	require.NoError(t, err)
	assert.Equal(t, execDeferred, execStatusOf(records))
}

func TestExecRegroupFailsOnFailedSource(t *testing.T) {
	h := newHarness(nil)
	failed := NewStep("WORK", "broke")
	failed.Status = StepFailed
	failed.LastError = "boom"
	h.agent.AddStep(failed)

	step := NewStep(VerbRegroup, "gather")
	step.InputValues = map[string]interface{}{"stepIdsToRegroup": []interface{}{failed.ID}}

	_, err := execRegroup(context.Background(), h.agent, step)
	require.Error(t, err)
	assert.Equal(t, FailurePermanent, Classify(err))
}

func TestExecRegroupConcatenatesExposedOutputs(t *testing.T) {
	h := newHarness(nil)
	first := NewStep("WORK", "one")
	first.Status = StepCompleted
	first.Outputs = map[string]string{"answer": "summary"}
	first.Result = []OutputRecord{{Name: "answer", Type: ResultText, Value: "alpha"}}
	second := NewStep("WORK", "two")
	second.Status = StepCompleted
	second.Result = []OutputRecord{{Name: "answer", Type: ResultText, Value: "beta"}}
	h.agent.AddStep(first)
	h.agent.AddStep(second)

	step := NewStep(VerbRegroup, "gather")
	step.InputValues = map[string]interface{}{
		"stepIdsToRegroup": []interface{}{first.ID, second.ID},
	}

	records, err := execRegroup(context.Background(), h.agent, step)
	require.NoError(t, err)
	assert.Equal(t, execCompleted, execStatusOf(records))

	results, ok := recordByName(records, "regrouped_results")
	require.True(t, ok)
	entries, ok := results.Value.([]interface{})
	require.True(t, ok)
	require.Len(t, entries, 2)

	entry := entries[0].(map[string]interface{})
	assert.Equal(t, first.ID, entry["step_id"])
	assert.Equal(t, "summary", entry["name"])
	assert.Equal(t, "alpha", entry["value"])
}

func TestExecRegroupByScope(t *testing.T) {
	h := newHarness(nil)
	for _, v := range []string{"one", "two"} {
		s := NewStep("WORK", v)
		s.ScopeID = "scope-1"
		s.Status = StepCompleted
		s.Result = []OutputRecord{{Name: "answer", Type: ResultText, Value: v}}
		h.agent.AddStep(s)
	}

	step := NewStep(VerbRegroup, "gather the scope")
	step.InputValues = map[string]interface{}{"scope_id": "scope-1"}

	records, err := execRegroup(context.Background(), h.agent, step)
	require.NoError(t, err)
	results, ok := recordByName(records, "regrouped_results")
	require.True(t, ok)
	assert.Len(t, results.Value, 2)
}

func TestEvaluateCondition(t *testing.T) {
	cases := []struct {
		name string
		in   interface{}
		want bool
	}{
		{"nil", nil, false},
		{"true bool", true, true},
		{"false bool", false, false},
		{"zero number", float64(0), false},
		{"nonzero number", float64(3), true},
		{"empty string", "", false},
		{"false string", "false", false},
		{"no string", "No", false},
		{"true string", "true", true},
		{"yes string", "YES", true},
		{"equal comparison", "done == done", true},
		{"unequal comparison", "a == b", false},
		{"not equal comparison", "a != b", true},
		{"plain text", "anything else", true},
		{"empty array", []interface{}{}, false},
		{"populated array", []interface{}{1}, true},
		{"empty object", map[string]interface{}{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, evaluateCondition(tc.in))
		})
	}
}

func TestDurationInputForms(t *testing.T) {
	step := NewStep(VerbTimeout, "forms")
	step.InputValues = map[string]interface{}{
		"seconds": float64(45),
		"text":    "2m",
		"bad":     "soon",
	}

	d, err := durationInput(step, "seconds")
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, d)

	d, err = durationInput(step, "text")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, d)

	_, err = durationInput(step, "bad")
	require.Error(t, err)
	_, err = durationInput(step, "absent")
	require.Error(t, err)
}
