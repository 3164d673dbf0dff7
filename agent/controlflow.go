package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Action verbs. Internal verbs are executed by the core itself; planning
// verbs call the reasoning service; everything else routes to the external
// capability service.
const (
	VerbAccomplish = "ACCOMPLISH"
	VerbPlan       = "PLAN"
	VerbReflect    = "REFLECT"
	VerbThink      = "THINK"
	VerbGenerate   = "GENERATE"
	VerbAskUser    = "ASK_USER"
	VerbReturn     = "RETURN"
	VerbComplete   = "COMPLETE"

	VerbDecide   = "DECIDE"
	VerbRepeat   = "REPEAT"
	VerbSequence = "SEQUENCE"
	VerbWhile    = "WHILE"
	VerbUntil    = "UNTIL"
	VerbTimeout  = "TIMEOUT"
	VerbForeach  = "FOREACH"
	VerbRegroup  = "REGROUP"
)

// IsPlanningVerb reports whether the verb produces a plan via the reasoning
// service and therefore carries the longer planning deadline.
func IsPlanningVerb(verb string) bool {
	switch verb {
	case VerbAccomplish, VerbPlan, VerbReflect:
		return true
	default:
		return false
	}
}

type verbFunc func(ctx context.Context, a *Agent, step *Step) ([]OutputRecord, error)

// internalVerbs is the strategy table for control-flow verbs. Every entry
// returns a plan-typed result and performs no external work.
var internalVerbs = map[string]verbFunc{
	VerbDecide:   execDecide,
	VerbRepeat:   execRepeat,
	VerbSequence: execSequence,
	VerbWhile:    execWhile,
	VerbUntil:    execUntil,
	VerbTimeout:  execTimeout,
	VerbForeach:  execForeach,
	VerbRegroup:  execRegroup,
}

// Reserved record names the scheduler interprets.
const (
	recordPlan       = "plan"
	recordExecStatus = "execution_status"
	recordLoopGate   = "loop_gate"

	execInProgress = "in_progress"
	execCompleted  = "completed"
	execDeferred   = "deferred"
)

func planRecord(tasks []PlanTask) OutputRecord {
	return OutputRecord{Name: recordPlan, Type: ResultPlan, Value: tasks}
}

func statusRecord(status string) OutputRecord {
	return OutputRecord{Name: recordExecStatus, Type: ResultText, Value: status}
}

// execDecide evaluates the condition and expands one of the two sub-plans.
func execDecide(ctx context.Context, a *Agent, step *Step) ([]OutputRecord, error) {
	branch := "falseSteps"
	decision := evaluateCondition(step.InputValues["condition"])
	if decision {
		branch = "trueSteps"
	}
	tasks, err := subPlanInput(step, branch)
	if err != nil {
		return nil, err
	}
	records := []OutputRecord{
		{Name: "decision", Type: ResultText, Value: strconv.FormatBool(decision)},
	}
	if len(tasks) > 0 {
		records = append(records, planRecord(tasks))
	}
	return records, nil
}

// execRepeat emits count concatenated copies of the sub-plan.
func execRepeat(ctx context.Context, a *Agent, step *Step) ([]OutputRecord, error) {
	count, err := intInput(step, "count")
	if err != nil {
		return nil, err
	}
	template, err := subPlanInput(step, "steps")
	if err != nil {
		return nil, err
	}
	var tasks []PlanTask
	for i := 0; i < count; i++ {
		tasks = append(tasks, copySubPlan(template, fmt.Sprintf("r%d", i))...)
	}
	if len(tasks) == 0 {
		return []OutputRecord{statusRecord(execCompleted)}, nil
	}
	return []OutputRecord{planRecord(tasks), statusRecord(execCompleted)}, nil
}

// execSequence emits the sub-plan with a signal-only dependency from each
// task to its predecessor, forcing linear order.
func execSequence(ctx context.Context, a *Agent, step *Step) ([]OutputRecord, error) {
	tasks, err := subPlanInput(step, "steps")
	if err != nil {
		return nil, err
	}
	for i := 1; i < len(tasks); i++ {
		tasks[i].DependsOn = append(tasks[i].DependsOn, PlanDependency{
			Ordinal:   i,
			InputName: "__after",
		})
	}
	if len(tasks) == 0 {
		return []OutputRecord{statusRecord(execCompleted)}, nil
	}
	return []OutputRecord{planRecord(tasks), statusRecord(execCompleted)}, nil
}

// execWhile checks the condition, emits one body copy when it holds, and
// asks the scheduler to requeue this step gated on the emitted body. The
// iteration count lives in CurrentIndex and survives checkpointing.
func execWhile(ctx context.Context, a *Agent, step *Step) ([]OutputRecord, error) {
	return execLoop(ctx, a, step, true)
}

// execUntil runs the body once before the first condition check.
func execUntil(ctx context.Context, a *Agent, step *Step) ([]OutputRecord, error) {
	return execLoop(ctx, a, step, false)
}

func execLoop(ctx context.Context, a *Agent, step *Step, checkFirst bool) ([]OutputRecord, error) {
	if step.CurrentIndex >= a.opts.LoopBodySafetyCap {
		a.logger().Warn("Loop reached the safety iteration cap", map[string]interface{}{
			"step_id":    step.ID,
			"verb":       step.Verb,
			"iterations": step.CurrentIndex,
		})
		return []OutputRecord{
			statusRecord(execCompleted),
			{Name: "loop_terminated", Type: ResultText, Value: "safety_cap"},
		}, nil
	}

	condition := evaluateCondition(step.InputValues["condition"])
	continueLoop := condition
	if step.Verb == VerbUntil {
		continueLoop = !condition
	}
	if !checkFirst && step.CurrentIndex == 0 {
		continueLoop = true
	}
	if !continueLoop {
		return []OutputRecord{
			statusRecord(execCompleted),
			{Name: "iterations", Type: ResultText, Value: strconv.Itoa(step.CurrentIndex)},
		}, nil
	}

	template, err := subPlanInput(step, "steps")
	if err != nil {
		return nil, err
	}
	body := copySubPlan(template, fmt.Sprintf("l%d", step.CurrentIndex))
	a.mu.Lock()
	step.CurrentIndex++
	a.mu.Unlock()
	return []OutputRecord{
		planRecord(body),
		statusRecord(execInProgress),
		{Name: recordLoopGate, Type: ResultText, Value: "true"},
	}, nil
}

// execTimeout emits the sub-plan with each task stamped with a wall-clock
// deadline.
func execTimeout(ctx context.Context, a *Agent, step *Step) ([]OutputRecord, error) {
	d, err := durationInput(step, "timeout")
	if err != nil {
		return nil, err
	}
	tasks, err := subPlanInput(step, "steps")
	if err != nil {
		return nil, err
	}
	seconds := int(d / time.Second)
	for i := range tasks {
		tasks[i].TimeoutSeconds = seconds
	}
	if len(tasks) == 0 {
		return []OutputRecord{statusRecord(execCompleted)}, nil
	}
	return []OutputRecord{planRecord(tasks), statusRecord(execCompleted)}, nil
}

// execForeach slices the array from CurrentIndex, emits one sub-plan
// instantiation per item with item and index injected through the
// parent-scope convention, and reports in_progress until the array is
// exhausted. Emitted steps inherit this step's ID as their scope.
func execForeach(ctx context.Context, a *Agent, step *Step) ([]OutputRecord, error) {
	items, err := arrayInput(step, "array")
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return []OutputRecord{statusRecord(execCompleted)}, nil
	}

	batch := a.opts.DefaultBatchSize
	if n, err := intInput(step, "batch_size"); err == nil && n > 0 {
		batch = n
	}

	template, err := subPlanInput(step, "steps")
	if err != nil {
		return nil, err
	}

	end := step.CurrentIndex + batch
	if end > len(items) {
		end = len(items)
	}

	var tasks []PlanTask
	for i := step.CurrentIndex; i < end; i++ {
		copyTasks := copySubPlan(template, fmt.Sprintf("f%d", i))
		injectIterationItem(copyTasks, items[i], i)
		tasks = append(tasks, copyTasks...)
	}
	a.mu.Lock()
	step.CurrentIndex = end
	a.mu.Unlock()

	status := execInProgress
	if end >= len(items) {
		status = execCompleted
	}
	records := []OutputRecord{statusRecord(status)}
	if len(tasks) > 0 {
		records = append(records, planRecord(tasks))
	}
	return records, nil
}

// injectIterationItem replaces parent-scope references to item and index
// with literals for one iteration instance.
func injectIterationItem(tasks []PlanTask, item interface{}, index int) {
	for t := range tasks {
		for name, ref := range tasks[t].Inputs {
			if !ref.IsRef() || ref.SourceStep != ParentScopeRef {
				continue
			}
			switch ref.OutputName {
			case "item":
				tasks[t].Inputs[name] = LiteralRef(item)
			case "index":
				tasks[t].Inputs[name] = LiteralRef(index)
			}
		}
	}
}

// execRegroup blocks (by deferring) until every referenced step is terminal,
// then concatenates their outputs. Any failed or cancelled reference fails
// the regroup.
func execRegroup(ctx context.Context, a *Agent, step *Step) ([]OutputRecord, error) {
	ids, err := stringArrayInput(step, "stepIdsToRegroup")
	if err != nil {
		// Regrouping a whole scope is the alternative addressing mode.
		if scope, scopeErr := stringInput(step, "scope_id"); scopeErr == nil && scope != "" {
			ids = a.stepIDsInScope(scope)
		} else {
			return nil, err
		}
	}
	if len(ids) == 0 {
		return []OutputRecord{
			{Name: "regrouped_results", Type: ResultArray, Value: []interface{}{}},
			statusRecord(execCompleted),
		}, nil
	}

	var results []interface{}
	for _, id := range ids {
		source, err := a.locateSource(ctx, id)
		if err != nil {
			return []OutputRecord{statusRecord(execDeferred)}, nil
		}
		switch source.Status {
		case StepFailed, StepCancelled:
			return nil, &StepError{
				Code:    "PERMANENT",
				Message: fmt.Sprintf("regrouped step %s is %s: %s", id, source.Status, source.LastError),
			}
		case StepCompleted:
			for _, record := range source.Result {
				results = append(results, map[string]interface{}{
					"step_id": id,
					"name":    source.ExposedName(record.Name),
					"value":   record.Value,
				})
			}
		default:
			return []OutputRecord{statusRecord(execDeferred)}, nil
		}
	}

	return []OutputRecord{
		{Name: "regrouped_results", Type: ResultArray, Value: results},
		statusRecord(execCompleted),
	}, nil
}

func (a *Agent) stepIDsInScope(scopeID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var ids []string
	for _, s := range a.steps {
		if s.ScopeID == scopeID {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

// copySubPlan clones a sub-plan template rewriting task identifiers and
// intra-plan references with an instance suffix, so repeated instantiations
// do not collide inside one assembled plan.
func copySubPlan(template []PlanTask, suffix string) []PlanTask {
	rename := make(map[string]string, len(template))
	for _, t := range template {
		if t.ID != "" {
			rename[t.ID] = t.ID + "#" + suffix
		}
	}

	out := make([]PlanTask, len(template))
	for i, t := range template {
		c := t
		if c.ID != "" {
			c.ID = rename[c.ID]
		}
		c.Inputs = make(map[string]InputRef, len(t.Inputs))
		for name, ref := range t.Inputs {
			if ref.IsRef() {
				if renamed, ok := rename[ref.SourceStep]; ok {
					ref.SourceStep = renamed
				}
			}
			c.Inputs[name] = ref
		}
		c.DependsOn = append([]PlanDependency(nil), t.DependsOn...)
		for d := range c.DependsOn {
			if renamed, ok := rename[c.DependsOn[d].TaskID]; ok {
				c.DependsOn[d].TaskID = renamed
			}
		}
		c.Outputs = make(map[string]string, len(t.Outputs))
		for k, v := range t.Outputs {
			c.Outputs[k] = v
		}
		out[i] = c
	}
	return out
}

// evaluateCondition applies loose truthiness to a resolved condition value.
// Strings support the simple comparison forms "a == b" and "a != b".
func evaluateCondition(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case float64:
		return val != 0
	case int:
		return val != 0
	case string:
		s := strings.TrimSpace(val)
		switch strings.ToLower(s) {
		case "", "false", "no", "0":
			return false
		case "true", "yes", "1":
			return true
		}
		if left, right, found := strings.Cut(s, "!="); found {
			return strings.TrimSpace(left) != strings.TrimSpace(right)
		}
		if left, right, found := strings.Cut(s, "=="); found {
			return strings.TrimSpace(left) == strings.TrimSpace(right)
		}
		return true
	case []interface{}:
		return len(val) > 0
	case map[string]interface{}:
		return len(val) > 0
	default:
		return true
	}
}

// Input coercion helpers. Control-flow inputs arrive from resolved maps and
// may be native values or JSON strings produced by a planner.

func stringInput(step *Step, name string) (string, error) {
	v, ok := step.InputValues[name]
	if !ok {
		return "", &StepError{Code: "MISSING_INPUT", Message: fmt.Sprintf("input %q missing", name)}
	}
	return stableText(v), nil
}

func intInput(step *Step, name string) (int, error) {
	v, ok := step.InputValues[name]
	if !ok {
		return 0, &StepError{Code: "MISSING_INPUT", Message: fmt.Sprintf("input %q missing", name)}
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case float64:
		return int(n), nil
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, &StepError{Code: "VALIDATION_ERROR", Message: fmt.Sprintf("input %q is not a number", name)}
		}
		return parsed, nil
	default:
		return 0, &StepError{Code: "VALIDATION_ERROR", Message: fmt.Sprintf("input %q is not a number", name)}
	}
}

func durationInput(step *Step, name string) (time.Duration, error) {
	v, ok := step.InputValues[name]
	if !ok {
		return 0, &StepError{Code: "MISSING_INPUT", Message: fmt.Sprintf("input %q missing", name)}
	}
	switch d := v.(type) {
	case float64:
		return time.Duration(d) * time.Second, nil
	case int:
		return time.Duration(d) * time.Second, nil
	case string:
		if parsed, err := time.ParseDuration(strings.TrimSpace(d)); err == nil {
			return parsed, nil
		}
		if secs, err := strconv.Atoi(strings.TrimSpace(d)); err == nil {
			return time.Duration(secs) * time.Second, nil
		}
		return 0, &StepError{Code: "VALIDATION_ERROR", Message: fmt.Sprintf("input %q is not a duration", name)}
	default:
		return 0, &StepError{Code: "VALIDATION_ERROR", Message: fmt.Sprintf("input %q is not a duration", name)}
	}
}

func arrayInput(step *Step, name string) ([]interface{}, error) {
	v, ok := step.InputValues[name]
	if !ok {
		return nil, &StepError{Code: "MISSING_INPUT", Message: fmt.Sprintf("input %q missing", name)}
	}
	switch arr := v.(type) {
	case []interface{}:
		return arr, nil
	case string:
		parsed, err := parseStructured(arr)
		if err != nil {
			return nil, &StepError{Code: "VALIDATION_ERROR", Message: fmt.Sprintf("input %q is not an array", name), Err: err}
		}
		if out, ok := parsed.([]interface{}); ok {
			return out, nil
		}
		return nil, &StepError{Code: "VALIDATION_ERROR", Message: fmt.Sprintf("input %q is not an array", name)}
	default:
		return nil, &StepError{Code: "VALIDATION_ERROR", Message: fmt.Sprintf("input %q is not an array", name)}
	}
}

func stringArrayInput(step *Step, name string) ([]string, error) {
	arr, err := arrayInput(step, name)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		out = append(out, stableText(v))
	}
	return out, nil
}

// subPlanInput extracts a sub-plan template. Accepts native task arrays and
// JSON strings; an absent input is an empty plan.
func subPlanInput(step *Step, name string) ([]PlanTask, error) {
	v, ok := step.InputValues[name]
	if !ok || v == nil {
		return nil, nil
	}
	return parseSubPlan(v)
}

func parseSubPlan(v interface{}) ([]PlanTask, error) {
	switch val := v.(type) {
	case []PlanTask:
		return val, nil
	case string:
		parsed, err := parseStructured(val)
		if err != nil {
			return nil, &StepError{Code: "VALIDATION_ERROR", Message: "sub-plan is not valid JSON", Err: err}
		}
		return parseSubPlan(parsed)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, &StepError{Code: "VALIDATION_ERROR", Message: "sub-plan is not serializable", Err: err}
		}
		var tasks []PlanTask
		if err := json.Unmarshal(data, &tasks); err != nil {
			return nil, &StepError{Code: "VALIDATION_ERROR", Message: "sub-plan does not describe tasks", Err: err}
		}
		return tasks, nil
	}
}
