package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/agentmesh/agentmesh/core"
)

// FailedInputPrefix marks an input the resolver could not hydrate. The
// scheduler inspects these markers to decide whether to defer, replan or
// surface; the resolver itself never fails a step.
const FailedInputPrefix = "__failed_"

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// resolveInputs produces the complete runtime input map for a step. It runs
// four phases: seed, literals, dependency hydration, then recursive
// reference resolution and placeholder substitution.
func (a *Agent) resolveInputs(ctx context.Context, step *Step) {
	// Phase 0: keep already-present values (an iteration item injected by a
	// parent FOREACH, a previous resolver run) and always seed missionId.
	values := make(map[string]interface{})
	a.mu.Lock()
	for k, v := range step.InputValues {
		values[k] = v
	}
	a.mu.Unlock()
	values["missionId"] = a.MissionID

	// Phase 1: literals.
	for name, ref := range step.InputRefs {
		if ref.HasValue {
			if _, seeded := values[name]; !seeded {
				values[name] = ref.Value
			}
		}
	}

	// Phase 2: dependency hydration.
	for _, dep := range step.Dependencies {
		if dep.SignalOnly() || dep.SourceStepID == ParentScopeRef {
			continue
		}
		delete(values, FailedInputPrefix+dep.InputName)
		v, err := a.hydrateDependency(ctx, dep)
		if err != nil {
			a.logger().Debug("Input hydration failed", map[string]interface{}{
				"step_id": step.ID,
				"input":   dep.InputName,
				"source":  dep.SourceStepID,
				"error":   err.Error(),
			})
			values[FailedInputPrefix+dep.InputName] = err.Error()
			continue
		}
		values[dep.InputName] = v
	}

	// Phase 3 and 4: recursive embedded references, then placeholders.
	for name, v := range values {
		if strings.HasPrefix(name, "__") {
			continue
		}
		values[name] = a.substitutePlaceholders(a.resolveEmbedded(ctx, v, values))
	}

	a.mu.Lock()
	step.InputValues = values
	a.mu.Unlock()
}

// hydrateDependency locates the source step (locally, cross-agent, or in
// persistence), hydrates its result if pruned, and extracts the named output
// with the string/structured coercion rules applied.
func (a *Agent) hydrateDependency(ctx context.Context, dep Dependency) (interface{}, error) {
	source, err := a.locateSource(ctx, dep.SourceStepID)
	if err != nil {
		return nil, err
	}

	if len(source.Result) == 0 || resultPruned(source) {
		a.hydrateFromWorkProduct(ctx, source)
	}

	record, ok := source.NamedOutput(dep.OutputName)
	if !ok || record.Value == nil {
		return nil, fmt.Errorf("step %s has no output %q: %w", source.ID, dep.OutputName, core.ErrOutputNotFound)
	}

	value := record.Value

	// Structured outputs that arrive as strings get parsed, falling back to
	// the raw string when the payload is beyond repair.
	if record.Type == ResultObject || record.Type == ResultArray {
		if s, isStr := value.(string); isStr {
			if parsed, err := parseStructured(s); err == nil {
				value = parsed
			}
		}
	}

	// Coercion rule: a consumer that expects a string but receives an
	// object uses the property matching the input name when present,
	// otherwise a stable textual form of the whole value.
	if expectsString(dep, record) {
		if m, isMap := value.(map[string]interface{}); isMap {
			if prop, ok := m[dep.InputName]; ok {
				return prop, nil
			}
			return stableText(value), nil
		}
		if _, isArr := value.([]interface{}); isArr {
			return stableText(value), nil
		}
	}
	return value, nil
}

func (a *Agent) locateSource(ctx context.Context, stepID string) (*Step, error) {
	if s, ok := a.findStep(stepID); ok {
		return s, nil
	}
	a.mu.Lock()
	for _, d := range a.delegated {
		if d.ID == stepID {
			a.mu.Unlock()
			return d, nil
		}
	}
	a.mu.Unlock()

	if s, err := a.crossAgent.ResolveStep(ctx, stepID); err == nil {
		return s, nil
	}
	if a.deps.Store != nil {
		if s, err := a.deps.Store.LoadStep(ctx, stepID); err == nil {
			return s, nil
		}
	}
	return nil, fmt.Errorf("step %s: %w", stepID, core.ErrStepNotFound)
}

func (a *Agent) hydrateFromWorkProduct(ctx context.Context, step *Step) {
	if a.deps.Store == nil {
		return
	}
	wp, err := a.deps.Store.LoadWorkProduct(ctx, step.ID)
	if err != nil || wp == nil {
		return
	}
	a.mu.Lock()
	step.Result = wp.Outputs
	a.mu.Unlock()
}

// resolveEmbedded walks arrays and object properties replacing every
// embedded {sourceStep, outputName} reference object. A sourceStep of 0
// looks the name up in the current step's already-resolved input map.
func (a *Agent) resolveEmbedded(ctx context.Context, v interface{}, resolved map[string]interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		if src, out, ok := embeddedRef(val); ok {
			if src == ParentScopeRef {
				if rv, found := resolved[out]; found {
					return rv
				}
				return val
			}
			if source, err := a.locateSource(ctx, src); err == nil {
				if record, ok := source.NamedOutput(out); ok {
					return record.Value
				}
			}
			return val
		}
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			out[k] = a.resolveEmbedded(ctx, child, resolved)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, child := range val {
			out[i] = a.resolveEmbedded(ctx, child, resolved)
		}
		return out
	default:
		return v
	}
}

func embeddedRef(m map[string]interface{}) (source, output string, ok bool) {
	rawSource, hasSource := m["sourceStep"]
	rawOutput, hasOutput := m["outputName"]
	if !hasSource || !hasOutput || len(m) != 2 {
		return "", "", false
	}
	output, ok = rawOutput.(string)
	if !ok {
		return "", "", false
	}
	switch s := rawSource.(type) {
	case string:
		return s, output, true
	case float64:
		return fmt.Sprintf("%d", int(s)), output, true
	case json.Number:
		return s.String(), output, true
	default:
		return "", "", false
	}
}

// substitutePlaceholders replaces {name} patterns in string values with the
// most recent completed step's output of that name, leaving unknown
// placeholders untouched.
func (a *Agent) substitutePlaceholders(v interface{}) interface{} {
	s, isStr := v.(string)
	if !isStr || !placeholderPattern.MatchString(s) {
		return v
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[1 : len(match)-1]
		if value, ok := a.latestOutput(name); ok {
			return stableText(value)
		}
		return match
	})
}

// latestOutput finds the most recently completed step exposing an output
// with the given name.
func (a *Agent) latestOutput(name string) (interface{}, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := len(a.steps) - 1; i >= 0; i-- {
		s := a.steps[i]
		if s.Status != StepCompleted {
			continue
		}
		if record, ok := s.NamedOutput(name); ok && record.Value != nil {
			return record.Value, true
		}
	}
	return nil, false
}

// failedInputs lists the inputs the last resolver run could not hydrate.
func failedInputs(step *Step) []string {
	var failed []string
	for name := range step.InputValues {
		if strings.HasPrefix(name, FailedInputPrefix) {
			failed = append(failed, strings.TrimPrefix(name, FailedInputPrefix))
		}
	}
	sort.Strings(failed)
	return failed
}

// unresolvedPlaceholders lists the {name} patterns still present in a step's
// resolved string inputs.
func unresolvedPlaceholders(step *Step) []string {
	var names []string
	for _, v := range step.InputValues {
		if s, ok := v.(string); ok {
			for _, m := range placeholderPattern.FindAllStringSubmatch(s, -1) {
				names = append(names, m[1])
			}
		}
	}
	sort.Strings(names)
	return names
}

func resultPruned(step *Step) bool {
	if len(step.Result) == 0 {
		return false
	}
	for i := range step.Result {
		if step.Result[i].Value != nil {
			return false
		}
	}
	return true
}

func expectsString(dep Dependency, record *OutputRecord) bool {
	return record.Type != ResultObject && record.Type != ResultArray ||
		strings.HasSuffix(dep.InputName, "_text") || dep.InputName == "prompt" || dep.InputName == "goal"
}

// parseStructured parses a JSON document, running it through jsonrepair when
// the first parse fails. Reasoning services routinely emit almost-JSON.
func parseStructured(s string) (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v, nil
	}
	repaired, err := jsonrepair.JSONRepair(s)
	if err != nil {
		return nil, fmt.Errorf("unparseable structured value: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), &v); err != nil {
		return nil, fmt.Errorf("unparseable structured value after repair: %w", err)
	}
	return v, nil
}

// stableText serializes a value to a deterministic textual form.
func stableText(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
