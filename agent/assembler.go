package agent

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/agentmesh/core"
)

// InputRef declares where one input comes from: a literal value, another
// step's named output, or the parent scope (SourceStep == ParentScopeRef).
type InputRef struct {
	Value      interface{} `json:"-"`
	HasValue   bool        `json:"-"`
	SourceStep string      `json:"-"`
	OutputName string      `json:"-"`
}

// LiteralRef builds an input reference carrying a literal value.
func LiteralRef(v interface{}) InputRef {
	return InputRef{Value: v, HasValue: true}
}

// OutputRef builds an input reference to another step's named output.
func OutputRef(sourceStep, outputName string) InputRef {
	return InputRef{SourceStep: sourceStep, OutputName: outputName}
}

// IsRef reports whether the reference points at a step output rather than
// carrying a literal.
func (r InputRef) IsRef() bool { return r.SourceStep != "" }

type refWire struct {
	SourceStep interface{} `json:"sourceStep"`
	OutputName string      `json:"outputName"`
}

// UnmarshalJSON accepts either a literal value or a {sourceStep, outputName}
// reference object, the shape planners and reflection emit. The source step
// may arrive as a task-id string or as a number (0 for the parent scope).
func (r *InputRef) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err == nil {
		if _, ok := probe["sourceStep"]; ok {
			var w refWire
			if err := json.Unmarshal(data, &w); err != nil {
				return err
			}
			var source string
			switch s := w.SourceStep.(type) {
			case string:
				source = s
			case float64:
				source = fmt.Sprintf("%d", int(s))
			default:
				return fmt.Errorf("sourceStep must be a string or number: %w", core.ErrInvalidPlan)
			}
			*r = InputRef{SourceStep: source, OutputName: w.OutputName}
			return nil
		}
	}
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*r = InputRef{Value: v, HasValue: true}
	return nil
}

// MarshalJSON is the inverse of UnmarshalJSON: references serialize as
// {sourceStep, outputName} objects, literals as their raw value.
func (r InputRef) MarshalJSON() ([]byte, error) {
	if r.IsRef() {
		return json.Marshal(map[string]string{
			"sourceStep": r.SourceStep,
			"outputName": r.OutputName,
		})
	}
	return json.Marshal(r.Value)
}

// PlanDependency is one declared edge of a plan task. The source is named
// either by task identifier or by 1-based ordinal within the plan.
type PlanDependency struct {
	TaskID     string `json:"task_id,omitempty"`
	Ordinal    int    `json:"ordinal,omitempty"`
	OutputName string `json:"output_name,omitempty"`
	InputName  string `json:"input_name,omitempty"`
}

// PlanTask is one task of a plan description.
type PlanTask struct {
	ID              string              `json:"id,omitempty"`
	Verb            string              `json:"verb"`
	Description     string              `json:"description,omitempty"`
	Inputs          map[string]InputRef `json:"inputs,omitempty"`
	DependsOn       []PlanDependency    `json:"depends_on,omitempty"`
	Outputs         map[string]string   `json:"outputs,omitempty"`
	RecommendedRole string              `json:"recommended_role,omitempty"`
	TimeoutSeconds  int                 `json:"timeout_seconds,omitempty"`
}

// assemblePlan validates a plan description and instantiates steps with
// wired dependencies. Parent may be nil for mission seeding; scopeID tags
// every instantiated step (iteration children carry their FOREACH's ID).
func (a *Agent) assemblePlan(tasks []PlanTask, parent *Step, scopeID string) ([]*Step, error) {
	// Pass one: assign fresh identifiers, keeping any task-supplied ID for
	// intra-plan dependency resolution.
	ids := make(map[string]string, len(tasks))
	ordinals := make([]string, len(tasks))
	for i, task := range tasks {
		if task.Verb == "" {
			return nil, fmt.Errorf("task %d has no verb: %w", i+1, core.ErrInvalidPlan)
		}
		fresh := uuid.New().String()
		if task.ID != "" {
			if _, dup := ids[task.ID]; dup {
				return nil, fmt.Errorf("duplicate task id %q: %w", task.ID, core.ErrInvalidPlan)
			}
			ids[task.ID] = fresh
		}
		ordinals[i] = fresh
	}

	resolveSource := func(taskID string, ordinal int) (string, bool, error) {
		if taskID != "" {
			if fresh, ok := ids[taskID]; ok {
				return fresh, false, nil
			}
			// Source outside the plan: legal if it is a step this agent
			// already knows about, otherwise a potential cross-agent
			// dependency that the resolver will chase.
			if _, ok := a.findStep(taskID); ok {
				return taskID, true, nil
			}
			return taskID, true, nil
		}
		if ordinal < 1 || ordinal > len(tasks) {
			return "", false, fmt.Errorf("dependency ordinal %d out of range: %w", ordinal, core.ErrInvalidPlan)
		}
		return ordinals[ordinal-1], false, nil
	}

	steps := make([]*Step, 0, len(tasks))
	for i, task := range tasks {
		step := NewStep(task.Verb, task.Description)
		step.ID = ordinals[i]
		step.RecommendedRole = task.RecommendedRole
		step.Outputs = task.Outputs
		step.OriginalOwner = a.ID
		step.CurrentOwner = a.ID
		step.ScopeID = scopeID
		if parent != nil {
			step.ParentID = parent.ID
		}
		if task.TimeoutSeconds > 0 {
			step.Timeout = time.Duration(task.TimeoutSeconds) * time.Second
		}
		step.MaxRetries = a.opts.MaxRetries
		step.MaxRecoverableRetries = a.opts.MaxRecoverableRetries

		step.InputRefs = make(map[string]InputRef, len(task.Inputs))
		for name, ref := range task.Inputs {
			switch {
			case !ref.IsRef():
				step.InputRefs[name] = ref

			case ref.SourceStep == ParentScopeRef:
				if err := a.wireParentScopeRef(step, parent, name, ref); err != nil {
					return nil, err
				}

			default:
				source, external, err := resolveSource(ref.SourceStep, 0)
				if err != nil {
					return nil, err
				}
				if external {
					a.logger().Debug("Plan references a step outside the plan", map[string]interface{}{
						"step_id":     step.ID,
						"source_step": source,
						"input":       name,
					})
				}
				step.InputRefs[name] = OutputRef(source, ref.OutputName)
				step.Dependencies = append(step.Dependencies, Dependency{
					SourceStepID: source,
					OutputName:   ref.OutputName,
					InputName:    name,
				})
			}
		}

		for _, dep := range task.DependsOn {
			source, _, err := resolveSource(dep.TaskID, dep.Ordinal)
			if err != nil {
				return nil, err
			}
			step.Dependencies = append(step.Dependencies, Dependency{
				SourceStepID: source,
				OutputName:   dep.OutputName,
				InputName:    dep.InputName,
			})
		}

		steps = append(steps, step)
	}
	return steps, nil
}

// wireParentScopeRef handles a sourceStep=0 reference: copy the parent's
// resolved value when present, otherwise forward the parent's own dependency
// for that name. A parent-scope reference with no parent is a broken plan.
func (a *Agent) wireParentScopeRef(step *Step, parent *Step, name string, ref InputRef) error {
	if parent == nil {
		return fmt.Errorf("input %q references parent scope but the plan has no parent: %w", name, core.ErrInvalidPlan)
	}
	if parent.InputValues != nil {
		if v, ok := parent.InputValues[ref.OutputName]; ok {
			if step.InputValues == nil {
				step.InputValues = make(map[string]interface{})
			}
			step.InputValues[name] = v
			step.InputRefs[name] = LiteralRef(v)
			return nil
		}
	}
	for _, dep := range parent.Dependencies {
		if dep.InputName == ref.OutputName {
			step.InputRefs[name] = OutputRef(dep.SourceStepID, dep.OutputName)
			step.Dependencies = append(step.Dependencies, Dependency{
				SourceStepID: dep.SourceStepID,
				OutputName:   dep.OutputName,
				InputName:    name,
			})
			return nil
		}
	}
	// Leave the parent-scope marker in place for execution-time injection,
	// the FOREACH item/index convention.
	step.InputRefs[name] = ref
	return nil
}
