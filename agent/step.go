// Package agent implements the execution core of a mission agent: the step
// DAG scheduler, input resolution, control-flow verbs, failure handling with
// reflective replanning, lifecycle management and delegation.
package agent

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// StepStatus is the lifecycle status of one step.
type StepStatus string

const (
	StepPending        StepStatus = "PENDING"
	StepRunning        StepStatus = "RUNNING"
	StepCompleted      StepStatus = "COMPLETED"
	StepFailed         StepStatus = "ERROR"
	StepPaused         StepStatus = "PAUSED"
	StepCancelled      StepStatus = "CANCELLED"
	StepWaiting        StepStatus = "WAITING"
	StepReplaced       StepStatus = "REPLACED"
	StepSubPlanRunning StepStatus = "SUB_PLAN_RUNNING"
)

// Terminal reports whether the status admits no further transitions.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepCancelled, StepReplaced:
		return true
	default:
		return false
	}
}

// ResultType tags the shape of one output record.
type ResultType string

const (
	ResultText             ResultType = "text"
	ResultObject           ResultType = "object"
	ResultArray            ResultType = "array"
	ResultPlan             ResultType = "plan"
	ResultPendingUserInput ResultType = "pending_user_input"
	ResultError            ResultType = "error"
)

// OutputRecord is one named output of a step. Every execution path returns a
// list of these; failure semantics travel in the Type field so control flow
// can inspect them without unwrapping errors.
type OutputRecord struct {
	Name          string      `json:"name"`
	Type          ResultType  `json:"type"`
	Value         interface{} `json:"value"`
	MimeType      string      `json:"mime_type,omitempty"`
	IsDeliverable bool        `json:"is_deliverable,omitempty"`
}

// ParentScopeRef is the reserved source-step identifier meaning "resolve this
// name against the current step's already-resolved input map". Control-flow
// parents use it to pass iteration items and shared inputs to children.
const ParentScopeRef = "0"

// Dependency is one edge of the step DAG. Edges whose InputName begins with
// a double underscore are signal-only: they require completion of the source
// but no named output.
type Dependency struct {
	SourceStepID string `json:"source_step_id"`
	OutputName   string `json:"output_name"`
	InputName    string `json:"input_name"`
}

// SignalOnly reports whether this edge carries ordering only, no data.
func (d Dependency) SignalOnly() bool {
	return strings.HasPrefix(d.InputName, "__")
}

// DelegationRecord is one entry of a step's append-only ownership history.
type DelegationRecord struct {
	From       string    `json:"from"`
	To         string    `json:"to"`
	Reason     string    `json:"reason"`
	TransferID string    `json:"transfer_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// Step is the central entity: one unit of work owned by one agent at a time.
type Step struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	// ScopeID groups steps produced by one control-flow expansion, notably
	// all iterations of one FOREACH, for later aggregation via REGROUP.
	ScopeID string `json:"scope_id,omitempty"`

	Verb            string `json:"verb"`
	Description     string `json:"description,omitempty"`
	RecommendedRole string `json:"recommended_role,omitempty"`

	// InputRefs declares where each input comes from; InputValues is the
	// resolved runtime map populated by the resolver just before execution.
	InputRefs   map[string]InputRef    `json:"input_refs,omitempty"`
	InputValues map[string]interface{} `json:"input_values,omitempty"`

	Dependencies []Dependency `json:"dependencies,omitempty"`

	// Outputs maps a produced record name to the name successors see it by.
	Outputs map[string]string `json:"outputs,omitempty"`

	Status StepStatus     `json:"status"`
	Result []OutputRecord `json:"result,omitempty"`

	OriginalOwner string             `json:"original_owner,omitempty"`
	CurrentOwner  string             `json:"current_owner,omitempty"`
	Delegations   []DelegationRecord `json:"delegations,omitempty"`

	RetryCount            int `json:"retry_count"`
	MaxRetries            int `json:"max_retries"`
	RecoverableRetryCount int `json:"recoverable_retry_count"`
	MaxRecoverableRetries int `json:"max_recoverable_retries"`

	LastError    string        `json:"last_error,omitempty"`
	ErrorContext string        `json:"error_context,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty"`

	// CurrentIndex is the only durable loop state for FOREACH/WHILE/UNTIL.
	CurrentIndex int    `json:"current_index,omitempty"`
	AwaitsSignal string `json:"awaits_signal,omitempty"`

	// TransferID marks a step this agent accepted through delegation. The
	// finished result is reported back under this identifier.
	TransferID string `json:"transfer_id,omitempty"`

	// NotBefore gates re-dispatch after a transient failure. The scheduler
	// stamps it instead of parking a goroutine in a sleep.
	NotBefore time.Time `json:"not_before,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// NewStep creates a pending step with a fresh identifier and default retry
// budgets.
func NewStep(verb, description string) *Step {
	return &Step{
		ID:                    uuid.New().String(),
		Verb:                  verb,
		Description:           description,
		Status:                StepPending,
		MaxRetries:            3,
		MaxRecoverableRetries: 5,
		CreatedAt:             time.Now().UTC(),
	}
}

// IsRemotelyOwned reports whether the step currently belongs to another agent.
func (s *Step) IsRemotelyOwned(agentID string) bool {
	return s.CurrentOwner != "" && s.CurrentOwner != agentID
}

// ExposedName returns the name successors see for a produced record name.
func (s *Step) ExposedName(recordName string) string {
	if s.Outputs != nil {
		if exposed, ok := s.Outputs[recordName]; ok && exposed != "" {
			return exposed
		}
	}
	return recordName
}

// NamedOutput locates an output record by its exposed name.
func (s *Step) NamedOutput(name string) (*OutputRecord, bool) {
	for i := range s.Result {
		if s.ExposedName(s.Result[i].Name) == name || s.Result[i].Name == name {
			return &s.Result[i], true
		}
	}
	return nil, false
}

// MissingDeclaredOutputs returns the declared output names a completed step
// failed to produce. Empty for steps with no declarations.
func (s *Step) MissingDeclaredOutputs() []string {
	var missing []string
	for recordName := range s.Outputs {
		if _, ok := s.findRecord(recordName); !ok {
			missing = append(missing, recordName)
		}
	}
	return missing
}

func (s *Step) findRecord(name string) (*OutputRecord, bool) {
	for i := range s.Result {
		if s.Result[i].Name == name {
			return &s.Result[i], true
		}
	}
	return nil, false
}

// Prune clears bulky payloads of a terminal step once nothing active depends
// on it. The persisted work-product remains authoritative and is re-hydrated
// on demand by the resolver.
func (s *Step) Prune() {
	for i := range s.Result {
		s.Result[i].Value = nil
	}
	s.InputValues = nil
}

// Clone returns a deep-enough copy for handing a step across agents. Result
// values are shared; mutation of resolved values after completion is not
// allowed anywhere in the core.
func (s *Step) Clone() *Step {
	c := *s
	c.InputRefs = make(map[string]InputRef, len(s.InputRefs))
	for k, v := range s.InputRefs {
		c.InputRefs[k] = v
	}
	c.InputValues = make(map[string]interface{}, len(s.InputValues))
	for k, v := range s.InputValues {
		c.InputValues[k] = v
	}
	c.Dependencies = append([]Dependency(nil), s.Dependencies...)
	c.Outputs = make(map[string]string, len(s.Outputs))
	for k, v := range s.Outputs {
		c.Outputs[k] = v
	}
	c.Result = append([]OutputRecord(nil), s.Result...)
	c.Delegations = append([]DelegationRecord(nil), s.Delegations...)
	return &c
}
