package agent

import (
	"time"

	"github.com/agentmesh/agentmesh/core"
)

// SnapshotStats are the durable counters carried across restarts.
type SnapshotStats struct {
	Retries     int `json:"retries"`
	Replans     int `json:"replans"`
	Delegations int `json:"delegations"`
}

// Snapshot is the JSON-serializable capture of every non-derived field of an
// agent and its steps, persisted on checkpoint and restored on restart.
type Snapshot struct {
	AgentID   string          `json:"agent_id"`
	MissionID string          `json:"mission_id"`
	Role      string          `json:"role"`
	State     core.AgentState `json:"state"`

	Steps     []*Step          `json:"steps"`
	Delegated map[string]*Step `json:"delegated,omitempty"`

	Conversation []core.ConversationMessage `json:"conversation,omitempty"`

	ReplanDepth      int               `json:"replan_depth"`
	ReflectionDone   bool              `json:"reflection_done"`
	PlanSignatures   []string          `json:"plan_signatures,omitempty"`
	SameVerbFailures map[string]int    `json:"same_verb_failures,omitempty"`
	ReplannedSteps   map[string]bool   `json:"replanned_steps,omitempty"`
	PendingQuestions map[string]string `json:"pending_questions,omitempty"`

	Stats   SnapshotStats `json:"stats"`
	TakenAt time.Time     `json:"taken_at"`
}

// BuildSnapshot captures the agent's full durable state.
func (a *Agent) BuildSnapshot() *Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := &Snapshot{
		AgentID:          a.ID,
		MissionID:        a.MissionID,
		Role:             a.Role,
		State:            a.state,
		Steps:            make([]*Step, len(a.steps)),
		Delegated:        make(map[string]*Step, len(a.delegated)),
		Conversation:     append([]core.ConversationMessage(nil), a.conversation...),
		ReplanDepth:      a.replanDepth,
		ReflectionDone:   a.reflectionDone,
		PlanSignatures:   append([]string(nil), a.planSignatures...),
		SameVerbFailures: make(map[string]int, len(a.sameVerbFailures)),
		ReplannedSteps:   make(map[string]bool, len(a.replannedSteps)),
		PendingQuestions: make(map[string]string, len(a.pendingQuestions)),
		Stats: SnapshotStats{
			Retries:     a.stats.retries,
			Replans:     a.stats.replans,
			Delegations: a.stats.delegations,
		},
		TakenAt: time.Now().UTC(),
	}
	for i, s := range a.steps {
		snap.Steps[i] = s.Clone()
	}
	for id, s := range a.delegated {
		snap.Delegated[id] = s.Clone()
	}
	for k, v := range a.sameVerbFailures {
		snap.SameVerbFailures[k] = v
	}
	for k, v := range a.replannedSteps {
		snap.ReplannedSteps[k] = v
	}
	for k, v := range a.pendingQuestions {
		snap.PendingQuestions[k] = v
	}
	return snap
}

// RestoreSnapshot reloads durable state captured by BuildSnapshot. In-flight
// statuses are normalized back to PENDING so interrupted work reruns.
func (a *Agent) RestoreSnapshot(snap *Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.MissionID = snap.MissionID
	a.Role = snap.Role
	a.state = snap.State
	if a.state == core.AgentRunning {
		a.state = core.AgentPaused
	}

	a.steps = make([]*Step, len(snap.Steps))
	a.stepIndex = make(map[string]*Step, len(snap.Steps))
	for i, s := range snap.Steps {
		restored := s.Clone()
		if restored.Status == StepRunning {
			restored.Status = StepPending
		}
		a.steps[i] = restored
		a.stepIndex[restored.ID] = restored
	}
	a.delegated = make(map[string]*Step, len(snap.Delegated))
	for id, s := range snap.Delegated {
		a.delegated[id] = s.Clone()
	}

	a.conversation = append([]core.ConversationMessage(nil), snap.Conversation...)
	a.replanDepth = snap.ReplanDepth
	a.reflectionDone = snap.ReflectionDone
	a.planSignatures = append([]string(nil), snap.PlanSignatures...)

	a.sameVerbFailures = make(map[string]int, len(snap.SameVerbFailures))
	for k, v := range snap.SameVerbFailures {
		a.sameVerbFailures[k] = v
	}
	a.replannedSteps = make(map[string]bool, len(snap.ReplannedSteps))
	for k, v := range snap.ReplannedSteps {
		a.replannedSteps[k] = v
	}
	a.pendingQuestions = make(map[string]string, len(snap.PendingQuestions))
	for k, v := range snap.PendingQuestions {
		a.pendingQuestions[k] = v
	}

	a.stats.retries = snap.Stats.Retries
	a.stats.replans = snap.Stats.Replans
	a.stats.delegations = snap.Stats.Delegations
}
