package agent

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/core"
)

// RoleCoordinator is the reserved role that bypasses delegation and runs
// every step locally.
const RoleCoordinator = "coordinator"

// Dependencies bundles the external collaborators an agent consumes. Only
// Logger has a usable zero value; nil entries for the rest disable the
// corresponding feature (no bus, no delegation, and so on).
type Dependencies struct {
	Logger    core.Logger
	Reasoner  core.Reasoner
	Executor  CapabilityExecutor
	Users     UserGateway
	Spawner   Spawner
	Store     Store
	Bus       core.Bus
	Directory core.Directory
	Locator   core.StepLocator
	Traffic   TrafficNotifier

	// HTTPClient, Address and AuthToken serve the cross-agent resolver.
	// Address is this agent's own advertised host, used for the same-host
	// fast path.
	HTTPClient *http.Client
	Address    string
	AuthToken  string
}

// Statistics is the operator-visible summary of an agent's work.
type Statistics struct {
	TotalSteps    int            `json:"total_steps"`
	StepsByStatus map[string]int `json:"steps_by_status"`
	Retries       int            `json:"retries"`
	Replans       int            `json:"replans"`
	Delegations   int            `json:"delegations"`
	ReplanDepth   int            `json:"replan_depth"`
}

// Agent is a supervised, long-lived worker that plans and executes a DAG of
// steps toward a mission goal.
type Agent struct {
	ID        string
	MissionID string
	Role      string

	opts *core.Options
	deps Dependencies

	mu           sync.Mutex
	state        core.AgentState
	steps        []*Step
	stepIndex    map[string]*Step
	conversation []core.ConversationMessage

	// Reflection and replanning state.
	replanDepth      int
	reflectionDone   bool
	planSignatures   []string
	sameVerbFailures map[string]int
	replannedSteps   map[string]bool

	// pendingQuestions maps user-gateway request IDs to WAITING step IDs;
	// delegated maps transfer IDs to steps handed to other agents.
	pendingQuestions map[string]string
	delegated        map[string]*Step

	stats struct {
		retries     int
		replans     int
		delegations int
	}

	finalOutput []OutputRecord

	// workCancel revokes every in-flight operation of the current run scope.
	// Pause and abort call it; resume acquires a fresh scope.
	workCtx    context.Context
	workCancel context.CancelFunc

	publisher  *Publisher
	crossAgent *CrossAgentResolver
}

// New creates an agent in INITIALIZING with no steps.
func New(id, missionID, role string, opts *core.Options, deps Dependencies) *Agent {
	if opts == nil {
		opts = core.DefaultOptions()
	}
	if deps.Logger == nil {
		deps.Logger = &core.NoOpLogger{}
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}

	a := &Agent{
		ID:               id,
		MissionID:        missionID,
		Role:             role,
		opts:             opts,
		deps:             deps,
		state:            core.AgentInitializing,
		stepIndex:        make(map[string]*Step),
		sameVerbFailures: make(map[string]int),
		replannedSteps:   make(map[string]bool),
		pendingQuestions: make(map[string]string),
		delegated:        make(map[string]*Step),
	}
	a.publisher = NewPublisher(a.ID, a.MissionID, deps.Bus, deps.Store, deps.Traffic, deps.Logger)
	a.crossAgent = NewCrossAgentResolver(CrossAgentConfig{
		Locator:   deps.Locator,
		LocalHost: deps.Address,
		Client:    deps.HTTPClient,
		AuthToken: deps.AuthToken,
		Logger:    deps.Logger,
	})
	return a
}

func (a *Agent) logger() core.Logger { return a.deps.Logger }

// State returns the current lifecycle state.
func (a *Agent) State() core.AgentState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// setState transitions the lifecycle state and publishes the update. The
// caller must not hold a.mu.
func (a *Agent) setState(ctx context.Context, state core.AgentState) {
	a.mu.Lock()
	if a.state == state {
		a.mu.Unlock()
		return
	}
	prev := a.state
	a.state = state
	stats := a.statisticsLocked()
	a.mu.Unlock()

	a.logger().Info("Agent state transition", map[string]interface{}{
		"agent_id": a.ID,
		"from":     string(prev),
		"to":       string(state),
	})
	a.publisher.PublishAgentStatus(ctx, state, stats)

	if a.deps.Directory != nil {
		if err := a.deps.Directory.UpdateAgentState(ctx, a.ID, state); err != nil {
			a.logger().Warn("Directory state update failed", map[string]interface{}{
				"agent_id": a.ID,
				"error":    err.Error(),
			})
		}
	}
}

// SeedMission creates the root ACCOMPLISH step for the mission goal. Called
// once on the root agent before Run.
func (a *Agent) SeedMission(goal string) *Step {
	step := NewStep(VerbAccomplish, goal)
	step.InputRefs = map[string]InputRef{"goal": LiteralRef(goal)}
	step.OriginalOwner = a.ID
	step.CurrentOwner = a.ID
	a.AddStep(step)
	return step
}

// AddStep appends a step to the agent's list and records its location.
func (a *Agent) AddStep(step *Step) {
	a.mu.Lock()
	a.steps = append(a.steps, step)
	a.stepIndex[step.ID] = step
	a.mu.Unlock()

	a.registerLocation(step)
	a.publisher.PublishStepEvent(context.Background(), a.buildEvent(step, "created"))
}

func (a *Agent) registerLocation(step *Step) {
	if a.deps.Locator == nil {
		return
	}
	loc := &core.StepLocation{StepID: step.ID, OwnerAgentID: a.ID, AgentHost: a.deps.Address}
	if err := a.deps.Locator.SetLocation(context.Background(), loc); err != nil {
		a.logger().Warn("Step location registration failed", map[string]interface{}{
			"step_id": step.ID,
			"error":   err.Error(),
		})
	}
}

func (a *Agent) findStep(id string) (*Step, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.stepIndex[id]
	return s, ok
}

// Steps returns a snapshot copy of the step list.
func (a *Agent) Steps() []*Step {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Step, len(a.steps))
	copy(out, a.steps)
	return out
}

// removeStep detaches a step from the agent's list, used when ownership
// transfers to another agent.
func (a *Agent) removeStep(id string) (*Step, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.stepIndex[id]
	if !ok {
		return nil, false
	}
	delete(a.stepIndex, id)
	for i := range a.steps {
		if a.steps[i].ID == id {
			a.steps = append(a.steps[:i], a.steps[i+1:]...)
			break
		}
	}
	return s, true
}

// AppendConversation adds one entry to the agent's conversation history.
func (a *Agent) AppendConversation(role, content string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conversation = append(a.conversation, core.ConversationMessage{Role: role, Content: content})
}

func (a *Agent) conversationCopy() []core.ConversationMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]core.ConversationMessage, len(a.conversation))
	copy(out, a.conversation)
	return out
}

// Statistics summarizes the agent's current workload.
func (a *Agent) Statistics() Statistics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.statisticsLocked()
}

func (a *Agent) statisticsLocked() Statistics {
	byStatus := make(map[string]int)
	for _, s := range a.steps {
		byStatus[string(s.Status)]++
	}
	for _, s := range a.delegated {
		byStatus[string(s.Status)]++
	}
	return Statistics{
		TotalSteps:    len(a.steps) + len(a.delegated),
		StepsByStatus: byStatus,
		Retries:       a.stats.retries,
		Replans:       a.stats.replans,
		Delegations:   a.stats.delegations,
		ReplanDepth:   a.replanDepth,
	}
}

// Output returns the agent's final output once COMPLETED.
func (a *Agent) Output() ([]OutputRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != core.AgentCompleted {
		return nil, fmt.Errorf("agent %s is %s: %w", a.ID, a.state, core.ErrAgentNotReady)
	}
	return a.finalOutput, nil
}

// StepView returns the read-only status-and-result view of one step, served
// to remote cross-agent resolvers.
func (a *Agent) StepView(stepID string) (*Step, error) {
	s, ok := a.findStep(stepID)
	if !ok {
		a.mu.Lock()
		for _, d := range a.delegated {
			if d.ID == stepID {
				s, ok = d, true
				break
			}
		}
		a.mu.Unlock()
	}
	if !ok {
		return nil, fmt.Errorf("step %s: %w", stepID, core.ErrStepNotFound)
	}
	return &Step{ID: s.ID, Verb: s.Verb, Status: s.Status, Result: s.Result, CurrentOwner: s.CurrentOwner}, nil
}

func (a *Agent) buildEvent(step *Step, detail string) *StepEvent {
	return &StepEvent{
		MissionID: a.MissionID,
		AgentID:   a.ID,
		StepID:    step.ID,
		Verb:      step.Verb,
		Status:    step.Status,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
}

// say emits a user-visible progress message through the bus.
func (a *Agent) say(ctx context.Context, msg string) {
	a.publisher.PublishSay(ctx, msg)
}
