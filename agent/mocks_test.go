package agent

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agentmesh/agentmesh/core"

	"github.com/stretchr/testify/require"
)

// scriptedReasoner replays canned replies in order. When repeatLast is set
// the final reply answers every call after the script runs out.
type scriptedReasoner struct {
	mu         sync.Mutex
	replies    []string
	prompts    []string
	repeatLast bool
}

func (r *scriptedReasoner) GenerateResponse(ctx context.Context, prompt string, options *core.ReasoningOptions) (*core.ReasoningResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts = append(r.prompts, prompt)
	if len(r.replies) == 0 {
		return nil, fmt.Errorf("scripted reasoner exhausted after %d calls", len(r.prompts))
	}
	reply := r.replies[0]
	if !r.repeatLast || len(r.replies) > 1 {
		r.replies = r.replies[1:]
	}
	return &core.ReasoningResponse{Content: reply, Model: "scripted"}, nil
}

func (r *scriptedReasoner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.prompts)
}

// fakeExecutor routes capability requests to per-verb handlers.
type fakeExecutor struct {
	mu       sync.Mutex
	handlers map[string]func(req CapabilityRequest) ([]OutputRecord, error)
	requests []CapabilityRequest
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{handlers: make(map[string]func(req CapabilityRequest) ([]OutputRecord, error))}
}

func (e *fakeExecutor) handle(verb string, fn func(req CapabilityRequest) ([]OutputRecord, error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[verb] = fn
}

func (e *fakeExecutor) Execute(ctx context.Context, req CapabilityRequest) ([]OutputRecord, error) {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	fn, ok := e.handlers[req.Verb]
	e.mu.Unlock()
	if !ok {
		return nil, &StepError{Code: "UNSUPPORTED", Message: fmt.Sprintf("no handler for verb %s", req.Verb)}
	}
	return fn(req)
}

func (e *fakeExecutor) requestsFor(verb string) []CapabilityRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []CapabilityRequest
	for _, req := range e.requests {
		if req.Verb == verb {
			out = append(out, req)
		}
	}
	return out
}

func (e *fakeExecutor) calls(verb string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, req := range e.requests {
		if req.Verb == verb {
			n++
		}
	}
	return n
}

// fakeUsers records questions and hands out sequential request IDs.
type fakeUsers struct {
	mu        sync.Mutex
	questions []UserQuestion
	cancelled []string
	askErr    error
	nextID    int
}

func (u *fakeUsers) Ask(ctx context.Context, q UserQuestion) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.askErr != nil {
		return "", u.askErr
	}
	u.nextID++
	u.questions = append(u.questions, q)
	return fmt.Sprintf("q-%d", u.nextID), nil
}

func (u *fakeUsers) Cancel(ctx context.Context, requestID string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.cancelled = append(u.cancelled, requestID)
	return nil
}

func (u *fakeUsers) asked() []UserQuestion {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]UserQuestion, len(u.questions))
	copy(out, u.questions)
	return out
}

// fakeDirectory is an in-memory core.Directory.
type fakeDirectory struct {
	mu     sync.Mutex
	agents map[string]*core.AgentInfo
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{agents: make(map[string]*core.AgentInfo)}
}

func (d *fakeDirectory) RegisterAgent(ctx context.Context, info *core.AgentInfo) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	clone := *info
	d.agents[info.ID] = &clone
	return nil
}

func (d *fakeDirectory) UpdateAgentState(ctx context.Context, agentID string, state core.AgentState) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if info, ok := d.agents[agentID]; ok {
		info.State = state
		info.UpdatedAt = time.Now()
	}
	return nil
}

func (d *fakeDirectory) UnregisterAgent(ctx context.Context, agentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.agents, agentID)
	return nil
}

func (d *fakeDirectory) FindAgent(ctx context.Context, agentID string) (*core.AgentInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	info, ok := d.agents[agentID]
	if !ok {
		return nil, core.ErrAgentNotFound
	}
	clone := *info
	return &clone, nil
}

func (d *fakeDirectory) FindByRole(ctx context.Context, missionID, role string) ([]*core.AgentInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*core.AgentInfo
	for _, info := range d.agents {
		if info.MissionID == missionID && info.Role == role {
			clone := *info
			out = append(out, &clone)
		}
	}
	return out, nil
}

// fakeLocator is an in-memory core.StepLocator.
type fakeLocator struct {
	mu   sync.Mutex
	locs map[string]*core.StepLocation
}

func newFakeLocator() *fakeLocator {
	return &fakeLocator{locs: make(map[string]*core.StepLocation)}
}

func (l *fakeLocator) SetLocation(ctx context.Context, loc *core.StepLocation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	clone := *loc
	l.locs[loc.StepID] = &clone
	return nil
}

func (l *fakeLocator) Lookup(ctx context.Context, stepID string) (*core.StepLocation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	loc, ok := l.locs[stepID]
	if !ok {
		return nil, core.ErrLocationNotFound
	}
	clone := *loc
	return &clone, nil
}

func (l *fakeLocator) RemoveLocation(ctx context.Context, stepID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locs, stepID)
	return nil
}

type busRecord struct {
	Topic      string
	RoutingKey string
	Payload    []byte
}

// recordingBus captures every publish and delivers subscriptions from
// in-memory channels.
type recordingBus struct {
	mu       sync.Mutex
	records  []busRecord
	channels map[string]chan []byte
}

func newRecordingBus() *recordingBus {
	return &recordingBus{channels: make(map[string]chan []byte)}
}

func (b *recordingBus) Publish(ctx context.Context, topic, routingKey string, payload []byte) error {
	b.mu.Lock()
	b.records = append(b.records, busRecord{Topic: topic, RoutingKey: routingKey, Payload: payload})
	ch := b.channels[topic]
	b.mu.Unlock()
	if ch != nil {
		select {
		case ch <- payload:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *recordingBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[channel]
	if !ok {
		ch = make(chan []byte, 64)
		b.channels[channel] = ch
	}
	return ch, func() {}, nil
}

func (b *recordingBus) published(routingKey string) []busRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []busRecord
	for _, rec := range b.records {
		if rec.RoutingKey == routingKey {
			out = append(out, rec)
		}
	}
	return out
}

// fakeSpawner returns a preset agent ID.
type fakeSpawner struct {
	mu      sync.Mutex
	agentID string
	err     error
	spawned []string
}

func (s *fakeSpawner) SpawnAgent(ctx context.Context, missionID, role string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.spawned = append(s.spawned, role)
	return s.agentID, nil
}

func testOptions() *core.Options {
	opts := core.DefaultOptions()
	opts.IdleSweepInterval = 2 * time.Millisecond
	opts.DefaultBackoff = time.Millisecond
	opts.CheckpointInterval = time.Hour
	opts.SpawnWaitTimeout = 50 * time.Millisecond
	opts.PrimitiveStepTimeout = 5 * time.Second
	opts.PlanningStepTimeout = 5 * time.Second
	return opts
}

// harness bundles an agent with its fakes.
type harness struct {
	agent    *Agent
	reasoner *scriptedReasoner
	executor *fakeExecutor
	users    *fakeUsers
	store    *MemoryStore
	bus      *recordingBus
}

func newHarness(opts *core.Options) *harness {
	if opts == nil {
		opts = testOptions()
	}
	h := &harness{
		reasoner: &scriptedReasoner{},
		executor: newFakeExecutor(),
		users:    &fakeUsers{},
		store:    NewMemoryStore(),
		bus:      newRecordingBus(),
	}
	h.agent = New("agent-1", "mission-1", RoleCoordinator, opts, Dependencies{
		Logger:   &core.NoOpLogger{},
		Reasoner: h.reasoner,
		Executor: h.executor,
		Users:    h.users,
		Store:    h.store,
		Bus:      h.bus,
	})
	return h
}

// runToTerminal drives the agent until it settles, bounded by a wall clock.
func runToTerminal(t *testing.T, a *Agent) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := a.Run(ctx)
	require.NoError(t, err, "agent did not reach a terminal state in time")
	require.True(t, a.State().Terminal())
}

func stepByVerb(a *Agent, verb string) *Step {
	for _, s := range a.Steps() {
		if s.Verb == verb {
			return s
		}
	}
	return nil
}

func stepsByVerb(a *Agent, verb string) []*Step {
	var out []*Step
	for _, s := range a.Steps() {
		if s.Verb == verb {
			out = append(out, s)
		}
	}
	return out
}
