package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentmesh/agentmesh/core"
)

// MemoryStore is the in-process Store used by tests and single-process
// missions. Safe for concurrent use.
type MemoryStore struct {
	mu           sync.RWMutex
	snapshots    map[string]*Snapshot
	events       []*StepEvent
	steps        map[string]*Step
	workProducts map[string]*WorkProduct
	files        map[string][]byte
	attachments  map[string]*FileAttachment
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots:    make(map[string]*Snapshot),
		steps:        make(map[string]*Step),
		workProducts: make(map[string]*WorkProduct),
		files:        make(map[string][]byte),
		attachments:  make(map[string]*FileAttachment),
	}
}

func (m *MemoryStore) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snap.AgentID] = snap
	return nil
}

func (m *MemoryStore) LoadSnapshot(ctx context.Context, agentID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snapshots[agentID]
	if !ok {
		return nil, fmt.Errorf("snapshot for %s: %w", agentID, core.ErrAgentNotFound)
	}
	return snap, nil
}

func (m *MemoryStore) SaveStepEvent(ctx context.Context, event *StepEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Events returns a copy of all saved events, oldest first.
func (m *MemoryStore) Events() []*StepEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*StepEvent, len(m.events))
	copy(out, m.events)
	return out
}

func (m *MemoryStore) SaveStep(ctx context.Context, step *Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps[step.ID] = step.Clone()
	return nil
}

func (m *MemoryStore) LoadStep(ctx context.Context, stepID string) (*Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	step, ok := m.steps[stepID]
	if !ok {
		return nil, fmt.Errorf("step %s: %w", stepID, core.ErrStepNotFound)
	}
	return step.Clone(), nil
}

func (m *MemoryStore) SaveWorkProduct(ctx context.Context, wp *WorkProduct) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workProducts[wp.StepID] = wp
	return nil
}

func (m *MemoryStore) LoadWorkProduct(ctx context.Context, stepID string) (*WorkProduct, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wp, ok := m.workProducts[stepID]
	if !ok {
		return nil, fmt.Errorf("work product for %s: %w", stepID, core.ErrStepNotFound)
	}
	return wp, nil
}

func (m *MemoryStore) LoadDeliverables(ctx context.Context, agentID string) ([]*WorkProduct, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*WorkProduct
	for _, wp := range m.workProducts {
		if wp.AgentID != agentID {
			continue
		}
		for _, record := range wp.Outputs {
			if record.IsDeliverable {
				out = append(out, wp)
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) SaveFile(ctx context.Context, att *FileAttachment, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attachments[att.ID] = att
	m.files[att.ID] = append([]byte(nil), data...)
	return nil
}

// LoadFile returns a stored file's bytes.
func (m *MemoryStore) LoadFile(id string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.files[id]
	return data, ok
}
