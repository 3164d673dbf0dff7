package agent

import (
	"context"
	"time"
)

// CapabilityRequest carries everything the external capability service needs
// to run one primitive verb.
type CapabilityRequest struct {
	MissionID   string                 `json:"mission_id"`
	AgentID     string                 `json:"agent_id"`
	StepID      string                 `json:"step_id"`
	Verb        string                 `json:"verb"`
	Description string                 `json:"description,omitempty"`
	Inputs      map[string]interface{} `json:"inputs"`
	Timeout     time.Duration          `json:"-"`
}

// CapabilityExecutor executes primitive verbs. Implementations must honor
// ctx cancellation; the per-step deadline is already applied to ctx.
type CapabilityExecutor interface {
	Execute(ctx context.Context, req CapabilityRequest) ([]OutputRecord, error)
}

// UserQuestion is a prompt routed to the user gateway.
type UserQuestion struct {
	MissionID string `json:"mission_id"`
	AgentID   string `json:"agent_id"`
	StepID    string `json:"step_id"`
	Prompt    string `json:"prompt"`
}

// UserGateway asks the user questions and cancels outstanding ones. Answers
// arrive asynchronously as USER_INPUT_RESPONSE messages keyed by request ID.
type UserGateway interface {
	Ask(ctx context.Context, q UserQuestion) (requestID string, err error)
	Cancel(ctx context.Context, requestID string) error
}

// Spawner provisions a role-specialized agent for the mission. Returns the
// new agent's ID; the delegation manager polls the directory until it
// reports RUNNING.
type Spawner interface {
	SpawnAgent(ctx context.Context, missionID, role string) (agentID string, err error)
}

// TrafficNotifier is the direct peer channel for agent status updates, used
// alongside the bus. Both paths are fire-and-forget.
type TrafficNotifier interface {
	Notify(ctx context.Context, update *AgentUpdate) error
}

// StepEvent is the structured record persisted for every step creation,
// status change and work-product save.
type StepEvent struct {
	MissionID string     `json:"mission_id"`
	AgentID   string     `json:"agent_id"`
	StepID    string     `json:"step_id"`
	Verb      string     `json:"verb"`
	Status    StepStatus `json:"status"`
	Detail    string     `json:"detail,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// FileAttachment is the metadata attached to a deliverable uploaded to the
// shared file store.
type FileAttachment struct {
	ID            string    `json:"id"`
	OriginalName  string    `json:"original_name"`
	MimeType      string    `json:"mime_type"`
	Size          int64     `json:"size"`
	StoragePath   string    `json:"storage_path"`
	UploadedBy    string    `json:"uploaded_by"`
	UploadedAt    time.Time `json:"uploaded_at"`
	StepID        string    `json:"step_id"`
	IsDeliverable bool      `json:"is_deliverable"`
}

// WorkProduct is the persisted outputs of a completed step.
type WorkProduct struct {
	MissionID   string           `json:"mission_id"`
	AgentID     string           `json:"agent_id"`
	StepID      string           `json:"step_id"`
	Verb        string           `json:"verb"`
	Outputs     []OutputRecord   `json:"outputs"`
	Attachments []FileAttachment `json:"attachments,omitempty"`
	SavedAt     time.Time        `json:"saved_at"`
}

// Store is the persistence service surface the core consumes: snapshots,
// step events, work-products, step records and deliverable files.
type Store interface {
	SaveSnapshot(ctx context.Context, snap *Snapshot) error
	LoadSnapshot(ctx context.Context, agentID string) (*Snapshot, error)
	SaveStepEvent(ctx context.Context, event *StepEvent) error
	SaveStep(ctx context.Context, step *Step) error
	LoadStep(ctx context.Context, stepID string) (*Step, error)
	SaveWorkProduct(ctx context.Context, wp *WorkProduct) error
	LoadWorkProduct(ctx context.Context, stepID string) (*WorkProduct, error)
	LoadDeliverables(ctx context.Context, agentID string) ([]*WorkProduct, error)
	SaveFile(ctx context.Context, att *FileAttachment, data []byte) error
}
