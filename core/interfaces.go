package core

import (
	"context"
	"time"
)

// Logger interface - minimal logging interface shared by every component.
// Implementations must be safe for concurrent use.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// Reasoner is the interface to the external reasoning (LLM) service.
// The core never talks to a model provider directly; it sends a prompt plus
// the agent's conversation history and receives text back.
type Reasoner interface {
	GenerateResponse(ctx context.Context, prompt string, options *ReasoningOptions) (*ReasoningResponse, error)
}

// ReasoningOptions for reasoning calls
type ReasoningOptions struct {
	Model        string
	Temperature  float32
	MaxTokens    int
	SystemPrompt string
	History      []ConversationMessage
}

// ReasoningResponse from the reasoning service
type ReasoningResponse struct {
	Content string
	Model   string
	Usage   TokenUsage
}

// TokenUsage for reasoning responses
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ConversationMessage is one ordered entry of an agent's conversation history.
type ConversationMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// AgentState is the lifecycle state of an agent.
type AgentState string

const (
	AgentInitializing AgentState = "INITIALIZING"
	AgentRunning      AgentState = "RUNNING"
	AgentPaused       AgentState = "PAUSED"
	AgentCompleted    AgentState = "COMPLETED"
	AgentError        AgentState = "ERROR"
	AgentAborted      AgentState = "ABORTED"
)

// Terminal reports whether the state admits no further transitions.
func (s AgentState) Terminal() bool {
	return s == AgentCompleted || s == AgentError || s == AgentAborted
}

// AgentInfo is the directory record for a live agent.
type AgentInfo struct {
	ID        string     `json:"id"`
	MissionID string     `json:"mission_id"`
	Role      string     `json:"role"`
	State     AgentState `json:"state"`
	Address   string     `json:"address"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// StepLocation maps a step to its current owner. Each agent mutates only
// the locations of steps it owns; reads may be cached but updates are
// authoritative through the registry.
type StepLocation struct {
	StepID       string `json:"step_id"`
	OwnerAgentID string `json:"owner_agent_id"`
	AgentHost    string `json:"agent_host"`
}

// Directory is the mission-wide agent registry. Delegation uses it to find
// role-specialized agents; the cross-agent resolver uses it to find hosts.
type Directory interface {
	RegisterAgent(ctx context.Context, info *AgentInfo) error
	UpdateAgentState(ctx context.Context, agentID string, state AgentState) error
	UnregisterAgent(ctx context.Context, agentID string) error
	FindAgent(ctx context.Context, agentID string) (*AgentInfo, error)
	FindByRole(ctx context.Context, missionID, role string) ([]*AgentInfo, error)
}

// StepLocator is the mission-wide step-location registry.
type StepLocator interface {
	SetLocation(ctx context.Context, loc *StepLocation) error
	Lookup(ctx context.Context, stepID string) (*StepLocation, error)
	RemoveLocation(ctx context.Context, stepID string) error
}

// Bus is the message bus used for status fan-out and inbound agent messages.
// Publish is fire-and-forget from the caller's perspective: failures are
// returned so callers can log them, but must never abort execution.
type Bus interface {
	Publish(ctx context.Context, topic, routingKey string, payload []byte) error
	// Subscribe delivers raw payloads published to channel until the returned
	// stop function is called or ctx is cancelled.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}

// Default no-op implementations

// NoOpLogger provides a no-op logger implementation
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// NoOpBus drops every publish and delivers nothing. Used when an agent runs
// without a bus (tests, single-process missions).
type NoOpBus struct{}

func (n *NoOpBus) Publish(ctx context.Context, topic, routingKey string, payload []byte) error {
	return nil
}

func (n *NoOpBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	ch := make(chan []byte)
	return ch, func() {}, nil
}
