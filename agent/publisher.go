package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentmesh/agentmesh/core"
)

const (
	// TopicAgentEvents carries every outbound agent notification.
	TopicAgentEvents = "agent.events"

	RoutingStatusUpdate     = "agent.status.update"
	RoutingWorkProduct      = "agent.workproduct.update"
	RoutingStepFailure      = "agent.step.failure"
	RoutingUserNotification = "agent.user.say"
	inboxChannelFormat      = "agent.inbox.%s"
)

// InboxChannel returns the bus channel an agent listens on for inbound
// messages.
func InboxChannel(agentID string) string {
	return fmt.Sprintf(inboxChannelFormat, agentID)
}

// AgentUpdate is the outbound status notification published on every
// lifecycle transition.
type AgentUpdate struct {
	AgentID   string          `json:"agent_id"`
	MissionID string          `json:"mission_id"`
	State     core.AgentState `json:"state"`
	Stats     Statistics      `json:"stats"`
	Timestamp time.Time       `json:"timestamp"`
}

// Publisher fans out status, step events and work-products to the bus, the
// persistence service and the traffic collaborator. Every path is
// fire-and-forget: failures are logged and never abort execution.
type Publisher struct {
	agentID   string
	missionID string
	bus       core.Bus
	store     Store
	traffic   TrafficNotifier
	logger    core.Logger
}

// NewPublisher wires a publisher; nil bus, store or traffic disable the
// corresponding path.
func NewPublisher(agentID, missionID string, bus core.Bus, store Store, traffic TrafficNotifier, logger core.Logger) *Publisher {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Publisher{
		agentID:   agentID,
		missionID: missionID,
		bus:       bus,
		store:     store,
		traffic:   traffic,
		logger:    logger,
	}
}

// PublishAgentStatus emits an AGENT_UPDATE on the bus and to the traffic
// collaborator. The two paths fail independently.
func (p *Publisher) PublishAgentStatus(ctx context.Context, state core.AgentState, stats Statistics) {
	update := &AgentUpdate{
		AgentID:   p.agentID,
		MissionID: p.missionID,
		State:     state,
		Stats:     stats,
		Timestamp: time.Now().UTC(),
	}
	p.publish(ctx, RoutingStatusUpdate, update)

	if p.traffic != nil {
		if err := p.traffic.Notify(ctx, update); err != nil {
			p.logger.Warn("Traffic notification failed", map[string]interface{}{
				"agent_id": p.agentID,
				"error":    err.Error(),
			})
		}
	}
}

// PublishStepEvent persists a structured step event.
func (p *Publisher) PublishStepEvent(ctx context.Context, event *StepEvent) {
	if p.store == nil {
		return
	}
	if err := p.store.SaveStepEvent(ctx, event); err != nil {
		p.logger.Warn("Step event save failed", map[string]interface{}{
			"step_id": event.StepID,
			"status":  string(event.Status),
			"error":   err.Error(),
		})
	}
}

// PublishWorkProduct persists a work-product and announces it to the user.
func (p *Publisher) PublishWorkProduct(ctx context.Context, wp *WorkProduct) error {
	if p.store != nil {
		if err := p.store.SaveWorkProduct(ctx, wp); err != nil {
			return fmt.Errorf("saving work product for step %s: %w", wp.StepID, err)
		}
	}
	p.publish(ctx, RoutingWorkProduct, wp)
	return nil
}

// PublishStepFailure announces an uncovered step failure.
func (p *Publisher) PublishStepFailure(ctx context.Context, step *Step, kind FailureKind) {
	p.publish(ctx, RoutingStepFailure, map[string]interface{}{
		"agent_id":   p.agentID,
		"mission_id": p.missionID,
		"step_id":    step.ID,
		"verb":       step.Verb,
		"kind":       string(kind),
		"error":      step.LastError,
	})
}

// PublishSay emits a user-visible progress message.
func (p *Publisher) PublishSay(ctx context.Context, msg string) {
	p.publish(ctx, RoutingUserNotification, map[string]string{
		"agent_id":   p.agentID,
		"mission_id": p.missionID,
		"message":    msg,
	})
}

// SendTo publishes a message to another agent's inbox channel.
func (p *Publisher) SendTo(ctx context.Context, agentID string, msg *InboundMessage) error {
	if p.bus == nil {
		return fmt.Errorf("no bus configured: %w", core.ErrConnectionFailed)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message for %s: %w", agentID, err)
	}
	return p.bus.Publish(ctx, InboxChannel(agentID), string(msg.Type), data)
}

func (p *Publisher) publish(ctx context.Context, routingKey string, payload interface{}) {
	if p.bus == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("Bus payload marshal failed", map[string]interface{}{
			"routing_key": routingKey,
			"error":       err.Error(),
		})
		return
	}
	if err := p.bus.Publish(ctx, TopicAgentEvents, routingKey, data); err != nil {
		p.logger.Warn("Bus publish failed", map[string]interface{}{
			"routing_key": routingKey,
			"error":       err.Error(),
		})
	}
}
