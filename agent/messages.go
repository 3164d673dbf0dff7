package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentmesh/agentmesh/core"
)

// MessageType discriminates inbound messages on an agent's inbox channel.
type MessageType string

const (
	MsgUserMessage        MessageType = "USER_MESSAGE"
	MsgUserInputResponse  MessageType = "USER_INPUT_RESPONSE"
	MsgTaskDelegation     MessageType = "TASK_DELEGATION"
	MsgTaskResult         MessageType = "TASK_RESULT"
	MsgKnowledgeShare     MessageType = "KNOWLEDGE_SHARE"
	MsgConflictResolution MessageType = "CONFLICT_RESOLUTION"
)

// InboundMessage is the envelope for every message an agent receives.
type InboundMessage struct {
	Type MessageType `json:"type"`
	From string      `json:"from,omitempty"`

	// USER_MESSAGE / KNOWLEDGE_SHARE
	Content string `json:"content,omitempty"`

	// USER_INPUT_RESPONSE
	RequestID string `json:"request_id,omitempty"`
	Response  string `json:"response,omitempty"`

	// TASK_DELEGATION / TASK_RESULT
	TransferID string         `json:"transfer_id,omitempty"`
	Step       *Step          `json:"step,omitempty"`
	Outputs    []OutputRecord `json:"outputs,omitempty"`
	Error      string         `json:"error,omitempty"`

	// CONFLICT_RESOLUTION
	Topic       string `json:"topic,omitempty"`
	Resolution  string `json:"resolution,omitempty"`
	VoteRequest bool   `json:"vote_request,omitempty"`
}

// HandleMessage processes one inbound payload. Message handlers serialize
// with the scheduler through the agent's mutex for all step-list mutations.
func (a *Agent) HandleMessage(ctx context.Context, payload []byte) error {
	var msg InboundMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("unmarshaling inbound message: %w", err)
	}

	a.logger().Debug("Inbound message", map[string]interface{}{
		"agent_id": a.ID,
		"type":     string(msg.Type),
		"from":     msg.From,
	})

	switch msg.Type {
	case MsgUserMessage:
		a.AppendConversation(core.RoleUser, msg.Content)
		return nil
	case MsgUserInputResponse:
		return a.handleUserInputResponse(ctx, &msg)
	case MsgTaskDelegation:
		return a.handleTaskDelegation(ctx, &msg)
	case MsgTaskResult:
		return a.handleTaskResult(ctx, &msg)
	case MsgKnowledgeShare:
		a.AppendConversation(core.RoleSystem, msg.Content)
		return nil
	case MsgConflictResolution:
		return a.handleConflictResolution(ctx, &msg)
	default:
		a.logger().Warn("Unknown inbound message type", map[string]interface{}{
			"agent_id": a.ID,
			"type":     string(msg.Type),
		})
		return nil
	}
}

// handleUserInputResponse closes the matching WAITING step with the answer.
func (a *Agent) handleUserInputResponse(ctx context.Context, msg *InboundMessage) error {
	a.mu.Lock()
	stepID, ok := a.pendingQuestions[msg.RequestID]
	if ok {
		delete(a.pendingQuestions, msg.RequestID)
	}
	a.mu.Unlock()
	if !ok {
		a.logger().Warn("Answer for unknown request", map[string]interface{}{
			"request_id": msg.RequestID,
		})
		return nil
	}

	step, found := a.findStep(stepID)
	if !found {
		return fmt.Errorf("answered step %s: %w", stepID, core.ErrStepNotFound)
	}

	a.mu.Lock()
	step.AwaitsSignal = ""
	step.Result = []OutputRecord{{Name: "answer", Type: ResultText, Value: msg.Response}}
	step.Status = StepCompleted
	step.FinishedAt = time.Now().UTC()
	a.mu.Unlock()

	a.publisher.PublishStepEvent(ctx, a.buildEvent(step, "user answer received"))
	a.notifyDelegator(ctx, step, "")
	return a.saveWorkProduct(ctx, step)
}

// ResumeStepWithInput is the operator-surface variant of an answer message:
// it completes a WAITING step directly by step ID.
func (a *Agent) ResumeStepWithInput(ctx context.Context, stepID, response string) error {
	step, ok := a.findStep(stepID)
	if !ok {
		return fmt.Errorf("step %s: %w", stepID, core.ErrStepNotFound)
	}

	a.mu.Lock()
	if step.Status != StepWaiting {
		a.mu.Unlock()
		return fmt.Errorf("step %s is %s, not WAITING: %w", stepID, step.Status, core.ErrInvalidState)
	}
	for reqID, sid := range a.pendingQuestions {
		if sid == stepID {
			delete(a.pendingQuestions, reqID)
			if a.deps.Users != nil {
				defer a.deps.Users.Cancel(ctx, reqID)
			}
		}
	}
	step.AwaitsSignal = ""
	step.Result = []OutputRecord{{Name: "answer", Type: ResultText, Value: response}}
	step.Status = StepCompleted
	step.FinishedAt = time.Now().UTC()
	a.mu.Unlock()

	a.publisher.PublishStepEvent(ctx, a.buildEvent(step, "resumed with operator input"))
	return a.saveWorkProduct(ctx, step)
}

// handleTaskDelegation decides whether to accept a delegated step based on
// workload, then materializes it or rejects with a TASK_RESULT error.
func (a *Agent) handleTaskDelegation(ctx context.Context, msg *InboundMessage) error {
	if msg.Step == nil {
		return fmt.Errorf("delegation without step payload: %w", core.ErrDelegationFailed)
	}

	if a.State() != core.AgentRunning && a.State() != core.AgentInitializing {
		return a.rejectDelegation(ctx, msg, "agent not accepting work")
	}
	if a.activeStepCount() >= maxAcceptedWorkload {
		return a.rejectDelegation(ctx, msg, "agent overloaded")
	}

	step := msg.Step.Clone()
	step.CurrentOwner = a.ID
	step.Status = StepPending
	step.TransferID = msg.TransferID
	a.AddStep(step)

	a.logger().Info("Accepted delegated step", map[string]interface{}{
		"agent_id":    a.ID,
		"step_id":     step.ID,
		"verb":        step.Verb,
		"transfer_id": msg.TransferID,
		"from":        msg.From,
	})
	return nil
}

func (a *Agent) rejectDelegation(ctx context.Context, msg *InboundMessage, reason string) error {
	return a.publisher.SendTo(ctx, msg.From, &InboundMessage{
		Type:       MsgTaskResult,
		From:       a.ID,
		TransferID: msg.TransferID,
		Error:      fmt.Sprintf("delegation rejected: %s", reason),
	})
}

// handleTaskResult closes the loop on a previously delegated step.
func (a *Agent) handleTaskResult(ctx context.Context, msg *InboundMessage) error {
	a.mu.Lock()
	step, ok := a.delegated[msg.TransferID]
	if ok {
		delete(a.delegated, msg.TransferID)
	}
	a.mu.Unlock()
	if !ok {
		a.logger().Warn("Task result for unknown transfer", map[string]interface{}{
			"transfer_id": msg.TransferID,
		})
		return nil
	}

	a.mu.Lock()
	if msg.Error != "" {
		step.Status = StepFailed
		step.LastError = msg.Error
	} else {
		step.Status = StepCompleted
		step.Result = msg.Outputs
	}
	step.FinishedAt = time.Now().UTC()
	// Reinstate the step so dependents can resolve against its result.
	a.steps = append(a.steps, step)
	a.stepIndex[step.ID] = step
	a.mu.Unlock()

	a.publisher.PublishStepEvent(ctx, a.buildEvent(step, "delegated result received"))
	a.logger().Info("Delegated step finished", map[string]interface{}{
		"agent_id":    a.ID,
		"step_id":     step.ID,
		"status":      string(step.Status),
		"transfer_id": msg.TransferID,
	})
	return nil
}

// handleConflictResolution records a final resolution or produces a vote.
func (a *Agent) handleConflictResolution(ctx context.Context, msg *InboundMessage) error {
	if !msg.VoteRequest {
		a.AppendConversation(core.RoleSystem,
			fmt.Sprintf("Conflict on %q resolved: %s", msg.Topic, msg.Resolution))
		return nil
	}
	if a.deps.Reasoner == nil {
		return a.publisher.SendTo(ctx, msg.From, &InboundMessage{
			Type:       MsgConflictResolution,
			From:       a.ID,
			Topic:      msg.Topic,
			Resolution: "abstain",
		})
	}
	resp, err := a.deps.Reasoner.GenerateResponse(ctx,
		fmt.Sprintf("Vote on the conflict %q. Reply with a single short position.", msg.Topic),
		&core.ReasoningOptions{History: a.conversationCopy()})
	if err != nil {
		return fmt.Errorf("producing conflict vote: %w", err)
	}
	return a.publisher.SendTo(ctx, msg.From, &InboundMessage{
		Type:       MsgConflictResolution,
		From:       a.ID,
		Topic:      msg.Topic,
		Resolution: resp.Content,
	})
}

// maxAcceptedWorkload bounds how many non-terminal steps an agent will hold
// before rejecting new delegations.
const maxAcceptedWorkload = 50

func (a *Agent) activeStepCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, s := range a.steps {
		if !s.Status.Terminal() {
			n++
		}
	}
	return n
}
