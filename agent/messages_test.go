package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/agentmesh/agentmesh/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deliver(t *testing.T, h *harness, msg *InboundMessage) {
	t.Helper()
	payload, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, h.agent.HandleMessage(context.Background(), payload))
}

func TestHandleMessageRejectsGarbage(t *testing.T) {
	h := newHarness(nil)
	err := h.agent.HandleMessage(context.Background(), []byte("{not json"))
	require.Error(t, err)
}

func TestHandleMessageIgnoresUnknownTypes(t *testing.T) {
	h := newHarness(nil)
	deliver(t, h, &InboundMessage{Type: "SOMETHING_NEW"})
}

func TestUserMessageJoinsConversation(t *testing.T) {
	h := newHarness(nil)
	deliver(t, h, &InboundMessage{Type: MsgUserMessage, Content: "change of plans"})

	history := h.agent.conversationCopy()
	require.NotEmpty(t, history)
	last := history[len(history)-1]
	assert.Equal(t, core.RoleUser, last.Role)
	assert.Equal(t, "change of plans", last.Content)
}

func TestUserInputResponseCompletesWaitingStep(t *testing.T) {
	h := newHarness(nil)
	step := NewStep(VerbAskUser, "which city?")
	step.Status = StepWaiting
	step.AwaitsSignal = "q-1"
	h.agent.AddStep(step)
	h.agent.mu.Lock()
	h.agent.pendingQuestions["q-1"] = step.ID
	h.agent.mu.Unlock()

	deliver(t, h, &InboundMessage{Type: MsgUserInputResponse, RequestID: "q-1", Response: "Lisbon"})

	assert.Equal(t, StepCompleted, step.Status)
	record, ok := step.NamedOutput("answer")
	require.True(t, ok)
	assert.Equal(t, "Lisbon", record.Value)
	h.agent.mu.Lock()
	assert.Empty(t, h.agent.pendingQuestions)
	h.agent.mu.Unlock()
}

func TestUserInputResponseForUnknownRequestIsIgnored(t *testing.T) {
	h := newHarness(nil)
	deliver(t, h, &InboundMessage{Type: MsgUserInputResponse, RequestID: "q-404", Response: "nope"})
	assert.Empty(t, h.agent.Steps())
}

func TestResumeStepWithInput(t *testing.T) {
	h := newHarness(nil)
	step := NewStep(VerbAskUser, "blocked")
	step.Status = StepWaiting
	step.AwaitsSignal = "q-3"
	h.agent.AddStep(step)
	h.agent.mu.Lock()
	h.agent.pendingQuestions["q-3"] = step.ID
	h.agent.mu.Unlock()

	require.NoError(t, h.agent.ResumeStepWithInput(context.Background(), step.ID, "approved"))

	assert.Equal(t, StepCompleted, step.Status)
	record, _ := step.NamedOutput("answer")
	assert.Equal(t, "approved", record.Value)
	// The outstanding question is withdrawn.
	h.users.mu.Lock()
	cancelled := append([]string(nil), h.users.cancelled...)
	h.users.mu.Unlock()
	assert.Equal(t, []string{"q-3"}, cancelled)
}

func TestResumeStepWithInputRequiresWaiting(t *testing.T) {
	h := newHarness(nil)
	step := NewStep("WORK", "already running")
	step.Status = StepRunning
	h.agent.AddStep(step)

	err := h.agent.ResumeStepWithInput(context.Background(), step.ID, "x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrInvalidState))

	err = h.agent.ResumeStepWithInput(context.Background(), "missing", "x")
	assert.True(t, errors.Is(err, core.ErrStepNotFound))
}

func TestTaskDelegationAccepted(t *testing.T) {
	h := newHarness(nil)
	incoming := NewStep("COMPUTE", "delegated work")
	incoming.CurrentOwner = "agent-0"

	deliver(t, h, &InboundMessage{
		Type:       MsgTaskDelegation,
		From:       "agent-0",
		TransferID: "transfer-9",
		Step:       incoming,
	})

	steps := h.agent.Steps()
	require.Len(t, steps, 1)
	assert.Equal(t, StepPending, steps[0].Status)
	assert.Equal(t, h.agent.ID, steps[0].CurrentOwner)
	assert.Equal(t, "transfer-9", steps[0].TransferID)
}

func TestTaskDelegationRejectedWhenOverloaded(t *testing.T) {
	h := newHarness(nil)
	for i := 0; i < maxAcceptedWorkload; i++ {
		h.agent.AddStep(NewStep("BUSY", fmt.Sprintf("work %d", i)))
	}

	deliver(t, h, &InboundMessage{
		Type:       MsgTaskDelegation,
		From:       "agent-0",
		TransferID: "transfer-9",
		Step:       NewStep("COMPUTE", "one too many"),
	})

	assert.Len(t, h.agent.Steps(), maxAcceptedWorkload)

	rejections := h.bus.published(string(MsgTaskResult))
	require.Len(t, rejections, 1)
	assert.Equal(t, InboxChannel("agent-0"), rejections[0].Topic)
	var reply InboundMessage
	require.NoError(t, json.Unmarshal(rejections[0].Payload, &reply))
	assert.Equal(t, "transfer-9", reply.TransferID)
	assert.Contains(t, reply.Error, "overloaded")
}

func TestTaskDelegationRejectedWhenTerminal(t *testing.T) {
	h := newHarness(nil)
	h.agent.mu.Lock()
	h.agent.state = core.AgentCompleted
	h.agent.mu.Unlock()

	deliver(t, h, &InboundMessage{
		Type:       MsgTaskDelegation,
		From:       "agent-0",
		TransferID: "transfer-1",
		Step:       NewStep("COMPUTE", "too late"),
	})

	assert.Empty(t, h.agent.Steps())
	require.Len(t, h.bus.published(string(MsgTaskResult)), 1)
}

func TestTaskResultReinstatesDelegatedStep(t *testing.T) {
	h := newHarness(nil)
	parked := NewStep("COMPUTE", "handed off")
	parked.Status = StepSubPlanRunning
	h.agent.mu.Lock()
	h.agent.delegated["transfer-5"] = parked
	h.agent.mu.Unlock()

	deliver(t, h, &InboundMessage{
		Type:       MsgTaskResult,
		From:       "agent-2",
		TransferID: "transfer-5",
		Outputs:    []OutputRecord{{Name: "result", Type: ResultText, Value: "computed"}},
	})

	steps := h.agent.Steps()
	require.Len(t, steps, 1)
	assert.Equal(t, StepCompleted, steps[0].Status)
	record, _ := steps[0].NamedOutput("result")
	assert.Equal(t, "computed", record.Value)
	h.agent.mu.Lock()
	assert.Empty(t, h.agent.delegated)
	h.agent.mu.Unlock()
}

func TestTaskResultCarriesRemoteFailure(t *testing.T) {
	h := newHarness(nil)
	parked := NewStep("COMPUTE", "handed off")
	parked.Status = StepSubPlanRunning
	h.agent.mu.Lock()
	h.agent.delegated["transfer-6"] = parked
	h.agent.mu.Unlock()

	deliver(t, h, &InboundMessage{
		Type:       MsgTaskResult,
		TransferID: "transfer-6",
		Error:      "remote agent gave up",
	})

	steps := h.agent.Steps()
	require.Len(t, steps, 1)
	assert.Equal(t, StepFailed, steps[0].Status)
	assert.Equal(t, "remote agent gave up", steps[0].LastError)
}

func TestTaskResultForUnknownTransferIsIgnored(t *testing.T) {
	h := newHarness(nil)
	deliver(t, h, &InboundMessage{Type: MsgTaskResult, TransferID: "transfer-404"})
	assert.Empty(t, h.agent.Steps())
}

func TestConflictVoteUsesReasoner(t *testing.T) {
	h := newHarness(nil)
	h.reasoner.replies = []string{"prefer the cached source"}

	deliver(t, h, &InboundMessage{
		Type:        MsgConflictResolution,
		From:        "agent-0",
		Topic:       "data source",
		VoteRequest: true,
	})

	votes := h.bus.published(string(MsgConflictResolution))
	require.Len(t, votes, 1)
	var vote InboundMessage
	require.NoError(t, json.Unmarshal(votes[0].Payload, &vote))
	assert.Equal(t, "data source", vote.Topic)
	assert.Equal(t, "prefer the cached source", vote.Resolution)
}

func TestConflictResolutionRecordedInConversation(t *testing.T) {
	h := newHarness(nil)
	deliver(t, h, &InboundMessage{
		Type:       MsgConflictResolution,
		Topic:      "data source",
		Resolution: "use the live feed",
	})

	history := h.agent.conversationCopy()
	require.NotEmpty(t, history)
	assert.Contains(t, history[len(history)-1].Content, "use the live feed")
}
