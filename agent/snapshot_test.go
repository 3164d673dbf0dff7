package agent

import (
	"encoding/json"
	"testing"

	"github.com/agentmesh/agentmesh/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func populatedAgent(t *testing.T) *harness {
	t.Helper()
	h := newHarness(nil)
	a := h.agent

	done := NewStep("FETCH", "already finished")
	done.Status = StepCompleted
	done.Result = []OutputRecord{{Name: "body", Type: ResultText, Value: "payload"}}

	running := NewStep("PARSE", "was in flight")
	running.Status = StepRunning
	running.Dependencies = []Dependency{{SourceStepID: done.ID, OutputName: "body", InputName: "body"}}

	waiting := NewStep(VerbAskUser, "waiting on the user")
	waiting.Status = StepWaiting
	waiting.AwaitsSignal = "q-42"

	a.AddStep(done)
	a.AddStep(running)
	a.AddStep(waiting)

	delegated := NewStep("COMPUTE", "handed off")
	delegated.CurrentOwner = "agent-2"

	a.mu.Lock()
	a.state = core.AgentRunning
	a.delegated["transfer-1"] = delegated
	a.conversation = append(a.conversation, core.ConversationMessage{Role: "user", Content: "do the thing"})
	a.replanDepth = 2
	a.planSignatures = []string{"sig-a", "sig-a"}
	a.sameVerbFailures = map[string]int{"FETCH": 1}
	a.replannedSteps = map[string]bool{done.ID: true}
	a.pendingQuestions = map[string]string{waiting.ID: "q-42"}
	a.stats.retries = 3
	a.stats.replans = 2
	a.stats.delegations = 1
	a.mu.Unlock()
	return h
}

func TestSnapshotRoundTrip(t *testing.T) {
	h := populatedAgent(t)
	snap := h.agent.BuildSnapshot()

	data, err := json.Marshal(snap)
	require.NoError(t, err)
	var decoded Snapshot
	require.NoError(t, json.Unmarshal(data, &decoded))

	fresh := newHarness(nil)
	fresh.agent.RestoreSnapshot(&decoded)
	a := fresh.agent

	assert.Equal(t, "mission-1", a.MissionID)
	assert.Equal(t, core.AgentPaused, a.State(), "interrupted agents come back paused")

	steps := a.Steps()
	require.Len(t, steps, 3)
	byVerb := map[string]*Step{}
	for _, s := range steps {
		byVerb[s.Verb] = s
	}
	assert.Equal(t, StepCompleted, byVerb["FETCH"].Status)
	assert.Equal(t, "payload", byVerb["FETCH"].Result[0].Value)
	assert.Equal(t, StepPending, byVerb["PARSE"].Status, "in-flight work reruns after restore")
	assert.Equal(t, StepWaiting, byVerb[VerbAskUser].Status)
	assert.Equal(t, "q-42", byVerb[VerbAskUser].AwaitsSignal)
	require.Len(t, byVerb["PARSE"].Dependencies, 1)
	assert.Equal(t, byVerb["FETCH"].ID, byVerb["PARSE"].Dependencies[0].SourceStepID)

	a.mu.Lock()
	assert.Equal(t, 2, a.replanDepth)
	assert.Equal(t, []string{"sig-a", "sig-a"}, a.planSignatures)
	assert.Equal(t, 1, a.sameVerbFailures["FETCH"])
	assert.True(t, a.replannedSteps[byVerb["FETCH"].ID])
	assert.Len(t, a.pendingQuestions, 1)
	require.Contains(t, a.delegated, "transfer-1")
	assert.Equal(t, "agent-2", a.delegated["transfer-1"].CurrentOwner)
	a.mu.Unlock()

	stats := a.Statistics()
	assert.Equal(t, 3, stats.Retries)
	assert.Equal(t, 2, stats.Replans)
	assert.Equal(t, 1, stats.Delegations)
}

func TestSnapshotIsolation(t *testing.T) {
	h := populatedAgent(t)
	snap := h.agent.BuildSnapshot()

	// Mutating the live agent after the capture must not leak into it.
	h.agent.Steps()[0].Status = StepFailed
	assert.Equal(t, StepCompleted, snap.Steps[0].Status)
}

func TestRestorePreservesTerminalState(t *testing.T) {
	h := newHarness(nil)
	h.agent.mu.Lock()
	h.agent.state = core.AgentCompleted
	h.agent.mu.Unlock()

	snap := h.agent.BuildSnapshot()
	fresh := newHarness(nil)
	fresh.agent.RestoreSnapshot(snap)
	assert.Equal(t, core.AgentCompleted, fresh.agent.State())
}
