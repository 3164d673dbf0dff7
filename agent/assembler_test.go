package agent

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/agentmesh/agentmesh/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInputRefJSONShapes(t *testing.T) {
	var ref InputRef

	require.NoError(t, json.Unmarshal([]byte(`"just text"`), &ref))
	assert.True(t, ref.HasValue)
	assert.Equal(t, "just text", ref.Value)
	assert.False(t, ref.IsRef())

	require.NoError(t, json.Unmarshal([]byte(`{"sourceStep":"t1","outputName":"answer"}`), &ref))
	assert.True(t, ref.IsRef())
	assert.Equal(t, "t1", ref.SourceStep)
	assert.Equal(t, "answer", ref.OutputName)

	// Planners use numeric 0 for the parent scope.
	require.NoError(t, json.Unmarshal([]byte(`{"sourceStep":0,"outputName":"item"}`), &ref))
	assert.Equal(t, ParentScopeRef, ref.SourceStep)

	// Plain objects without the reference keys stay literal.
	require.NoError(t, json.Unmarshal([]byte(`{"city":"Lisbon"}`), &ref))
	assert.True(t, ref.HasValue)
	m, ok := ref.Value.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "Lisbon", m["city"])

	err := json.Unmarshal([]byte(`{"sourceStep":true,"outputName":"x"}`), &ref)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrInvalidPlan))
}

func TestInputRefJSONRoundTrip(t *testing.T) {
	refs := map[string]InputRef{
		"lit": LiteralRef(42),
		"ref": OutputRef("t3", "result"),
	}
	data, err := json.Marshal(refs)
	require.NoError(t, err)

	var decoded map[string]InputRef
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, float64(42), decoded["lit"].Value)
	assert.Equal(t, "t3", decoded["ref"].SourceStep)
	assert.Equal(t, "result", decoded["ref"].OutputName)
}

func TestPlanTaskUnmarshal(t *testing.T) {
	raw := `{
		"id": "t2",
		"verb": "SUMMARIZE",
		"description": "condense the findings",
		"inputs": {
			"text": {"sourceStep": "t1", "outputName": "findings"},
			"style": "brief"
		},
		"outputs": {"summary": "final_summary"},
		"recommended_role": "writer",
		"timeout_seconds": 120
	}`
	var task PlanTask
	require.NoError(t, json.Unmarshal([]byte(raw), &task))
	assert.Equal(t, "t2", task.ID)
	assert.Equal(t, "SUMMARIZE", task.Verb)
	assert.True(t, task.Inputs["text"].IsRef())
	assert.Equal(t, "brief", task.Inputs["style"].Value)
	assert.Equal(t, "final_summary", task.Outputs["summary"])
	assert.Equal(t, 120, task.TimeoutSeconds)
}

func TestAssemblePlanWiresTaskIDReferences(t *testing.T) {
	h := newHarness(nil)
	steps, err := h.agent.assemblePlan([]PlanTask{
		{ID: "t1", Verb: "FETCH", Description: "fetch", Outputs: map[string]string{"body": "body"}},
		{ID: "t2", Verb: "PARSE", Description: "parse",
			Inputs: map[string]InputRef{"body": OutputRef("t1", "body")}},
	}, nil, "")
	require.NoError(t, err)
	require.Len(t, steps, 2)

	// Task IDs are replaced with fresh identifiers; the edge follows.
	assert.NotEqual(t, "t1", steps[0].ID)
	require.Len(t, steps[1].Dependencies, 1)
	assert.Equal(t, steps[0].ID, steps[1].Dependencies[0].SourceStepID)
	assert.Equal(t, "body", steps[1].Dependencies[0].InputName)
	assert.Equal(t, h.agent.ID, steps[1].CurrentOwner)
}

func TestAssemblePlanResolvesOrdinals(t *testing.T) {
	h := newHarness(nil)
	steps, err := h.agent.assemblePlan([]PlanTask{
		{Verb: "FIRST", Description: "first"},
		{Verb: "SECOND", Description: "second",
			DependsOn: []PlanDependency{{Ordinal: 1, OutputName: "out", InputName: "in"}}},
	}, nil, "")
	require.NoError(t, err)
	assert.Equal(t, steps[0].ID, steps[1].Dependencies[0].SourceStepID)

	_, err = h.agent.assemblePlan([]PlanTask{
		{Verb: "ONLY", DependsOn: []PlanDependency{{Ordinal: 5}}},
	}, nil, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrInvalidPlan))
}

func TestAssemblePlanRejectsBrokenPlans(t *testing.T) {
	h := newHarness(nil)

	_, err := h.agent.assemblePlan([]PlanTask{{Description: "no verb"}}, nil, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrInvalidPlan))

	_, err = h.agent.assemblePlan([]PlanTask{
		{ID: "dup", Verb: "A"},
		{ID: "dup", Verb: "B"},
	}, nil, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrInvalidPlan))
}

func TestAssemblePlanSetsParentAndScope(t *testing.T) {
	h := newHarness(nil)
	parent := NewStep(VerbPlan, "the planner")
	h.agent.AddStep(parent)

	steps, err := h.agent.assemblePlan([]PlanTask{
		{Verb: "WORK", TimeoutSeconds: 30},
	}, parent, "scope-7")
	require.NoError(t, err)
	assert.Equal(t, parent.ID, steps[0].ParentID)
	assert.Equal(t, "scope-7", steps[0].ScopeID)
	assert.Equal(t, 30, int(steps[0].Timeout.Seconds()))
	assert.Equal(t, h.agent.opts.MaxRetries, steps[0].MaxRetries)
}

func TestWireParentScopeCopiesResolvedValue(t *testing.T) {
	h := newHarness(nil)
	parent := NewStep("FOREACH", "iterate")
	parent.InputValues = map[string]interface{}{"region": "EU"}
	h.agent.AddStep(parent)

	steps, err := h.agent.assemblePlan([]PlanTask{
		{Verb: "WORK", Inputs: map[string]InputRef{
			"region": OutputRef(ParentScopeRef, "region"),
		}},
	}, parent, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, "EU", steps[0].InputValues["region"])
	assert.True(t, steps[0].InputRefs["region"].HasValue)
}

func TestWireParentScopeForwardsParentDependency(t *testing.T) {
	h := newHarness(nil)
	parent := NewStep("FOREACH", "iterate")
	parent.Dependencies = []Dependency{{SourceStepID: "upstream-1", OutputName: "rows", InputName: "array"}}
	h.agent.AddStep(parent)

	steps, err := h.agent.assemblePlan([]PlanTask{
		{Verb: "WORK", Inputs: map[string]InputRef{
			"array": OutputRef(ParentScopeRef, "array"),
		}},
	}, parent, parent.ID)
	require.NoError(t, err)
	require.Len(t, steps[0].Dependencies, 1)
	assert.Equal(t, "upstream-1", steps[0].Dependencies[0].SourceStepID)
	assert.Equal(t, "rows", steps[0].Dependencies[0].OutputName)
}

func TestWireParentScopeKeepsIterationMarkers(t *testing.T) {
	h := newHarness(nil)
	parent := NewStep("FOREACH", "iterate")
	h.agent.AddStep(parent)

	// item/index are injected at execution time; the marker stays put.
	steps, err := h.agent.assemblePlan([]PlanTask{
		{Verb: "WORK", Inputs: map[string]InputRef{
			"item": OutputRef(ParentScopeRef, "item"),
		}},
	}, parent, parent.ID)
	require.NoError(t, err)
	ref := steps[0].InputRefs["item"]
	assert.Equal(t, ParentScopeRef, ref.SourceStep)
	assert.Equal(t, "item", ref.OutputName)
}

func TestWireParentScopeWithoutParentFails(t *testing.T) {
	h := newHarness(nil)
	_, err := h.agent.assemblePlan([]PlanTask{
		{Verb: "WORK", Inputs: map[string]InputRef{
			"x": OutputRef(ParentScopeRef, "x"),
		}},
	}, nil, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrInvalidPlan))
}
