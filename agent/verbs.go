package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/agentmesh/agentmesh/core"
)

// executeBuiltinVerb handles the verbs the core runs itself but that are not
// pure control flow: planning, reasoning, user interaction and returns.
// Returns (records, handled, error); unhandled verbs route to the
// capability executor.
func (a *Agent) executeBuiltinVerb(ctx context.Context, step *Step) ([]OutputRecord, bool, error) {
	switch step.Verb {
	case VerbAccomplish, VerbPlan:
		records, err := a.execPlanning(ctx, step)
		return records, true, err
	case VerbReflect:
		records, err := a.execReflect(ctx, step)
		return records, true, err
	case VerbThink, VerbGenerate:
		records, err := a.execReasoning(ctx, step)
		return records, true, err
	case VerbAskUser:
		records, err := a.execAskUser(ctx, step)
		return records, true, err
	case VerbReturn, VerbComplete:
		records, err := a.execReturn(ctx, step)
		return records, true, err
	default:
		if fn, ok := internalVerbs[step.Verb]; ok {
			records, err := fn(ctx, a, step)
			return records, true, err
		}
		return nil, false, nil
	}
}

// execPlanning asks the reasoning service for a plan toward the step's goal.
func (a *Agent) execPlanning(ctx context.Context, step *Step) ([]OutputRecord, error) {
	if a.deps.Reasoner == nil {
		return nil, &StepError{Code: "UNSUPPORTED", Message: "no reasoning service configured"}
	}
	goal := stableText(step.InputValues["goal"])
	if goal == "" {
		goal = step.Description
	}
	if goal == "" {
		return nil, &StepError{Code: "MISSING_INPUT", Message: "planning step has no goal"}
	}

	prompt := planningPrompt(goal, step.InputValues)
	resp, err := a.deps.Reasoner.GenerateResponse(ctx, prompt, &core.ReasoningOptions{
		SystemPrompt: planningSystemPrompt,
		History:      a.conversationCopy(),
	})
	if err != nil {
		return nil, fmt.Errorf("planning call for step %s: %w", step.ID, err)
	}
	a.AppendConversation(core.RoleAssistant, resp.Content)

	tasks, directAnswer, err := parsePlanContent(resp.Content)
	if err != nil {
		return nil, &StepError{Code: "VALIDATION_ERROR", Message: "planner reply is not a plan", Err: err}
	}
	if directAnswer != "" {
		return []OutputRecord{
			{Name: "answer", Type: ResultText, Value: directAnswer, IsDeliverable: true},
		}, nil
	}
	return []OutputRecord{planRecord(tasks)}, nil
}

// execReasoning runs a THINK or GENERATE call and returns the answer.
func (a *Agent) execReasoning(ctx context.Context, step *Step) ([]OutputRecord, error) {
	if a.deps.Reasoner == nil {
		return nil, &StepError{Code: "UNSUPPORTED", Message: "no reasoning service configured"}
	}
	prompt := stableText(step.InputValues["prompt"])
	if prompt == "" {
		prompt = step.Description
	}
	if prompt == "" {
		return nil, &StepError{Code: "MISSING_INPUT", Message: "reasoning step has no prompt"}
	}
	resp, err := a.deps.Reasoner.GenerateResponse(ctx, prompt, &core.ReasoningOptions{
		History: a.conversationCopy(),
	})
	if err != nil {
		return nil, fmt.Errorf("reasoning call for step %s: %w", step.ID, err)
	}
	a.AppendConversation(core.RoleAssistant, resp.Content)
	return []OutputRecord{{Name: "answer", Type: ResultText, Value: resp.Content}}, nil
}

// execAskUser issues the question and parks the step as pending user input.
func (a *Agent) execAskUser(ctx context.Context, step *Step) ([]OutputRecord, error) {
	if a.deps.Users == nil {
		return nil, &StepError{Code: "UNSUPPORTED", Message: "no user gateway configured"}
	}
	prompt := stableText(step.InputValues["prompt"])
	if prompt == "" {
		prompt = step.Description
	}
	requestID, err := a.deps.Users.Ask(ctx, UserQuestion{
		MissionID: a.MissionID,
		AgentID:   a.ID,
		StepID:    step.ID,
		Prompt:    prompt,
	})
	if err != nil {
		return nil, fmt.Errorf("asking user for step %s: %w", step.ID, err)
	}
	return []OutputRecord{
		{Name: "request_id", Type: ResultPendingUserInput, Value: requestID},
	}, nil
}

// execReturn echoes the step's resolved inputs as deliverable outputs,
// terminating a plan branch with its answer.
func (a *Agent) execReturn(ctx context.Context, step *Step) ([]OutputRecord, error) {
	var records []OutputRecord
	for name, v := range step.InputValues {
		if name == "missionId" || strings.HasPrefix(name, "__") {
			continue
		}
		records = append(records, OutputRecord{
			Name:          name,
			Type:          valueType(v),
			Value:         v,
			IsDeliverable: true,
		})
	}
	if len(records) == 0 {
		records = append(records, OutputRecord{
			Name: "answer", Type: ResultText, Value: step.Description, IsDeliverable: true,
		})
	}
	return records, nil
}

func valueType(v interface{}) ResultType {
	switch v.(type) {
	case map[string]interface{}:
		return ResultObject
	case []interface{}:
		return ResultArray
	default:
		return ResultText
	}
}

const planningSystemPrompt = `You are a mission planner. Reply with a JSON array of tasks.
Each task: {"id", "verb", "description", "inputs", "depends_on", "outputs", "recommended_role"}.
Inputs are literals or {"sourceStep": "<task id>", "outputName": "<name>"} references.
If the goal can be answered directly, reply {"direct_answer": "<answer>"} instead.`

func planningPrompt(goal string, inputs map[string]interface{}) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", goal)
	for name, v := range inputs {
		if name == "goal" || name == "missionId" || strings.HasPrefix(name, "__") {
			continue
		}
		fmt.Fprintf(&b, "Context %s: %s\n", name, stableText(v))
	}
	b.WriteString("Produce the plan now.")
	return b.String()
}

// parsePlanContent interprets a reasoning reply as either a task array or a
// direct answer. Malformed JSON goes through jsonrepair before giving up.
func parsePlanContent(content string) (tasks []PlanTask, directAnswer string, err error) {
	trimmed := extractJSONBlock(content)

	data := []byte(trimmed)
	if !json.Valid(data) {
		repaired, repairErr := jsonrepair.JSONRepair(trimmed)
		if repairErr != nil {
			return nil, "", fmt.Errorf("reply is not JSON: %w", repairErr)
		}
		data = []byte(repaired)
	}

	if err := json.Unmarshal(data, &tasks); err == nil {
		return tasks, "", nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, "", fmt.Errorf("reply is neither a task array nor an object")
	}
	if raw, ok := obj["direct_answer"]; ok {
		var answer string
		if err := json.Unmarshal(raw, &answer); err == nil {
			return nil, answer, nil
		}
	}
	if raw, ok := obj["plan"]; ok {
		if err := json.Unmarshal(raw, &tasks); err == nil {
			return tasks, "", nil
		}
	}
	if raw, ok := obj["tasks"]; ok {
		if err := json.Unmarshal(raw, &tasks); err == nil {
			return tasks, "", nil
		}
	}
	return nil, "", fmt.Errorf("reply object carries no plan or direct answer")
}

// extractJSONBlock strips markdown fences and surrounding prose from a
// reasoning reply, keeping the outermost JSON document.
func extractJSONBlock(content string) string {
	s := strings.TrimSpace(content)
	if idx := strings.Index(s, "```"); idx >= 0 {
		rest := s[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			s = strings.TrimSpace(rest[:end])
		}
	}
	start := strings.IndexAny(s, "[{")
	if start < 0 {
		return s
	}
	var closer byte = ']'
	if s[start] == '{' {
		closer = '}'
	}
	if end := strings.LastIndexByte(s, closer); end > start {
		return s[start : end+1]
	}
	return s[start:]
}
