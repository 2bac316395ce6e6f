package research

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/quintrel/researchd/internal/inference"
)

const plannerBootstrapPrompt = "You are a research planner starting a new investigation. Return JSON only, no markdown. " +
	"Schema: {\"current_objective\":\"...\",\"objective_complete\":false,\"rationale\":\"...\",\"tasks\":[{\"objective\":\"...\",\"type\":\"LITERATURE|ANALYSIS\",\"datasets\":[\"...\"]}]}. " +
	"Rules: propose exactly one LITERATURE task unless the user's request clearly demands analysis of provided data; " +
	"never more than 3 tasks; tasks must be independent of each other; dataset references name uploaded file ids or prior artifact ids."

const plannerContinuationPrompt = "You are a research planner continuing an investigation. Return JSON only, no markdown. " +
	"Schema: {\"current_objective\":\"...\",\"objective_complete\":false,\"rationale\":\"...\",\"tasks\":[{\"objective\":\"...\",\"type\":\"LITERATURE|ANALYSIS\",\"datasets\":[\"...\"]}]}. " +
	"Rules: the user's latest input is authoritative and overrides any previously suggested direction; " +
	"if the user simply agrees, refine the suggested next steps rather than inventing new ones; " +
	"propose 1-3 mutually independent tasks for the next level; " +
	"reference prior task outputs by task id and prior artifacts by artifact id in datasets; " +
	"set objective_complete=true with an empty task list only when the objective is genuinely achieved."

// PlanResult is the planner's proposal for the next level. An empty task
// list is only meaningful together with ObjectiveComplete.
type PlanResult struct {
	CurrentObjective  string
	Tasks             []PlanTask
	ObjectiveComplete bool
	Rationale         string
	UsedFallback      bool
}

type Planner struct {
	client   inference.Client
	model    string
	maxTasks int
	log      *slog.Logger
}

func NewPlanner(client inference.Client, model string, maxTasks int, log *slog.Logger) *Planner {
	if maxTasks <= 0 || maxTasks > 3 {
		maxTasks = 3
	}
	if log == nil {
		log = slog.Default()
	}
	return &Planner{client: client, model: model, maxTasks: maxTasks, log: log}
}

type plannerResponse struct {
	CurrentObjective  string               `json:"current_objective"`
	ObjectiveComplete bool                 `json:"objective_complete"`
	Rationale         string               `json:"rationale"`
	Tasks             []plannerTaskPayload `json:"tasks"`
}

type plannerTaskPayload struct {
	Objective string   `json:"objective"`
	Type      string   `json:"type"`
	Datasets  []string `json:"datasets"`
}

// Plan produces the next level of tasks. Bootstrap mode is selected when
// the plan history is empty; continuation mode otherwise. Transport
// failures are returned loudly; malformed judgment output never is: it
// falls through the recovery chain and bottoms out at a single safe
// default task built from the user's literal input.
func (p *Planner) Plan(ctx context.Context, state *ConversationState, userInput string) (PlanResult, error) {
	if p.client == nil {
		return PlanResult{}, fmt.Errorf("planner requires an inference client")
	}
	if state == nil {
		return PlanResult{}, fmt.Errorf("planner requires conversation state")
	}

	bootstrap := len(state.Plan) == 0
	input := strings.TrimSpace(userInput)

	if !bootstrap && isAffirmation(input) && len(state.SuggestedNextSteps) > 0 {
		// The user agreed with the standing proposal; adopt it as-is.
		return p.normalize(state, plannerResponse{
			CurrentObjective: state.CurrentObjective,
			Rationale:        "user accepted the suggested next steps",
			Tasks:            suggestedPayload(state.SuggestedNextSteps),
		}, input), nil
	}

	system := plannerContinuationPrompt
	if bootstrap {
		system = plannerBootstrapPrompt
	}
	payload, err := json.Marshal(p.promptContext(state, input))
	if err != nil {
		return PlanResult{}, fmt.Errorf("marshal planner context: %w", err)
	}
	resp, err := p.client.Infer(ctx, inference.Request{
		Model:       p.model,
		Temperature: 0.2,
		Messages: []inference.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: string(payload)},
		},
	})
	if err != nil {
		return PlanResult{}, fmt.Errorf("planner inference: %w", err)
	}

	decoded := plannerResponse{}
	if err := inference.Decode(resp.Content, &decoded); err != nil {
		recovered, ok := recoverPlannerFields(resp.Content)
		if !ok {
			p.log.Warn("planner output unrecoverable, using default task",
				"conversation", state.ID, "error", err)
			return p.defaultPlan(state, input), nil
		}
		decoded = recovered
	}
	if len(decoded.Tasks) == 0 && !decoded.ObjectiveComplete {
		// An empty proposal without the explicit completion marker is a
		// malformed generation, not an achieved objective.
		p.log.Warn("planner returned empty tasks without completion marker, using default task",
			"conversation", state.ID)
		return p.defaultPlan(state, input), nil
	}
	return p.normalize(state, decoded, input), nil
}

func (p *Planner) promptContext(state *ConversationState, input string) map[string]any {
	ctx := map[string]any{
		"objective":         state.Objective,
		"current_objective": state.CurrentObjective,
		"latest_user_input": input,
	}
	if len(state.Plan) > 0 {
		history := make([]map[string]any, 0, len(state.Plan))
		for _, task := range state.Plan {
			history = append(history, map[string]any{
				"id":        task.ID,
				"objective": task.Objective,
				"type":      task.Type,
				"level":     task.Level,
				"output":    task.Output,
				"artifacts": task.Artifacts,
			})
		}
		ctx["plan_history"] = history
	}
	if len(state.KeyInsights) > 0 {
		ctx["key_insights"] = state.KeyInsights
	}
	if len(state.Discoveries) > 0 {
		ctx["discoveries"] = state.Discoveries
	}
	if state.CurrentHypothesis != "" {
		ctx["current_hypothesis"] = state.CurrentHypothesis
	}
	if len(state.SuggestedNextSteps) > 0 {
		ctx["suggested_next_steps"] = suggestedPayload(state.SuggestedNextSteps)
	}
	if len(state.Uploads) > 0 {
		uploads := make([]map[string]string, 0, len(state.Uploads))
		for _, upload := range state.Uploads {
			uploads = append(uploads, map[string]string{"id": upload.ID, "name": upload.Name})
		}
		ctx["uploaded_files"] = uploads
	}
	return ctx
}

// normalize turns a decoded response into a validated proposal: type and
// count bounds enforced, ids assigned, every task pinned to the same next
// level, dataset references resolved to storage paths.
func (p *Planner) normalize(state *ConversationState, decoded plannerResponse, input string) PlanResult {
	result := PlanResult{
		CurrentObjective:  strings.TrimSpace(decoded.CurrentObjective),
		ObjectiveComplete: decoded.ObjectiveComplete,
		Rationale:         strings.TrimSpace(decoded.Rationale),
	}
	if result.CurrentObjective == "" {
		result.CurrentObjective = state.CurrentObjective
	}
	if result.ObjectiveComplete && len(decoded.Tasks) == 0 {
		return result
	}

	index := BuildDatasetIndex(state)
	level := state.CurrentLevel + 1
	tasks := make([]PlanTask, 0, p.maxTasks)
	for _, payload := range decoded.Tasks {
		objective := strings.TrimSpace(payload.Objective)
		if objective == "" {
			continue
		}
		taskType := normalizeTaskType(payload.Type)
		task := PlanTask{
			ID:        NextTaskID(taskType, state.Plan, tasks),
			Objective: objective,
			Type:      taskType,
			Datasets:  index.ResolveAll(payload.Datasets),
			Level:     level,
		}
		tasks = append(tasks, task)
		if len(tasks) == p.maxTasks {
			break
		}
	}
	if len(tasks) == 0 {
		return p.defaultPlan(state, input)
	}
	result.Tasks = tasks
	return result
}

// defaultPlan is the guaranteed-safe bottom of the recovery chain: one
// literature task that reuses the user's literal input.
func (p *Planner) defaultPlan(state *ConversationState, input string) PlanResult {
	objective := strings.TrimSpace(input)
	if objective == "" {
		objective = state.CurrentObjective
	}
	if objective == "" {
		objective = state.Objective
	}
	return PlanResult{
		CurrentObjective: state.CurrentObjective,
		Rationale:        "recovered from unusable planner output",
		UsedFallback:     true,
		Tasks: []PlanTask{{
			ID:        NextTaskID(TaskLiterature, state.Plan),
			Objective: objective,
			Type:      TaskLiterature,
			Level:     state.CurrentLevel + 1,
		}},
	}
}

func recoverPlannerFields(text string) (plannerResponse, bool) {
	resp := plannerResponse{}
	found := false
	if objective, ok := inference.StringField(text, "current_objective"); ok {
		resp.CurrentObjective = objective
		found = true
	}
	if complete, ok := inference.BoolField(text, "objective_complete"); ok && complete {
		resp.ObjectiveComplete = true
		found = true
	}
	// Task structure is not recoverable field-by-field; an empty task list
	// here is only usable when the completion marker was recovered.
	return resp, found && resp.ObjectiveComplete
}

func normalizeTaskType(raw string) TaskType {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case string(TaskAnalysis):
		return TaskAnalysis
	default:
		return TaskLiterature
	}
}

func suggestedPayload(tasks []PlanTask) []plannerTaskPayload {
	out := make([]plannerTaskPayload, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, plannerTaskPayload{
			Objective: task.Objective,
			Type:      string(task.Type),
			Datasets:  task.Datasets,
		})
	}
	return out
}

var affirmations = map[string]struct{}{
	"yes":         {},
	"y":           {},
	"ok":          {},
	"okay":        {},
	"sure":        {},
	"proceed":     {},
	"continue":    {},
	"go ahead":    {},
	"go for it":   {},
	"sounds good": {},
	"looks good":  {},
	"lgtm":        {},
	"do it":       {},
	"yes please":  {},
}

// isAffirmation reports whether the input is a bare agreement with the
// standing proposal rather than a new direction.
func isAffirmation(input string) bool {
	normalized := strings.ToLower(strings.TrimSpace(input))
	normalized = strings.Trim(normalized, ".!")
	_, ok := affirmations[normalized]
	return ok
}
