package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/quintrel/researchd/internal/inference"
)

// ErrNoUsableOutput signals that a manager was invoked with no completed
// task output to work from.
var ErrNoUsableOutput = errors.New("no usable task output")

const hypothesisCreatePrompt = "You are a research scientist formulating a first working hypothesis from task outputs. " +
	"Return JSON only: {\"hypothesis\":\"...\",\"rationale\":\"...\"}. " +
	"The hypothesis must be a single, testable statement grounded in the provided evidence."

const hypothesisUpdatePrompt = "You are a research scientist revising the current working hypothesis against new task outputs. " +
	"Return JSON only: {\"hypothesis\":\"...\",\"rationale\":\"...\"}. " +
	"Produce the full replacement hypothesis text, preserving directional continuity with the prior one; never return a delta."

type HypothesisResult struct {
	Hypothesis string
	Rationale  string
}

// HypothesisManager maintains the single working hypothesis. Mode is
// derived, not passed: a non-empty prior selects revision.
type HypothesisManager struct {
	client inference.Client
	model  string
	log    *slog.Logger
}

func NewHypothesisManager(client inference.Client, model string, log *slog.Logger) *HypothesisManager {
	if log == nil {
		log = slog.Default()
	}
	return &HypothesisManager{client: client, model: model, log: log}
}

func (m *HypothesisManager) CreateOrUpdate(ctx context.Context, prior string, tasks []PlanTask, researchContext string) (HypothesisResult, error) {
	if m.client == nil {
		return HypothesisResult{}, fmt.Errorf("hypothesis manager requires an inference client")
	}
	documents := usableOutputs(tasks)
	if len(documents) == 0 {
		return HypothesisResult{}, ErrNoUsableOutput
	}

	system := hypothesisCreatePrompt
	payload := map[string]any{
		"research_context": researchContext,
		"task_outputs":     documents,
	}
	if strings.TrimSpace(prior) != "" {
		system = hypothesisUpdatePrompt
		payload["prior_hypothesis"] = prior
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return HypothesisResult{}, fmt.Errorf("marshal hypothesis context: %w", err)
	}
	resp, err := m.client.Infer(ctx, inference.Request{
		Model:       m.model,
		Temperature: 0.3,
		Messages: []inference.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: string(data)},
		},
	})
	if err != nil {
		return HypothesisResult{}, fmt.Errorf("hypothesis inference: %w", err)
	}

	decoded := struct {
		Hypothesis string `json:"hypothesis"`
		Rationale  string `json:"rationale"`
	}{}
	if err := inference.Decode(resp.Content, &decoded); err != nil {
		if value, ok := inference.StringField(resp.Content, "hypothesis"); ok {
			decoded.Hypothesis = value
		} else {
			// Last resort: treat the whole answer as the replacement text.
			decoded.Hypothesis = strings.TrimSpace(resp.Content)
		}
	}
	hypothesis := strings.TrimSpace(decoded.Hypothesis)
	if hypothesis == "" {
		return HypothesisResult{}, fmt.Errorf("hypothesis output empty after recovery")
	}
	return HypothesisResult{Hypothesis: hypothesis, Rationale: strings.TrimSpace(decoded.Rationale)}, nil
}

func usableOutputs(tasks []PlanTask) []map[string]string {
	out := make([]map[string]string, 0, len(tasks))
	for _, task := range tasks {
		if strings.TrimSpace(task.Output) == "" {
			continue
		}
		out = append(out, map[string]string{
			"task_id":   task.ID,
			"type":      string(task.Type),
			"objective": task.Objective,
			"output":    task.Output,
		})
	}
	return out
}
