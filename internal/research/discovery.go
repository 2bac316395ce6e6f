package research

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/quintrel/researchd/internal/inference"
)

const discoveryPrompt = "You are a research scientist maintaining a bounded set of evidence-linked discoveries. " +
	"Return JSON only: {\"discoveries\":[{\"title\":\"...\",\"claim\":\"...\",\"summary\":\"...\",\"evidence\":[\"task ids\"],\"artifacts\":[\"artifact ids\"],\"novelty\":\"...\"}]}. " +
	"Rules: merge against the existing discoveries (strengthen, supersede, or drop entries), never replace them blindly; " +
	"every discovery must cite at least one ANALYSIS task id (prefix ana-) as evidence; " +
	"literature outputs may only supplement an existing analysis-backed discovery, never originate one; " +
	"return at most 5 discoveries, most significant first."

// DiscoveryManager extracts and merges structured scientific discoveries.
// Discoveries originate only from ANALYSIS task output.
type DiscoveryManager struct {
	client inference.Client
	model  string
	max    int
	log    *slog.Logger
}

func NewDiscoveryManager(client inference.Client, model string, max int, log *slog.Logger) *DiscoveryManager {
	if max <= 0 || max > 5 {
		max = 5
	}
	if log == nil {
		log = slog.Default()
	}
	return &DiscoveryManager{client: client, model: model, max: max, log: log}
}

// Extract merges the task batch into the existing discovery set. When the
// batch contains no completed ANALYSIS task, the existing set is returned
// untouched without invoking inference.
func (m *DiscoveryManager) Extract(ctx context.Context, question string, existing []Discovery, tasks []PlanTask) ([]Discovery, error) {
	if m.client == nil {
		return nil, fmt.Errorf("discovery manager requires an inference client")
	}
	if !hasAnalysisOutput(tasks) {
		return append([]Discovery(nil), existing...), nil
	}

	payload := map[string]any{
		"research_question":    question,
		"existing_discoveries": existing,
		"task_outputs":         usableOutputs(tasks),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal discovery context: %w", err)
	}
	resp, err := m.client.Infer(ctx, inference.Request{
		Model:       m.model,
		Temperature: 0.2,
		Messages: []inference.Message{
			{Role: "system", Content: discoveryPrompt},
			{Role: "user", Content: string(data)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("discovery inference: %w", err)
	}

	decoded := struct {
		Discoveries []Discovery `json:"discoveries"`
	}{}
	if err := inference.Decode(resp.Content, &decoded); err != nil {
		// Malformed output never destroys accumulated discoveries.
		m.log.Warn("discovery output unusable, keeping existing set", "error", err)
		return append([]Discovery(nil), existing...), nil
	}
	return m.sanitize(decoded.Discoveries, existing), nil
}

// sanitize enforces the evidence invariant and the cap. Entries without
// analysis-backed evidence are dropped; an empty result after filtering
// falls back to the existing set rather than wiping it.
func (m *DiscoveryManager) sanitize(candidates, existing []Discovery) []Discovery {
	out := make([]Discovery, 0, m.max)
	for _, d := range candidates {
		d.Title = strings.TrimSpace(d.Title)
		d.Claim = strings.TrimSpace(d.Claim)
		if d.Title == "" || d.Claim == "" {
			continue
		}
		if !d.HasAnalysisEvidence() {
			m.log.Warn("dropping discovery without analysis evidence", "title", d.Title)
			continue
		}
		out = append(out, d)
		if len(out) == m.max {
			break
		}
	}
	if len(out) == 0 && len(existing) > 0 {
		return append([]Discovery(nil), existing...)
	}
	return out
}

func hasAnalysisOutput(tasks []PlanTask) bool {
	for _, task := range tasks {
		if task.Type == TaskAnalysis && strings.TrimSpace(task.Output) != "" {
			return true
		}
	}
	return false
}
