package research

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/quintrel/researchd/internal/inference"
)

const reflectionPrompt = "You are a research scientist folding an iteration's results into long-lived research state. " +
	"Return JSON only: {\"current_objective\":\"...\",\"key_insights\":[\"...\"],\"methodology\":\"...\",\"conversation_title\":\"...\"}. " +
	"Rules: key_insights is the full re-ranked list, most valuable first, merged with and deduplicated against the existing insights; " +
	"current_objective tracks where the investigation actually is now; methodology describes the current approach in one short paragraph."

type ReflectionResult struct {
	CurrentObjective  string
	KeyInsights       []string
	Methodology       string
	ConversationTitle string
}

// ReflectionManager folds iteration evidence into the conversation's
// long-lived fields. Insights are re-bounded on every call, never merely
// appended.
type ReflectionManager struct {
	client      inference.Client
	model       string
	maxInsights int
	log         *slog.Logger
}

func NewReflectionManager(client inference.Client, model string, maxInsights int, log *slog.Logger) *ReflectionManager {
	if maxInsights <= 0 {
		maxInsights = 10
	}
	if log == nil {
		log = slog.Default()
	}
	return &ReflectionManager{client: client, model: model, maxInsights: maxInsights, log: log}
}

// Reflect returns the updated long-lived fields. When no task produced
// usable output it degrades to the current state unchanged.
func (m *ReflectionManager) Reflect(ctx context.Context, state *ConversationState, completed []PlanTask, hypothesis string) (ReflectionResult, error) {
	if m.client == nil {
		return ReflectionResult{}, fmt.Errorf("reflection manager requires an inference client")
	}
	current := ReflectionResult{
		CurrentObjective:  state.CurrentObjective,
		KeyInsights:       append([]string(nil), state.KeyInsights...),
		Methodology:       state.Methodology,
		ConversationTitle: state.ConversationTitle,
	}
	documents := usableOutputs(completed)
	if len(documents) == 0 {
		return current, nil
	}

	payload := map[string]any{
		"objective":          state.Objective,
		"current_objective":  state.CurrentObjective,
		"existing_insights":  state.KeyInsights,
		"methodology":        state.Methodology,
		"conversation_title": state.ConversationTitle,
		"task_outputs":       documents,
	}
	if strings.TrimSpace(hypothesis) != "" {
		payload["hypothesis"] = hypothesis
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return current, fmt.Errorf("marshal reflection context: %w", err)
	}
	resp, err := m.client.Infer(ctx, inference.Request{
		Model:       m.model,
		Temperature: 0.3,
		Messages: []inference.Message{
			{Role: "system", Content: reflectionPrompt},
			{Role: "user", Content: string(data)},
		},
	})
	if err != nil {
		// Reflection is enrichment, not correctness: degrade to the
		// current state rather than failing the iteration.
		m.log.Warn("reflection inference failed, keeping current state", "error", err)
		return current, nil
	}

	decoded := struct {
		CurrentObjective  string   `json:"current_objective"`
		KeyInsights       []string `json:"key_insights"`
		Methodology       string   `json:"methodology"`
		ConversationTitle string   `json:"conversation_title"`
	}{}
	if err := inference.Decode(resp.Content, &decoded); err != nil {
		if insights, ok := inference.StringListField(resp.Content, "key_insights"); ok {
			decoded.KeyInsights = insights
		}
		if objective, ok := inference.StringField(resp.Content, "current_objective"); ok {
			decoded.CurrentObjective = objective
		}
		if methodology, ok := inference.StringField(resp.Content, "methodology"); ok {
			decoded.Methodology = methodology
		}
		if title, ok := inference.StringField(resp.Content, "conversation_title"); ok {
			decoded.ConversationTitle = title
		}
	}

	result := current
	if objective := strings.TrimSpace(decoded.CurrentObjective); objective != "" {
		result.CurrentObjective = objective
	}
	if methodology := strings.TrimSpace(decoded.Methodology); methodology != "" {
		result.Methodology = methodology
	}
	if title := strings.TrimSpace(decoded.ConversationTitle); title != "" {
		result.ConversationTitle = title
	}
	result.KeyInsights = m.reboundInsights(decoded.KeyInsights, state.KeyInsights)
	return result, nil
}

// reboundInsights merges the model's re-ranked list with the existing one,
// dedupes, and drops the least valuable past the cap. The model's ordering
// wins; existing insights it omitted trail behind.
func (m *ReflectionManager) reboundInsights(ranked, existing []string) []string {
	out := make([]string, 0, m.maxInsights)
	seen := map[string]struct{}{}
	appendInsight := func(insight string) {
		insight = strings.TrimSpace(insight)
		if insight == "" || len(out) >= m.maxInsights {
			return
		}
		key := strings.ToLower(insight)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, insight)
	}
	for _, insight := range ranked {
		appendInsight(insight)
	}
	for _, insight := range existing {
		appendInsight(insight)
	}
	return out
}
