package research

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/quintrel/researchd/internal/inference"
)

type Decision string

const (
	DecisionContinue Decision = "CONTINUE"
	DecisionAsk      Decision = "ASK"
)

// TriggerReason is the closed set of reasons the decider may pause for
// human input.
type TriggerReason string

const (
	TriggerNone                      TriggerReason = ""
	TriggerSteeringMode              TriggerReason = "steering_mode"
	TriggerFoundationalContradiction TriggerReason = "foundational_contradiction"
	TriggerResearchConvergence       TriggerReason = "research_convergence"
	TriggerForkedPaths               TriggerReason = "forked_paths"
	TriggerLowMarginalValue          TriggerReason = "low_marginal_value"
	TriggerAmbiguousIntent           TriggerReason = "ambiguous_intent"
	TriggerInterpretiveDisagreement  TriggerReason = "interpretive_disagreement"
	TriggerIrreversibleDecision      TriggerReason = "irreversible_decision"
	TriggerComplexAnalysisUnapproved TriggerReason = "complex_analysis_unapproved"
)

var judgedTriggers = map[TriggerReason]struct{}{
	TriggerFoundationalContradiction: {},
	TriggerResearchConvergence:       {},
	TriggerForkedPaths:               {},
	TriggerLowMarginalValue:          {},
	TriggerAmbiguousIntent:           {},
	TriggerInterpretiveDisagreement:  {},
	TriggerIrreversibleDecision:      {},
	TriggerComplexAnalysisUnapproved: {},
}

type Continuation struct {
	Decision   Decision      `json:"decision"`
	Reason     TriggerReason `json:"reason,omitempty"`
	Confidence string        `json:"confidence"`
	Rationale  string        `json:"rationale,omitempty"`
}

const deciderPrompt = "You are judging whether an autonomous research loop should pause for its human collaborator. " +
	"Return JSON only: {\"should_pause\":false,\"reason\":\"...\",\"confidence\":\"high|medium|low\",\"rationale\":\"...\"}. " +
	"Valid pause reasons: foundational_contradiction, research_convergence, forked_paths, low_marginal_value, " +
	"ambiguous_intent, interpretive_disagreement, irreversible_decision, complex_analysis_unapproved. " +
	"Pause only when one of those genuinely applies to the latest evidence; when uncertain, pause."

type decisionInput struct {
	iteration  int
	proposal   []PlanTask
	hypothesis string
	state      *ConversationState
}

// continuationPolicy is one operating mode's transition function. The
// closed set of modes maps to a closed set of policies; no mode strings
// are compared outside policyFor.
type continuationPolicy interface {
	decide(ctx context.Context, d *Decider, in decisionInput) Continuation
}

type Decider struct {
	client inference.Client
	model  string
	log    *slog.Logger
}

func NewDecider(client inference.Client, model string, log *slog.Logger) *Decider {
	if log == nil {
		log = slog.Default()
	}
	return &Decider{client: client, model: model, log: log}
}

// Decide chooses CONTINUE or ASK. It never returns an error: a failed
// judgment biases toward pausing, not toward runaway continuation.
func (d *Decider) Decide(ctx context.Context, state *ConversationState, iteration int, proposal []PlanTask, hypothesis string) Continuation {
	// Terminal rule, independent of mode: nothing proposed, nothing to
	// continue with.
	if len(proposal) == 0 {
		return Continuation{
			Decision:   DecisionAsk,
			Reason:     TriggerResearchConvergence,
			Confidence: "high",
			Rationale:  "the planner proposed no further tasks",
		}
	}
	in := decisionInput{iteration: iteration, proposal: proposal, hypothesis: hypothesis, state: state}
	return policyFor(state.ResearchMode).decide(ctx, d, in)
}

func policyFor(mode ResearchMode) continuationPolicy {
	switch mode {
	case ModeSteering:
		return steeringPolicy{}
	case ModeFullyAutonomous:
		return autonomousPolicy{}
	default:
		return semiAutonomousPolicy{}
	}
}

// steeringPolicy hands control back after every level, unconditionally.
type steeringPolicy struct{}

func (steeringPolicy) decide(context.Context, *Decider, decisionInput) Continuation {
	return Continuation{
		Decision:   DecisionAsk,
		Reason:     TriggerSteeringMode,
		Confidence: "high",
		Rationale:  "steering mode pauses after each level",
	}
}

// autonomousPolicy continues for as long as there is anything to run.
type autonomousPolicy struct{}

func (autonomousPolicy) decide(context.Context, *Decider, decisionInput) Continuation {
	return Continuation{Decision: DecisionContinue, Confidence: "high"}
}

/// semiAutonomousPolicy is the default: a bootstrap bias on iteration one,
// then an evidence-based judgment with an ASK bias on ties and failures.
type semiAutonomousPolicy struct{}

func (semiAutonomousPolicy) decide(ctx context.Context, d *Decider, in decisionInput) Continuation {
	if in.iteration <= 1 {
		return Continuation{Decision: DecisionContinue, Confidence: "high"}
	}
	return d.judge(ctx, in)
}

func (d *Decider) judge(ctx context.Context, in decisionInput) Continuation {
	askLowConfidence := func(rationale string) Continuation {
		return Continuation{Decision: DecisionAsk, Confidence: "low", Rationale: rationale}
	}
	if d.client == nil {
		return askLowConfidence("no judgment client configured")
	}

	latest := latestLevelTasks(in.state)
	payload := map[string]any{
		"iteration":           in.iteration,
		"current_objective":   in.state.CurrentObjective,
		"hypothesis":          in.hypothesis,
		"latest_level":        usableOutputs(latest),
		"discoveries":         in.state.Discoveries,
		"key_insights":        in.state.KeyInsights,
		"proposed_next_steps": suggestedPayload(in.proposal),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return askLowConfidence("could not assemble judgment context")
	}
	resp, err := d.client.Infer(ctx, inference.Request{
		Model:       d.model,
		Temperature: 0.1,
		Messages: []inference.Message{
			{Role: "system", Content: deciderPrompt},
			{Role: "user", Content: string(data)},
		},
	})
	if err != nil {
		d.log.Warn("continuation judgment failed, pausing", "error", err)
		return askLowConfidence("continuation judgment unavailable")
	}

	decoded := struct {
		ShouldPause bool   `json:"should_pause"`
		Reason      string `json:"reason"`
		Confidence  string `json:"confidence"`
		Rationale   string `json:"rationale"`
	}{}
	if err := inference.Decode(resp.Content, &decoded); err != nil {
		if pause, ok := inference.BoolField(resp.Content, "should_pause"); ok && !pause {
			return Continuation{Decision: DecisionContinue, Confidence: "low"}
		}
		return askLowConfidence("continuation judgment was malformed")
	}

	confidence := normalizeConfidence(decoded.Confidence)
	if !decoded.ShouldPause {
		if confidence == "low" {
			// Ties and low-confidence judgments bias toward the human.
			return askLowConfidence(strings.TrimSpace(decoded.Rationale))
		}
		return Continuation{Decision: DecisionContinue, Confidence: confidence, Rationale: strings.TrimSpace(decoded.Rationale)}
	}

	reason := TriggerReason(strings.TrimSpace(strings.ToLower(decoded.Reason)))
	if _, ok := judgedTriggers[reason]; !ok {
		reason = TriggerAmbiguousIntent
	}
	return Continuation{
		Decision:   DecisionAsk,
		Reason:     reason,
		Confidence: confidence,
		Rationale:  strings.TrimSpace(decoded.Rationale),
	}
}

func latestLevelTasks(state *ConversationState) []PlanTask {
	out := make([]PlanTask, 0, 3)
	for _, task := range state.Plan {
		if task.Level == state.CurrentLevel {
			out = append(out, task)
		}
	}
	return out
}

func normalizeConfidence(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "high":
		return "high"
	case "medium":
		return "medium"
	default:
		return "low"
	}
}
