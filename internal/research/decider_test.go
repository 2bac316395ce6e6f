package research

import (
	"context"
	"errors"
	"testing"
)

func proposalOfOne() []PlanTask {
	return []PlanTask{{ID: "lit-2", Type: TaskLiterature, Objective: "survey follow-up", Level: 2}}
}

func TestDecider_EmptyProposalConverges(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{}
	decider := NewDecider(client, "test-model", nil)

	for _, mode := range []ResearchMode{ModeSemiAutonomous, ModeFullyAutonomous, ModeSteering} {
		state := &ConversationState{ResearchMode: mode}
		got := decider.Decide(context.Background(), state, 3, nil, "h")
		if got.Decision != DecisionAsk {
			t.Fatalf("mode %s: expected ASK, got %s", mode, got.Decision)
		}
		if got.Reason != TriggerResearchConvergence {
			t.Fatalf("mode %s: expected research_convergence, got %s", mode, got.Reason)
		}
	}
	if len(client.calls) != 0 {
		t.Fatalf("empty proposal must not invoke inference")
	}
}

func TestDecider_SteeringAlwaysAsks(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{}
	decider := NewDecider(client, "test-model", nil)

	state := &ConversationState{ResearchMode: ModeSteering}
	got := decider.Decide(context.Background(), state, 1, proposalOfOne(), "h")
	if got.Decision != DecisionAsk || got.Reason != TriggerSteeringMode {
		t.Fatalf("expected ASK/steering_mode, got %s/%s", got.Decision, got.Reason)
	}
	if len(client.calls) != 0 {
		t.Fatalf("steering mode must not invoke inference")
	}
}

func TestDecider_FullyAutonomousContinues(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{}
	decider := NewDecider(client, "test-model", nil)

	state := &ConversationState{ResearchMode: ModeFullyAutonomous}
	got := decider.Decide(context.Background(), state, 7, proposalOfOne(), "h")
	if got.Decision != DecisionContinue {
		t.Fatalf("expected CONTINUE, got %s", got.Decision)
	}
	if len(client.calls) != 0 {
		t.Fatalf("fully-autonomous mode must not invoke inference")
	}
}

func TestDecider_SemiAutonomousFirstIterationContinues(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{}
	decider := NewDecider(client, "test-model", nil)

	state := &ConversationState{ResearchMode: ModeSemiAutonomous}
	got := decider.Decide(context.Background(), state, 1, proposalOfOne(), "h")
	if got.Decision != DecisionContinue {
		t.Fatalf("expected CONTINUE on first iteration, got %s", got.Decision)
	}
	if got.Confidence != "high" {
		t.Fatalf("expected high confidence, got %q", got.Confidence)
	}
	if got.Reason != TriggerNone {
		t.Fatalf("first-iteration continue carries no trigger reason, got %s", got.Reason)
	}
	if len(client.calls) != 0 {
		t.Fatalf("first iteration must not invoke inference")
	}
}

func TestDecider_SemiAutonomousJudgmentContinue(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{responses: []string{
		`{"should_pause":false,"confidence":"high","rationale":"momentum is good"}`,
	}}
	decider := NewDecider(client, "test-model", nil)

	state := &ConversationState{ResearchMode: ModeSemiAutonomous, CurrentLevel: 2}
	got := decider.Decide(context.Background(), state, 2, proposalOfOne(), "h")
	if got.Decision != DecisionContinue {
		t.Fatalf("expected CONTINUE, got %s", got.Decision)
	}
	if len(client.calls) != 1 {
		t.Fatalf("expected one judgment call, got %d", len(client.calls))
	}
}

func TestDecider_SemiAutonomousJudgmentPause(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{responses: []string{
		`{"should_pause":true,"reason":"forked_paths","confidence":"medium","rationale":"two viable directions"}`,
	}}
	decider := NewDecider(client, "test-model", nil)

	state := &ConversationState{ResearchMode: ModeSemiAutonomous}
	got := decider.Decide(context.Background(), state, 4, proposalOfOne(), "h")
	if got.Decision != DecisionAsk {
		t.Fatalf("expected ASK, got %s", got.Decision)
	}
	if got.Reason != TriggerForkedPaths {
		t.Fatalf("expected forked_paths, got %s", got.Reason)
	}
}

func TestDecider_UnknownPauseReasonNormalized(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{responses: []string{
		`{"should_pause":true,"reason":"gut_feeling","confidence":"high"}`,
	}}
	decider := NewDecider(client, "test-model", nil)

	state := &ConversationState{ResearchMode: ModeSemiAutonomous}
	got := decider.Decide(context.Background(), state, 4, proposalOfOne(), "h")
	if got.Reason != TriggerAmbiguousIntent {
		t.Fatalf("unknown reason must normalize to ambiguous_intent, got %s", got.Reason)
	}
}

func TestDecider_JudgmentErrorAsksLowConfidence(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{err: errors.New("backend down")}
	decider := NewDecider(client, "test-model", nil)

	state := &ConversationState{ResearchMode: ModeSemiAutonomous}
	got := decider.Decide(context.Background(), state, 2, proposalOfOne(), "h")
	if got.Decision != DecisionAsk {
		t.Fatalf("failed judgment must pause, got %s", got.Decision)
	}
	if got.Confidence != "low" {
		t.Fatalf("failed judgment pauses with low confidence, got %q", got.Confidence)
	}
}

func TestDecider_LowConfidenceContinueBecomesAsk(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{responses: []string{
		`{"should_pause":false,"confidence":"low","rationale":"unsure"}`,
	}}
	decider := NewDecider(client, "test-model", nil)

	state := &ConversationState{ResearchMode: ModeSemiAutonomous}
	got := decider.Decide(context.Background(), state, 3, proposalOfOne(), "h")
	if got.Decision != DecisionAsk {
		t.Fatalf("low-confidence continue must become ASK, got %s", got.Decision)
	}
}
