package research

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestReflectionManager_FoldsIteration(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{responses: []string{
		`{"current_objective":"narrow to off-peak behavior",
		  "key_insights":["latency cliff is cache-bound","off-peak traffic hides it"],
		  "methodology":"paired load tests against cache variants",
		  "conversation_title":"Latency cliff investigation"}`,
	}}
	mgr := NewReflectionManager(client, "test-model", 10, nil)

	state := &ConversationState{
		Objective:        "explain the latency cliff",
		CurrentObjective: "characterize the cliff",
		KeyInsights:      []string{"latency cliff is cache-bound"},
	}
	tasks := []PlanTask{{ID: "ana-1", Type: TaskAnalysis, Output: "cache hit rate collapses"}}
	result, err := mgr.Reflect(context.Background(), state, tasks, "caching hypothesis")
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	if result.CurrentObjective != "narrow to off-peak behavior" {
		t.Fatalf("objective not updated: %q", result.CurrentObjective)
	}
	if result.ConversationTitle != "Latency cliff investigation" {
		t.Fatalf("title not updated: %q", result.ConversationTitle)
	}
	want := []string{"latency cliff is cache-bound", "off-peak traffic hides it"}
	if !reflect.DeepEqual(result.KeyInsights, want) {
		t.Fatalf("insights = %v, want %v", result.KeyInsights, want)
	}
}

func TestReflectionManager_NoUsableOutputReturnsCurrent(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{}
	mgr := NewReflectionManager(client, "test-model", 10, nil)

	state := &ConversationState{
		CurrentObjective: "unchanged",
		KeyInsights:      []string{"one"},
		Methodology:      "existing method",
	}
	result, err := mgr.Reflect(context.Background(), state, []PlanTask{{ID: "lit-1", Output: ""}}, "")
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	if result.CurrentObjective != "unchanged" || result.Methodology != "existing method" {
		t.Fatalf("state must pass through untouched: %+v", result)
	}
	if len(client.calls) != 0 {
		t.Fatalf("no inference expected without usable output")
	}
}

func TestReflectionManager_InferenceErrorDegrades(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{err: errors.New("backend down")}
	mgr := NewReflectionManager(client, "test-model", 10, nil)

	state := &ConversationState{CurrentObjective: "keep me", KeyInsights: []string{"a"}}
	result, err := mgr.Reflect(context.Background(), state, []PlanTask{{ID: "ana-1", Type: TaskAnalysis, Output: "data"}}, "")
	if err != nil {
		t.Fatalf("Reflect must degrade, not fail: %v", err)
	}
	if result.CurrentObjective != "keep me" {
		t.Fatalf("degraded result must keep current objective")
	}
}

func TestReflectionManager_InsightsRebounded(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{responses: []string{
		`{"key_insights":["NEW top insight","Existing B","new tail"]}`,
	}}
	mgr := NewReflectionManager(client, "test-model", 3, nil)

	state := &ConversationState{
		KeyInsights: []string{"Existing A", "Existing B", "existing b"},
	}
	result, err := mgr.Reflect(context.Background(), state, []PlanTask{{ID: "ana-1", Type: TaskAnalysis, Output: "x"}}, "")
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	// Model order first, case-insensitive dedupe, cap of 3 drops the rest.
	want := []string{"NEW top insight", "Existing B", "new tail"}
	if !reflect.DeepEqual(result.KeyInsights, want) {
		t.Fatalf("insights = %v, want %v", result.KeyInsights, want)
	}
}

func TestReflectionManager_FieldRecoveryFromTruncatedJSON(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{responses: []string{
		`{"current_objective":"recovered objective","key_insights":["one","two"],"methodology":"recovered method","conversation_title":"Recovered title","trailing`,
	}}
	mgr := NewReflectionManager(client, "test-model", 10, nil)

	state := &ConversationState{CurrentObjective: "old"}
	result, err := mgr.Reflect(context.Background(), state, []PlanTask{{ID: "ana-1", Type: TaskAnalysis, Output: "x"}}, "")
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	if result.CurrentObjective != "recovered objective" {
		t.Fatalf("objective not recovered: %q", result.CurrentObjective)
	}
	if result.Methodology != "recovered method" {
		t.Fatalf("methodology not recovered: %q", result.Methodology)
	}
	if len(result.KeyInsights) != 2 {
		t.Fatalf("insights not recovered: %v", result.KeyInsights)
	}
}
