package research

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quintrel/researchd/internal/lock"
)

type fakeClock struct {
	mu  sync.Mutex
	cur time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(d)
}

// slowRunner moves the fake clock forward on every task, simulating
// levels whose wall time approaches the heartbeat staleness window.
type slowRunner struct {
	clock *fakeClock
	step  time.Duration
}

func (r *slowRunner) Run(_ context.Context, _ PlanTask) (string, []Artifact, error) {
	r.clock.Advance(r.step)
	return "level output", nil, nil
}

type orchestratorFixture struct {
	store      *fakeStore
	lockSvc    *lock.MemoryService
	planner    *scriptedClient
	hypothesis *scriptedClient
	discovery  *scriptedClient
	reflection *scriptedClient
	decider    *scriptedClient
	runner     *fakeRunner
	orch       *Orchestrator
}

func newOrchestratorFixture(t *testing.T, state *ConversationState) *orchestratorFixture {
	t.Helper()
	f := &orchestratorFixture{
		store:      newFakeStore(state),
		lockSvc:    lock.NewMemoryService(),
		planner:    &scriptedClient{},
		hypothesis: &scriptedClient{},
		discovery:  &scriptedClient{},
		reflection: &scriptedClient{},
		decider:    &scriptedClient{},
		runner:     &fakeRunner{},
	}
	f.orch = NewOrchestrator(OrchestratorOptions{
		Store:         f.store,
		Ledger:        NewLedger(f.store, 2*time.Hour, 10*time.Minute, nil),
		StartLock:     lock.NewStartLock(f.lockSvc, 30*time.Second, 1, 0, nil),
		Planner:       NewPlanner(f.planner, "m", 3, nil),
		Executor:      NewParallelExecutor(f.runner, 2, nil),
		Hypothesis:    NewHypothesisManager(f.hypothesis, "m", nil),
		Discovery:     NewDiscoveryManager(f.discovery, "m", 5, nil),
		Reflection:    NewReflectionManager(f.reflection, "m", 10, nil),
		Decider:       NewDecider(f.decider, "m", nil),
		MaxIterations: 25,
	})
	return f
}

func startRequest() StartRequest {
	return StartRequest{
		ConversationStateID: "conv-1",
		RootMessageID:       "msg-1",
		StateID:             "st-1",
		Mode:                RunModeInProcess,
		UserInput:           "investigate the latency cliff",
	}
}

func TestOrchestrator_SingleIterationToCompletion(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t, &ConversationState{
		ID:           "conv-1",
		Objective:    "explain the latency cliff",
		ResearchMode: ModeSemiAutonomous,
	})
	f.planner.responses = []string{
		`{"current_objective":"characterize the cliff","tasks":[{"objective":"survey prior work","type":"LITERATURE"}]}`,
		`{"current_objective":"characterize the cliff","objective_complete":true,"tasks":[]}`,
	}
	f.hypothesis.responses = []string{`{"hypothesis":"cache-bound","rationale":"r"}`}
	f.reflection.responses = []string{`{"current_objective":"characterize the cliff","key_insights":["it is cache-bound"]}`}

	outcome, err := f.orch.Start(context.Background(), startRequest())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if outcome.Result != RunResultCompleted {
		t.Fatalf("result = %q, want completed", outcome.Result)
	}
	if outcome.Iterations != 1 {
		t.Fatalf("iterations = %d, want 1", outcome.Iterations)
	}

	final := f.store.states["conv-1"]
	if final.CurrentLevel != 1 {
		t.Fatalf("currentLevel = %d, want 1", final.CurrentLevel)
	}
	if len(final.Plan) != 1 || final.Plan[0].ID != "lit-1" {
		t.Fatalf("unexpected plan: %+v", final.Plan)
	}
	if final.Plan[0].Output == "" || final.Plan[0].End.IsZero() {
		t.Fatalf("executed task not written back: %+v", final.Plan[0])
	}
	if final.CurrentHypothesis != "cache-bound" {
		t.Fatalf("hypothesis not persisted: %q", final.CurrentHypothesis)
	}
	run := final.DeepResearchRun
	if run == nil || run.IsRunning {
		t.Fatalf("ledger entry must be closed: %+v", run)
	}
	if run.LastResult != RunResultCompleted {
		t.Fatalf("ledger result = %q, want completed", run.LastResult)
	}
	if f.lockSvc.Held("deep-research:start:conv-1") {
		t.Fatalf("start lock must be released")
	}
}

func TestOrchestrator_SteeringModePausesAfterOneLevel(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t, &ConversationState{
		ID:           "conv-1",
		Objective:    "explain the latency cliff",
		ResearchMode: ModeSteering,
	})
	f.planner.responses = []string{
		`{"tasks":[{"objective":"survey prior work","type":"LITERATURE"}]}`,
		`{"tasks":[{"objective":"fit a queueing model","type":"ANALYSIS","datasets":["lit-1"]}]}`,
	}
	f.hypothesis.responses = []string{`{"hypothesis":"cache-bound"}`}
	f.reflection.responses = []string{`{"key_insights":["one"]}`}

	outcome, err := f.orch.Start(context.Background(), startRequest())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if outcome.Result != RunResultAwaitingUser {
		t.Fatalf("result = %q, want awaiting_user", outcome.Result)
	}
	if outcome.AskReason != TriggerSteeringMode {
		t.Fatalf("ask reason = %q, want steering_mode", outcome.AskReason)
	}

	final := f.store.states["conv-1"]
	if len(final.SuggestedNextSteps) != 1 || final.SuggestedNextSteps[0].ID != "ana-1" {
		t.Fatalf("suggested next steps not persisted: %+v", final.SuggestedNextSteps)
	}
	if final.DeepResearchRun.IsRunning {
		t.Fatalf("ledger entry must be closed on ASK")
	}
	if final.DeepResearchRun.LastResult != RunResultAwaitingUser {
		t.Fatalf("ledger result = %q", final.DeepResearchRun.LastResult)
	}
}

func TestOrchestrator_HeartbeatOutlivesSlowIterations(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t, &ConversationState{
		ID:           "conv-1",
		Objective:    "explain the latency cliff",
		ResearchMode: ModeFullyAutonomous,
	})
	start := time.Now().UTC()
	clock := &fakeClock{cur: start}
	f.orch.ledger.now = clock.Now
	f.orch.executor = NewParallelExecutor(&slowRunner{clock: clock, step: 6 * time.Minute}, 1, nil)

	// Three levels of six minutes each against a ten minute staleness
	// window: the run only survives if each persist keeps the renewed
	// heartbeat instead of writing back the loop-start snapshot.
	f.planner.responses = []string{
		`{"tasks":[{"objective":"survey prior work","type":"LITERATURE"}]}`,
		`{"tasks":[{"objective":"dig into the survey","type":"LITERATURE"}]}`,
		`{"tasks":[{"objective":"close the remaining gap","type":"LITERATURE"}]}`,
		`{"objective_complete":true,"tasks":[]}`,
	}
	f.hypothesis.err = errors.New("down")
	f.reflection.err = errors.New("down")

	outcome, err := f.orch.Start(context.Background(), startRequest())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if outcome.Result != RunResultCompleted {
		t.Fatalf("result = %q (%s), want completed", outcome.Result, outcome.Error)
	}
	if outcome.Iterations != 3 {
		t.Fatalf("iterations = %d, want 3", outcome.Iterations)
	}

	final := f.store.states["conv-1"]
	if len(final.Plan) != 3 {
		t.Fatalf("plan length = %d, want 3", len(final.Plan))
	}
	run := final.DeepResearchRun
	if run == nil || run.IsRunning || run.LastResult != RunResultCompleted {
		t.Fatalf("ledger entry not closed completed: %+v", run)
	}
	// Heartbeats landed after iterations one and two; the last one must
	// still be in the stored entry, not the value from run start.
	if run.LastHeartbeatAt == nil || !run.LastHeartbeatAt.Equal(start.Add(12*time.Minute)) {
		t.Fatalf("heartbeat regressed: got %v, want %v", run.LastHeartbeatAt, start.Add(12*time.Minute))
	}
}

func TestOrchestrator_ImmediateCompletionPersistsObjective(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t, &ConversationState{
		ID:           "conv-1",
		Objective:    "explain the latency cliff",
		ResearchMode: ModeSemiAutonomous,
	})
	f.planner.responses = []string{
		`{"current_objective":"objective achieved: the cliff is cache-bound","objective_complete":true,"tasks":[]}`,
	}

	outcome, err := f.orch.Start(context.Background(), startRequest())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if outcome.Result != RunResultCompleted {
		t.Fatalf("result = %q, want completed", outcome.Result)
	}
	if outcome.Iterations != 0 {
		t.Fatalf("iterations = %d, want 0", outcome.Iterations)
	}

	final := f.store.states["conv-1"]
	if final.CurrentObjective != "objective achieved: the cliff is cache-bound" {
		t.Fatalf("completion objective not persisted: %q", final.CurrentObjective)
	}
	if final.DeepResearchRun == nil || final.DeepResearchRun.IsRunning {
		t.Fatalf("ledger entry must be closed: %+v", final.DeepResearchRun)
	}
}

func TestOrchestrator_RefusesDuplicateRun(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	expires := now.Add(time.Hour)
	f := newOrchestratorFixture(t, &ConversationState{
		ID: "conv-1",
		DeepResearchRun: &DeepResearchRun{
			IsRunning:       true,
			RootMessageID:   "other-msg",
			StateID:         "other-state",
			LastHeartbeatAt: &now,
			ExpiresAt:       &expires,
		},
	})

	_, err := f.orch.Start(context.Background(), startRequest())
	var dup *DuplicateRunError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateRunError, got %v", err)
	}
	if dup.Info == nil || dup.Info.RootMessageID != "other-msg" {
		t.Fatalf("duplicate error must name the owner: %+v", dup.Info)
	}
	if len(f.planner.calls) != 0 {
		t.Fatalf("refused start must not plan")
	}
}

func TestOrchestrator_ContendedStartLockRefuses(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t, &ConversationState{ID: "conv-1"})
	held, err := f.lockSvc.Acquire(context.Background(), "deep-research:start:conv-1", "rival-token", time.Minute)
	if err != nil || !held {
		t.Fatalf("could not pre-acquire lock: held=%v err=%v", held, err)
	}

	_, err = f.orch.Start(context.Background(), startRequest())
	var dup *DuplicateRunError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateRunError under lock contention, got %v", err)
	}
	if f.store.states["conv-1"].DeepResearchRun != nil {
		t.Fatalf("refused caller must not claim the ledger")
	}
}

func TestOrchestrator_PlannerFailureClosesLedgerAsFailed(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t, &ConversationState{ID: "conv-1"})
	f.planner.err = errors.New("inference backend down")

	outcome, err := f.orch.Start(context.Background(), startRequest())
	if err == nil {
		t.Fatalf("expected failure to surface")
	}
	if outcome.Result != RunResultFailed {
		t.Fatalf("result = %q, want failed", outcome.Result)
	}

	run := f.store.states["conv-1"].DeepResearchRun
	if run == nil || run.IsRunning {
		t.Fatalf("abnormal termination must still close the ledger: %+v", run)
	}
	if run.LastResult != RunResultFailed || run.LastError == "" {
		t.Fatalf("ledger must carry the failure: %+v", run)
	}
}

func TestOrchestrator_DegradedManagersDoNotAbortRun(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t, &ConversationState{
		ID:           "conv-1",
		ResearchMode: ModeSteering,
	})
	f.planner.responses = []string{
		`{"tasks":[{"objective":"survey prior work","type":"LITERATURE"}]}`,
		`{"tasks":[{"objective":"next step","type":"LITERATURE"}]}`,
	}
	f.hypothesis.err = errors.New("down")
	f.reflection.err = errors.New("down")

	outcome, err := f.orch.Start(context.Background(), startRequest())
	if err != nil {
		t.Fatalf("degraded managers must not fail the run: %v", err)
	}
	if outcome.Result != RunResultAwaitingUser {
		t.Fatalf("result = %q, want awaiting_user", outcome.Result)
	}
	if f.store.states["conv-1"].CurrentHypothesis != "" {
		t.Fatalf("failed hypothesis step must keep the prior value")
	}
}

func TestOrchestrator_StatusOf(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	expires := now.Add(time.Hour)
	f := newOrchestratorFixture(t, &ConversationState{
		ID: "conv-1",
		DeepResearchRun: &DeepResearchRun{
			IsRunning:       true,
			RootMessageID:   "msg-9",
			StateID:         "st-9",
			LastHeartbeatAt: &now,
			ExpiresAt:       &expires,
		},
	})

	status, err := f.orch.StatusOf(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("StatusOf: %v", err)
	}
	if !status.Active || status.Owner == nil || status.Owner.RootMessageID != "msg-9" {
		t.Fatalf("unexpected status: %+v", status)
	}
}
