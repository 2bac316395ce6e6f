package research

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/quintrel/researchd/internal/lock"
	"github.com/quintrel/researchd/internal/metrics"
)

const startLockPrefix = "deep-research:start:"

// DuplicateRunError refuses a start attempt because the conversation
// already has a live run. Info identifies the current owner when known.
type DuplicateRunError struct {
	Info *RunInfo
}

func (e *DuplicateRunError) Error() string {
	if e.Info == nil {
		return "a research run is already starting for this conversation"
	}
	return fmt.Sprintf("a research run is already active (root message %s)", e.Info.RootMessageID)
}

// StartRequest identifies the run to begin. RootMessageID and StateID
// together form the owner identity checked on every ledger mutation.
type StartRequest struct {
	ConversationStateID string
	RootMessageID       string
	StateID             string
	Mode                RunMode
	JobID               string
	UserInput           string
}

func (r StartRequest) validate() error {
	if strings.TrimSpace(r.ConversationStateID) == "" {
		return fmt.Errorf("conversation state id is required")
	}
	if strings.TrimSpace(r.RootMessageID) == "" {
		return fmt.Errorf("root message id is required")
	}
	if strings.TrimSpace(r.StateID) == "" {
		return fmt.Errorf("state id is required")
	}
	return nil
}

// RunOutcome is the terminal report of one driven run.
type RunOutcome struct {
	Result     string        `json:"result"`
	Error      string        `json:"error,omitempty"`
	Iterations int           `json:"iterations"`
	AskReason  TriggerReason `json:"askReason,omitempty"`
}

// RunStatus answers a status query without exposing ledger internals.
type RunStatus struct {
	Active bool     `json:"active"`
	Owner  *RunInfo `json:"owner,omitempty"`
}

// Orchestrator owns the run lifecycle: start-lock serialization, ledger
// dedup, the iteration loop, and terminal bookkeeping. The start lock is
// released as soon as the ledger entry is claimed; the lease carries
// ownership for the rest of the run.
type Orchestrator struct {
	store         StateStore
	ledger        *Ledger
	startLock     *lock.StartLock
	planner       *Planner
	executor      Executor
	hypothesis    *HypothesisManager
	discovery     *DiscoveryManager
	reflection    *ReflectionManager
	decider       *Decider
	maxIterations int
	log           *slog.Logger
}

type OrchestratorOptions struct {
	Store         StateStore
	Ledger        *Ledger
	StartLock     *lock.StartLock
	Planner       *Planner
	Executor      Executor
	Hypothesis    *HypothesisManager
	Discovery     *DiscoveryManager
	Reflection    *ReflectionManager
	Decider       *Decider
	MaxIterations int
	Log           *slog.Logger
}

func NewOrchestrator(opts OrchestratorOptions) *Orchestrator {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 25
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Orchestrator{
		store:         opts.Store,
		ledger:        opts.Ledger,
		startLock:     opts.StartLock,
		planner:       opts.Planner,
		executor:      opts.Executor,
		hypothesis:    opts.Hypothesis,
		discovery:     opts.Discovery,
		reflection:    opts.Reflection,
		decider:       opts.Decider,
		maxIterations: opts.MaxIterations,
		log:           opts.Log,
	}
}

// StatusOf reports whether the conversation has a live run and, if so,
// who owns it.
func (o *Orchestrator) StatusOf(ctx context.Context, conversationStateID string) (RunStatus, error) {
	info, err := o.ledger.ActiveRun(ctx, conversationStateID)
	if err != nil {
		return RunStatus{}, err
	}
	return RunStatus{Active: info != nil, Owner: info}, nil
}

// Start drives one research run to its terminal state. A refused
// duplicate returns *DuplicateRunError. Any other abnormal termination
// still closes the ledger entry with result=failed before returning.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (RunOutcome, error) {
	if err := req.validate(); err != nil {
		return RunOutcome{}, err
	}
	if req.Mode == "" {
		req.Mode = RunModeInProcess
	}

	lk := o.startLock.Acquire(ctx, startLockPrefix+req.ConversationStateID)
	if lk.Fallback {
		metrics.LockFallbacks.Inc()
	}
	if !lk.Acquired && !lk.Fallback {
		// Someone else is inside the start section. Report whoever owns
		// the ledger entry; if they have not claimed it yet, report the
		// contention itself.
		info, err := o.ledger.ActiveRun(ctx, req.ConversationStateID)
		if err != nil {
			return RunOutcome{}, err
		}
		metrics.RunsDeduplicated.Inc()
		return RunOutcome{}, &DuplicateRunError{Info: info}
	}

	info, err := o.ledger.ActiveRun(ctx, req.ConversationStateID)
	if err != nil {
		o.startLock.Release(ctx, lk)
		return RunOutcome{}, err
	}
	if info != nil {
		o.startLock.Release(ctx, lk)
		metrics.RunsDeduplicated.Inc()
		return RunOutcome{}, &DuplicateRunError{Info: info}
	}
	if _, err := o.ledger.MarkRunStarted(ctx, req.ConversationStateID, req.RootMessageID, req.StateID, req.Mode, req.JobID); err != nil {
		o.startLock.Release(ctx, lk)
		return RunOutcome{}, err
	}
	// The lease owns the run from here; the lock only serialized the
	// decision to start.
	o.startLock.Release(ctx, lk)

	metrics.RunsStarted.Inc()
	metrics.ActiveRuns.Inc()
	defer metrics.ActiveRuns.Dec()

	outcome := o.runLoop(ctx, req)
	if _, err := o.ledger.MarkRunFinished(ctx, req.ConversationStateID, req.RootMessageID, req.StateID, outcome.Result, outcome.Error); err != nil {
		o.log.Error("could not close run ledger entry",
			"conversation", req.ConversationStateID, "error", err)
	}
	metrics.RunsFinished.WithLabelValues(outcome.Result).Inc()

	if outcome.Result == RunResultFailed {
		return outcome, fmt.Errorf("research run failed: %s", outcome.Error)
	}
	return outcome, nil
}

func (o *Orchestrator) runLoop(ctx context.Context, req StartRequest) RunOutcome {
	fail := func(iterations int, err error) RunOutcome {
		o.log.Error("run aborted", "conversation", req.ConversationStateID,
			"iteration", iterations, "error", err)
		return RunOutcome{Result: RunResultFailed, Error: err.Error(), Iterations: iterations}
	}

	state, err := o.store.Get(ctx, req.ConversationStateID)
	if err != nil {
		return fail(0, fmt.Errorf("load conversation state: %w", err))
	}
	state.ResearchMode = NormalizeMode(string(state.ResearchMode))

	first, err := o.planner.Plan(ctx, state, req.UserInput)
	if err != nil {
		return fail(0, fmt.Errorf("initial plan: %w", err))
	}
	if first.CurrentObjective != "" {
		state.CurrentObjective = first.CurrentObjective
	}
	proposal := first.Tasks
	if first.ObjectiveComplete && len(proposal) == 0 {
		ok, err := o.ledger.PersistOwned(ctx, state, req.RootMessageID, req.StateID)
		if err != nil {
			return fail(0, fmt.Errorf("persist conversation state: %w", err))
		}
		if !ok {
			return fail(0, fmt.Errorf("run ownership lost"))
		}
		return RunOutcome{Result: RunResultCompleted}
	}

	for iteration := 1; iteration <= o.maxIterations; iteration++ {
		metrics.Iterations.Inc()

		state.CurrentLevel++
		for i := range proposal {
			proposal[i].Level = state.CurrentLevel
		}
		state.Plan = append(state.Plan, proposal...)
		state.SuggestedNextSteps = nil

		executed, err := o.executor.Execute(ctx, proposal)
		if err != nil {
			return fail(iteration, fmt.Errorf("execute level %d: %w", state.CurrentLevel, err))
		}
		mergeExecuted(state, executed)

		if hyp, err := o.hypothesis.CreateOrUpdate(ctx, state.CurrentHypothesis, executed, state.CurrentObjective); err != nil {
			// The prior hypothesis is the safe fallback for any failure
			// here, including a level with no usable output.
			o.log.Warn("hypothesis step skipped", "conversation", state.ID, "error", err)
		} else {
			state.CurrentHypothesis = hyp.Hypothesis
		}

		if discoveries, err := o.discovery.Extract(ctx, state.Objective, state.Discoveries, executed); err != nil {
			o.log.Warn("discovery step skipped", "conversation", state.ID, "error", err)
		} else {
			state.Discoveries = discoveries
		}

		if refl, err := o.reflection.Reflect(ctx, state, executed, state.CurrentHypothesis); err != nil {
			o.log.Warn("reflection step skipped", "conversation", state.ID, "error", err)
		} else {
			state.CurrentObjective = refl.CurrentObjective
			state.KeyInsights = refl.KeyInsights
			state.Methodology = refl.Methodology
			state.ConversationTitle = refl.ConversationTitle
		}

		next, err := o.planner.Plan(ctx, state, "")
		if err != nil {
			return fail(iteration, fmt.Errorf("plan level %d: %w", state.CurrentLevel+1, err))
		}
		if next.CurrentObjective != "" {
			state.CurrentObjective = next.CurrentObjective
		}
		complete := next.ObjectiveComplete && len(next.Tasks) == 0
		if !complete {
			proposal = next.Tasks
			state.SuggestedNextSteps = proposal
		}

		// Persist through the ledger: the stored run entry, not the
		// working copy's snapshot of it, is what gets written, and a
		// superseded owner's persist is refused outright.
		if err := state.Validate(); err != nil {
			return fail(iteration, fmt.Errorf("conversation state invalid after level %d: %w", state.CurrentLevel, err))
		}
		persisted, err := o.ledger.PersistOwned(ctx, state, req.RootMessageID, req.StateID)
		if err != nil {
			return fail(iteration, fmt.Errorf("persist conversation state: %w", err))
		}
		if !persisted {
			return fail(iteration, fmt.Errorf("run ownership lost"))
		}
		if complete {
			return RunOutcome{Result: RunResultCompleted, Iterations: iteration}
		}
		ok, err := o.ledger.TouchRun(ctx, req.ConversationStateID, req.RootMessageID, req.StateID)
		if err != nil {
			return fail(iteration, fmt.Errorf("heartbeat: %w", err))
		}
		if !ok {
			return fail(iteration, fmt.Errorf("run ownership lost"))
		}
		metrics.Heartbeats.Inc()

		decision := o.decider.Decide(ctx, state, iteration, proposal, state.CurrentHypothesis)
		if decision.Decision == DecisionAsk {
			o.log.Info("run pausing for user", "conversation", state.ID,
				"iteration", iteration, "reason", decision.Reason, "confidence", decision.Confidence)
			return RunOutcome{Result: RunResultAwaitingUser, Iterations: iteration, AskReason: decision.Reason}
		}
	}

	o.log.Info("iteration budget exhausted", "conversation", req.ConversationStateID,
		"iterations", o.maxIterations)
	return RunOutcome{Result: RunResultAwaitingUser, Iterations: o.maxIterations, AskReason: TriggerLowMarginalValue}
}

// mergeExecuted writes executed results back over their plan entries.
func mergeExecuted(state *ConversationState, executed []PlanTask) {
	byID := make(map[string]PlanTask, len(executed))
	for _, task := range executed {
		byID[task.ID] = task
	}
	for i := range state.Plan {
		if task, ok := byID[state.Plan[i].ID]; ok {
			state.Plan[i] = task
		}
	}
}
