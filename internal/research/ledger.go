package research

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Ledger owns the deepResearchRun entry on the conversation state. Every
// mutating call re-reads the record and verifies owner identity before
// writing: optimistic ownership, not a held lock. A superseded caller's
// touch or finish is a no-op rather than a corruption.
type Ledger struct {
	store      StateStore
	lease      time.Duration
	staleAfter time.Duration
	now        func() time.Time
	log        *slog.Logger
}

func NewLedger(store StateStore, lease, staleAfter time.Duration, log *slog.Logger) *Ledger {
	if lease <= 0 {
		lease = 2 * time.Hour
	}
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{
		store:      store,
		lease:      lease,
		staleAfter: staleAfter,
		now:        func() time.Time { return time.Now().UTC() },
		log:        log,
	}
}

// RunInfo describes the owner of an active run to a caller that was
// refused a duplicate start.
type RunInfo struct {
	RootMessageID   string     `json:"rootMessageId"`
	StateID         string     `json:"stateId"`
	Mode            RunMode    `json:"mode"`
	JobID           string     `json:"jobId,omitempty"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	LastHeartbeatAt *time.Time `json:"lastHeartbeatAt,omitempty"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
}

// Active applies the staleness predicate: a run is active iff it is
// flagged running, its lease has not expired, and its heartbeat is fresh.
// An entry flagged running with neither heartbeat nor expiry is stale by
// definition; the fail-open choice prefers allowing a new run over
// deadlocking on a dead owner. Each bound is checked only when its field
// is present, so a fresh heartbeat with no recorded expiry still counts
// as active.
func (l *Ledger) Active(run *DeepResearchRun) bool {
	if run == nil || !run.IsRunning {
		return false
	}
	if run.ExpiresAt == nil && run.LastHeartbeatAt == nil {
		return false
	}
	now := l.now()
	if run.ExpiresAt != nil && !now.Before(*run.ExpiresAt) {
		return false
	}
	if run.LastHeartbeatAt != nil && now.Sub(*run.LastHeartbeatAt) >= l.staleAfter {
		return false
	}
	return true
}

// ActiveRun returns ownership info for the conversation's live run, or nil
// when no run is active. Store failures are surfaced, never swallowed:
// losing sight of run ownership is not safe to ignore.
func (l *Ledger) ActiveRun(ctx context.Context, conversationStateID string) (*RunInfo, error) {
	state, err := l.store.Get(ctx, conversationStateID)
	if err != nil {
		return nil, fmt.Errorf("read conversation %s: %w", conversationStateID, err)
	}
	run := state.DeepResearchRun
	if !l.Active(run) {
		return nil, nil
	}
	return &RunInfo{
		RootMessageID:   run.RootMessageID,
		StateID:         run.StateID,
		Mode:            run.Mode,
		JobID:           run.JobID,
		StartedAt:       run.StartedAt,
		LastHeartbeatAt: run.LastHeartbeatAt,
		ExpiresAt:       run.ExpiresAt,
	}, nil
}

// MarkRunStarted writes a fresh ledger entry claiming the conversation for
// the given owner identity. Callers are expected to have checked ActiveRun
// under the start lock first.
func (l *Ledger) MarkRunStarted(ctx context.Context, conversationStateID, rootMessageID, stateID string, mode RunMode, jobID string) (*DeepResearchRun, error) {
	state, err := l.store.Get(ctx, conversationStateID)
	if err != nil {
		return nil, fmt.Errorf("read conversation %s: %w", conversationStateID, err)
	}
	now := l.now()
	expires := now.Add(l.lease)
	run := &DeepResearchRun{
		IsRunning:       true,
		RootMessageID:   rootMessageID,
		StateID:         stateID,
		Mode:            mode,
		JobID:           jobID,
		StartedAt:       &now,
		LastHeartbeatAt: &now,
		ExpiresAt:       &expires,
	}
	state.DeepResearchRun = run
	if err := l.store.Update(ctx, state); err != nil {
		return nil, fmt.Errorf("write run entry for %s: %w", conversationStateID, err)
	}
	l.log.Info("run started", "conversation", conversationStateID,
		"root_message", rootMessageID, "mode", mode, "expires_at", expires)
	return run, nil
}

// TouchRun extends the lease. Returns false without mutating anything when
// no run is active or the caller is not the current owner.
func (l *Ledger) TouchRun(ctx context.Context, conversationStateID, rootMessageID, stateID string) (bool, error) {
	return l.mutateOwned(ctx, conversationStateID, rootMessageID, stateID, func(run *DeepResearchRun) {
		now := l.now()
		expires := now.Add(l.lease)
		run.LastHeartbeatAt = &now
		run.ExpiresAt = &expires
	})
}

// UpdateRunJobID records the executing job and extends the lease, with the
// same ownership check as TouchRun.
func (l *Ledger) UpdateRunJobID(ctx context.Context, conversationStateID, rootMessageID, stateID, jobID string) (bool, error) {
	return l.mutateOwned(ctx, conversationStateID, rootMessageID, stateID, func(run *DeepResearchRun) {
		now := l.now()
		expires := now.Add(l.lease)
		run.JobID = jobID
		run.LastHeartbeatAt = &now
		run.ExpiresAt = &expires
	})
}

// PersistOwned writes the working state through the caller's run
// ownership. The stored ledger entry is re-read and carried into the
// write; the working copy's own snapshot of it is never persisted, so a
// persist can neither rewind the heartbeat nor clobber an entry a newer
// run has claimed. Returns false without writing when the caller no
// longer owns an active run.
func (l *Ledger) PersistOwned(ctx context.Context, state *ConversationState, rootMessageID, stateID string) (bool, error) {
	stored, err := l.store.Get(ctx, state.ID)
	if err != nil {
		return false, fmt.Errorf("read conversation %s: %w", state.ID, err)
	}
	run := stored.DeepResearchRun
	if !l.Active(run) || !run.OwnedBy(rootMessageID, stateID) {
		return false, nil
	}
	state.DeepResearchRun = run
	if err := l.store.Update(ctx, state); err != nil {
		return false, fmt.Errorf("write conversation %s: %w", state.ID, err)
	}
	return true, nil
}

func (l *Ledger) mutateOwned(ctx context.Context, conversationStateID, rootMessageID, stateID string, mutate func(*DeepResearchRun)) (bool, error) {
	state, err := l.store.Get(ctx, conversationStateID)
	if err != nil {
		return false, fmt.Errorf("read conversation %s: %w", conversationStateID, err)
	}
	run := state.DeepResearchRun
	if !l.Active(run) {
		return false, nil
	}
	if !run.OwnedBy(rootMessageID, stateID) {
		return false, nil
	}
	mutate(run)
	if err := l.store.Update(ctx, state); err != nil {
		return false, fmt.Errorf("write run entry for %s: %w", conversationStateID, err)
	}
	return true, nil
}

// MarkRunFinished closes the ledger entry with a terminal result. It is a
// no-op (returns false) when the caller's identity no longer matches the
// current owner, so a resurrected stale writer cannot clobber an entry
// already claimed by a newer run.
func (l *Ledger) MarkRunFinished(ctx context.Context, conversationStateID, rootMessageID, stateID, result, errMsg string) (bool, error) {
	state, err := l.store.Get(ctx, conversationStateID)
	if err != nil {
		return false, fmt.Errorf("read conversation %s: %w", conversationStateID, err)
	}
	run := state.DeepResearchRun
	if run == nil || !run.OwnedBy(rootMessageID, stateID) {
		return false, nil
	}
	now := l.now()
	run.IsRunning = false
	run.LastResult = result
	run.LastError = errMsg
	run.EndedAt = &now
	if err := l.store.Update(ctx, state); err != nil {
		return false, fmt.Errorf("write run entry for %s: %w", conversationStateID, err)
	}
	l.log.Info("run finished", "conversation", conversationStateID,
		"result", result, "error", errMsg)
	return true, nil
}
