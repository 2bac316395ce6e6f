// Package lock provides the short-lived start lock used to serialize the
// decision to begin a research run. The lock is never held for the run's
// duration; the run ledger's lease is the ownership mechanism after start.
package lock

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Lock is the outcome of an acquire attempt. Fallback marks the degraded
// path: the lock service was unconfigured or unreachable, and the caller
// must deduplicate through the run ledger alone.
type Lock struct {
	Key      string
	Token    string
	Acquired bool
	Fallback bool
}

// Service is the underlying conditional-write lock store. Acquire is an
// atomic set-if-absent with expiry; Release is an atomic compare-and-delete
// that only succeeds for the token that holds the lock.
type Service interface {
	Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) (bool, error)
}

type StartLock struct {
	svc      Service
	ttl      time.Duration
	attempts int
	backoff  time.Duration
	log      *slog.Logger
	sleep    func(context.Context, time.Duration)
}

func NewStartLock(svc Service, ttl time.Duration, attempts int, backoff time.Duration, log *slog.Logger) *StartLock {
	if attempts <= 0 {
		attempts = 1
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if backoff < 0 {
		backoff = 0
	}
	if log == nil {
		log = slog.Default()
	}
	return &StartLock{
		svc:      svc,
		ttl:      ttl,
		attempts: attempts,
		backoff:  backoff,
		log:      log,
		sleep:    sleepCtx,
	}
}

// Acquire attempts the lock with linear backoff. It never returns an error:
// a broken or missing lock service degrades to fallback mode rather than
// blocking research from starting.
func (s *StartLock) Acquire(ctx context.Context, key string) Lock {
	if s.svc == nil {
		return Lock{Key: key, Fallback: true}
	}
	token := uuid.NewString()
	for attempt := 1; attempt <= s.attempts; attempt++ {
		ok, err := s.svc.Acquire(ctx, key, token, s.ttl)
		if err != nil {
			s.log.Warn("start lock unavailable, falling back to ledger dedup",
				"key", key, "attempt", attempt, "error", err)
			return Lock{Key: key, Fallback: true}
		}
		if ok {
			return Lock{Key: key, Token: token, Acquired: true}
		}
		if attempt < s.attempts {
			s.sleep(ctx, time.Duration(attempt)*s.backoff)
		}
	}
	return Lock{Key: key}
}

// Release frees an acquired lock. Releases of unheld or fallback locks are
// no-ops; a token mismatch on the service side is logged, not escalated.
func (s *StartLock) Release(ctx context.Context, lk Lock) {
	if !lk.Acquired || s.svc == nil {
		return
	}
	ok, err := s.svc.Release(ctx, lk.Key, lk.Token)
	if err != nil {
		s.log.Warn("start lock release failed", "key", lk.Key, "error", err)
		return
	}
	if !ok {
		s.log.Warn("start lock already expired or taken over", "key", lk.Key)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
