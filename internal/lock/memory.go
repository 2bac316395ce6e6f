package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryService is an in-process Service used in tests and single-node
// deployments that do not configure a lock path.
type MemoryService struct {
	mu    sync.Mutex
	locks map[string]lockRecord
	Now   func() time.Time
}

func NewMemoryService() *MemoryService {
	return &MemoryService{
		locks: map[string]lockRecord{},
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryService) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()
	if rec, ok := s.locks[key]; ok && now.Before(rec.ExpiresAt) {
		return false, nil
	}
	s.locks[key] = lockRecord{Token: token, ExpiresAt: now.Add(ttl)}
	return true, nil
}

// Held reports whether an unexpired lock exists for key.
func (s *MemoryService) Held(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.locks[key]
	return ok && s.Now().Before(rec.ExpiresAt)
}

func (s *MemoryService) Release(ctx context.Context, key, token string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.locks[key]
	if !ok || rec.Token != token {
		return false, nil
	}
	delete(s.locks, key)
	return true, nil
}
