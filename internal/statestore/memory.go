package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/quintrel/researchd/internal/research"
)

// MemoryStore keeps conversation states in a map. Records round-trip
// through JSON so tests observe the same stripping and copy semantics as
// the durable backends.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: map[string][]byte{}}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*research.ConversationState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	raw, ok := s.states[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	state := &research.ConversationState{}
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, fmt.Errorf("decode conversation state %s: %w", id, err)
	}
	return state, nil
}

func (s *MemoryStore) Update(ctx context.Context, state *research.ConversationState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(state.Persistable())
	if err != nil {
		return fmt.Errorf("encode conversation state %s: %w", state.ID, err)
	}
	s.mu.Lock()
	s.states[state.ID] = data
	s.mu.Unlock()
	return nil
}
