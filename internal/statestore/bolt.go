package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/quintrel/researchd/internal/research"
)

var stateBucket = []byte("conversation_states")

type BoltStore struct {
	db *bolt.DB
}

func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stateBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create state bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Get(ctx context.Context, id string) (*research.ConversationState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var state *research.ConversationState
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(stateBucket).Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		decoded := &research.ConversationState{}
		if err := json.Unmarshal(raw, decoded); err != nil {
			return fmt.Errorf("decode conversation state %s: %w", id, err)
		}
		state = decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (s *BoltStore) Update(ctx context.Context, state *research.ConversationState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(state.Persistable())
	if err != nil {
		return fmt.Errorf("encode conversation state %s: %w", state.ID, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucket).Put([]byte(state.ID), data)
	})
	if err != nil {
		return fmt.Errorf("write conversation state %s: %w", state.ID, err)
	}
	return nil
}
