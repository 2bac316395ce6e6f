package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var lockBucket = []byte("start_locks")

type lockRecord struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// BoltService implements Service on an embedded bbolt database. Bolt's
// single-writer transactions give the set-if-absent and compare-and-delete
// operations their atomicity.
type BoltService struct {
	db  *bolt.DB
	now func() time.Time
}

func OpenBolt(path string) (*BoltService, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open lock db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(lockBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create lock bucket: %w", err)
	}
	return &BoltService{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *BoltService) Close() error {
	return s.db.Close()
}

func (s *BoltService) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	acquired := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(lockBucket)
		now := s.now()
		if raw := bucket.Get([]byte(key)); raw != nil {
			var rec lockRecord
			if err := json.Unmarshal(raw, &rec); err == nil && now.Before(rec.ExpiresAt) {
				// Held by someone else and not expired.
				return nil
			}
		}
		data, err := json.Marshal(lockRecord{Token: token, ExpiresAt: now.Add(ttl)})
		if err != nil {
			return fmt.Errorf("marshal lock record: %w", err)
		}
		if err := bucket.Put([]byte(key), data); err != nil {
			return fmt.Errorf("write lock record: %w", err)
		}
		acquired = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return acquired, nil
}

func (s *BoltService) Release(ctx context.Context, key, token string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	released := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(lockBucket)
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return nil
		}
		var rec lockRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decode lock record: %w", err)
		}
		if rec.Token != token {
			return nil
		}
		if err := bucket.Delete([]byte(key)); err != nil {
			return fmt.Errorf("delete lock record: %w", err)
		}
		released = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return released, nil
}
