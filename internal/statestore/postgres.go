package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/quintrel/researchd/internal/research"
)

const stateSchema = `
CREATE TABLE IF NOT EXISTS conversation_states (
	id         TEXT PRIMARY KEY,
	data       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

type PostgresStore struct {
	db *sql.DB
}

func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, stateSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure conversation_states table: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*research.ConversationState, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM conversation_states WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read conversation state %s: %w", id, err)
	}
	state := &research.ConversationState{}
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, fmt.Errorf("decode conversation state %s: %w", id, err)
	}
	return state, nil
}

func (s *PostgresStore) Update(ctx context.Context, state *research.ConversationState) error {
	data, err := json.Marshal(state.Persistable())
	if err != nil {
		return fmt.Errorf("encode conversation state %s: %w", state.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversation_states (id, data, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
		state.ID, data)
	if err != nil {
		return fmt.Errorf("write conversation state %s: %w", state.ID, err)
	}
	return nil
}
