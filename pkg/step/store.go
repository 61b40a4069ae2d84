package step

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MemoryStore keeps step results in process memory.
type MemoryStore struct {
	mu sync.RWMutex
	m  map[string]map[string]json.RawMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: map[string]map[string]json.RawMessage{}}
}

func (s *MemoryStore) Load(_ context.Context, runID, name string) (json.RawMessage, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if run, ok := s.m[runID]; ok {
		if out, ok := run[name]; ok {
			return out, true, nil
		}
	}
	return nil, false, nil
}

func (s *MemoryStore) Save(_ context.Context, runID, name string, output json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[runID]; !ok {
		s.m[runID] = map[string]json.RawMessage{}
	}
	if _, exists := s.m[runID][name]; !exists {
		s.m[runID][name] = output
	}
	return nil
}

// Steps returns the sorted names of the completed steps of a run.
func (s *MemoryStore) Steps(runID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.m[runID]))
}

// PostgresStore keeps step results in the step_results table.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: pool}
}

// InitSchema creates the step_results table if it does not exist.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS step_results (
			run_id     TEXT NOT NULL,
			step_name  TEXT NOT NULL,
			output     JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (run_id, step_name)
		)
	`)
	if err != nil {
		return fmt.Errorf("init step schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, runID, name string) (json.RawMessage, bool, error) {
	var out []byte
	err := s.db.QueryRow(ctx, `
		SELECT output FROM step_results WHERE run_id = $1 AND step_name = $2
	`, runID, name).Scan(&out)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load step result: %w", err)
	}
	return out, true, nil
}

// Save records output unless a result for the step already exists; the first
// completed result wins.
func (s *PostgresStore) Save(ctx context.Context, runID, name string, output json.RawMessage) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO step_results (run_id, step_name, output)
		VALUES ($1, $2, $3)
		ON CONFLICT (run_id, step_name) DO NOTHING
	`, runID, name, []byte(output))
	if err != nil {
		return fmt.Errorf("save step result: %w", err)
	}
	return nil
}
