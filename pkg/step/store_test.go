package step

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_FirstWriteWins(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "run-1", "b", json.RawMessage(`1`)))
	require.NoError(t, store.Save(ctx, "run-1", "b", json.RawMessage(`2`)))
	require.NoError(t, store.Save(ctx, "run-1", "a", json.RawMessage(`3`)))

	out, ok, err := store.Load(ctx, "run-1", "b")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `1`, string(out))

	_, ok, err = store.Load(ctx, "run-2", "b")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []string{"a", "b"}, store.Steps("run-1"))
	assert.Empty(t, store.Steps("run-2"))
}

func getTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping step store tests")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return pool
}

func TestPostgresStore(t *testing.T) {
	store := NewPostgresStore(getTestPool(t))
	ctx := context.Background()
	require.NoError(t, store.InitSchema(ctx))
	require.NoError(t, store.InitSchema(ctx))

	runID := uuid.NewString()
	_, ok, err := store.Load(ctx, runID, "node-1/send")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Save(ctx, runID, "node-1/send", json.RawMessage(`{"id":"m-1"}`)))
	require.NoError(t, store.Save(ctx, runID, "node-1/send", json.RawMessage(`{"id":"m-2"}`)))

	out, ok, err := store.Load(ctx, runID, "node-1/send")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"id":"m-1"}`, string(out))
}

func TestPostgresStore_ReplaysAcrossRunners(t *testing.T) {
	store := NewPostgresStore(getTestPool(t))
	ctx := context.Background()
	require.NoError(t, store.InitSchema(ctx))

	runID := uuid.NewString()
	calls := 0
	fn := func(context.Context) (map[string]any, error) {
		calls++
		return map[string]any{"n": calls}, nil
	}

	first, err := Do(ctx, newTestRunner(store, runID, 0).Scope("node-1"), "fetch", fn)
	require.NoError(t, err)
	second, err := Do(ctx, newTestRunner(store, runID, 0).Scope("node-1"), "fetch", fn)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, first, second)
}
