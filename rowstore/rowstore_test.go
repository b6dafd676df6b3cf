package rowstore

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
		CREATE TABLE teams (
			id TEXT PRIMARY KEY,
			name TEXT,
			score INTEGER,
			is_active INTEGER,
			updated_at TIMESTAMP
		)`)
	require.NoError(t, err)

	return NewStore(zaptest.NewLogger(t), db, []Table{
		{Name: "teams", ActiveColumn: "is_active", UpdatedAtColumn: "updated_at"},
	})
}

func apply(t *testing.T, store *Store, fn func(*Batch) error) {
	t.Helper()
	batch, err := store.BeginBatch(context.Background())
	require.NoError(t, err)
	require.NoError(t, fn(batch))
	require.NoError(t, batch.Commit())
}

func TestUpsertInsertsAndOverwrites(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	apply(t, store, func(b *Batch) error {
		return b.Upsert(ctx, "teams", "team-1", map[string]interface{}{
			"name": "alpha", "score": 10, "is_active": true,
		})
	})

	row, err := store.Get(ctx, "teams", "team-1")
	require.NoError(t, err)
	assert.Equal(t, "alpha", row["name"])
	assert.EqualValues(t, 10, row["score"])

	// overwrite every provided field, identity untouched
	apply(t, store, func(b *Batch) error {
		return b.Upsert(ctx, "teams", "team-1", map[string]interface{}{
			"id": "ignored", "name": "alpha prime", "score": 12,
		})
	})

	row, err = store.Get(ctx, "teams", "team-1")
	require.NoError(t, err)
	assert.Equal(t, "alpha prime", row["name"])
	assert.EqualValues(t, 12, row["score"])
}

func TestUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	fields := map[string]interface{}{"name": "beta", "score": 3, "is_active": true}
	for i := 0; i < 2; i++ {
		apply(t, store, func(b *Batch) error {
			return b.Upsert(ctx, "teams", "team-2", fields)
		})
	}

	row, err := store.Get(ctx, "teams", "team-2")
	require.NoError(t, err)
	assert.Equal(t, "beta", row["name"])
	assert.EqualValues(t, 3, row["score"])
}

func TestDeleteRemovesRow(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	apply(t, store, func(b *Batch) error {
		return b.Upsert(ctx, "teams", "team-3", map[string]interface{}{"name": "gamma"})
	})
	apply(t, store, func(b *Batch) error {
		return b.Delete(ctx, "teams", "team-3")
	})

	row, err := store.Get(ctx, "teams", "team-3")
	require.NoError(t, err)
	assert.Nil(t, row)

	// deleting a missing row is not an error
	apply(t, store, func(b *Batch) error {
		return b.Delete(ctx, "teams", "team-3")
	})
}

func TestSetActiveFlipsFlagAndBumpsTimestamp(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	frozen := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	store.nowFn = func() time.Time { return frozen }

	apply(t, store, func(b *Batch) error {
		return b.Upsert(ctx, "teams", "team-4", map[string]interface{}{
			"name": "delta", "is_active": true,
		})
	})

	apply(t, store, func(b *Batch) error {
		return b.SetActive(ctx, "teams", "team-4", false)
	})
	row, err := store.Get(ctx, "teams", "team-4")
	require.NoError(t, err)
	assert.EqualValues(t, 0, row["is_active"], "stored flag reads back as sqlite integer")
	assert.NotNil(t, row["updated_at"])

	apply(t, store, func(b *Batch) error {
		return b.SetActive(ctx, "teams", "team-4", true)
	})
	row, err = store.Get(ctx, "teams", "team-4")
	require.NoError(t, err)
	assert.EqualValues(t, 1, row["is_active"])
	assert.Equal(t, "delta", row["name"], "other fields survive the flag flip")
}

func TestUnknownTable(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	assert.False(t, store.Known("ghosts"))
	batch, err := store.BeginBatch(ctx)
	require.NoError(t, err)
	defer func() { _ = batch.Rollback() }()

	assert.True(t, ErrUnknownTable.Has(batch.Upsert(ctx, "ghosts", "g-1", nil)))
	assert.True(t, ErrUnknownTable.Has(batch.Delete(ctx, "ghosts", "g-1")))
}

func TestBatchRollback(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	batch, err := store.BeginBatch(ctx)
	require.NoError(t, err)
	require.NoError(t, batch.Upsert(ctx, "teams", "team-5", map[string]interface{}{"name": "epsilon"}))
	require.NoError(t, batch.Rollback())

	row, err := store.Get(ctx, "teams", "team-5")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestUpsertRejectsHostileColumnName(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	batch, err := store.BeginBatch(ctx)
	require.NoError(t, err)
	defer func() { _ = batch.Rollback() }()

	err = batch.Upsert(ctx, "teams", "team-6", map[string]interface{}{
		"name; DROP TABLE teams": "x",
	})
	require.Error(t, err)
}
