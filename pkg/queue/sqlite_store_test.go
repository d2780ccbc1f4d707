package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WedSync/sync-engine/pkg/conflict"
)

func openSQLite(t *testing.T) (*SQLiteStore, *sql.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return store, db, path
}

func TestSQLiteLifecycleRoundTrip(t *testing.T) {
	store, _, _ := openSQLite(t)
	ctx := context.Background()

	a := newAction("guest:7", "update")
	require.NoError(t, store.Enqueue(ctx, a))
	assert.Positive(t, a.Seq)

	got, err := store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Entity, got.Entity)
	assert.Equal(t, a.Op, got.Op)
	assert.Equal(t, "1.0.0", got.PayloadVersion)
	assert.Equal(t, "guest.update", got.Endpoint)
	assert.Equal(t, conflict.LastWriteWins, got.Strategy)
	assert.JSONEq(t, string(a.Payload), string(got.Payload))
	assert.True(t, got.EnqueuedAt.Equal(a.EnqueuedAt), "enqueued_at must round-trip")

	at := time.Date(2026, 3, 14, 9, 5, 0, 0, time.UTC)
	ok, err := store.Claim(ctx, a.ID, at)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := store.Fail(ctx, a.ID, at.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ok, err = store.Claim(ctx, a.ID, at.Add(2*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	remote := json.RawMessage(`{"rsvp":"no"}`)
	require.NoError(t, store.MarkConflicted(ctx, a.ID, remote, at.Add(3*time.Minute)))
	got, err = store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConflicted, got.Status)
	assert.JSONEq(t, string(remote), string(got.Remote))
	assert.Equal(t, 1, got.Attempts)

	merged := json.RawMessage(`{"name":"Ada","rsvp":"no"}`)
	require.NoError(t, store.Resubmit(ctx, a.ID, merged, conflict.Merge))
	got, err = store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, conflict.Merge, got.Strategy)
	assert.Zero(t, got.Attempts)
	assert.Empty(t, got.Remote)
	assert.JSONEq(t, string(merged), string(got.Payload))

	ok, err = store.Claim(ctx, a.ID, at.Add(4*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.Complete(ctx, a.ID))
	_, err = store.Get(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	store, db, path := openSQLite(t)
	ctx := context.Background()

	a := newAction("guest:1", "update")
	b := newAction("guest:2", "delete")
	require.NoError(t, store.Enqueue(ctx, a))
	require.NoError(t, store.Enqueue(ctx, b))

	at := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	ok, err := store.Claim(ctx, a.ID, at)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = store.Fail(ctx, a.ID, at)
	require.NoError(t, err)

	require.NoError(t, db.Close())

	// A new process over the same file sees the same queue.
	db2, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db2.Close() })
	reopened, err := NewSQLiteStore(db2)
	require.NoError(t, err)

	pending, err := reopened.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, a.ID, pending[0].ID)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.True(t, pending[0].LastAttemptAt.Equal(at))
	assert.Equal(t, b.ID, pending[1].ID)
	assert.Equal(t, conflict.LastWriteWins, pending[1].Strategy)
}

func TestSQLitePendingOrderAndLimit(t *testing.T) {
	store, _, _ := openSQLite(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		a := newAction("task:9", "update")
		require.NoError(t, store.Enqueue(ctx, a))
		ids = append(ids, a.ID)
	}

	pending, err := store.Pending(ctx, 2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, ids[0], pending[0].ID)
	assert.Equal(t, ids[1], pending[1].ID)

	all, err := store.Pending(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestSQLiteDeadLetterMoveIsAtomic(t *testing.T) {
	store, _, _ := openSQLite(t)
	ctx := context.Background()

	a := newAction("guest:3", "update")
	require.NoError(t, store.Enqueue(ctx, a))

	deadAt := time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC)
	require.NoError(t, store.DeadLetter(ctx, a.ID, "exhausted 5 attempts: timeout", deadAt))

	_, err := store.Get(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	letters, err := store.DeadLetters(ctx, 0)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, a.ID, letters[0].ID)
	assert.Equal(t, "exhausted 5 attempts: timeout", letters[0].Reason)
	assert.True(t, letters[0].DeadAt.Equal(deadAt))
	assert.JSONEq(t, string(a.Payload), string(letters[0].Payload))

	// Dead-lettering a missing action fails cleanly.
	assert.ErrorIs(t, store.DeadLetter(ctx, "gone", "r", deadAt), ErrNotFound)
}

func TestSQLiteRequeueDeadAssignsFreshSeq(t *testing.T) {
	store, _, _ := openSQLite(t)
	ctx := context.Background()

	a := newAction("guest:4", "update")
	require.NoError(t, store.Enqueue(ctx, a))
	require.NoError(t, store.DeadLetter(ctx, a.ID, "gone", time.Now()))

	later := newAction("guest:4", "update")
	require.NoError(t, store.Enqueue(ctx, later))

	require.NoError(t, store.RequeueDead(ctx, a.ID))

	got, err := store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Zero(t, got.Attempts)
	assert.Greater(t, got.Seq, later.Seq)

	letters, err := store.DeadLetters(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, letters)

	assert.ErrorIs(t, store.RequeueDead(ctx, a.ID), ErrNotFound)
}

func TestSQLiteRequeueStaleInFlight(t *testing.T) {
	store, _, _ := openSQLite(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	stale := newAction("guest:5", "update")
	fresh := newAction("guest:6", "update")
	require.NoError(t, store.Enqueue(ctx, stale))
	require.NoError(t, store.Enqueue(ctx, fresh))

	ok, err := store.Claim(ctx, stale.ID, now.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.Claim(ctx, fresh.ID, now.Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	moved, err := store.RequeueStaleInFlight(ctx, now.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	pending, err := store.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, stale.ID, pending[0].ID)
}

func TestSQLiteCancelDistinguishesStates(t *testing.T) {
	store, _, _ := openSQLite(t)
	ctx := context.Background()

	a := newAction("guest:8", "update")
	require.NoError(t, store.Enqueue(ctx, a))
	require.NoError(t, store.Cancel(ctx, a.ID))
	_, err := store.Get(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	b := newAction("guest:9", "update")
	require.NoError(t, store.Enqueue(ctx, b))
	ok, err := store.Claim(ctx, b.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	assert.ErrorIs(t, store.Cancel(ctx, b.ID), ErrNotPending)

	assert.ErrorIs(t, store.Cancel(ctx, "gone"), ErrNotFound)
}

func TestSQLiteResubmitRequiresConflictedState(t *testing.T) {
	store, _, _ := openSQLite(t)
	ctx := context.Background()

	a := newAction("guest:10", "update")
	require.NoError(t, store.Enqueue(ctx, a))

	err := store.Resubmit(ctx, a.ID, json.RawMessage(`{}`), conflict.LastWriteWins)
	assert.ErrorIs(t, err, ErrNotConflicted)

	err = store.Resubmit(ctx, "gone", json.RawMessage(`{}`), conflict.LastWriteWins)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteClaimIsAtomic(t *testing.T) {
	store, _, _ := openSQLite(t)
	ctx := context.Background()

	a := newAction("guest:11", "update")
	require.NoError(t, store.Enqueue(ctx, a))

	ok, err := store.Claim(ctx, a.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Claim(ctx, a.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "a second claim must lose")
}

func TestSQLiteStatsAndSize(t *testing.T) {
	store, _, _ := openSQLite(t)
	ctx := context.Background()

	p := newAction("guest:12", "update")
	f := newAction("guest:13", "update")
	c := newAction("guest:14", "update")
	d := newAction("guest:15", "update")
	for _, a := range []*Action{p, f, c, d} {
		require.NoError(t, store.Enqueue(ctx, a))
	}

	ok, err := store.Claim(ctx, f.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Claim(ctx, c.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.MarkConflicted(ctx, c.ID, json.RawMessage(`{}`), time.Now()))

	require.NoError(t, store.DeadLetter(ctx, d.ID, "gone", time.Now()))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 1, InFlight: 1, Conflicted: 1, Dead: 1}, stats)

	size, err := store.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, size)
}

func TestSQLiteCorruptStrategySurfaces(t *testing.T) {
	store, db, _ := openSQLite(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `
	INSERT INTO sync_actions (id, op, entity, payload, payload_version, endpoint, strategy, enqueued_at)
	VALUES ('bad', 'update', 'guest:1', '{}', '1.0.0', 'guest.update', 'not-a-strategy', '2026-03-14T09:00:00Z')`)
	require.NoError(t, err)

	_, err = store.Get(ctx, "bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt strategy")
}
