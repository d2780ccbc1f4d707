package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WedSync/sync-engine/pkg/conflict"
)

func newAction(entity, op string) *Action {
	return &Action{
		ID:             NewID(),
		Op:             op,
		Entity:         entity,
		Payload:        json.RawMessage(`{"name":"Ada"}`),
		PayloadVersion: "1.0.0",
		Endpoint:       "guest.update",
		Strategy:       conflict.LastWriteWins,
		EnqueuedAt:     time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
}

func TestEnqueueAssignsSeqAndPending(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first := newAction("guest:1", "update")
	second := newAction("guest:2", "update")
	require.NoError(t, s.Enqueue(ctx, first))
	require.NoError(t, s.Enqueue(ctx, second))

	assert.Equal(t, StatusPending, first.Status)
	assert.Greater(t, second.Seq, first.Seq)

	got, err := s.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, "guest:1", got.Entity)
	assert.JSONEq(t, `{"name":"Ada"}`, string(got.Payload))
	assert.Equal(t, conflict.LastWriteWins, got.Strategy)
}

func TestGetMissingActionFails(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPendingOrdersBySeqAndHonorsLimit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		a := newAction("guest:1", "update")
		require.NoError(t, s.Enqueue(ctx, a))
		ids = append(ids, a.ID)
	}

	pending, err := s.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 5)
	for i, a := range pending {
		assert.Equal(t, ids[i], a.ID, "pending order must follow enqueue order")
	}

	limited, err := s.Pending(ctx, 3)
	require.NoError(t, err)
	require.Len(t, limited, 3)
	assert.Equal(t, ids[:3], []string{limited[0].ID, limited[1].ID, limited[2].ID})
}

func TestClaimTransitionsPendingToInFlight(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	a := newAction("guest:1", "update")
	require.NoError(t, s.Enqueue(ctx, a))

	at := time.Date(2026, 3, 14, 9, 5, 0, 0, time.UTC)
	ok, err := s.Claim(ctx, a.ID, at)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInFlight, got.Status)
	assert.Equal(t, at, got.LastAttemptAt)
}

func TestClaimReportsLostRaceWithoutError(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	a := newAction("guest:1", "update")
	require.NoError(t, s.Enqueue(ctx, a))

	ok, err := s.Claim(ctx, a.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	// Already IN_FLIGHT: the second claim loses quietly.
	ok, err = s.Claim(ctx, a.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	// Missing id behaves the same way.
	ok, err = s.Claim(ctx, "gone", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompleteRemovesAction(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	a := newAction("guest:1", "update")
	require.NoError(t, s.Enqueue(ctx, a))

	require.NoError(t, s.Complete(ctx, a.ID))
	_, err := s.Get(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.Complete(ctx, a.ID), ErrNotFound)
}

func TestFailCountsAttemptsAndReturnsToPending(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	a := newAction("guest:1", "update")
	require.NoError(t, s.Enqueue(ctx, a))

	for want := 1; want <= 3; want++ {
		ok, err := s.Claim(ctx, a.ID, time.Now())
		require.NoError(t, err)
		require.True(t, ok)

		n, err := s.Fail(ctx, a.ID, time.Now())
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 3, got.Attempts)
}

func TestReleaseDoesNotCountAnAttempt(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	a := newAction("guest:1", "update")
	require.NoError(t, s.Enqueue(ctx, a))

	ok, err := s.Claim(ctx, a.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Release(ctx, a.ID))

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
}

func TestMarkConflictedParksActionWithRemote(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	a := newAction("guest:1", "update")
	require.NoError(t, s.Enqueue(ctx, a))

	ok, err := s.Claim(ctx, a.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	remote := json.RawMessage(`{"name":"Grace"}`)
	require.NoError(t, s.MarkConflicted(ctx, a.ID, remote, time.Now()))

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConflicted, got.Status)
	assert.JSONEq(t, `{"name":"Grace"}`, string(got.Remote))

	conflicted, err := s.Conflicted(ctx)
	require.NoError(t, err)
	require.Len(t, conflicted, 1)
	assert.Equal(t, a.ID, conflicted[0].ID)

	// Parked actions are invisible to drains.
	pending, err := s.Pending(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestResubmitRewritesConflictedAction(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	a := newAction("guest:1", "update")
	require.NoError(t, s.Enqueue(ctx, a))

	// Resubmit demands the CONFLICTED state.
	err := s.Resubmit(ctx, a.ID, json.RawMessage(`{}`), conflict.LastWriteWins)
	assert.ErrorIs(t, err, ErrNotConflicted)

	ok, err := s.Claim(ctx, a.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	_, err = s.Fail(ctx, a.ID, time.Now())
	require.NoError(t, err)
	ok, err = s.Claim(ctx, a.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.MarkConflicted(ctx, a.ID, json.RawMessage(`{"v":2}`), time.Now()))

	merged := json.RawMessage(`{"name":"Ada","rsvp":"yes"}`)
	require.NoError(t, s.Resubmit(ctx, a.ID, merged, conflict.Merge))

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.JSONEq(t, string(merged), string(got.Payload))
	assert.Equal(t, conflict.Merge, got.Strategy)
	assert.Equal(t, 0, got.Attempts, "resolution starts a fresh attempt budget")
	assert.Empty(t, got.Remote)
}

func TestCancelRemovesOnlyPendingActions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	a := newAction("guest:1", "update")
	require.NoError(t, s.Enqueue(ctx, a))

	b := newAction("guest:2", "update")
	require.NoError(t, s.Enqueue(ctx, b))
	ok, err := s.Claim(ctx, b.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Cancel(ctx, a.ID))
	_, err = s.Get(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.Cancel(ctx, b.ID), ErrNotPending)
	assert.ErrorIs(t, s.Cancel(ctx, "gone"), ErrNotFound)
}

func TestRequeueStaleInFlight(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	stale := newAction("guest:1", "update")
	fresh := newAction("guest:2", "update")
	require.NoError(t, s.Enqueue(ctx, stale))
	require.NoError(t, s.Enqueue(ctx, fresh))

	ok, err := s.Claim(ctx, stale.ID, now.Add(-10*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.Claim(ctx, fresh.ID, now.Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	moved, err := s.RequeueStaleInFlight(ctx, now.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	gotStale, err := s.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, gotStale.Status)

	gotFresh, err := s.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInFlight, gotFresh.Status)
}

func TestDeadLetterMovesActionOut(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	a := newAction("guest:1", "update")
	require.NoError(t, s.Enqueue(ctx, a))

	deadAt := time.Date(2026, 3, 14, 13, 0, 0, 0, time.UTC)
	require.NoError(t, s.DeadLetter(ctx, a.ID, "exhausted 5 attempts", deadAt))

	_, err := s.Get(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	size, err := s.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)

	letters, err := s.DeadLetters(ctx, 0)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, a.ID, letters[0].ID)
	assert.Equal(t, "exhausted 5 attempts", letters[0].Reason)
	assert.Equal(t, deadAt, letters[0].DeadAt)
	assert.Equal(t, StatusDead, letters[0].Status)
}

func TestDeadLettersNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 13, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 3; i++ {
		a := newAction("guest:1", "update")
		require.NoError(t, s.Enqueue(ctx, a))
		require.NoError(t, s.DeadLetter(ctx, a.ID, "gone", base.Add(time.Duration(i)*time.Minute)))
		ids = append(ids, a.ID)
	}

	letters, err := s.DeadLetters(ctx, 2)
	require.NoError(t, err)
	require.Len(t, letters, 2)
	assert.Equal(t, ids[2], letters[0].ID)
	assert.Equal(t, ids[1], letters[1].ID)
}

func TestRequeueDeadRestoresPendingWithFreshSeq(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a := newAction("guest:1", "update")
	require.NoError(t, s.Enqueue(ctx, a))
	require.NoError(t, s.DeadLetter(ctx, a.ID, "gone", time.Now()))

	// Something else arrives while the action sits in dead letters.
	later := newAction("guest:1", "update")
	require.NoError(t, s.Enqueue(ctx, later))

	require.NoError(t, s.RequeueDead(ctx, a.ID))
	assert.ErrorIs(t, s.RequeueDead(ctx, a.ID), ErrNotFound)

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Zero(t, got.Attempts)
	assert.Greater(t, got.Seq, later.Seq, "requeued action runs after everything queued since it died")

	letters, err := s.DeadLetters(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, letters)
}

func TestStatsCountsByStatus(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	pending := newAction("guest:1", "update")
	inflight := newAction("guest:2", "update")
	conflicted := newAction("guest:3", "update")
	dead := newAction("guest:4", "update")
	for _, a := range []*Action{pending, inflight, conflicted, dead} {
		require.NoError(t, s.Enqueue(ctx, a))
	}

	ok, err := s.Claim(ctx, inflight.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Claim(ctx, conflicted.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.MarkConflicted(ctx, conflicted.ID, json.RawMessage(`{}`), time.Now()))

	require.NoError(t, s.DeadLetter(ctx, dead.ID, "gone", time.Now()))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 1, InFlight: 1, Conflicted: 1, Dead: 1}, stats)

	size, err := s.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, size)
}

func TestActionKind(t *testing.T) {
	a := &Action{Entity: "guest:42"}
	assert.Equal(t, "guest", a.Kind())

	a = &Action{Entity: "timeline"}
	assert.Equal(t, "timeline", a.Kind())
}

func TestNewIDsAreUniqueAndTimeOrdered(t *testing.T) {
	prev := NewID()
	for i := 0; i < 100; i++ {
		next := NewID()
		require.NotEqual(t, prev, next)
		// UUIDv7 sorts by creation time at millisecond resolution, so a
		// tight loop only guarantees non-decreasing order.
		require.GreaterOrEqual(t, next, prev)
		prev = next
	}
}
