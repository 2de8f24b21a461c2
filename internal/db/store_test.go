package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Ship-Gate/ShipGate-sub013/internal/patch"
	"github.com/Ship-Gate/ShipGate-sub013/internal/recorder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	database, err := Open(filepath.Join(t.TempDir(), "shipgate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return NewStore(database)
}

func TestStore_SessionLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openStore(t)
	require.NoError(t, store.CreateSession(ctx, Session{ID: "s-1", Target: "/repo", SpecHash: "abc", Dir: "/repo/.shipgate/sessions/s-1"}))

	status, err := store.GetSessionStatus(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, status)

	sink := store.Sink("s-1")
	require.NoError(t, sink.RecordIteration(ctx, recorder.Snapshot{
		Iteration:         1,
		Outcome:           recorder.OutcomeAccepted,
		Applied:           []patch.Patch{{Kind: patch.KindInsert, File: "a.ts"}},
		FingerprintBefore: "f0",
		FingerprintAfter:  "f1",
		CodeHash:          "c1",
		Diagnostics:       []string{"note"},
		StartedAt:         time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Duration:          1500 * time.Millisecond,
	}))
	require.NoError(t, store.FinishSession(ctx, "s-1", Finish{OK: true, Reason: "shipped", Iterations: 1, BundleID: "b-1"}))

	sessions, err := store.ListSessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	got := sessions[0]
	assert.Equal(t, StatusFinished, got.Status)
	assert.True(t, got.OK)
	assert.Equal(t, "shipped", got.Reason)
	assert.Equal(t, 1, got.Iterations)
	assert.Equal(t, "b-1", got.BundleID)
	assert.NotEmpty(t, got.FinishedAt)

	var outcome string
	var durationMS int64
	require.NoError(t, store.DB().QueryRowContext(ctx, `SELECT outcome, duration_ms FROM iterations WHERE session_id=? AND iteration=1`, "s-1").
		Scan(&outcome, &durationMS))
	assert.Equal(t, "accepted", outcome)
	assert.Equal(t, int64(1500), durationMS)

	events, err := store.Events(ctx, "s-1")
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for i, ev := range events {
		assert.Equal(t, i+1, ev.Seq)
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{"session_started", "iteration_recorded", "session_finished"}, types)
}

func TestStore_DuplicateIterationFails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openStore(t)
	require.NoError(t, store.CreateSession(ctx, Session{ID: "s-1", Target: "/repo", SpecHash: "abc", Dir: "d"}))

	snap := recorder.Snapshot{Iteration: 1, Outcome: recorder.OutcomeNoChange}
	require.NoError(t, store.RecordIteration(ctx, "s-1", snap))
	require.Error(t, store.RecordIteration(ctx, "s-1", snap))

	events, err := store.Events(ctx, "s-1")
	require.NoError(t, err)
	assert.Len(t, events, 2, "a failed insert must not leave an event behind")
}

func TestStore_FinishUnknownSession(t *testing.T) {
	t.Parallel()

	err := openStore(t).FinishSession(context.Background(), "missing", Finish{Reason: "stuck"})
	require.Error(t, err)
}

func TestStore_MarkInterrupted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openStore(t)
	require.NoError(t, store.CreateSession(ctx, Session{ID: "done", Target: "/repo", SpecHash: "abc", Dir: "d1"}))
	require.NoError(t, store.FinishSession(ctx, "done", Finish{OK: true, Reason: "shipped"}))
	require.NoError(t, store.CreateSession(ctx, Session{ID: "crashed", Target: "/repo", SpecHash: "abc", Dir: "d2"}))

	ids, err := store.MarkInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"crashed"}, ids)

	status, err := store.GetSessionStatus(ctx, "crashed")
	require.NoError(t, err)
	assert.Equal(t, StatusInterrupted, status)

	status, err = store.GetSessionStatus(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, status)

	status, err = store.GetSessionStatus(ctx, "nope")
	require.NoError(t, err)
	assert.Empty(t, status)
}

func TestStore_DeleteSessionCascades(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openStore(t)
	require.NoError(t, store.CreateSession(ctx, Session{ID: "s-1", Target: "/repo", SpecHash: "abc", Dir: "d"}))
	require.NoError(t, store.RecordIteration(ctx, "s-1", recorder.Snapshot{Iteration: 1, Outcome: recorder.OutcomeNoChange}))
	require.NoError(t, store.DeleteSession(ctx, "s-1"))

	var n int
	require.NoError(t, store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM iterations`).Scan(&n))
	assert.Zero(t, n)
	require.NoError(t, store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n))
	assert.Zero(t, n)

	sessions, err := store.ListSessions(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestOpen_MigratesOnce(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "shipgate.db")
	database, err := Open(path)
	require.NoError(t, err)
	v, err := SchemaVersion(database)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	require.NoError(t, database.Close())

	database, err = Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	v, err = SchemaVersion(database)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	var fk int
	require.NoError(t, database.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)
}
