package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCreateAutoSubscribesCreator(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task, err := store.Create(ctx, CreateInput{
		TaskType: "reports.generate",
		TaskKey:  "q4",
		Scope:    ScopePrivate,
		UserID:   uid(7),
	})
	require.NoError(t, err)
	require.Equal(t, StatusPending, task.Status)
	require.NotEmpty(t, task.UUID)
	require.Equal(t, ActiveDedupKey(ScopePrivate, "reports.generate", "q4", uid(7)), task.DedupKey)

	subscribed, err := store.IsSubscriber(ctx, task.ID, 7)
	require.NoError(t, err)
	require.True(t, subscribed)
}

func TestCreatePrivateRequiresUser(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Create(context.Background(), CreateInput{
		TaskType: "reports.generate",
		TaskKey:  "q4",
		Scope:    ScopePrivate,
	})
	require.Error(t, err)
}

func TestLookupActive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, CreateInput{
		TaskType: "reports.generate",
		TaskKey:  "q4",
		Scope:    ScopeShared,
		UserID:   uid(7),
	})
	require.NoError(t, err)

	found, err := store.LookupActive(ctx, "reports.generate", "q4", ScopeShared, nil)
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, created.UUID, found.UUID)

	// A different key misses.
	miss, err := store.LookupActive(ctx, "reports.generate", "q3", ScopeShared, nil)
	require.NoError(t, err)
	require.Nil(t, miss)
}

func TestConditionalStatusUpdateRaces(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	task := createPending(t, store, ScopeShared, uid(7))

	ok, err := store.ConditionalStatusUpdate(ctx, task.UUID, StatusInProgress,
		[]Status{StatusPending}, StatusUpdateOptions{SetStartedAt: true})
	require.NoError(t, err)
	require.True(t, ok)

	// Second claim loses: the row is no longer pending.
	ok, err = store.ConditionalStatusUpdate(ctx, task.UUID, StatusInProgress,
		[]Status{StatusPending}, StatusUpdateOptions{SetStartedAt: true})
	require.NoError(t, err)
	require.False(t, ok)

	refreshed, err := store.Find(ctx, task.UUID)
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, refreshed.Status)
	require.NotNil(t, refreshed.StartedAt)
	require.Nil(t, refreshed.EndedAt)
}

func TestTerminalTransitionFreesDedupSlot(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	task := createPending(t, store, ScopeShared, uid(7))
	markInProgress(t, store, task.UUID, false)

	ok, err := store.ConditionalStatusUpdate(ctx, task.UUID, StatusSuccess,
		[]Status{StatusInProgress}, StatusUpdateOptions{})
	require.NoError(t, err)
	require.True(t, ok)

	refreshed, err := store.Find(ctx, task.UUID)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, refreshed.Status)
	require.NotNil(t, refreshed.EndedAt)
	require.Equal(t, FinishedDedupKey(task.UUID), refreshed.DedupKey)

	// The slot is free: an identical submit no longer finds an active row.
	found, err := store.LookupActive(ctx, task.TaskType, task.TaskKey, ScopeShared, nil)
	require.NoError(t, err)
	require.Nil(t, found)
}

func TestSetPropertiesAndPayloadNeverTouchesStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	task := createPending(t, store, ScopeShared, uid(7))

	ok, err := store.SetPropertiesAndPayload(ctx, task.UUID,
		map[string]any{PropProgressPercent: 0.5},
		map[string]any{"rows": 100},
	)
	require.NoError(t, err)
	require.True(t, ok)

	refreshed, err := store.Find(ctx, task.UUID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, refreshed.Status)
	require.Equal(t, 0.5, refreshed.PropertiesMap()[PropProgressPercent])
	require.Equal(t, float64(100), refreshed.PayloadMap()["rows"])
}

func TestAbortPendingTask(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	task := createPending(t, store, ScopePrivate, uid(7))

	aborted, err := store.Abort(ctx, task.UUID, Identity{UserID: uid(7)}, false)
	require.NoError(t, err)
	require.Equal(t, StatusAborted, aborted.Status)
	require.NotNil(t, aborted.EndedAt)
}

func TestAbortInProgressRequiresAbortable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	task := createPending(t, store, ScopePrivate, uid(7))
	markInProgress(t, store, task.UUID, false)

	_, err := store.Abort(ctx, task.UUID, Identity{UserID: uid(7)}, false)
	require.ErrorIs(t, err, ErrNotAbortable)
}

func TestAbortInProgressAbortable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	task := createPending(t, store, ScopePrivate, uid(7))
	markInProgress(t, store, task.UUID, true)

	aborting, err := store.Abort(ctx, task.UUID, Identity{UserID: uid(7)}, false)
	require.NoError(t, err)
	require.Equal(t, StatusAborting, aborting.Status)

	// Idempotent while aborting.
	again, err := store.Abort(ctx, task.UUID, Identity{UserID: uid(7)}, false)
	require.NoError(t, err)
	require.Equal(t, StatusAborting, again.Status)
}

func TestAbortTerminalIsNoOp(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	task := createPending(t, store, ScopePrivate, uid(7))
	markInProgress(t, store, task.UUID, true)

	ok, err := store.ConditionalStatusUpdate(ctx, task.UUID, StatusSuccess,
		[]Status{StatusInProgress}, StatusUpdateOptions{})
	require.NoError(t, err)
	require.True(t, ok)

	result, err := store.Abort(ctx, task.UUID, Identity{UserID: uid(7)}, false)
	require.NoError(t, err)
	require.Nil(t, result)
}

func TestGetVisibility(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	task := createPending(t, store, ScopePrivate, uid(7))

	// Creator (subscriber) sees it.
	got, err := store.Get(ctx, task.UUID, Identity{UserID: uid(7)})
	require.NoError(t, err)
	require.Equal(t, task.UUID, got.UUID)

	// A stranger gets not-found, not forbidden: existence is not leaked.
	_, err = store.Get(ctx, task.UUID, Identity{UserID: uid(8)})
	require.ErrorIs(t, err, ErrNotFound)

	// Admins see everything.
	got, err = store.Get(ctx, task.UUID, Identity{Admin: true})
	require.NoError(t, err)
	require.Equal(t, task.UUID, got.UUID)
}

func TestGetStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	task := createPending(t, store, ScopePrivate, uid(7))

	status, err := store.GetStatus(ctx, task.UUID, Identity{UserID: uid(7)})
	require.NoError(t, err)
	require.Equal(t, StatusPending, status)

	// Same visibility filter as Get: strangers learn nothing.
	_, err = store.GetStatus(ctx, task.UUID, Identity{UserID: uid(8)})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveSubscriber(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	task := createPending(t, store, ScopeShared, uid(7))

	added, err := store.AddSubscriber(ctx, task.ID, 8)
	require.NoError(t, err)
	require.True(t, added)

	// Duplicate subscribe reports no new row.
	added, err = store.AddSubscriber(ctx, task.ID, 8)
	require.NoError(t, err)
	require.False(t, added)

	refreshed, err := store.RemoveSubscriber(ctx, task.ID, 8)
	require.NoError(t, err)
	require.Len(t, refreshed.Subscribers, 1)

	count, err := store.CountSubscribers(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestPruneCandidatesAndDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := createPending(t, store, ScopePrivate, uid(7))
	markInProgress(t, store, old.UUID, false)
	ok, err := store.ConditionalStatusUpdate(ctx, old.UUID, StatusSuccess,
		[]Status{StatusInProgress}, StatusUpdateOptions{})
	require.NoError(t, err)
	require.True(t, ok)

	// Push ended_at past the cutoff.
	longAgo := time.Now().AddDate(0, 0, -60)
	require.NoError(t, store.db.Model(&Task{}).
		Where("uuid = ?", old.UUID).
		Update("ended_at", longAgo).Error)

	fresh := createPending(t, store, ScopePrivate, uid(7))

	cutoff := time.Now().AddDate(0, 0, -30)
	ids, err := store.PruneCandidateIDs(ctx, cutoff, 0)
	require.NoError(t, err)
	require.Equal(t, []int64{old.ID}, ids)

	deleted, err := store.DeleteBatch(ctx, ids)
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)

	gone, err := store.Find(ctx, old.UUID)
	require.NoError(t, err)
	require.Nil(t, gone)

	// Subscriber rows go with the task.
	count, err := store.CountSubscribers(ctx, old.ID)
	require.NoError(t, err)
	require.Zero(t, count)

	// Active rows are never candidates, cutoff or not.
	kept, err := store.Find(ctx, fresh.UUID)
	require.NoError(t, err)
	require.NotNil(t, kept)
}
