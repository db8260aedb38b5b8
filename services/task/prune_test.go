package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gtf/pkg/config"
)

func finishTask(t *testing.T, store *Store, taskUUID string, endedDaysAgo int) {
	t.Helper()
	ctx := context.Background()
	markInProgress(t, store, taskUUID, false)
	ok, err := store.ConditionalStatusUpdate(ctx, taskUUID, StatusSuccess,
		[]Status{StatusInProgress}, StatusUpdateOptions{})
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.db.Model(&Task{}).
		Where("uuid = ?", taskUUID).
		Update("ended_at", time.Now().AddDate(0, 0, -endedDaysAgo)).Error)
}

func TestPruneDeletesExpiredTerminalTasks(t *testing.T) {
	store := newTestStore(t)
	cfg := &config.Config{Tasks: config.DefaultTasks()}
	cfg.Tasks.RetentionDays = 30
	pruner := NewPruner(store, cfg)
	ctx := context.Background()

	expired := createPending(t, store, ScopePrivate, uid(7))
	finishTask(t, store, expired.UUID, 45)

	recent := createPending(t, store, ScopePrivate, uid(7))
	finishTask(t, store, recent.UUID, 5)

	running := createPending(t, store, ScopePrivate, uid(7))

	deleted, err := pruner.Prune(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)

	gone, err := store.Find(ctx, expired.UUID)
	require.NoError(t, err)
	require.Nil(t, gone)

	for _, uuid := range []string{recent.UUID, running.UUID} {
		kept, err := store.Find(ctx, uuid)
		require.NoError(t, err)
		require.NotNil(t, kept)
	}
}

func TestPruneRespectsMaxRows(t *testing.T) {
	store := newTestStore(t)
	cfg := &config.Config{Tasks: config.DefaultTasks()}
	cfg.Tasks.RetentionDays = 30
	cfg.Tasks.PruneMaxRows = 2
	pruner := NewPruner(store, cfg)

	for i := 0; i < 3; i++ {
		task := createPending(t, store, ScopePrivate, uid(7))
		finishTask(t, store, task.UUID, 40+i)
	}

	deleted, err := pruner.Prune(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), deleted)
}

func TestPruneOldestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	newer := createPending(t, store, ScopePrivate, uid(7))
	finishTask(t, store, newer.UUID, 40)
	older := createPending(t, store, ScopePrivate, uid(7))
	finishTask(t, store, older.UUID, 60)

	ids, err := store.PruneCandidateIDs(ctx, time.Now().AddDate(0, 0, -30), 1)
	require.NoError(t, err)
	require.Equal(t, []int64{older.ID}, ids)
}

func TestPruneNothingToDo(t *testing.T) {
	store := newTestStore(t)
	cfg := &config.Config{Tasks: config.DefaultTasks()}
	pruner := NewPruner(store, cfg)

	deleted, err := pruner.Prune(context.Background())
	require.NoError(t, err)
	require.Zero(t, deleted)
}
