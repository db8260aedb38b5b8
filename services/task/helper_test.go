package task

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gtf/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestStore(t *testing.T) *Store {
	db := testutil.NewTestDB(t, &Task{}, &TaskSubscriber{}, &taskLockRow{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return NewStore(db, node)
}

func newTestLock(store *Store) *TaskLock {
	return NewTaskLock(nil, store.db, 10*time.Second, time.Second)
}

// newTestBus builds a bus without redis so listeners and waiters run in
// polling mode with a short interval.
func newTestBus(store *Store) *SignalBus {
	return NewSignalBus(nil, store, "gtf:abort:", "gtf:complete:", 20*time.Millisecond)
}

func uid(n int64) *int64 { return &n }

func createPending(t *testing.T, store *Store, scope Scope, userID *int64) *Task {
	t.Helper()
	task, err := store.Create(context.Background(), CreateInput{
		TaskType: "reports.generate",
		TaskKey:  GenerateRandomTaskKey(),
		Scope:    scope,
		UserID:   userID,
	})
	require.NoError(t, err)
	return task
}

func markInProgress(t *testing.T, store *Store, taskUUID string, abortable bool) {
	t.Helper()
	ok, err := store.ConditionalStatusUpdate(context.Background(), taskUUID, StatusInProgress,
		[]Status{StatusPending}, StatusUpdateOptions{
			Properties:   map[string]any{PropIsAbortable: abortable},
			SetStartedAt: true,
		})
	require.NoError(t, err)
	require.True(t, ok)
}
