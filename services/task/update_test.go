package task

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newUpdateFixture(t *testing.T) (*UpdateCommand, *Store) {
	t.Helper()
	store := newTestStore(t)
	return NewUpdateCommand(store, newTestLock(store)), store
}

func TestUpdateMergesPropertiesAndPayload(t *testing.T) {
	cmd, store := newUpdateFixture(t)
	ctx := context.Background()

	task, err := store.Create(ctx, CreateInput{
		TaskType:   "reports.generate",
		TaskKey:    "q4",
		Scope:      ScopePrivate,
		UserID:     uid(7),
		Properties: map[string]any{"kept": "yes"},
		Payload:    map[string]any{"rows": 1},
	})
	require.NoError(t, err)

	updated, err := cmd.Run(ctx, task.UUID, UpdateInput{
		Properties: map[string]any{"extra": "added"},
		Payload:    map[string]any{"rows": 2},
		Identity:   Identity{UserID: uid(7)},
	})
	require.NoError(t, err)

	props := updated.PropertiesMap()
	require.Equal(t, "yes", props["kept"])
	require.Equal(t, "added", props["extra"])
	require.Equal(t, float64(2), updated.PayloadMap()["rows"])
}

func TestUpdateTaskName(t *testing.T) {
	cmd, store := newUpdateFixture(t)
	ctx := context.Background()
	task := createPending(t, store, ScopePrivate, uid(7))

	name := "Quarterly report"
	updated, err := cmd.Run(ctx, task.UUID, UpdateInput{
		TaskName: &name,
		Identity: Identity{UserID: uid(7)},
	})
	require.NoError(t, err)
	require.Equal(t, "Quarterly report", updated.TaskName)
}

func TestUpdateOwnershipEnforced(t *testing.T) {
	cmd, store := newUpdateFixture(t)
	ctx := context.Background()
	task := createPending(t, store, ScopeShared, uid(7))

	// Another subscriber can see the task but not update it.
	_, err := store.AddSubscriber(ctx, task.ID, 8)
	require.NoError(t, err)

	_, err = cmd.Run(ctx, task.UUID, UpdateInput{
		Payload:  map[string]any{"rows": 2},
		Identity: Identity{UserID: uid(8)},
	})
	require.ErrorIs(t, err, ErrPermissionDenied)

	// Admins may.
	_, err = cmd.Run(ctx, task.UUID, UpdateInput{
		Payload:  map[string]any{"rows": 2},
		Identity: Identity{Admin: true},
	})
	require.NoError(t, err)
}

func TestUpdateSkipSecurityCheck(t *testing.T) {
	cmd, store := newUpdateFixture(t)
	ctx := context.Background()
	task := createPending(t, store, ScopePrivate, uid(7))

	// Framework internals bypass both visibility and ownership.
	updated, err := cmd.Run(ctx, task.UUID, UpdateInput{
		Properties:        map[string]any{PropProgressPercent: 0.5},
		SkipSecurityCheck: true,
	})
	require.NoError(t, err)
	require.Equal(t, 0.5, updated.PropertiesMap()[PropProgressPercent])
}

func TestUpdateUnknownTask(t *testing.T) {
	cmd, _ := newUpdateFixture(t)

	_, err := cmd.Run(context.Background(), "no-such-uuid", UpdateInput{
		SkipSecurityCheck: true,
	})
	require.ErrorIs(t, err, ErrNotFound)
}
