package task

import (
	"context"

	"go.uber.org/zap"
)

// CancelAction is the user-visible outcome of a cancel.
type CancelAction string

const (
	ActionAborted      CancelAction = "aborted"
	ActionUnsubscribed CancelAction = "unsubscribed"
)

// CancelCommand turns a user cancel into abort-or-unsubscribe. A shared task
// with other subscribers only loses the caller; everything else aborts. The
// abort notification is published strictly after the transaction commits so
// a woken listener always sees the aborting row.
type CancelCommand struct {
	store *Store
	lock  *TaskLock
	bus   *SignalBus
}

func NewCancelCommand(store *Store, lock *TaskLock, bus *SignalBus) *CancelCommand {
	return &CancelCommand{store: store, lock: lock, bus: bus}
}

func (c *CancelCommand) Run(ctx context.Context, taskUUID string, force bool, identity Identity) (CancelAction, *Task, error) {
	if force && !identity.Admin {
		return "", nil, ErrPermissionDenied
	}

	// Pre-lock lookup so the dedup key is known before serializing with
	// submits on the same slot.
	before, err := c.store.Get(ctx, taskUUID, identity)
	if err != nil {
		return "", nil, err
	}

	handle, err := c.lock.Acquire(ctx, before.DedupKey)
	if err != nil {
		return "", nil, err
	}
	defer handle.Release()

	var action CancelAction
	var result *Task
	shouldPublish := false

	err = c.store.Transaction(ctx, func(tx *Store) error {
		task, err := tx.Get(ctx, taskUUID, identity)
		if err != nil {
			return err
		}
		if !task.Status.Active() {
			return ErrAbortFailed
		}
		if task.Scope == ScopeSystem && !identity.Admin {
			return ErrPermissionDenied
		}

		subscribers, err := tx.CountSubscribers(ctx, task.ID)
		if err != nil {
			return err
		}

		abort := (identity.Admin && force) ||
			task.Scope == ScopePrivate ||
			task.Scope == ScopeSystem ||
			subscribers <= 1

		if abort {
			aborted, err := tx.Abort(ctx, taskUUID, identity, identity.Admin)
			if err != nil {
				return err
			}
			if aborted == nil {
				return ErrAbortFailed
			}
			action = ActionAborted
			result = aborted
			shouldPublish = aborted.Status == StatusAborting
			return nil
		}

		if identity.UserID == nil {
			return ErrPermissionDenied
		}
		refreshed, err := tx.RemoveSubscriber(ctx, task.ID, *identity.UserID)
		if err != nil {
			return err
		}
		action = ActionUnsubscribed
		result = refreshed
		return nil
	})
	if err != nil {
		return "", nil, err
	}

	if shouldPublish {
		c.bus.PublishAbort(ctx, taskUUID)
	}

	zap.L().Info("cancel completed",
		zap.String("task_uuid", taskUUID),
		zap.String("action", string(action)),
		zap.Bool("force", force),
	)
	return action, result, nil
}
