package task

import (
	"context"
)

// UpdateInput is an external partial update (REST callers, not task bodies).
// Properties and Payload are merged into the stored blobs.
type UpdateInput struct {
	TaskName   *string
	Properties map[string]any
	Payload    map[string]any

	// SkipSecurityCheck is set by framework internals acting on their own
	// task row; user-facing callers never set it.
	SkipSecurityCheck bool
	Identity          Identity
}

// UpdateCommand applies an external update under the task lock with an
// ownership check: only the creator (or an admin) may update a task.
type UpdateCommand struct {
	store *Store
	lock  *TaskLock
}

func NewUpdateCommand(store *Store, lock *TaskLock) *UpdateCommand {
	return &UpdateCommand{store: store, lock: lock}
}

func (c *UpdateCommand) Run(ctx context.Context, taskUUID string, in UpdateInput) (*Task, error) {
	before, err := c.fetch(ctx, taskUUID, in)
	if err != nil {
		return nil, err
	}

	handle, err := c.lock.Acquire(ctx, before.DedupKey)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	var result *Task
	err = c.store.Transaction(ctx, func(tx *Store) error {
		task, err := tx.Find(ctx, taskUUID)
		if err != nil {
			return err
		}
		if task == nil {
			return ErrNotFound
		}

		if !in.SkipSecurityCheck && !in.Identity.Admin {
			if in.Identity.UserID == nil || task.UserID == nil || *task.UserID != *in.Identity.UserID {
				return ErrPermissionDenied
			}
		}

		var props, payload map[string]any
		if in.Properties != nil {
			props = task.PropertiesMap()
			for k, v := range in.Properties {
				props[k] = v
			}
		}
		if in.Payload != nil {
			payload = task.PayloadMap()
			for k, v := range in.Payload {
				payload[k] = v
			}
		}
		if props != nil || payload != nil {
			if _, err := tx.SetPropertiesAndPayload(ctx, taskUUID, props, payload); err != nil {
				return err
			}
		}

		if in.TaskName != nil {
			if err := tx.db.WithContext(ctx).Model(&Task{}).
				Where("uuid = ?", taskUUID).
				Update("task_name", *in.TaskName).Error; err != nil {
				return err
			}
		}

		result, err = tx.Find(ctx, taskUUID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *UpdateCommand) fetch(ctx context.Context, taskUUID string, in UpdateInput) (*Task, error) {
	if in.SkipSecurityCheck {
		task, err := c.store.Find(ctx, taskUUID)
		if err != nil {
			return nil, err
		}
		if task == nil {
			return nil, ErrNotFound
		}
		return task, nil
	}
	return c.store.Get(ctx, taskUUID, in.Identity)
}
