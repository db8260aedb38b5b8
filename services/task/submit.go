package task

import (
	"context"

	"gtf/pkg/errutil"

	"go.uber.org/zap"
)

// SubmitInput is everything a submit needs. Properties are framework state
// (execution_mode, timeout); Payload seeds the user-facing output blob.
type SubmitInput struct {
	TaskType   string
	TaskKey    string // generated when empty; required for shared scope
	TaskName   string
	Scope      Scope
	Payload    map[string]any
	Properties map[string]any
	Identity   Identity
}

// SubmitCommand performs create-or-join under the task lock. Two submits
// targeting the same dedup slot serialize on the lock, so exactly one of two
// concurrent equivalent submits creates the row; the other joins it.
type SubmitCommand struct {
	store *Store
	lock  *TaskLock
}

func NewSubmitCommand(store *Store, lock *TaskLock) *SubmitCommand {
	return &SubmitCommand{store: store, lock: lock}
}

// Run returns the task and whether this call created it.
func (c *SubmitCommand) Run(ctx context.Context, in SubmitInput) (*Task, bool, error) {
	if in.TaskType == "" {
		return nil, false, errutil.ValidationFailed("task type is required", nil)
	}
	if !in.Scope.Valid() {
		return nil, false, errutil.ValidationFailed("invalid task scope", nil)
	}
	if in.Scope == ScopeShared && in.TaskKey == "" {
		// Deduplication is the whole point of a shared task; a random key
		// would silently disable it.
		return nil, false, errutil.ValidationFailed("shared tasks require an explicit task key", nil)
	}
	if in.Scope == ScopePrivate && in.Identity.UserID == nil {
		return nil, false, errutil.ValidationFailed("private tasks require a user", nil)
	}
	if in.Scope == ScopeSystem && !in.Identity.Admin {
		return nil, false, ErrPermissionDenied
	}
	if in.TaskKey == "" {
		in.TaskKey = GenerateRandomTaskKey()
	}

	dedupKey := ActiveDedupKey(in.Scope, in.TaskType, in.TaskKey, in.Identity.UserID)

	// Lock before the transaction: holding an open transaction while
	// waiting on a lock invites deadline trouble.
	handle, err := c.lock.Acquire(ctx, dedupKey)
	if err != nil {
		return nil, false, err
	}
	defer handle.Release()

	var task *Task
	var isNew bool
	err = c.store.Transaction(ctx, func(tx *Store) error {
		existing, err := tx.LookupActive(ctx, in.TaskType, in.TaskKey, in.Scope, in.Identity.UserID)
		if err != nil {
			return err
		}

		if existing != nil {
			task = existing
			isNew = false

			if in.Identity.UserID != nil {
				added, err := tx.AddSubscriber(ctx, existing.ID, *in.Identity.UserID)
				if err != nil {
					return err
				}
				if added {
					submitJoined.Inc()
					zap.L().Info("joined existing task",
						zap.String("task_uuid", existing.UUID),
						zap.Int64("user_id", *in.Identity.UserID),
					)
					return nil
				}
			}
			submitDeduped.Inc()
			zap.L().Info("deduplicated submit", zap.String("task_uuid", existing.UUID))
			return nil
		}

		created, err := tx.Create(ctx, CreateInput{
			TaskType:   in.TaskType,
			TaskKey:    in.TaskKey,
			TaskName:   in.TaskName,
			Scope:      in.Scope,
			UserID:     in.Identity.UserID,
			Payload:    in.Payload,
			Properties: in.Properties,
		})
		if err != nil {
			return err
		}
		task = created
		isNew = true
		submitCreated.Inc()
		zap.L().Info("created task",
			zap.String("task_uuid", created.UUID),
			zap.String("task_type", in.TaskType),
			zap.String("scope", string(in.Scope)),
		)
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return task, isNew, nil
}
