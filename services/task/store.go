package task

import (
	"context"
	"errors"
	"time"

	"gtf/pkg/errutil"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Store exposes typed operations over the tasks tables. Status transitions
// go exclusively through ConditionalStatusUpdate; properties and payload go
// exclusively through SetPropertiesAndPayload (or Create). The two never
// share a statement, so they are safe to run concurrently on the same row.
type Store struct {
	db   *gorm.DB
	node *snowflake.Node
}

func NewStore(db *gorm.DB, node *snowflake.Node) *Store {
	return &Store{db: db, node: node}
}

// WithTx returns a store bound to the given transaction.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx, node: s.node}
}

// Migrate creates the tasks, task_subscribers and task_locks tables.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&Task{}, &TaskSubscriber{}, &taskLockRow{})
}

// LookupActive resolves the dedup slot for the given identity with a single
// equality lookup on the unique dedup_key index.
func (s *Store) LookupActive(ctx context.Context, taskType, taskKey string, scope Scope, userID *int64) (*Task, error) {
	key := ActiveDedupKey(scope, taskType, taskKey, userID)

	var task Task
	err := s.db.WithContext(ctx).Where("dedup_key = ?", key).First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

type CreateInput struct {
	TaskType   string
	TaskKey    string
	TaskName   string
	Scope      Scope
	UserID     *int64
	Payload    map[string]any
	Properties map[string]any
}

// Create inserts a pending task with the active-form dedup key and
// auto-subscribes the creator when known.
func (s *Store) Create(ctx context.Context, in CreateInput) (*Task, error) {
	if !in.Scope.Valid() {
		return nil, errutil.ValidationFailed("invalid task scope", nil)
	}
	if in.Scope == ScopePrivate && in.UserID == nil {
		return nil, errutil.ValidationFailed("private tasks require a user", nil)
	}

	task := &Task{
		ID:         s.node.Generate().Int64(),
		UUID:       uuid.NewString(),
		TaskType:   in.TaskType,
		TaskKey:    in.TaskKey,
		TaskName:   in.TaskName,
		Scope:      in.Scope,
		Status:     StatusPending,
		DedupKey:   ActiveDedupKey(in.Scope, in.TaskType, in.TaskKey, in.UserID),
		UserID:     in.UserID,
		Payload:    encodeJSON(in.Payload),
		Properties: encodeJSON(in.Properties),
	}

	if err := s.db.WithContext(ctx).Create(task).Error; err != nil {
		return nil, errutil.Internal("failed to create task", err)
	}

	if in.UserID != nil {
		if _, err := s.AddSubscriber(ctx, task.ID, *in.UserID); err != nil {
			return nil, err
		}
	}

	return task, nil
}

// AddSubscriber inserts a subscriber row, reporting whether a new row was
// added. Existence is pre-checked instead of relying on the unique
// constraint: a constraint violation would poison the enclosing transaction.
func (s *Store) AddSubscriber(ctx context.Context, taskID, userID int64) (bool, error) {
	exists, err := s.IsSubscriber(ctx, taskID, userID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	row := &TaskSubscriber{
		ID:     s.node.Generate().Int64(),
		TaskID: taskID,
		UserID: userID,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return false, errutil.Internal("failed to add subscriber", err)
	}
	return true, nil
}

// RemoveSubscriber deletes the subscriber row and returns the refreshed task
// so the caller can decide what "last subscriber left" means.
func (s *Store) RemoveSubscriber(ctx context.Context, taskID, userID int64) (*Task, error) {
	err := s.db.WithContext(ctx).
		Where("task_id = ? AND user_id = ?", taskID, userID).
		Delete(&TaskSubscriber{}).Error
	if err != nil {
		return nil, errutil.Internal("failed to remove subscriber", err)
	}

	var task Task
	err = s.db.WithContext(ctx).Preload("Subscribers").First(&task, "id = ?", taskID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *Store) IsSubscriber(ctx context.Context, taskID, userID int64) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&TaskSubscriber{}).
		Where("task_id = ? AND user_id = ?", taskID, userID).
		Count(&count).Error
	return count > 0, err
}

func (s *Store) CountSubscribers(ctx context.Context, taskID int64) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&TaskSubscriber{}).
		Where("task_id = ?", taskID).
		Count(&count).Error
	return count, err
}

// StatusUpdateOptions tunes a conditional status update. Properties, when
// non-nil, replaces the whole blob in the same statement.
type StatusUpdateOptions struct {
	Properties   map[string]any
	SetStartedAt bool
}

// ConditionalStatusUpdate performs the single-statement CAS that every
// status transition goes through:
//
//	UPDATE tasks SET status = ?, ... WHERE uuid = ? AND status IN (?)
//
// When the new status is terminal, the same statement stamps ended_at and
// rewrites dedup_key to the finished form, freeing the dedup slot. Returns
// true iff exactly one row was updated; a false return means another
// participant won the race.
func (s *Store) ConditionalStatusUpdate(ctx context.Context, taskUUID string, newStatus Status, expected []Status, opts StatusUpdateOptions) (bool, error) {
	now := time.Now().UTC()

	updates := map[string]any{"status": newStatus}
	if opts.SetStartedAt {
		updates["started_at"] = now
	}
	if newStatus.Terminal() {
		updates["ended_at"] = now
		updates["dedup_key"] = FinishedDedupKey(taskUUID)
	}
	if opts.Properties != nil {
		updates["properties"] = encodeJSON(opts.Properties)
	}

	res := s.db.WithContext(ctx).Model(&Task{}).
		Where("uuid = ? AND status IN ?", taskUUID, expected).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// SetPropertiesAndPayload is the zero-read write: a single UPDATE touching
// only the named JSON columns, never status.
func (s *Store) SetPropertiesAndPayload(ctx context.Context, taskUUID string, properties, payload map[string]any) (bool, error) {
	updates := map[string]any{}
	if properties != nil {
		updates["properties"] = encodeJSON(properties)
	}
	if payload != nil {
		updates["payload"] = encodeJSON(payload)
	}
	if len(updates) == 0 {
		return false, nil
	}

	res := s.db.WithContext(ctx).Model(&Task{}).
		Where("uuid = ?", taskUUID).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Abort moves a task toward termination as a pure data operation. It never
// publishes: the caller publishes after its transaction commits so listeners
// cannot read stale rows.
//
// Pending tasks abort directly (no handler ever started). In-progress tasks
// require is_abortable and move to aborting. Aborting is idempotent.
// Terminal tasks return nil.
func (s *Store) Abort(ctx context.Context, taskUUID string, identity Identity, skipVisibility bool) (*Task, error) {
	task, err := s.fetch(ctx, taskUUID, identity, skipVisibility)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, ErrNotFound
	}

	switch {
	case task.Status == StatusAborting:
		return task, nil

	case task.Status.Terminal():
		return nil, nil

	case task.Status == StatusPending:
		ok, err := s.ConditionalStatusUpdate(ctx, taskUUID, StatusAborted, []Status{StatusPending}, StatusUpdateOptions{})
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrAbortFailed
		}
		return s.Find(ctx, taskUUID)

	case task.Status == StatusInProgress:
		if !task.PropertiesMap().IsAbortable() {
			return nil, ErrNotAbortable
		}
		ok, err := s.ConditionalStatusUpdate(ctx, taskUUID, StatusAborting, []Status{StatusInProgress}, StatusUpdateOptions{})
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrAbortFailed
		}
		return s.Find(ctx, taskUUID)
	}

	return nil, ErrAbortFailed
}

// Find fetches by uuid without any visibility filter. Framework-internal.
func (s *Store) Find(ctx context.Context, taskUUID string) (*Task, error) {
	var task Task
	err := s.db.WithContext(ctx).First(&task, "uuid = ?", taskUUID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// Get fetches by uuid with the visibility rule applied: admins see
// everything, everyone else only tasks they subscribe to.
func (s *Store) Get(ctx context.Context, taskUUID string, identity Identity) (*Task, error) {
	task, err := s.fetch(ctx, taskUUID, identity, false)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, ErrNotFound
	}
	return task, nil
}

// GetStatus is the single-column polling read, visibility-filtered. It never
// loads the row's JSON blobs; pollers may call this in a tight loop.
func (s *Store) GetStatus(ctx context.Context, taskUUID string, identity Identity) (Status, error) {
	query := s.db.WithContext(ctx).Model(&Task{}).Where("uuid = ?", taskUUID)
	if !identity.Admin {
		if identity.UserID == nil {
			return "", ErrNotFound
		}
		query = query.Where(
			"EXISTS (SELECT 1 FROM task_subscribers ts WHERE ts.task_id = tasks.id AND ts.user_id = ?)",
			*identity.UserID,
		)
	}
	var status Status
	result := query.Select("status").Limit(1).Scan(&status)
	if result.Error != nil {
		return "", result.Error
	}
	if result.RowsAffected == 0 {
		return "", ErrNotFound
	}
	return status, nil
}

func (s *Store) fetch(ctx context.Context, taskUUID string, identity Identity, skipVisibility bool) (*Task, error) {
	query := s.db.WithContext(ctx).Where("uuid = ?", taskUUID)
	if !skipVisibility && !identity.Admin {
		if identity.UserID == nil {
			return nil, nil
		}
		query = query.Where(
			"EXISTS (SELECT 1 FROM task_subscribers ts WHERE ts.task_id = tasks.id AND ts.user_id = ?)",
			*identity.UserID,
		)
	}

	var task Task
	err := query.First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// pruneBatchSize keeps the IN (...) clause portable across dialects.
const pruneBatchSize = 999

// PruneCandidateIDs selects terminal tasks past retention, oldest first.
// maxRows <= 0 means no limit.
func (s *Store) PruneCandidateIDs(ctx context.Context, cutoff time.Time, maxRows int) ([]int64, error) {
	query := s.db.WithContext(ctx).Model(&Task{}).
		Where("ended_at < ? AND status IN ?", cutoff, TerminalStates).
		Order("ended_at asc, id asc")
	if maxRows > 0 {
		query = query.Limit(maxRows)
	}

	var ids []int64
	if err := query.Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// DeleteBatch removes one batch of rows by id (subscribers cascade).
func (s *Store) DeleteBatch(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if err := s.db.WithContext(ctx).Where("task_id IN ?", ids).Delete(&TaskSubscriber{}).Error; err != nil {
		return 0, err
	}
	res := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&Task{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// Transaction runs fn with a store bound to a transaction.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(s.WithTx(tx))
	})
}
