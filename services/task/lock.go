package task

import (
	"context"
	"time"

	"gtf/pkg/rediskey"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// taskLockRow is the fallback lock table used when redis is not configured.
// Insert-or-fail on the (namespace, lock_key) primary key gives the same
// set-if-absent semantics as SETNX.
type taskLockRow struct {
	Namespace string    `gorm:"column:namespace;primaryKey;type:varchar(50)"`
	LockKey   string    `gorm:"column:lock_key;primaryKey;type:char(64)"`
	Token     string    `gorm:"column:token;type:char(36);not null"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null"`
}

func (taskLockRow) TableName() string { return "task_locks" }

const lockNamespace = "task"

// releaseScript deletes the lock only if the caller still owns it, so an
// expired-and-reacquired lock is never released by the previous holder.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// TaskLock is the distributed mutex that serializes submit/cancel/update on
// the same dedup slot. The lock key is the dedup key, not the task uuid:
// submit has no uuid yet, but it knows the slot it targets.
//
// Callers must acquire the lock before opening a transaction.
type TaskLock struct {
	rdb *redis.Client // preferred backend; nil falls back to the lock table
	db  *gorm.DB

	ttl  time.Duration
	wait time.Duration
}

func NewTaskLock(rdb *redis.Client, db *gorm.DB, ttl, wait time.Duration) *TaskLock {
	return &TaskLock{rdb: rdb, db: db, ttl: ttl, wait: wait}
}

// LockHandle releases an acquired lock. Release is idempotent per handle.
type LockHandle struct {
	release func() error
}

func (h *LockHandle) Release() {
	if h.release == nil {
		return
	}
	release := h.release
	h.release = nil
	if err := release(); err != nil {
		zap.L().Warn("failed to release task lock", zap.Error(err))
	}
}

const acquireRetryInterval = 50 * time.Millisecond

// Acquire blocks until the lock for dedupKey is held, the wait window
// elapses (ErrLockTimeout) or ctx is done. The TTL bounds how long a crashed
// holder can block the slot; operations inside the lock are pure DB work, so
// a short TTL suffices.
func (l *TaskLock) Acquire(ctx context.Context, dedupKey string) (*LockHandle, error) {
	deadline := time.Now().Add(l.wait)
	token := uuid.NewString()

	for {
		acquired, err := l.tryAcquire(ctx, dedupKey, token)
		if err != nil {
			return nil, err
		}
		if acquired {
			return &LockHandle{release: func() error {
				return l.release(dedupKey, token)
			}}, nil
		}

		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(acquireRetryInterval):
		}
	}
}

func (l *TaskLock) tryAcquire(ctx context.Context, dedupKey, token string) (bool, error) {
	if l.rdb != nil {
		return l.rdb.SetNX(ctx, rediskey.BuildTaskLockKey(dedupKey), token, l.ttl).Result()
	}
	return l.tryAcquireTable(ctx, dedupKey, token)
}

func (l *TaskLock) tryAcquireTable(ctx context.Context, dedupKey, token string) (bool, error) {
	now := time.Now().UTC()

	// Reap an expired holder first so the insert below can win.
	err := l.db.WithContext(ctx).
		Where("namespace = ? AND lock_key = ? AND expires_at < ?", lockNamespace, dedupKey, now).
		Delete(&taskLockRow{}).Error
	if err != nil {
		return false, err
	}

	res := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&taskLockRow{
			Namespace: lockNamespace,
			LockKey:   dedupKey,
			Token:     token,
			ExpiresAt: now.Add(l.ttl),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (l *TaskLock) release(dedupKey, token string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if l.rdb != nil {
		return releaseScript.Run(ctx, l.rdb, []string{rediskey.BuildTaskLockKey(dedupKey)}, token).Err()
	}
	return l.db.WithContext(ctx).
		Where("namespace = ? AND lock_key = ? AND token = ?", lockNamespace, dedupKey, token).
		Delete(&taskLockRow{}).Error
}
