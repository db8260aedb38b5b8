package task

import (
	"encoding/json"
	"time"

	"gtf/pkg/config"

	"gorm.io/datatypes"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusAborting   Status = "aborting"
	StatusSuccess    Status = "success"
	StatusFailure    Status = "failure"
	StatusAborted    Status = "aborted"
	StatusTimedOut   Status = "timed_out"
)

// TerminalStates are states the executor publishes completion for. A terminal
// row carries the finished-form dedup key and a non-null ended_at.
var TerminalStates = []Status{StatusSuccess, StatusFailure, StatusAborted, StatusTimedOut}

// ActiveStates occupy a dedup slot.
var ActiveStates = []Status{StatusPending, StatusInProgress, StatusAborting}

// AbortStates are observed by abort listeners.
var AbortStates = []Status{StatusAborting, StatusAborted}

func statusIn(set []Status, s Status) bool {
	for _, candidate := range set {
		if candidate == s {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusAborted, StatusTimedOut:
		return true
	}
	return false
}

func (s Status) Active() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusAborting:
		return true
	}
	return false
}

// Scope determines who shares a task's dedup slot.
type Scope string

const (
	// ScopePrivate slots are per-user: the user id participates in the
	// dedup key.
	ScopePrivate Scope = "private"
	// ScopeShared slots are cross-user: two users submitting the same
	// shared task collide by design. Requires an explicit task key.
	ScopeShared Scope = "shared"
	// ScopeSystem slots are admin-only and not tied to any user.
	ScopeSystem Scope = "system"
)

func (s Scope) Valid() bool {
	switch s {
	case ScopePrivate, ScopeShared, ScopeSystem:
		return true
	}
	return false
}

// Recognized property keys. Properties is framework-managed runtime state;
// payload is the user-facing output written by task code.
const (
	PropIsAbortable     = "is_abortable"
	PropProgressPercent = "progress_percent"
	PropProgressCurrent = "progress_current"
	PropProgressTotal   = "progress_total"
	PropErrorMessage    = "error_message"
	PropExceptionType   = "exception_type"
	PropStackTrace      = "stack_trace"
	PropTimeout         = "timeout"
	PropExecutionMode   = "execution_mode"
)

const (
	ExecutionModeSync  = "sync"
	ExecutionModeAsync = "async"
)

// Identity is the permission oracle input: who is calling, and whether they
// are an admin. Resolution of both is out of scope for the framework.
type Identity struct {
	UserID *int64
	Admin  bool
}

type Task struct {
	ID       int64  `gorm:"column:id;primaryKey;autoIncrement:false"`
	UUID     string `gorm:"column:uuid;type:char(36);uniqueIndex;not null"`
	TaskType string `gorm:"column:task_type;type:varchar(200);index;not null"`
	TaskKey  string `gorm:"column:task_key;type:varchar(200);index;not null"`
	TaskName string `gorm:"column:task_name;type:varchar(250)"`
	Scope    Scope  `gorm:"column:scope;type:varchar(20);index;not null"`
	Status   Status `gorm:"column:status;type:varchar(20);index;not null;default:'pending'"`

	// DedupKey is unique across all rows: active tasks carry the
	// active-form key, terminal tasks the finished-form key.
	DedupKey string `gorm:"column:dedup_key;type:char(64);uniqueIndex;not null"`

	StartedAt *time.Time `gorm:"column:started_at"`
	EndedAt   *time.Time `gorm:"column:ended_at"`
	UserID    *int64     `gorm:"column:user_id;index"`

	Payload    datatypes.JSON `gorm:"column:payload"`
	Properties datatypes.JSON `gorm:"column:properties"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`

	Subscribers []TaskSubscriber `gorm:"foreignKey:TaskID;constraint:OnDelete:CASCADE"`
}

func (Task) TableName() string { return "tasks" }

// TaskSubscriber associates a user with a task. Non-admin visibility is
// equivalent to subscription.
type TaskSubscriber struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement:false"`
	TaskID    int64     `gorm:"column:task_id;uniqueIndex:idx_task_subscriber;not null"`
	UserID    int64     `gorm:"column:user_id;uniqueIndex:idx_task_subscriber;not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (TaskSubscriber) TableName() string { return "task_subscribers" }

// Properties is the decoded form of the framework-managed JSON blob.
type Properties map[string]any

func (p Properties) IsAbortable() bool {
	v, _ := p[PropIsAbortable].(bool)
	return v
}

// Timeout returns the configured timeout, or zero when absent.
func (p Properties) Timeout() time.Duration {
	switch v := p[PropTimeout].(type) {
	case float64:
		return time.Duration(v * float64(time.Second))
	case int:
		return time.Duration(v) * time.Second
	case int64:
		return time.Duration(v) * time.Second
	}
	return 0
}

func (p Properties) ErrorMessage() string {
	v, _ := p[PropErrorMessage].(string)
	return v
}

func (p Properties) clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func decodeJSON(raw datatypes.JSON) map[string]any {
	out := map[string]any{}
	if len(raw) == 0 {
		return out
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

func encodeJSON(m map[string]any) datatypes.JSON {
	if m == nil {
		m = map[string]any{}
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return datatypes.JSON([]byte("{}"))
	}
	return datatypes.JSON(raw)
}

// PropertiesMap decodes the properties blob. Callers own merge semantics on
// the returned copy.
func (t *Task) PropertiesMap() Properties {
	return Properties(decodeJSON(t.Properties))
}

// PayloadMap decodes the payload blob.
func (t *Task) PayloadMap() map[string]any {
	return decodeJSON(t.Payload)
}

// DurationSeconds is the user-visible execution duration, or zero while the
// task has not both started and ended.
func (t *Task) DurationSeconds() float64 {
	if t.StartedAt == nil || t.EndedAt == nil {
		return 0
	}
	return t.EndedAt.Sub(*t.StartedAt).Seconds()
}

// Resource renders the user-visible representation of the task. Stack traces
// are exposed only when the config flag allows it.
func (t *Task) Resource(cfg config.Tasks) map[string]any {
	props := t.PropertiesMap()
	out := map[string]any{
		"uuid":             t.UUID,
		"task_type":        t.TaskType,
		"task_name":        t.TaskName,
		"scope":            t.Scope,
		"status":           t.Status,
		"duration_seconds": t.DurationSeconds(),
		"payload":          t.PayloadMap(),
	}
	if msg := props.ErrorMessage(); msg != "" {
		out["error_message"] = msg
	}
	if cfg.ExposeStackTrace {
		if trace, ok := props[PropStackTrace].(string); ok && trace != "" {
			out["stack_trace"] = trace
		}
	}
	return out
}
