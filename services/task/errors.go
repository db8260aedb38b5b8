package task

import "gtf/pkg/errutil"

// Sentinel errors for the framework's failure kinds. Callers match them with
// errors.Is; transport layers map them through errutil.CoreStatus.
var (
	ErrNotFound         = errutil.New(errutil.StatusNotFound, "task not found")
	ErrPermissionDenied = errutil.New(errutil.StatusForbidden, "permission denied")
	ErrNotAbortable     = errutil.New(errutil.StatusConflict, "task is not abortable")
	ErrAbortFailed      = errutil.New(errutil.StatusConflict, "task cannot be aborted in its current status")
	ErrWaitTimeout      = errutil.New(errutil.StatusTimeout, "timeout waiting for task completion")
	ErrLockTimeout      = errutil.New(errutil.StatusTimeout, "timeout acquiring task lock")
	ErrNoTaskContext    = errutil.New(errutil.StatusInternal, "no task context: caller is not running inside a task execution")
)
