package task

import (
	"context"
	"time"
)

// Options carry the per-call knobs of a wrapped task. Zero values mean
// private scope, a generated key and no timeout.
type Options struct {
	TaskKey  string
	TaskName string
	Scope    Scope
	Timeout  time.Duration

	// Payload seeds the user-facing output blob; Args are handed to the task
	// function itself.
	Payload map[string]any
	Args    map[string]any

	Identity Identity

	// WaitTimeout bounds how long Run blocks when it joins an execution
	// already running elsewhere. Zero means DefaultWaitTimeout.
	WaitTimeout time.Duration
}

// Wrapper is the callable handed back by Register. Run executes inline and
// blocks until the task settles; Schedule enqueues it for a worker and
// returns the pending row.
type Wrapper struct {
	taskType string
	fn       Func
	registry *Registry
}

func (w *Wrapper) TaskType() string { return w.taskType }

func (w *Wrapper) Run(ctx context.Context, opts Options) (*Task, error) {
	exec, err := w.registry.executor()
	if err != nil {
		return nil, err
	}
	return exec.RunSync(ctx, w.taskType, opts)
}

func (w *Wrapper) Schedule(ctx context.Context, opts Options) (*Task, error) {
	exec, err := w.registry.executor()
	if err != nil {
		return nil, err
	}
	return exec.Schedule(ctx, w.taskType, opts)
}
