package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"gtf/pkg/config"
)

// TypeExecuteTask is the asynq task type carrying deferred executions.
const TypeExecuteTask = "gtf:execute"

// DefaultWaitTimeout bounds how long a joining synchronous caller blocks on
// another worker's run before handing back the last-seen row.
const DefaultWaitTimeout = time.Minute

type executePayload struct {
	TaskUUID string         `json:"task_uuid"`
	TaskType string         `json:"task_type"`
	Args     map[string]any `json:"args,omitempty"`
}

// Executor drives the lifecycle of a single task run: claim the pending row,
// run the registered function with an ambient task context, settle the
// terminal status and announce it. It is also the submit front door for
// wrappers (RunSync / Schedule).
type Executor struct {
	store  *Store
	bus    *SignalBus
	reg    *Registry
	submit *SubmitCommand
	client *asynq.Client
	cfg    config.Tasks
}

// NewExecutor wires the executor and binds it into the registry so wrappers
// created before startup can reach it. client may be nil in processes that
// never schedule async work.
func NewExecutor(store *Store, lock *TaskLock, bus *SignalBus, reg *Registry, client *asynq.Client, cfg config.Tasks) *Executor {
	e := &Executor{
		store:  store,
		bus:    bus,
		reg:    reg,
		submit: NewSubmitCommand(store, lock),
		client: client,
		cfg:    cfg,
	}
	reg.bind(e)
	return e
}

// RunSync submits and executes a task inline. When the submit joins an
// existing run, the caller blocks on its completion instead of executing
// again; a wait timeout returns the last-seen (non-terminal) row so the
// caller can keep polling.
func (e *Executor) RunSync(ctx context.Context, taskType string, opts Options) (*Task, error) {
	t, isNew, err := e.submitTask(ctx, taskType, ExecutionModeSync, opts)
	if err != nil {
		return nil, err
	}
	if !isNew {
		wait := opts.WaitTimeout
		if wait <= 0 {
			wait = DefaultWaitTimeout
		}
		done, err := e.bus.WaitForCompletion(ctx, t.UUID, wait)
		if errors.Is(err, ErrWaitTimeout) {
			zap.L().Info("task still running after wait timeout",
				zap.String("task_uuid", t.UUID), zap.Duration("wait", wait))
			return e.store.Find(ctx, t.UUID)
		}
		return done, err
	}
	return e.Execute(ctx, t.UUID, taskType, opts.Args)
}

// Schedule submits a task and, when this call created it, enqueues it for a
// worker. Joined submits return the existing row untouched.
func (e *Executor) Schedule(ctx context.Context, taskType string, opts Options) (*Task, error) {
	t, isNew, err := e.submitTask(ctx, taskType, ExecutionModeAsync, opts)
	if err != nil {
		return nil, err
	}
	if !isNew {
		return t, nil
	}
	if e.client == nil {
		return nil, fmt.Errorf("no queue client configured for async task %q", taskType)
	}
	raw, err := json.Marshal(executePayload{TaskUUID: t.UUID, TaskType: taskType, Args: opts.Args})
	if err != nil {
		return nil, err
	}
	if _, err := e.client.EnqueueContext(ctx, asynq.NewTask(TypeExecuteTask, raw)); err != nil {
		// The row would otherwise sit pending forever, blocking its dedup slot.
		e.failBeforeStart(ctx, t.UUID, fmt.Sprintf("failed to enqueue task: %v", err))
		return nil, err
	}
	return t, nil
}

func (e *Executor) submitTask(ctx context.Context, taskType, mode string, opts Options) (*Task, bool, error) {
	props := map[string]any{PropExecutionMode: mode}
	if opts.Timeout > 0 {
		props[PropTimeout] = opts.Timeout.Seconds()
	}
	scope := opts.Scope
	if scope == "" {
		scope = ScopePrivate
	}
	return e.submit.Run(ctx, SubmitInput{
		TaskType:   taskType,
		TaskKey:    opts.TaskKey,
		TaskName:   opts.TaskName,
		Scope:      scope,
		Payload:    opts.Payload,
		Properties: props,
		Identity:   opts.Identity,
	})
}

// HandleExecuteTask is the asynq handler for deferred executions. Execution
// failures are already settled on the task row, so they are logged and
// swallowed rather than retried.
func (e *Executor) HandleExecuteTask(ctx context.Context, t *asynq.Task) error {
	var p executePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode execute payload: %w: %w", err, asynq.SkipRetry)
	}
	if _, err := e.Execute(ctx, p.TaskUUID, p.TaskType, p.Args); err != nil {
		zap.L().Error("task execution failed",
			zap.String("task_uuid", p.TaskUUID),
			zap.String("task_type", p.TaskType),
			zap.Error(err))
	}
	return nil
}

// RegisterHandlers attaches the execute handler to a worker mux.
func (e *Executor) RegisterHandlers(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeExecuteTask, e.HandleExecuteTask)
}

// Execute runs one claimed task to a terminal state. Every status change is a
// conditional update, so a concurrent abort landing between any two steps
// simply wins the race and this run observes it on the next step.
func (e *Executor) Execute(ctx context.Context, taskUUID, taskType string, args map[string]any) (*Task, error) {
	t, err := e.store.Find(ctx, taskUUID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrNotFound
	}
	if t.Status.Terminal() {
		return t, nil
	}
	if t.Status == StatusAborting {
		// Aborted before execution started; no handlers ever registered.
		if _, err := e.store.ConditionalStatusUpdate(ctx, taskUUID, StatusAborted,
			[]Status{StatusAborting}, StatusUpdateOptions{}); err != nil {
			return nil, err
		}
		return e.finish(ctx, taskUUID)
	}

	props := t.PropertiesMap()
	if _, ok := props[PropIsAbortable]; !ok {
		props[PropIsAbortable] = false
	}
	claimed, err := e.store.ConditionalStatusUpdate(ctx, taskUUID, StatusInProgress,
		[]Status{StatusPending}, StatusUpdateOptions{Properties: props, SetStartedAt: true})
	if err != nil {
		return nil, err
	}
	if !claimed {
		// Lost the pickup race to an abort or another worker.
		if t, err = e.store.Find(ctx, taskUUID); err != nil {
			return nil, err
		}
		if t == nil {
			return nil, ErrNotFound
		}
		return t, nil
	}

	if t, err = e.store.Find(ctx, taskUUID); err != nil {
		return nil, err
	}
	tctx := NewContext(e.store, e.bus, t, e.cfg.ProgressThrottleInterval, e.cfg.AbortPollingInterval)
	if timeout := props.Timeout(); timeout > 0 {
		tctx.StartTimeoutTimer(timeout)
	}

	var bodyErr error
	if w, ok := e.reg.Lookup(taskType); ok {
		bodyErr = e.invoke(WithAmbient(ctx, tctx), w.fn, args)
	} else {
		bodyErr = fmt.Errorf("task type %q is not registered", taskType)
	}
	tctx.MarkExecutionCompleted()

	if bodyErr != nil {
		e.settleFailure(ctx, tctx, taskUUID, bodyErr)
	} else {
		e.settleOutcome(ctx, tctx, taskUUID)
	}

	tctx.RunCleanup()

	return e.finish(ctx, taskUUID)
}

// invoke runs the task body, converting panics into errors so a crashing
// task settles as a failure instead of taking the worker down.
func (e *Executor) invoke(ctx context.Context, fn Func, args map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()
	return fn(ctx, args)
}

func (e *Executor) settleFailure(ctx context.Context, tctx *Context, taskUUID string, bodyErr error) {
	// The stack is always persisted; whether callers ever see it is decided
	// at render time by Task.Resource.
	stack := ""
	var pe *panicError
	if errors.As(bodyErr, &pe) {
		stack = pe.stack
	}
	props := tctx.setErrorProperties(bodyErr.Error(), errorTypeName(bodyErr), stack)
	ok, err := e.store.ConditionalStatusUpdate(ctx, taskUUID, StatusFailure,
		[]Status{StatusInProgress, StatusAborting}, StatusUpdateOptions{Properties: props})
	if err != nil {
		zap.L().Error("failed to record task failure", zap.String("task_uuid", taskUUID), zap.Error(err))
		return
	}
	if !ok {
		zap.L().Debug("task already settled before failure write", zap.String("task_uuid", taskUUID))
	}
}

// settleOutcome writes the terminal status for a body that returned nil. A
// failed conditional update means something else settled the row first, which
// is accepted as-is.
func (e *Executor) settleOutcome(ctx context.Context, tctx *Context, taskUUID string) {
	var target Status
	var expected []Status
	switch {
	case tctx.TimeoutTriggered():
		target, expected = StatusTimedOut, []Status{StatusAborting}
	case tctx.AbortDetected():
		target, expected = StatusAborted, []Status{StatusAborting}
	default:
		target, expected = StatusSuccess, []Status{StatusInProgress}
	}
	ok, err := e.store.ConditionalStatusUpdate(ctx, taskUUID, target, expected, StatusUpdateOptions{})
	if err != nil {
		zap.L().Error("failed to settle task", zap.String("task_uuid", taskUUID), zap.Error(err))
		return
	}
	if !ok {
		zap.L().Debug("task settled concurrently", zap.String("task_uuid", taskUUID), zap.String("target", string(target)))
	}
}

// finish reconciles an abort that landed after settlement but before cleanup
// (cleanup ran the abort handlers on its own), then publishes completion.
func (e *Executor) finish(ctx context.Context, taskUUID string) (*Task, error) {
	t, err := e.store.Find(ctx, taskUUID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrNotFound
	}
	if t.Status == StatusAborting {
		if _, err := e.store.ConditionalStatusUpdate(ctx, taskUUID, StatusAborted,
			[]Status{StatusAborting}, StatusUpdateOptions{}); err != nil {
			return nil, err
		}
		if t, err = e.store.Find(ctx, taskUUID); err != nil {
			return nil, err
		}
	}
	if t.Status.Terminal() {
		e.bus.PublishCompletion(ctx, taskUUID, t.Status)
	}
	return t, nil
}

func (e *Executor) failBeforeStart(ctx context.Context, taskUUID, message string) {
	props := map[string]any{PropErrorMessage: message}
	if _, err := e.store.ConditionalStatusUpdate(ctx, taskUUID, StatusFailure,
		[]Status{StatusPending}, StatusUpdateOptions{Properties: props}); err != nil {
		zap.L().Error("failed to mark unenqueued task", zap.String("task_uuid", taskUUID), zap.Error(err))
	}
}

type panicError struct {
	value any
	stack string
}

func (p *panicError) Error() string {
	return fmt.Sprintf("task panicked: %v", p.value)
}
