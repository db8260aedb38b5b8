package task

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler is a cleanup or abort callback registered by task code. Returned
// errors (and panics) are captured, never propagated: all handlers run.
type Handler func() error

type handlerFailure struct {
	kind  string // "abort" or "cleanup"
	err   error
	stack string
}

// Context is the per-execution handle a task body uses to report progress,
// register abort/cleanup handlers and stay cooperative. It is write-mostly:
// tasks are the source of their state, not consumers of it.
//
// In-memory caches are authoritative during execution; database writes are
// throttled so eager tasks cannot hammer the row.
type Context struct {
	store *Store
	bus   *SignalBus

	taskUUID         string
	throttleInterval time.Duration
	pollInterval     time.Duration

	mu sync.Mutex

	task            *Task // cached entity, refreshed on demand
	propertiesCache Properties
	payloadCache    map[string]any

	cleanupHandlers []Handler
	abortHandlers   []Handler
	abortListener   *AbortListener

	abortDetected          bool
	abortHandlersCompleted bool
	executionCompleted     bool
	handlerFailures        []handlerFailure

	timeoutTimer     *time.Timer
	timeoutTriggered bool

	// Throttle state: zero lastDBWrite means nothing written yet.
	lastDBWrite time.Time
	hasPending  bool
	flushTimer  *time.Timer
}

// NewContext builds a context around a pre-fetched task entity. The single
// initial fetch seeds the caches; later merges happen in memory.
func NewContext(store *Store, bus *SignalBus, task *Task, throttleInterval, pollInterval time.Duration) *Context {
	return &Context{
		store:            store,
		bus:              bus,
		taskUUID:         task.UUID,
		throttleInterval: throttleInterval,
		pollInterval:     pollInterval,
		task:             task,
		propertiesCache:  task.PropertiesMap(),
		payloadCache:     task.PayloadMap(),
	}
}

// TaskUUID identifies the execution this context belongs to.
func (c *Context) TaskUUID() string { return c.taskUUID }

// Progress is one of three shapes: a percentage in [0,1], a bare count, or a
// (current, total) pair from which the percentage is derived.
type Progress struct {
	percent        *float64
	current, total *int64
}

func Percent(p float64) Progress { return Progress{percent: &p} }
func Count(n int64) Progress     { return Progress{current: &n} }
func Ratio(current, total int64) Progress {
	return Progress{current: &current, total: &total}
}

// properties translates the progress value into property updates, reporting
// false for out-of-range input.
func (p Progress) properties() (map[string]any, bool) {
	switch {
	case p.percent != nil:
		if *p.percent < 0 || *p.percent > 1 {
			return nil, false
		}
		return map[string]any{PropProgressPercent: *p.percent}, true
	case p.current != nil && p.total != nil:
		if *p.current < 0 || *p.total <= 0 {
			return nil, false
		}
		return map[string]any{
			PropProgressCurrent: *p.current,
			PropProgressTotal:   *p.total,
			PropProgressPercent: float64(*p.current) / float64(*p.total),
		}, true
	case p.current != nil:
		if *p.current < 0 {
			return nil, false
		}
		return map[string]any{PropProgressCurrent: *p.current}, true
	}
	return nil, false
}

// Update merges progress and/or payload into the in-memory caches and
// schedules a database write. The first call writes immediately; calls
// inside the throttle window are coalesced and flushed by a one-shot timer
// at the end of the window, so the row never lags by more than one interval.
func (c *Context) Update(progress *Progress, payload map[string]any) {
	c.mu.Lock()

	hasUpdates := false
	if progress != nil {
		if props, ok := progress.properties(); ok {
			for k, v := range props {
				c.propertiesCache[k] = v
			}
			hasUpdates = true
		} else {
			zap.L().Warn("invalid progress value ignored", zap.String("task_uuid", c.taskUUID))
		}
	}
	if payload != nil {
		for k, v := range payload {
			c.payloadCache[k] = v
		}
		hasUpdates = true
	}

	if !hasUpdates {
		c.mu.Unlock()
		return
	}

	if c.throttleInterval <= 0 {
		c.writeToDBLocked()
		c.mu.Unlock()
		return
	}

	now := time.Now()
	switch {
	case c.lastDBWrite.IsZero():
		c.writeToDBLocked()
		c.lastDBWrite = now
	case now.Sub(c.lastDBWrite) >= c.throttleInterval:
		c.cancelFlushTimerLocked()
		c.writeToDBLocked()
		c.lastDBWrite = now
		c.hasPending = false
	default:
		c.hasPending = true
		updateDeferred.Inc()
		if c.flushTimer == nil {
			remaining := c.throttleInterval - now.Sub(c.lastDBWrite)
			c.flushTimer = time.AfterFunc(remaining, c.deferredFlush)
		}
	}
	c.mu.Unlock()
}

// writeToDBLocked snapshots the caches and performs the zero-read write.
// Caller holds c.mu.
func (c *Context) writeToDBLocked() {
	props := c.propertiesCache.clone()
	payload := make(map[string]any, len(c.payloadCache))
	for k, v := range c.payloadCache {
		payload[k] = v
	}

	updateWrites.Inc()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.store.SetPropertiesAndPayload(ctx, c.taskUUID, props, payload); err != nil {
		zap.L().Error("failed to write task update",
			zap.String("task_uuid", c.taskUUID),
			zap.Error(err),
		)
	}
}

func (c *Context) deferredFlush() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.flushTimer = nil
	if c.hasPending {
		c.writeToDBLocked()
		c.lastDBWrite = time.Now()
		c.hasPending = false
	}
}

// Caller holds c.mu.
func (c *Context) cancelFlushTimerLocked() {
	if c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushTimer = nil
	}
}

// OnCleanup registers a handler that runs on every exit path, in LIFO order.
func (c *Context) OnCleanup(handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupHandlers = append(c.cleanupHandlers, handler)
}

// OnAbort registers an abort handler. The first registration marks the task
// abortable (written immediately through the zero-read primitive) and starts
// the abort listener. Handlers run in LIFO order when abort is detected.
//
// With pub/sub configured, a failed subscribe surfaces as an error.
func (c *Context) OnAbort(handler Handler) error {
	c.mu.Lock()
	first := len(c.abortHandlers) == 0
	c.abortHandlers = append(c.abortHandlers, handler)
	if first {
		c.propertiesCache[PropIsAbortable] = true
	}
	c.mu.Unlock()

	if !first {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.mu.Lock()
	props := c.propertiesCache.clone()
	c.mu.Unlock()
	if _, err := c.store.SetPropertiesAndPayload(ctx, c.taskUUID, props, nil); err != nil {
		return err
	}

	listener, err := c.bus.ListenForAbort(ctx, c.taskUUID, c.onAbortDetected)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.abortListener = listener
	c.mu.Unlock()
	return nil
}

// onAbortDetected is the listener callback. Late wake-ups that arrive after
// the task body finished are suppressed; cleanup still runs.
func (c *Context) onAbortDetected() {
	c.mu.Lock()
	if c.abortDetected {
		c.mu.Unlock()
		return
	}
	if c.executionCompleted {
		c.mu.Unlock()
		zap.L().Info("abort detected but execution already completed",
			zap.String("task_uuid", c.taskUUID))
		return
	}
	c.abortDetected = true
	c.mu.Unlock()

	zap.L().Info("abort detected", zap.String("task_uuid", c.taskUUID))
	c.triggerAbortHandlers()
}

// triggerAbortHandlers runs every abort handler in LIFO order, best effort.
// Failures are collected; they are written by RunCleanup so that abort and
// cleanup failures land in one record.
func (c *Context) triggerAbortHandlers() {
	c.mu.Lock()
	handlers := make([]Handler, len(c.abortHandlers))
	copy(handlers, c.abortHandlers)
	c.mu.Unlock()

	for i := len(handlers) - 1; i >= 0; i-- {
		c.callHandler("abort", handlers[i])
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.handlerFailures {
		if f.kind == "abort" {
			return
		}
	}
	c.abortHandlersCompleted = true
}

func (c *Context) callHandler(kind string, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("handler panic: %v", r)
			zap.L().Error("task handler panicked",
				zap.String("task_uuid", c.taskUUID),
				zap.String("kind", kind),
				zap.Any("panic", r),
			)
			c.mu.Lock()
			c.handlerFailures = append(c.handlerFailures, handlerFailure{
				kind:  kind,
				err:   err,
				stack: string(debug.Stack()),
			})
			c.mu.Unlock()
		}
	}()

	if err := handler(); err != nil {
		zap.L().Error("task handler failed",
			zap.String("task_uuid", c.taskUUID),
			zap.String("kind", kind),
			zap.Error(err),
		)
		c.mu.Lock()
		c.handlerFailures = append(c.handlerFailures, handlerFailure{kind: kind, err: err})
		c.mu.Unlock()
	}
}

// setErrorProperties records the task body's failure in the properties cache
// so the final flush cannot erase it, and returns the snapshot the executor
// writes in the same statement as the failure status.
func (c *Context) setErrorProperties(message, excType, stack string) Properties {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.propertiesCache[PropErrorMessage] = message
	c.propertiesCache[PropExceptionType] = excType
	if stack != "" {
		c.propertiesCache[PropStackTrace] = stack
	}
	return c.propertiesCache.clone()
}

// MarkExecutionCompleted is called by the executor right after the task body
// returns. Abort wake-ups arriving later become no-ops.
func (c *Context) MarkExecutionCompleted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executionCompleted = true
}

// StartTimeoutTimer arms the one-shot timeout. On fire: abortable tasks are
// CAS-moved to aborting with "Task timed out" recorded, and the abort
// handlers run; non-abortable tasks only get a warning, because nothing can
// cooperatively stop them.
func (c *Context) StartTimeoutTimer(timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timeoutTimer != nil {
		return
	}
	c.timeoutTimer = time.AfterFunc(timeout, func() { c.onTimeout(timeout) })
	zap.L().Debug("started timeout timer",
		zap.String("task_uuid", c.taskUUID),
		zap.Duration("timeout", timeout),
	)
}

func (c *Context) onTimeout(timeout time.Duration) {
	c.mu.Lock()
	if c.abortDetected || c.executionCompleted {
		c.mu.Unlock()
		return
	}
	if !c.propertiesCache.IsAbortable() {
		c.mu.Unlock()
		zap.L().Warn("timeout reached but no abort handler is registered; task continues",
			zap.String("task_uuid", c.taskUUID),
			zap.Duration("timeout", timeout),
		)
		return
	}
	props := c.propertiesCache.clone()
	c.mu.Unlock()
	props[PropErrorMessage] = "Task timed out"

	zap.L().Info("timeout reached, transitioning to aborting",
		zap.String("task_uuid", c.taskUUID),
		zap.Duration("timeout", timeout),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ok, err := c.store.ConditionalStatusUpdate(ctx, c.taskUUID, StatusAborting,
		[]Status{StatusInProgress}, StatusUpdateOptions{Properties: props})
	if err != nil {
		zap.L().Error("timeout status update failed",
			zap.String("task_uuid", c.taskUUID), zap.Error(err))
		return
	}
	if !ok {
		// A concurrent abort or completion won; this run settles as aborted
		// or stays whatever the winner wrote, never timed_out.
		return
	}

	// Only the CAS winner may claim the timeout outcome.
	c.mu.Lock()
	c.timeoutTriggered = true
	c.propertiesCache[PropErrorMessage] = "Task timed out"
	c.mu.Unlock()

	c.onAbortDetected()
}

// StopTimeoutTimer cancels the timeout timer if running.
func (c *Context) StopTimeoutTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timeoutTimer != nil {
		c.timeoutTimer.Stop()
		c.timeoutTimer = nil
	}
}

// StopAbortListener stops the background abort listener.
func (c *Context) StopAbortListener() {
	c.mu.Lock()
	listener := c.abortListener
	c.abortListener = nil
	c.mu.Unlock()
	if listener != nil {
		listener.Stop()
	}
}

func (c *Context) AbortDetected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.abortDetected
}

func (c *Context) TimeoutTriggered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeoutTriggered
}

func (c *Context) AbortHandlersCompleted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.abortHandlersCompleted
}

// RunCleanup runs in the executor's final block on every exit path:
//
//  1. flush pending throttled updates so no progress is lost
//  2. stop the abort listener and timeout timer
//  3. run abort handlers if the row is aborting but the listener never fired
//  4. run all cleanup handlers, LIFO, best effort
//  5. write aggregated handler failures as one failure record
func (c *Context) RunCleanup() {
	c.mu.Lock()
	c.cancelFlushTimerLocked()
	if c.hasPending {
		c.writeToDBLocked()
		c.hasPending = false
	}
	c.mu.Unlock()

	c.StopAbortListener()
	c.StopTimeoutTimer()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	task, err := c.store.Find(ctx, c.taskUUID)
	if err != nil || task == nil {
		zap.L().Warn("could not refresh task during cleanup",
			zap.String("task_uuid", c.taskUUID), zap.Error(err))
	} else {
		c.mu.Lock()
		c.task = task
		detected := c.abortDetected
		c.mu.Unlock()
		if !detected && statusIn(AbortStates, task.Status) {
			// The task ended before the listener noticed the abort.
			c.mu.Lock()
			c.abortDetected = true
			c.mu.Unlock()
			c.triggerAbortHandlers()
		}
	}

	c.mu.Lock()
	handlers := make([]Handler, len(c.cleanupHandlers))
	copy(handlers, c.cleanupHandlers)
	c.mu.Unlock()
	for i := len(handlers) - 1; i >= 0; i-- {
		c.callHandler("cleanup", handlers[i])
	}

	c.writeHandlerFailures(ctx)
}

// writeHandlerFailures combines every collected abort and cleanup failure
// into a single terminal failure record. When the task already recorded an
// error, handler failures are appended and the original error stays first.
func (c *Context) writeHandlerFailures(ctx context.Context) {
	c.mu.Lock()
	failures := c.handlerFailures
	c.handlerFailures = nil
	c.mu.Unlock()
	if len(failures) == 0 {
		return
	}

	var handlerErrMsg, handlerExcType, handlerStack string
	if len(failures) == 1 {
		f := failures[0]
		handlerErrMsg = fmt.Sprintf("%s handler failed: %s", titleCase(f.kind), f.err.Error())
		handlerExcType = errorTypeName(f.err)
		handlerStack = f.stack
	} else {
		msgs := make([]string, 0, len(failures))
		kinds := map[string]bool{}
		stacks := make([]string, 0, len(failures))
		for _, f := range failures {
			msgs = append(msgs, f.err.Error())
			kinds[f.kind] = true
			stacks = append(stacks, fmt.Sprintf("[%s:%s]\n%s", f.kind, errorTypeName(f.err), f.stack))
		}
		handlerErrMsg = "Handler(s) failed: " + strings.Join(msgs, "; ")
		switch {
		case len(kinds) == 1 && kinds["abort"]:
			handlerExcType = "MultipleAbortHandlerFailures"
		case len(kinds) == 1 && kinds["cleanup"]:
			handlerExcType = "MultipleCleanupHandlerFailures"
		default:
			handlerExcType = "MultipleHandlerFailures"
		}
		handlerStack = strings.Join(stacks, "\n--- Next handler failure ---\n")
	}

	task, err := c.store.Find(ctx, c.taskUUID)
	if err != nil || task == nil {
		zap.L().Error("could not load task to record handler failures",
			zap.String("task_uuid", c.taskUUID), zap.Error(err))
		return
	}

	props := task.PropertiesMap()
	errMsg := handlerErrMsg
	excType := handlerExcType
	stack := handlerStack
	if original := props.ErrorMessage(); original != "" {
		errMsg = original + " | " + handlerErrMsg
		if origType, _ := props[PropExceptionType].(string); origType != "" {
			excType = origType + "+" + handlerExcType
		}
		if origStack, _ := props[PropStackTrace].(string); origStack != "" {
			stack = origStack + "\n\n=== Handler failures during cleanup ===\n\n" + handlerStack
		}
	}
	props[PropErrorMessage] = errMsg
	props[PropExceptionType] = excType
	props[PropStackTrace] = stack

	// The task may already be terminal (e.g. success was recorded before a
	// cleanup handler failed); handler failures still force a failure row.
	allStates := append(append([]Status{}, ActiveStates...), TerminalStates...)
	if _, err := c.store.ConditionalStatusUpdate(ctx, c.taskUUID, StatusFailure, allStates,
		StatusUpdateOptions{Properties: props}); err != nil {
		zap.L().Error("failed to record handler failures",
			zap.String("task_uuid", c.taskUUID), zap.Error(err))
	}
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// errorTypeName names the failure kind for the exception_type property.
// Wrapped domain errors report their own type; everything else reports the
// dynamic Go type.
func errorTypeName(err error) string {
	name := fmt.Sprintf("%T", err)
	name = strings.TrimPrefix(name, "*")
	if i := strings.LastIndex(name, "."); i >= 0 && i < len(name)-1 {
		name = name[i+1:]
	}
	return name
}
