package task

import (
	"context"
	"errors"
	"sync"
	"time"

	"gtf/pkg/rediskey"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// abortMessage is the single payload ever published on an abort channel.
const abortMessage = "abort"

// listenerStopTimeout bounds how long Stop waits for the listener goroutine.
const listenerStopTimeout = 2 * time.Second

// SignalBus carries abort and completion notifications between workers.
// With a redis client it uses pub/sub; without one every listener degrades
// to database polling. Publishes are best-effort single shots fired after
// the corresponding transaction commits: a lost publish is compensated by
// polling, never retried.
type SignalBus struct {
	rdb   *redis.Client // nil means polling mode
	store *Store

	abortPrefix      string
	completionPrefix string
	pollInterval     time.Duration
}

func NewSignalBus(rdb *redis.Client, store *Store, abortPrefix, completionPrefix string, pollInterval time.Duration) *SignalBus {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &SignalBus{
		rdb:              rdb,
		store:            store,
		abortPrefix:      abortPrefix,
		completionPrefix: completionPrefix,
		pollInterval:     pollInterval,
	}
}

// Available reports whether pub/sub is configured.
func (b *SignalBus) Available() bool { return b.rdb != nil }

func (b *SignalBus) AbortChannel(taskUUID string) string {
	return rediskey.BuildChannel(b.abortPrefix, taskUUID)
}

func (b *SignalBus) CompletionChannel(taskUUID string) string {
	return rediskey.BuildChannel(b.completionPrefix, taskUUID)
}

// PublishAbort tells listeners to start aborting now. Failures are logged
// and swallowed: abort pollers observe the status row eventually.
func (b *SignalBus) PublishAbort(ctx context.Context, taskUUID string) {
	if b.rdb == nil {
		return
	}
	channel := b.AbortChannel(taskUUID)
	if err := b.rdb.Publish(ctx, channel, abortMessage).Err(); err != nil {
		publishFailures.Inc()
		zap.L().Error("failed to publish abort",
			zap.String("task_uuid", taskUUID),
			zap.String("channel", channel),
			zap.Error(err),
		)
		return
	}
	zap.L().Debug("published abort", zap.String("channel", channel))
}

// PublishCompletion announces a terminal status to completion waiters.
func (b *SignalBus) PublishCompletion(ctx context.Context, taskUUID string, status Status) {
	if b.rdb == nil {
		return
	}
	channel := b.CompletionChannel(taskUUID)
	if err := b.rdb.Publish(ctx, channel, string(status)).Err(); err != nil {
		publishFailures.Inc()
		zap.L().Error("failed to publish completion",
			zap.String("task_uuid", taskUUID),
			zap.String("channel", channel),
			zap.String("status", string(status)),
			zap.Error(err),
		)
		return
	}
	zap.L().Debug("published completion",
		zap.String("channel", channel),
		zap.String("status", string(status)),
	)
}

// AbortListener is the handle for a background abort listener.
type AbortListener struct {
	taskUUID string
	stop     chan struct{}
	done     chan struct{}
	pubsub   *redis.PubSub
	stopOnce sync.Once
}

// Stop unsubscribes and joins the listener goroutine within a bounded
// timeout. A goroutine that outlives the timeout only blocks itself.
func (l *AbortListener) Stop() {
	l.stopOnce.Do(func() {
		close(l.stop)
		if l.pubsub != nil {
			if err := l.pubsub.Close(); err != nil {
				zap.L().Debug("error closing pub/sub during stop", zap.Error(err))
			}
		}

		select {
		case <-l.done:
			zap.L().Debug("stopped abort listener", zap.String("task_uuid", l.taskUUID))
		case <-time.After(listenerStopTimeout):
			zap.L().Warn("abort listener did not terminate in time",
				zap.String("task_uuid", l.taskUUID),
				zap.Duration("timeout", listenerStopTimeout),
			)
		}
	})
}

// ListenForAbort starts a background listener that invokes onFire once when
// an abort is detected. With pub/sub configured a failed subscribe is an
// error, not a silent downgrade to polling: a polling listener has subtly
// different latency and the operator should know.
func (b *SignalBus) ListenForAbort(ctx context.Context, taskUUID string, onFire func()) (*AbortListener, error) {
	listener := &AbortListener{
		taskUUID: taskUUID,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	if b.rdb != nil {
		pubsub := b.rdb.Subscribe(ctx, b.AbortChannel(taskUUID))
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			return nil, err
		}
		listener.pubsub = pubsub

		go b.listenPubSub(listener, onFire)
		zap.L().Debug("started pub/sub abort listener", zap.String("task_uuid", taskUUID))
		return listener, nil
	}

	go b.pollForAbort(listener, onFire)
	zap.L().Debug("started polling abort listener",
		zap.String("task_uuid", taskUUID),
		zap.Duration("interval", b.pollInterval),
	)
	return listener, nil
}

func (b *SignalBus) listenPubSub(l *AbortListener, onFire func()) {
	defer close(l.done)

	ch := l.pubsub.Channel()
	for {
		select {
		case <-l.stop:
			return
		case msg, ok := <-ch:
			if !ok {
				// Subscription closed. If we were not asked to stop,
				// the connection is gone; polling is not started here
				// because the abort poller fallback belongs to the
				// configuration, not to a connection hiccup.
				select {
				case <-l.stop:
				default:
					zap.L().Error("abort listener subscription closed unexpectedly",
						zap.String("task_uuid", l.taskUUID))
				}
				return
			}
			if msg != nil {
				zap.L().Info("abort detected via pub/sub", zap.String("task_uuid", l.taskUUID))
				onFire()
				return
			}
		}
	}
}

func (b *SignalBus) pollForAbort(l *AbortListener, onFire func()) {
	defer close(l.done)

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			aborted, err := b.abortRequested(l.taskUUID)
			if err != nil {
				zap.L().Error("abort poll failed",
					zap.String("task_uuid", l.taskUUID),
					zap.Error(err),
				)
				continue
			}
			if aborted {
				zap.L().Info("abort detected via polling", zap.String("task_uuid", l.taskUUID))
				onFire()
				return
			}
		}
	}
}

func (b *SignalBus) abortRequested(taskUUID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.pollInterval)
	defer cancel()

	task, err := b.store.Find(ctx, taskUUID)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	return statusIn(AbortStates, task.Status), nil
}

// WaitForCompletion blocks until the task reaches a terminal state or the
// timeout fires (ErrWaitTimeout). The database is re-checked right after
// subscribing to guard against a publish that landed between the first read
// and the subscribe.
func (b *SignalBus) WaitForCompletion(ctx context.Context, taskUUID string, timeout time.Duration) (*Task, error) {
	deadline := time.Now().Add(timeout)

	task, err := b.store.Find(ctx, taskUUID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, ErrNotFound
	}
	if task.Status.Terminal() {
		return task, nil
	}

	zap.L().Info("waiting for task completion",
		zap.String("task_uuid", taskUUID),
		zap.String("status", string(task.Status)),
		zap.Duration("timeout", timeout),
	)

	if b.rdb == nil {
		return b.waitViaPolling(ctx, taskUUID, deadline)
	}
	return b.waitViaPubSub(ctx, taskUUID, deadline)
}

func (b *SignalBus) waitViaPubSub(ctx context.Context, taskUUID string, deadline time.Time) (*Task, error) {
	pubsub := b.rdb.Subscribe(ctx, b.CompletionChannel(taskUUID))
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, err
	}

	// Lost-wakeup guard: the completion may have been published between the
	// initial read and the subscribe above.
	if task, err := b.terminalOrNil(ctx, taskUUID); err != nil || task != nil {
		return task, err
	}

	ch := pubsub.Channel()
	recheck := time.NewTicker(b.pollInterval)
	defer recheck.Stop()
	expire := time.NewTimer(time.Until(deadline))
	defer expire.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-expire.C:
			return nil, ErrWaitTimeout
		case msg, ok := <-ch:
			if !ok {
				return nil, errors.New("completion subscription closed")
			}
			if msg != nil {
				if task, err := b.terminalOrNil(ctx, taskUUID); err != nil || task != nil {
					return task, err
				}
			}
		case <-recheck.C:
			// Periodic DB check in case the message was missed entirely.
			if task, err := b.terminalOrNil(ctx, taskUUID); err != nil || task != nil {
				return task, err
			}
		}
	}
}

func (b *SignalBus) waitViaPolling(ctx context.Context, taskUUID string, deadline time.Time) (*Task, error) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()
	expire := time.NewTimer(time.Until(deadline))
	defer expire.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-expire.C:
			return nil, ErrWaitTimeout
		case <-ticker.C:
			if task, err := b.terminalOrNil(ctx, taskUUID); err != nil || task != nil {
				return task, err
			}
		}
	}
}

func (b *SignalBus) terminalOrNil(ctx context.Context, taskUUID string) (*Task, error) {
	task, err := b.store.Find(ctx, taskUUID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, ErrNotFound
	}
	if task.Status.Terminal() {
		return task, nil
	}
	return nil, nil
}
