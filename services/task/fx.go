package task

import (
	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"

	"gtf/pkg/config"
)

var Module = fx.Module("task.service",
	fx.Provide(
		newNode,
		NewStore,
		newTaskLock,
		newSignalBus,
		NewRegistry,
		newExecutor,
		NewSubmitCommand,
		NewCancelCommand,
		NewUpdateCommand,
		NewPruner,
	),
	fx.Invoke(StartPruner),
)

func newNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func newTaskLock(rdb *redis.Client, store *Store, cfg *config.Config) *TaskLock {
	return NewTaskLock(rdb, store.db, cfg.Tasks.LockTTL, cfg.Tasks.LockWait)
}

func newSignalBus(rdb *redis.Client, store *Store, cfg *config.Config) *SignalBus {
	return NewSignalBus(rdb, store,
		cfg.Tasks.AbortChannelPrefix,
		cfg.Tasks.CompletionChannelPrefix,
		cfg.Tasks.AbortPollingInterval,
	)
}

type executorParams struct {
	fx.In

	Store    *Store
	Lock     *TaskLock
	Bus      *SignalBus
	Registry *Registry
	Client   *asynq.Client `optional:"true"`
	Config   *config.Config
}

func newExecutor(p executorParams) *Executor {
	return NewExecutor(p.Store, p.Lock, p.Bus, p.Registry, p.Client, p.Config.Tasks)
}
