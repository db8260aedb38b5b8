package main

import (
	"context"
	"os"

	hibiken "github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"gtf/pkg/asynq"
	"gtf/pkg/config"
	"gtf/pkg/db"
	"gtf/pkg/logger"
	"gtf/pkg/redis"
	"gtf/services/task"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		asynq.Client,
		asynq.Server,
		task.Module,
		fx.Invoke(
			migrate,
			registerHandlers,
		),
		fxLogger,
	)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func migrate(store *task.Store) {
	if err := store.Migrate(); err != nil {
		zap.L().Error("failed to migrate task tables", zap.Error(err))
		os.Exit(1)
	}
}

func registerHandlers(mux *hibiken.ServeMux, exec *task.Executor) {
	exec.RegisterHandlers(mux)
}
