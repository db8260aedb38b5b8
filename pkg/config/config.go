package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var config = viper.New()

type Config struct {
	AppEnv  string `mapstructure:"APP_ENV"`
	AppName string `mapstructure:"APP_NAME"`

	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`

	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`

	Asynq struct {
		Concurrency int `mapstructure:"CONCURRENCY"`
	} `mapstructure:"ASYNQ"`

	Tasks Tasks `mapstructure:"TASKS"`
}

// Tasks carries the runtime knobs of the task framework.
type Tasks struct {
	AbortChannelPrefix      string `mapstructure:"ABORT_CHANNEL_PREFIX"`
	CompletionChannelPrefix string `mapstructure:"COMPLETION_CHANNEL_PREFIX"`

	// AbortPollingInterval is used by abort listeners and completion waiters
	// when redis pub/sub is not configured.
	AbortPollingInterval time.Duration `mapstructure:"ABORT_POLLING_INTERVAL"`

	// ProgressThrottleInterval is the minimum interval between progress
	// writes from a task context. Zero disables throttling.
	ProgressThrottleInterval time.Duration `mapstructure:"PROGRESS_THROTTLE_INTERVAL"`

	LockTTL  time.Duration `mapstructure:"LOCK_TTL"`
	LockWait time.Duration `mapstructure:"LOCK_WAIT"`

	RetentionDays int `mapstructure:"RETENTION_DAYS"`
	PruneMaxRows  int `mapstructure:"PRUNE_MAX_ROWS"`

	ExposeStackTrace bool `mapstructure:"EXPOSE_STACK_TRACE"`
}

// DefaultTasks returns the task settings used when no config file overrides
// them. Tests build their settings on top of this.
func DefaultTasks() Tasks {
	return Tasks{
		AbortChannelPrefix:       "gtf:abort:",
		CompletionChannelPrefix:  "gtf:complete:",
		AbortPollingInterval:     time.Second,
		ProgressThrottleInterval: 2 * time.Second,
		LockTTL:                  10 * time.Second,
		LockWait:                 5 * time.Second,
		RetentionDays:            30,
	}
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

func LoadConfig() *Config {
	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	defaults := DefaultTasks()
	config.SetDefault("TASKS.ABORT_CHANNEL_PREFIX", defaults.AbortChannelPrefix)
	config.SetDefault("TASKS.COMPLETION_CHANNEL_PREFIX", defaults.CompletionChannelPrefix)
	config.SetDefault("TASKS.ABORT_POLLING_INTERVAL", defaults.AbortPollingInterval)
	config.SetDefault("TASKS.PROGRESS_THROTTLE_INTERVAL", defaults.ProgressThrottleInterval)
	config.SetDefault("TASKS.LOCK_TTL", defaults.LockTTL)
	config.SetDefault("TASKS.LOCK_WAIT", defaults.LockWait)
	config.SetDefault("TASKS.RETENTION_DAYS", defaults.RetentionDays)
	config.SetDefault("ASYNQ.CONCURRENCY", 10)

	if err := config.ReadInConfig(); err != nil {
		zap.L().Error("failed to read config file", zap.Error(err))
		os.Exit(1)
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		zap.L().Error("failed to unmarshal config", zap.Error(err))
		os.Exit(1)
	}

	return &cfg
}
