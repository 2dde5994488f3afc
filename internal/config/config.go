// Package config centralizes the daemon's tunables, loaded through
// viper with three-tier
// precedence: defaults set in code, overridden by an optional YAML
// file, overridden again by RRTR_-prefixed environment variables
// (viper.AutomaticEnv).
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable the daemon reads.
type Config struct {
	// Ambient / transport
	HTTPPort     int
	WorkflowDir  string
	LogLevel     string
	DatabaseDSN  string
	RedisAddr    string
	QueueBackend string // "redis" | "kafka" | "memory"
	KafkaBrokers []string

	QueueConcurrencyExecution int
	QueueConcurrencyDelay     int
	QueueConcurrencyScheduler int
	RetryCount                int
	RetryBaseDelay            time.Duration
	SchedulerLockTTL          time.Duration
	DefaultLockTTL            time.Duration
	DelayBatchSize            int
	TriggerBatchSubscription  int
	TriggerBatchNewsletter    int
	TriggerBatchUser          int
	Retention                 time.Duration
	CronExpr                  string
}

// Load reads defaults, an optional config file, and RRTR_-prefixed env
// var overrides, in that precedence order.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	v.SetEnvPrefix("RRTR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Config{
		HTTPPort:                  v.GetInt("http_port"),
		WorkflowDir:               v.GetString("workflow_dir"),
		LogLevel:                  v.GetString("log_level"),
		DatabaseDSN:               v.GetString("database_dsn"),
		RedisAddr:                 v.GetString("redis_addr"),
		QueueBackend:              v.GetString("queue_backend"),
		KafkaBrokers:              v.GetStringSlice("kafka_brokers"),
		QueueConcurrencyExecution: v.GetInt("queue_concurrency_execution"),
		QueueConcurrencyDelay:     v.GetInt("queue_concurrency_delay"),
		QueueConcurrencyScheduler: v.GetInt("queue_concurrency_scheduler"),
		RetryCount:                v.GetInt("retry_count"),
		RetryBaseDelay:            v.GetDuration("retry_base_delay"),
		SchedulerLockTTL:          v.GetDuration("scheduler_lock_ttl"),
		DefaultLockTTL:            v.GetDuration("default_lock_ttl"),
		DelayBatchSize:            v.GetInt("delay_batch_size"),
		TriggerBatchSubscription:  v.GetInt("trigger_batch_subscription"),
		TriggerBatchNewsletter:    v.GetInt("trigger_batch_newsletter"),
		TriggerBatchUser:          v.GetInt("trigger_batch_user"),
		Retention:                 v.GetDuration("retention"),
		CronExpr:                  v.GetString("cron_expr"),
	}, nil
}

// Default returns Load("") with no config file, discarding any error.
func Default() *Config {
	cfg, _ := Load("")
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_port", 8000)
	v.SetDefault("workflow_dir", "./workflows")
	v.SetDefault("log_level", "info")
	// left empty by default: buildStore/buildLocker in cmd fall back to
	// in-memory backends unless RRTR_DATABASE_DSN/RRTR_REDIS_ADDR are set
	// (buildQueue picks its backend from queue_backend, default "memory"),
	// so the daemon runs without a live database or broker configured.
	v.SetDefault("database_dsn", "")
	v.SetDefault("redis_addr", "")
	v.SetDefault("queue_backend", "memory")
	v.SetDefault("kafka_brokers", []string{"localhost:9092"})

	v.SetDefault("queue_concurrency_execution", 50)
	v.SetDefault("queue_concurrency_delay", 30)
	v.SetDefault("queue_concurrency_scheduler", 1)
	// "retry count (3), retry base delay (2s)"
	v.SetDefault("retry_count", 3)
	v.SetDefault("retry_base_delay", 2*time.Second)
	// "scheduler main lock TTL (60s), default lock TTL (30s)"
	v.SetDefault("scheduler_lock_ttl", 60*time.Second)
	v.SetDefault("default_lock_ttl", 30*time.Second)
	// "batch size for delay promotion (50)"
	v.SetDefault("delay_batch_size", 50)
	// "trigger batch size (subscription 10, newsletter 15, user 20)"
	v.SetDefault("trigger_batch_subscription", 10)
	v.SetDefault("trigger_batch_newsletter", 15)
	v.SetDefault("trigger_batch_user", 20)
	// "retention (30d)"
	v.SetDefault("retention", 30*24*time.Hour)
	// "cron expression (* * * * *)"
	v.SetDefault("cron_expr", "* * * * *")
}
