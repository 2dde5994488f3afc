// Package cmd is the reactor CLI: cobra subcommands ("run"/"compile")
// with cobra.OnInitialize wiring a zap.NewProduction() logger, composing
// the store/queue/lock/orchestrator stack into a runnable daemon.
package cmd

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mdasrafkhan/reactor/internal/adapters"
	"github.com/mdasrafkhan/reactor/internal/clock"
	"github.com/mdasrafkhan/reactor/internal/compiler"
	"github.com/mdasrafkhan/reactor/internal/config"
	"github.com/mdasrafkhan/reactor/internal/controlapi"
	"github.com/mdasrafkhan/reactor/internal/lock"
	"github.com/mdasrafkhan/reactor/internal/noderegistry"
	"github.com/mdasrafkhan/reactor/internal/orchestrator"
	"github.com/mdasrafkhan/reactor/internal/queue"
	"github.com/mdasrafkhan/reactor/internal/recovery"
	"github.com/mdasrafkhan/reactor/internal/scheduler"
	"github.com/mdasrafkhan/reactor/internal/store"
	"github.com/mdasrafkhan/reactor/internal/triggerregistry"
)

var (
	cfgFile string
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "reactor",
	Short: "Distributed workflow orchestration engine",
	Long:  "Reactor compiles JSON rule documents into linear step workflows and drives them to completion across process restarts and replicas.",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the reactor daemon (scheduler, workers, control API)",
	RunE:  runDaemon,
}

var compileCmd = &cobra.Command{
	Use:   "compile [rule-file]",
	Short: "Compile a workflow rule JSON file and print the normalized steps",
	Args:  cobra.ExactArgs(1),
	RunE:  compileRule,
}

var compileOutputFormat string

func init() {
	cobra.OnInitialize(initLogger)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML), overridden by RRTR_ env vars")
	compileCmd.Flags().StringVar(&compileOutputFormat, "format", "json", "output format for compiled steps: json or yaml")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(compileCmd)
}

func initLogger() {
	var err error
	logger, err = zap.NewProduction()
	if err != nil {
		panic(err)
	}
}

func Execute() error {
	return rootCmd.Execute()
}

// buildAdapters registers every step-type executor backed
// by the side-effect adapter registry.
func buildAdapters(s store.Store, c clock.Clock, lg *zap.Logger) *noderegistry.Registry {
	adapterReg := adapters.NewRegistry(lg)
	reg := noderegistry.NewRegistry(lg)
	reg.Register(store.StepTypeAction, noderegistry.NewActionExecutor(adapterReg))
	reg.Register(store.StepTypeDelay, noderegistry.NewDelayExecutor(s, c))
	reg.Register(store.StepTypeCondition, noderegistry.NewConditionExecutor())
	reg.Register(store.StepTypeSharedFlow, noderegistry.NewSharedFlowExecutor(noderegistry.NoopSharedFlowRunner{}))
	reg.Register(store.StepTypeEnd, noderegistry.NewEndExecutor())
	return reg
}

// buildStore selects the durable Store backend. Postgres is the
// production choice (logical schema); an in-memory Store
// backs any deployment with RRTR_DATABASE_DSN unset, so the daemon
// stays usable without a live database.
func buildStore(cfg *config.Config, lg *zap.Logger) (store.Store, error) {
	if cfg.DatabaseDSN == "" {
		lg.Warn("no database DSN configured, using in-memory store (not durable across restarts)")
		return store.NewMemory(), nil
	}
	pg, err := store.NewPostgres(cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("cmd: open store: %w", err)
	}
	return pg, nil
}

// buildLocker and buildQueue select Redis/Kafka/memory backends per
// deployment, each sharing a common construction shape.
func buildLocker(cfg *config.Config, c clock.Clock, lg *zap.Logger) lock.Locker {
	if cfg.RedisAddr == "" {
		return lock.NewMemory(c)
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return lock.NewRedis(client, lg, c)
}

func buildQueue(cfg *config.Config, lg *zap.Logger) (queue.Queue, error) {
	switch cfg.QueueBackend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return queue.NewRedis(client, lg, cfg.RetryCount), nil
	case "kafka":
		return queue.NewKafka(queue.KafkaConfig{
			Brokers:     cfg.KafkaBrokers,
			GroupID:     "reactor-workers",
			JobsTopic:   "workflow-execution",
			DelaysTopic: "workflow-delay",
		}, lg, cfg.RetryCount), nil
	default:
		return queue.NewMemory(cfg.RetryCount), nil
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("cmd: load config: %w", err)
	}

	rc := clock.New()

	st, err := buildStore(cfg, logger)
	if err != nil {
		return err
	}
	locker := buildLocker(cfg, rc, logger)
	q, err := buildQueue(cfg, logger)
	if err != nil {
		return err
	}

	if err := queue.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Warn("prometheus registration failed", zap.Error(err))
	}

	reg := buildAdapters(st, rc, logger)
	orch := orchestrator.New(st, reg, rc, logger)

	triggers := triggerregistry.NewRegistry(logger)
	if cfg.DatabaseDSN != "" {
		triggerDB, err := sql.Open("postgres", cfg.DatabaseDSN)
		if err != nil {
			return fmt.Errorf("cmd: open trigger poll db: %w", err)
		}
		defer triggerDB.Close()
		triggers.Register(triggerregistry.NewSubscriptionPoller(triggerDB, logger, "", cfg.TriggerBatchSubscription))
		triggers.Register(triggerregistry.NewNewsletterPoller(triggerDB, logger, cfg.TriggerBatchNewsletter))
		triggers.Register(triggerregistry.NewUserCreatedPoller(triggerDB, logger, cfg.TriggerBatchUser))
	}
	watcher := triggerregistry.NewWorkflowDirWatcher(logger, st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := watcher.Start(ctx, cfg.WorkflowDir); err != nil {
		logger.Warn("workflow dir watcher failed to start", zap.String("dir", cfg.WorkflowDir), zap.Error(err))
	}

	defs, err := st.ListWorkflowDefinitions(ctx)
	if err != nil {
		logger.Warn("listing workflow definitions failed", zap.Error(err))
	}
	var bindings []scheduler.WorkflowBinding
	for _, def := range defs {
		for _, tt := range []string{"subscription_created", "newsletter_subscribed", "user_created"} {
			bindings = append(bindings, scheduler.WorkflowBinding{WorkflowID: def.ID, TriggerType: tt})
		}
	}

	sch := scheduler.New(st, locker, q, triggers, orch, rc, logger, scheduler.Config{
		CronExpr:       cfg.CronExpr,
		Bindings:       bindings,
		MainLockTTL:    cfg.SchedulerLockTTL,
		DelayLockTTL:   cfg.DefaultLockTTL,
		DelayBatchSize: cfg.DelayBatchSize,
	})
	sch.Start()
	defer sch.Stop()

	rec := recovery.New(st, locker, rc, orch, logger, recovery.Config{Retention: cfg.Retention})
	if err := rec.Run(ctx); err != nil {
		logger.Error("startup recovery failed", zap.Error(err))
	}

	for i := 0; i < cfg.QueueConcurrencyExecution; i++ {
		w := scheduler.NewWorker(q, st, orch, rc, logger)
		go w.Run(ctx)
	}
	for i := 0; i < cfg.QueueConcurrencyDelay; i++ {
		w := scheduler.NewWorker(q, st, orch, rc, logger)
		go w.RunDelays(ctx)
	}

	api := controlapi.New(st, orch, q, logger)
	api.OnCleanup(rec.Run)
	router := mux.NewRouter()
	api.RegisterRoutes(router)
	router.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.HTTPPort), Handler: router}
	go func() {
		logger.Info("control API listening", zap.Int("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("control API failed", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down reactor daemon")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

func compileRule(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("cmd: read rule file: %w", err)
	}
	result, err := compiler.Compile(raw)
	if err != nil {
		return fmt.Errorf("cmd: compile: %w", err)
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}

	if compileOutputFormat == "yaml" {
		out, err := compiler.DumpYAML(result.Steps)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	}

	out, err := json.MarshalIndent(result.Steps, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
