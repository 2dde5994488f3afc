// Package recovery implements the startup reconciliation
// pass: fail stale running executions, promote overdue delays, and
// enforce retention, as a single idempotent Run invoked once at boot.
package recovery

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mdasrafkhan/reactor/internal/clock"
	"github.com/mdasrafkhan/reactor/internal/lock"
	"github.com/mdasrafkhan/reactor/internal/orchestrator"
	"github.com/mdasrafkhan/reactor/internal/store"
)

const (
	cleanupLockKey = "workflow_cleanup"
	cleanupLockTTL = 60 * time.Second

	staleRunningGrace = 24 * time.Hour
	failedDelayTTL    = 24 * time.Hour
	defaultRetention  = 30 * 24 * time.Hour
)

// Config overrides the default retention window.
type Config struct {
	Retention time.Duration
}

type Recovery struct {
	store  store.Store
	locker lock.Locker
	clock  clock.Clock
	orch   *orchestrator.Orchestrator
	logger *zap.Logger
	cfg    Config
}

func New(s store.Store, locker lock.Locker, c clock.Clock, orch *orchestrator.Orchestrator, logger *zap.Logger, cfg Config) *Recovery {
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	return &Recovery{store: s, locker: locker, clock: c, orch: orch, logger: logger, cfg: cfg}
}

// Run executes the full startup reconciliation pass.
func (r *Recovery) Run(ctx context.Context) error {
	lease, err := r.locker.Acquire(ctx, cleanupLockKey, cleanupLockTTL)
	if err != nil {
		r.logger.Info("recovery: cleanup lock not acquired, skipping this replica's pass")
		return nil
	}
	defer lease.Release(ctx)

	now := r.clock.Now()

	failed, err := r.store.FailStaleRunningExecutions(ctx, now.Add(-staleRunningGrace), "restart timeout")
	if err != nil {
		r.logger.Error("recovery: fail stale running executions", zap.Error(err))
	} else if failed > 0 {
		r.logger.Info("recovery: failed stale running executions", zap.Int64("count", failed))
	}

	overdue, err := r.store.ListOverduePendingDelays(ctx, now)
	if err != nil {
		r.logger.Error("recovery: list overdue pending delays", zap.Error(err))
	} else if len(overdue) > 0 {
		claimed, err := r.store.ClaimDueDelays(ctx, now, len(overdue))
		if err != nil {
			r.logger.Error("recovery: claim overdue pending delays", zap.Error(err))
		}
		for _, d := range claimed {
			executedAt := r.clock.Now()
			if err := r.orch.Resume(ctx, d); err != nil {
				_ = r.store.CompleteDelay(ctx, d.ID, store.DelayFailed, nil, err.Error(), executedAt)
				continue
			}
			_ = r.store.CompleteDelay(ctx, d.ID, store.DelayExecuted, nil, "", executedAt)
		}
		r.logger.Info("recovery: promoted overdue pending delays", zap.Int("count", len(claimed)))
	}

	deletedDelays, err := r.store.DeleteOldFailedDelays(ctx, now.Add(-failedDelayTTL))
	if err != nil {
		r.logger.Error("recovery: delete old failed delays", zap.Error(err))
	} else if deletedDelays > 0 {
		r.logger.Info("recovery: deleted old failed delays", zap.Int64("count", deletedDelays))
	}

	deletedExecutions, err := r.store.DeleteOldTerminalExecutions(ctx, now.Add(-r.cfg.Retention))
	if err != nil {
		r.logger.Error("recovery: delete old terminal executions", zap.Error(err))
	} else if deletedExecutions > 0 {
		r.logger.Info("recovery: deleted old terminal executions", zap.Int64("count", deletedExecutions))
	}

	return nil
}
