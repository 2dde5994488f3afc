// Package scheduler is the once-per-minute, leader-locked cron tick,
// wired over robfig/cron/v3, driving a single tick function over
// trigger pollers and Delay promotion.
package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mdasrafkhan/reactor/internal/clock"
	"github.com/mdasrafkhan/reactor/internal/lock"
	"github.com/mdasrafkhan/reactor/internal/orchestrator"
	"github.com/mdasrafkhan/reactor/internal/queue"
	"github.com/mdasrafkhan/reactor/internal/store"
	"github.com/mdasrafkhan/reactor/internal/triggerregistry"
)

// Priority inference by trigger type.
var triggerPriority = map[string]int{
	"subscription_created":  1,
	"newsletter_subscribed": 0,
	"user_created":          2,
}

const (
	mainLockKey  = "workflow_scheduler_main"
	delayLockKey = "delayed_executions_processing"

	defaultMainLockTTL     = 60 * time.Second
	defaultDelayLockTTL    = 30 * time.Second
	defaultDelayBatchLimit = 50
)

// WorkflowBinding associates a workflow with the trigger type that fires
// it, the Scheduler's input for "for each workflow bound to this
// trigger".
type WorkflowBinding struct {
	WorkflowID  string
	TriggerType string
}

// Scheduler runs the leader-locked per-minute tick.
type Scheduler struct {
	store    store.Store
	locker   lock.Locker
	queue    queue.Queue
	triggers *triggerregistry.Registry
	orch     *orchestrator.Orchestrator
	clock    clock.Clock
	logger   *zap.Logger

	bindings        []WorkflowBinding
	mainLockTTL     time.Duration
	delayLockTTL    time.Duration
	delayBatchLimit int
	cron            *cron.Cron
}

// Config holds the cron expression, workflow bindings, and the tick's
// tunables. Zero values fall back to the defaults above.
type Config struct {
	CronExpr       string
	Bindings       []WorkflowBinding
	MainLockTTL    time.Duration
	DelayLockTTL   time.Duration
	DelayBatchSize int
}

func New(s store.Store, locker lock.Locker, q queue.Queue, triggers *triggerregistry.Registry, orch *orchestrator.Orchestrator, c clock.Clock, logger *zap.Logger, cfg Config) *Scheduler {
	sch := &Scheduler{
		store:           s,
		locker:          locker,
		queue:           q,
		triggers:        triggers,
		orch:            orch,
		clock:           c,
		logger:          logger,
		bindings:        cfg.Bindings,
		mainLockTTL:     cfg.MainLockTTL,
		delayLockTTL:    cfg.DelayLockTTL,
		delayBatchLimit: cfg.DelayBatchSize,
	}
	if sch.mainLockTTL <= 0 {
		sch.mainLockTTL = defaultMainLockTTL
	}
	if sch.delayLockTTL <= 0 {
		sch.delayLockTTL = defaultDelayLockTTL
	}
	if sch.delayBatchLimit <= 0 {
		sch.delayBatchLimit = defaultDelayBatchLimit
	}
	sch.cron = cron.New()
	expr := cfg.CronExpr
	if expr == "" {
		expr = "* * * * *"
	}
	sch.cron.AddFunc(expr, func() { sch.tick(context.Background()) })
	return sch
}

func (s *Scheduler) Start() { s.cron.Start() }
func (s *Scheduler) Stop()  { s.cron.Stop() }

// tick runs one full scheduler cycle.
func (s *Scheduler) tick(ctx context.Context) {
	lease, err := s.locker.Acquire(ctx, mainLockKey, s.mainLockTTL)
	if err != nil {
		s.logger.Debug("scheduler tick: main lock not acquired, yielding to another replica")
		return
	}
	defer lease.Release(ctx)

	now := s.clock.Now()

	var wg sync.WaitGroup
	for _, binding := range s.bindings {
		wg.Add(1)
		go func(b WorkflowBinding) {
			defer wg.Done()
			s.pollAndEnqueue(ctx, b, now)
		}(binding)
	}
	wg.Wait()

	s.promoteDelays(ctx, now)
}

func (s *Scheduler) pollAndEnqueue(ctx context.Context, b WorkflowBinding, now time.Time) {
	poller, err := s.triggers.Get(b.TriggerType)
	if err != nil {
		s.logger.Error("scheduler: no poller registered", zap.String("triggerType", b.TriggerType), zap.Error(err))
		return
	}

	cursorWorkflow := poller.GetWorkflowID(triggerregistry.TriggerContext{WorkflowID: b.WorkflowID})
	cursor, err := s.store.GetTriggerCursor(ctx, cursorWorkflow, b.TriggerType)
	var sinceNanos int64
	if err == nil {
		sinceNanos = cursor.LastExecutionTime.UnixNano()
	}

	contexts, err := poller.Poll(ctx, b.WorkflowID, sinceNanos)
	if err != nil {
		s.logger.Error("scheduler: poll failed", zap.String("triggerType", b.TriggerType), zap.Error(err))
		return
	}
	if len(contexts) == 0 {
		return
	}

	// fan-out per tick is already capped by the poller's batch-size LIMIT
	priority := triggerPriority[b.TriggerType]
	enqueued := 0
	for _, tc := range contexts {
		if !poller.ShouldExecute(tc) {
			continue
		}
		payload, err := json.Marshal(tc.EntityData)
		if err != nil {
			s.logger.Error("scheduler: marshal trigger payload failed", zap.Error(err))
			continue
		}
		job := queue.Job{
			ExecutionID: "",
			WorkflowID:  tc.WorkflowID,
			UserID:      tc.UserID,
			TriggerType: tc.TriggerType,
			TriggerID:   tc.TriggerID,
			Payload:     payload,
			Priority:    priority,
			EnqueuedAt:  now,
		}
		if err := s.queue.Enqueue(ctx, job); err != nil {
			s.logger.Error("scheduler: enqueue job failed", zap.Error(err))
			continue
		}
		enqueued++
	}

	if err := s.store.AdvanceTriggerCursor(ctx, cursorWorkflow, b.TriggerType, now); err != nil {
		s.logger.Error("scheduler: advance trigger cursor failed", zap.Error(err))
	}
	s.logger.Info("scheduler: batch enqueued",
		zap.String("triggerType", b.TriggerType), zap.Int("count", enqueued))
}

// promoteDelays claims due Delays and hands each off to the delay lane,
// where a delay worker resumes the suspended execution. If the hand-off
// itself fails the delay is resumed inline so a claimed row never sits in
// "processing" with nobody responsible for it.
func (s *Scheduler) promoteDelays(ctx context.Context, now time.Time) {
	lease, err := s.locker.Acquire(ctx, delayLockKey, s.delayLockTTL)
	if err != nil {
		s.logger.Debug("scheduler: delayed-executions lock not acquired, yielding")
		return
	}
	defer lease.Release(ctx)

	claimed, err := s.store.ClaimDueDelays(ctx, now, s.delayBatchLimit)
	if err != nil {
		s.logger.Error("scheduler: claim due delays failed", zap.Error(err))
		return
	}

	for _, d := range claimed {
		job := queue.DelayJob{DelayID: d.ID, ExecutionID: d.ExecutionID, EnqueuedAt: now}
		if err := s.queue.EnqueueDelay(ctx, job); err != nil {
			s.logger.Warn("scheduler: delay hand-off failed, resuming inline",
				zap.String("delayId", d.ID), zap.Error(err))
			s.resumeInline(ctx, d)
		}
	}
}

func (s *Scheduler) resumeInline(ctx context.Context, d *store.Delay) {
	executedAt := s.clock.Now()
	if err := s.orch.Resume(ctx, d); err != nil {
		if cerr := s.store.CompleteDelay(ctx, d.ID, store.DelayFailed, nil, err.Error(), executedAt); cerr != nil {
			s.logger.Error("scheduler: mark delay failed", zap.String("delayId", d.ID), zap.Error(cerr))
		}
		return
	}
	if cerr := s.store.CompleteDelay(ctx, d.ID, store.DelayExecuted, nil, "", executedAt); cerr != nil && cerr != store.ErrCASConflict {
		s.logger.Error("scheduler: mark delay executed", zap.String("delayId", d.ID), zap.Error(cerr))
	}
}
