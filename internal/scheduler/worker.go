package scheduler

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/mdasrafkhan/reactor/internal/clock"
	"github.com/mdasrafkhan/reactor/internal/orchestrator"
	"github.com/mdasrafkhan/reactor/internal/queue"
	"github.com/mdasrafkhan/reactor/internal/store"
)

// Worker consumes queue.Job entries and invokes the Orchestrator.
// A job whose handling returns an error is retried through the Queue's
// Ack callback (bounded attempts). A failing step is not such an error:
// the Orchestrator marks the Execution failed inside Start and returns
// nil, so the job is acked and not retried. The worker itself never
// changes an Execution's status when the queue gives up on a job.
type Worker struct {
	queue  queue.Queue
	store  store.Store
	orch   *orchestrator.Orchestrator
	clock  clock.Clock
	logger *zap.Logger
}

func NewWorker(q queue.Queue, s store.Store, orch *orchestrator.Orchestrator, c clock.Clock, logger *zap.Logger) *Worker {
	return &Worker{queue: q, store: s, orch: orch, clock: c, logger: logger}
}

// Run drains the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, ack, err := w.queue.Dequeue(ctx)
		if err != nil {
			continue
		}

		execErr := w.handle(ctx, job)
		if ackErr := ack(ctx, execErr); ackErr != nil {
			w.logger.Error("worker: ack failed", zap.Error(ackErr))
		}
	}
}

func (w *Worker) handle(ctx context.Context, job queue.Job) error {
	if job.ExecutionID != "" {
		exec, err := w.store.GetExecution(ctx, job.ExecutionID)
		if err == nil && exec.Status == store.ExecutionCancelled {
			w.logger.Info("worker: dropping job for cancelled execution", zap.String("executionId", job.ExecutionID))
			return nil
		}
	}

	ctxData := map[string]interface{}{}
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &ctxData); err != nil {
			return fmt.Errorf("worker: decode job payload: %w", err)
		}
	}
	_, err := w.orch.Start(ctx, orchestrator.StartRequest{
		WorkflowID:  job.WorkflowID,
		UserID:      job.UserID,
		TriggerType: job.TriggerType,
		TriggerID:   job.TriggerID,
		Context:     ctxData,
	})
	if err != nil {
		return fmt.Errorf("worker: orchestrator start: %w", err)
	}
	return nil
}

// RunDelays drains the delay lane until ctx is cancelled.
func (w *Worker) RunDelays(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, ack, err := w.queue.DequeueDelay(ctx)
		if err != nil {
			continue
		}

		execErr := w.handleDelay(ctx, job)
		if ackErr := ack(ctx, execErr); ackErr != nil {
			w.logger.Error("worker: delay ack failed", zap.Error(ackErr))
		}
	}
}

// handleDelay resumes the execution a claimed Delay suspended and settles
// the Delay row. A delay whose execution was cancelled in the meantime is
// released as cancelled, never executed; a row no longer in "processing"
// was settled by someone else and is skipped.
func (w *Worker) handleDelay(ctx context.Context, job queue.DelayJob) error {
	d, err := w.store.GetDelay(ctx, job.DelayID)
	if err != nil {
		return fmt.Errorf("worker: load delay %s: %w", job.DelayID, err)
	}
	if d.Status != store.DelayProcessing {
		return nil
	}

	settledAt := w.clock.Now()
	if exec, err := w.store.GetExecution(ctx, d.ExecutionID); err == nil && exec.Status == store.ExecutionCancelled {
		if cerr := w.store.CompleteDelay(ctx, d.ID, store.DelayCancelled, nil, "", settledAt); cerr != nil && cerr != store.ErrCASConflict {
			return cerr
		}
		return nil
	}

	if err := w.orch.Resume(ctx, d); err != nil {
		if cerr := w.store.CompleteDelay(ctx, d.ID, store.DelayFailed, nil, err.Error(), w.clock.Now()); cerr != nil && cerr != store.ErrCASConflict {
			w.logger.Error("worker: mark delay failed", zap.String("delayId", d.ID), zap.Error(cerr))
		}
		return fmt.Errorf("worker: resume delay %s: %w", d.ID, err)
	}
	if cerr := w.store.CompleteDelay(ctx, d.ID, store.DelayExecuted, nil, "", w.clock.Now()); cerr != nil && cerr != store.ErrCASConflict {
		return cerr
	}
	return nil
}
