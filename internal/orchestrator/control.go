package orchestrator

import (
	"context"
	"fmt"

	"github.com/mdasrafkhan/reactor/internal/store"
)

// legalTransitions enumerates the permitted Execution status lattice
// edges. completed, failed, and cancelled are absorbing.
var legalTransitions = map[store.ExecutionStatus]map[store.ExecutionStatus]bool{
	store.ExecutionRunning: {
		store.ExecutionCompleted: true,
		store.ExecutionFailed:    true,
		store.ExecutionCancelled: true,
		store.ExecutionPaused:    true,
		store.ExecutionDelayed:   true,
	},
	store.ExecutionPaused: {
		store.ExecutionRunning:   true,
		store.ExecutionCancelled: true,
	},
	store.ExecutionDelayed: {
		store.ExecutionRunning:   true,
		store.ExecutionCancelled: true,
	},
}

func transition(exec *store.Execution, to store.ExecutionStatus) error {
	if exec.Status == to {
		return nil
	}
	allowed, ok := legalTransitions[exec.Status]
	if !ok || !allowed[to] {
		return fmt.Errorf("orchestrator: illegal transition %s -> %s", exec.Status, to)
	}
	exec.Status = to
	return nil
}

// Control operations: start/stop/pause/resume/cancel an
// existing Execution. "start" of an already-created Execution simply
// means pending -> running, which in this implementation happens
// synchronously inside Start/Resume; this file therefore implements the
// remaining four, and the control API's start route only returns the
// execution unchanged.

func (o *Orchestrator) Pause(ctx context.Context, executionID string) (*store.Execution, error) {
	exec, err := o.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if err := transition(exec, store.ExecutionPaused); err != nil {
		return nil, err
	}
	exec.UpdatedAt = o.clock.Now()
	if err := o.store.UpdateExecution(ctx, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

// ResumeControl moves a paused Execution back to running. Pausing a
// delayed execution does not cancel its Delay row, so there is nothing
// else to do here — the pending Delay resumes the loop on its own
// schedule once promoted.
func (o *Orchestrator) ResumeControl(ctx context.Context, executionID string) (*store.Execution, error) {
	exec, err := o.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if err := transition(exec, store.ExecutionRunning); err != nil {
		return nil, err
	}
	exec.UpdatedAt = o.clock.Now()
	if err := o.store.UpdateExecution(ctx, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

// Cancel moves an Execution to cancelled and cancels its pending
// Delays so none of them can promote later.
func (o *Orchestrator) Cancel(ctx context.Context, executionID string) (*store.Execution, error) {
	exec, err := o.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if err := transition(exec, store.ExecutionCancelled); err != nil {
		return nil, err
	}
	if err := o.store.CancelPendingDelays(ctx, executionID); err != nil {
		return nil, fmt.Errorf("orchestrator: cancel pending delays: %w", err)
	}
	exec.UpdatedAt = o.clock.Now()
	if err := o.store.UpdateExecution(ctx, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

// Stop is semantically identical to Cancel (both target the cancelled
// state).
func (o *Orchestrator) Stop(ctx context.Context, executionID string) (*store.Execution, error) {
	return o.Cancel(ctx, executionID)
}
