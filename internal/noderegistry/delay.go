package noderegistry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mdasrafkhan/reactor/internal/clock"
	"github.com/mdasrafkhan/reactor/internal/store"
)

// DelayExecutor creates a Delay row and signals suspension
// (delay contract: "must never block the caller").
type DelayExecutor struct {
	store store.Store
	clock clock.Clock
}

func NewDelayExecutor(s store.Store, c clock.Clock) *DelayExecutor {
	return &DelayExecutor{store: s, clock: c}
}

func (e *DelayExecutor) Validate(step store.Step) error {
	if _, ok := step.Data["delayMs"]; !ok {
		return fmt.Errorf("noderegistry: delay step %s missing \"delayMs\"", step.ID)
	}
	return nil
}

func (e *DelayExecutor) Execute(ctx context.Context, step store.Step, execCtx *Context) (StepResult, error) {
	delayMs, err := toInt64(step.Data["delayMs"])
	if err != nil {
		return StepResult{Success: false, Err: err}, nil
	}
	delayType, _ := step.Data["delayType"].(string)

	now := e.clock.Now()
	executeAt := now.Add(time.Duration(delayMs) * time.Millisecond)

	ctxSnapshot := make(map[string]interface{}, len(execCtx.Data))
	for k, v := range execCtx.Data {
		ctxSnapshot[k] = v
	}

	d := &store.Delay{
		ID:                uuid.NewString(),
		ExecutionID:       execCtx.ExecutionID,
		StepID:            step.ID,
		DelayType:         delayType,
		DelayMs:           delayMs,
		ScheduledAt:       now,
		ExecuteAt:         executeAt,
		Status:            store.DelayPending,
		Context:           ctxSnapshot,
		OriginalDelayType: delayType,
	}
	if err := e.store.CreateDelay(ctx, d); err != nil {
		return StepResult{Success: false, Err: err}, nil
	}

	return StepResult{
		Success: true,
		Result:  map[string]interface{}{"delayId": d.ID},
		Metadata: map[string]interface{}{
			"workflowSuspended": true,
			"resumeAt":          executeAt,
		},
	}, nil
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case json.Number:
		return n.Int64()
	default:
		return 0, fmt.Errorf("noderegistry: delayMs has unsupported type %T", v)
	}
}
