// Package orchestrator drives one Execution through its compiled steps:
// duplicate suppression, the step loop, delay suspension, and
// dynamic-step reconstruction on resume. Execution state is threaded
// through a persist-after-each-step loop over the linear compiled step
// list, with runtime splicing for condition-extracted actions.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mdasrafkhan/reactor/internal/clock"
	"github.com/mdasrafkhan/reactor/internal/compiler"
	"github.com/mdasrafkhan/reactor/internal/noderegistry"
	"github.com/mdasrafkhan/reactor/internal/store"
)

// Orchestrator executes compiled workflows for one Execution at a time.
// Callers MUST NOT invoke it in parallel for the same executionId;
// nothing here defends against that internally.
type Orchestrator struct {
	store    store.Store
	registry *noderegistry.Registry
	clock    clock.Clock
	logger   *zap.Logger
}

func New(s store.Store, reg *noderegistry.Registry, c clock.Clock, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{store: s, registry: reg, clock: c, logger: logger}
}

// StartRequest begins a new Execution for a trigger firing.
type StartRequest struct {
	WorkflowID  string
	UserID      string
	TriggerType string
	TriggerID   string
	Context     map[string]interface{}
}

// Start creates (or returns the existing) Execution for this natural key
// and, if newly created, runs its step loop to the first suspension or
// terminal state. A duplicate firing returns the existing row untouched.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*store.Execution, error) {
	def, err := o.store.GetWorkflowDefinition(ctx, req.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load workflow %s: %w", req.WorkflowID, err)
	}

	now := o.clock.Now()
	candidate := &store.Execution{
		ExecutionID:        newExecutionID(),
		WorkflowID:         req.WorkflowID,
		UserID:             req.UserID,
		TriggerType:        req.TriggerType,
		TriggerID:          req.TriggerID,
		Status:             store.ExecutionRunning,
		CurrentStep:        "",
		WorkflowDefinition: append([]store.Step(nil), def.CompiledSteps...),
		State: store.ExecutionState{
			CurrentState: "running",
			Context:      req.Context,
			History:      nil,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	exec, created, err := o.store.CreateExecution(ctx, candidate)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: create execution: %w", err)
	}
	if !created {
		o.logger.Info("duplicate trigger suppressed",
			zap.String("executionId", exec.ExecutionID),
			zap.String("workflowId", req.WorkflowID))
		return exec, nil
	}

	if err := o.run(ctx, exec, 0); err != nil {
		return exec, err
	}
	return exec, nil
}

// Resume re-enters an Execution suspended at a promoted Delay,
// restoring context from the Delay snapshot before re-entering the loop.
func (o *Orchestrator) Resume(ctx context.Context, d *store.Delay) error {
	exec, err := o.store.GetExecution(ctx, d.ExecutionID)
	if err != nil {
		return fmt.Errorf("orchestrator: load execution %s: %w", d.ExecutionID, err)
	}
	if exec.Status == store.ExecutionCancelled {
		return nil
	}

	mergeContext(exec.State.Context, d.Context)

	markSuspendedCompleted(exec, d.StepID)

	steps := exec.WorkflowDefinition
	idx := indexOfStep(steps, d.StepID)
	var resumeIdx int
	if idx >= 0 {
		resumeIdx = idx + 1
	} else {
		steps, resumeIdx, err = o.reconstructDynamicSteps(exec, d)
		if err != nil {
			return fmt.Errorf("orchestrator: reconstruct dynamic steps: %w", err)
		}
	}
	exec.WorkflowDefinition = steps
	exec.Status = store.ExecutionRunning

	return o.run(ctx, exec, resumeIdx)
}

// reconstructDynamicSteps re-runs the originating condition against the
// restored context and splices what remains after the action that
// produced this delay.
func (o *Orchestrator) reconstructDynamicSteps(exec *store.Execution, d *store.Delay) ([]store.Step, int, error) {
	executor, err := o.registry.Get(store.StepTypeCondition)
	if err != nil {
		return nil, 0, err
	}

	actions, matchIdx, err := o.findOriginatingCondition(exec, d, executor)
	if err != nil {
		return nil, 0, err
	}

	var raws []compiler.RawStep
	for _, a := range actions[matchIdx+1:] {
		t, _ := a["type"].(string)
		data, _ := a["data"].(map[string]interface{})
		rule, _ := a["rule"].(map[string]interface{})
		raws = append(raws, compiler.RawStep{Type: store.StepType(t), Data: data, Rule: rule})
	}

	base := append([]store.Step(nil), exec.WorkflowDefinition...)
	startIdx := len(base)
	for i, rs := range raws {
		base = append(base, store.Step{
			ID:   fmt.Sprintf("step_%d", startIdx+i),
			Type: rs.Type,
			Data: rs.Data,
			Rule: rs.Rule,
		})
	}
	return base, startIdx, nil
}

// findOriginatingCondition locates the condition step in the compiled
// workflow whose extractedActions produced delay.StepID. Since the dynamic
// step itself is absent from compiledSteps, every condition step is
// re-executed against the restored context; matchExtractedAction picks the
// one whose extractedActions actually contains a delay entry matching
// delay.OriginalDelayType. A workflow with more than one condition step
// (reachable via the compiler's parallel/multi-clause and dialects) would
// otherwise reconstruct from whichever condition happened to be found
// first, splicing the wrong downstream actions.
func (o *Orchestrator) findOriginatingCondition(exec *store.Execution, d *store.Delay, executor noderegistry.Executor) ([]map[string]interface{}, int, error) {
	execCtx := &noderegistry.Context{
		ExecutionID: exec.ExecutionID,
		WorkflowID:  exec.WorkflowID,
		UserID:      exec.UserID,
		TriggerType: exec.TriggerType,
		TriggerID:   exec.TriggerID,
		Data:        exec.State.Context,
	}

	var fallbackActions []map[string]interface{}
	fallbackIdx := -1

	for i := range exec.WorkflowDefinition {
		step := exec.WorkflowDefinition[i]
		if step.Type != store.StepTypeCondition {
			continue
		}
		result, err := executor.Execute(context.Background(), step, execCtx)
		if err != nil {
			return nil, 0, err
		}
		actions := result.ExtractedActions()
		if idx := matchExtractedAction(actions, d); idx >= 0 {
			if data, _ := actions[idx]["data"].(map[string]interface{}); data != nil {
				if dt, _ := data["delayType"].(string); dt == d.OriginalDelayType {
					return actions, idx, nil
				}
			}
			if fallbackIdx < 0 {
				fallbackActions, fallbackIdx = actions, idx
			}
		}
	}
	if fallbackIdx >= 0 {
		return fallbackActions, fallbackIdx, nil
	}
	return nil, 0, fmt.Errorf("orchestrator: no condition step found to reconstruct delay %s", d.ID)
}

// matchExtractedAction finds which extracted action produced the
// suspended delay, preferring originalDelayType, falling back to
// position.
func matchExtractedAction(actions []map[string]interface{}, d *store.Delay) int {
	for i, a := range actions {
		if a["type"] != string(store.StepTypeDelay) {
			continue
		}
		data, _ := a["data"].(map[string]interface{})
		if data == nil {
			continue
		}
		dt, _ := data["delayType"].(string)
		if dt == d.OriginalDelayType {
			return i
		}
	}
	for i, a := range actions {
		if a["type"] == string(store.StepTypeDelay) {
			return i
		}
	}
	return -1
}

// run executes the step loop from startIdx until suspension, a terminal
// state, or failure.
func (o *Orchestrator) run(ctx context.Context, exec *store.Execution, startIdx int) error {
	i := startIdx
	for i < len(exec.WorkflowDefinition) {
		step := exec.WorkflowDefinition[i]

		executor, err := o.registry.Get(step.Type)
		if err != nil {
			return o.fail(ctx, exec, step.ID, err)
		}
		if err := executor.Validate(step); err != nil {
			return o.fail(ctx, exec, step.ID, err)
		}

		execCtx := &noderegistry.Context{
			ExecutionID: exec.ExecutionID,
			WorkflowID:  exec.WorkflowID,
			UserID:      exec.UserID,
			TriggerType: exec.TriggerType,
			TriggerID:   exec.TriggerID,
			Data:        exec.State.Context,
		}
		result, err := executor.Execute(ctx, step, execCtx)
		if err != nil || !result.Success {
			execErr := err
			if execErr == nil {
				execErr = result.Err
			}
			if execErr == nil {
				execErr = fmt.Errorf("orchestrator: step %s reported failure", step.ID)
			}
			return o.fail(ctx, exec, step.ID, execErr)
		}

		if actions := result.ExtractedActions(); len(actions) > 0 {
			spliced, err := spliceActions(exec.WorkflowDefinition, i, actions)
			if err != nil {
				return o.fail(ctx, exec, step.ID, err)
			}
			exec.WorkflowDefinition = spliced
		}

		state := store.StepCompleted
		if result.Suspended() {
			state = store.StepSuspended
		}
		exec.State.History = append(exec.State.History, store.HistoryEntry{
			StepID:    step.ID,
			State:     state,
			Timestamp: o.clock.Now(),
			Result:    marshalResult(result.Result),
		})
		exec.CurrentStep = step.ID
		exec.UpdatedAt = o.clock.Now()
		if err := o.store.UpdateExecution(ctx, exec); err != nil {
			return fmt.Errorf("orchestrator: persist execution %s: %w", exec.ExecutionID, err)
		}

		if result.Suspended() {
			return nil
		}
		if step.Type == store.StepTypeEnd {
			break
		}

		i = nextIndex(exec.WorkflowDefinition, i, result)
	}

	exec.Status = store.ExecutionCompleted
	now := o.clock.Now()
	exec.CompletedAt = &now
	exec.UpdatedAt = now
	return o.store.UpdateExecution(ctx, exec)
}

func (o *Orchestrator) fail(ctx context.Context, exec *store.Execution, stepID string, cause error) error {
	exec.State.History = append(exec.State.History, store.HistoryEntry{
		StepID:    stepID,
		State:     store.StepFailed,
		Timestamp: o.clock.Now(),
		Error:     cause.Error(),
	})
	exec.Status = store.ExecutionFailed
	exec.Error = cause.Error()
	now := o.clock.Now()
	exec.FailedAt = &now
	exec.UpdatedAt = now
	if err := o.store.UpdateExecution(ctx, exec); err != nil {
		return fmt.Errorf("orchestrator: persist failed execution %s: %w", exec.ExecutionID, err)
	}
	o.logger.Warn("execution failed", zap.String("executionId", exec.ExecutionID), zap.String("stepId", stepID), zap.Error(cause))
	return nil
}

// nextIndex picks the next step: result.nextSteps[0] if resolvable,
// else the step's own next[0], else the following index.
func nextIndex(steps []store.Step, i int, result noderegistry.StepResult) int {
	if len(result.NextSteps) > 0 {
		if idx := indexOfStep(steps, result.NextSteps[0]); idx >= 0 {
			return idx
		}
	}
	if i < len(steps) {
		if next := steps[i].Next; len(next) > 0 {
			if idx := indexOfStep(steps, next[0]); idx >= 0 {
				return idx
			}
		}
	}
	return i + 1
}

func indexOfStep(steps []store.Step, id string) int {
	if id == "" {
		return -1
	}
	for i, s := range steps {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// spliceActions lowers extractedActions into steps and inserts them
// immediately after index i.
func spliceActions(steps []store.Step, i int, actions []map[string]interface{}) ([]store.Step, error) {
	var raws []compiler.RawStep
	for _, a := range actions {
		t, _ := a["type"].(string)
		data, _ := a["data"].(map[string]interface{})
		rule, _ := a["rule"].(map[string]interface{})
		raws = append(raws, compiler.RawStep{Type: store.StepType(t), Data: data, Rule: rule})
	}

	inserted := make([]store.Step, len(raws))
	for idx, rs := range raws {
		inserted[idx] = store.Step{
			ID:   fmt.Sprintf("%s_dyn_%d", steps[i].ID, idx),
			Type: rs.Type,
			Data: rs.Data,
			Rule: rs.Rule,
		}
	}

	out := make([]store.Step, 0, len(steps)+len(inserted))
	out = append(out, steps[:i+1]...)
	out = append(out, inserted...)
	out = append(out, steps[i+1:]...)
	return out, nil
}

// mergeContext merges src into dst non-destructively: existing keys are
// never overwritten.
func mergeContext(dst, src map[string]interface{}) {
	for k, v := range src {
		if _, exists := dst[k]; !exists {
			dst[k] = v
		}
	}
}

func markSuspendedCompleted(exec *store.Execution, stepID string) {
	for i := range exec.State.History {
		if exec.State.History[i].StepID == stepID && exec.State.History[i].State == store.StepSuspended {
			exec.State.History[i].State = store.StepCompleted
			return
		}
	}
}

// marshalResult snapshots an executor's result map for the history
// entry. A result that cannot marshal is recorded as absent rather than
// failing the step that already succeeded.
func marshalResult(result map[string]interface{}) json.RawMessage {
	if len(result) == 0 {
		return nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return nil
	}
	return b
}

func newExecutionID() string {
	return "exec_" + uuid.NewString()
}
