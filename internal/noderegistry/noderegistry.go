// Package noderegistry is the step-type -> executor table:
// a name-keyed lookup, constructed once at boot, logged on registration.
package noderegistry

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mdasrafkhan/reactor/internal/store"
)

// StepResult is the normalized outcome of one executor invocation
// ("{success, result?, error?, nextSteps?, metadata?}").
type StepResult struct {
	Success   bool
	Result    map[string]interface{}
	Err       error
	NextSteps []string
	Metadata  map[string]interface{}
}

// Suspended reports whether this result carries the mandatory
// workflowSuspended signal the Orchestrator must honor.
func (r StepResult) Suspended() bool {
	v, ok := r.Metadata["workflowSuspended"]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// ExtractedActions returns the raw dynamic-action clauses a condition step
// produced, if any.
func (r StepResult) ExtractedActions() []map[string]interface{} {
	v, ok := r.Result["extractedActions"]
	if !ok {
		return nil
	}
	raw, ok := v.([]map[string]interface{})
	if !ok {
		return nil
	}
	return raw
}

// Executor validates and executes one compiled step.
type Executor interface {
	Validate(step store.Step) error
	Execute(ctx context.Context, step store.Step, execCtx *Context) (StepResult, error)
}

// Context is the subset of Execution state an executor needs: the live
// context map ("sole source of runtime values for
// template substitution") plus execution identity for idempotency keys.
type Context struct {
	ExecutionID string
	WorkflowID  string
	UserID      string
	TriggerType string
	TriggerID   string
	Data        map[string]interface{}
}

// Registry is the step-type -> Executor table.
type Registry struct {
	logger    *zap.Logger
	executors map[store.StepType]Executor
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{logger: logger, executors: make(map[store.StepType]Executor)}
}

func (r *Registry) Register(t store.StepType, e Executor) {
	r.executors[t] = e
	r.logger.Info("step executor registered", zap.String("type", string(t)))
}

func (r *Registry) Get(t store.StepType) (Executor, error) {
	e, ok := r.executors[t]
	if !ok {
		return nil, fmt.Errorf("noderegistry: no executor for step type %q", t)
	}
	return e, nil
}
