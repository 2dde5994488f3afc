package noderegistry

import (
	"context"
	"fmt"

	"github.com/mdasrafkhan/reactor/internal/store"
)

// SharedFlowRunner is the collaborator a shared-flow step delegates to
// ("calls the shared-flow collaborator with context").
// Shared flows cannot suspend in the minimal contract, so the runner
// returns a plain success/error, never a Delay.
type SharedFlowRunner interface {
	Run(ctx context.Context, name string, data map[string]interface{}) error
}

// SharedFlowExecutor looks up a named sub-flow and runs it inline.
type SharedFlowExecutor struct {
	runner SharedFlowRunner
}

func NewSharedFlowExecutor(r SharedFlowRunner) *SharedFlowExecutor {
	return &SharedFlowExecutor{runner: r}
}

func (e *SharedFlowExecutor) Validate(step store.Step) error {
	if _, ok := step.Data["name"]; !ok {
		return fmt.Errorf("noderegistry: shared-flow step %s missing \"name\"", step.ID)
	}
	return nil
}

func (e *SharedFlowExecutor) Execute(ctx context.Context, step store.Step, execCtx *Context) (StepResult, error) {
	name, _ := step.Data["name"].(string)
	if err := e.runner.Run(ctx, name, execCtx.Data); err != nil {
		return StepResult{Success: false, Err: err}, nil
	}
	return StepResult{Success: true}, nil
}

// NoopSharedFlowRunner is wired when no shared-flow library exists yet
// for a deployment — it logs nothing and always succeeds, matching the
// "shared flows cannot suspend" contract without requiring every
// deployment to define one.
type NoopSharedFlowRunner struct{}

func (NoopSharedFlowRunner) Run(ctx context.Context, name string, data map[string]interface{}) error {
	return nil
}
