package noderegistry

import (
	"context"

	"github.com/mdasrafkhan/reactor/internal/store"
)

// EndExecutor terminates the loop ("sets nextSteps = []").
type EndExecutor struct{}

func NewEndExecutor() *EndExecutor { return &EndExecutor{} }

func (e *EndExecutor) Validate(step store.Step) error { return nil }

func (e *EndExecutor) Execute(ctx context.Context, step store.Step, execCtx *Context) (StepResult, error) {
	return StepResult{Success: true, NextSteps: []string{}}, nil
}
