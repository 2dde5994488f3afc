package noderegistry

import (
	"context"
	"fmt"

	"github.com/mdasrafkhan/reactor/internal/adapters"
	"github.com/mdasrafkhan/reactor/internal/store"
)

// ActionExecutor dispatches to an adapters.Adapter by the step's "type"
// field (action contract). Validation requires "type" on every action and
// "templateId" on messaging actions; "to" and "subject" are not checked
// here.
type ActionExecutor struct {
	adapters *adapters.Registry
}

func NewActionExecutor(reg *adapters.Registry) *ActionExecutor {
	return &ActionExecutor{adapters: reg}
}

func (e *ActionExecutor) Validate(step store.Step) error {
	actionType, _ := step.Data["type"].(string)
	if actionType == "" {
		return fmt.Errorf("noderegistry: action step %s missing \"type\"", step.ID)
	}
	switch actionType {
	case "send_email", "send_sms", "send_mail":
		// "to" and "subject" are not required here: a rule may carry only
		// a templateId and leave the recipient to the trigger context,
		// which Execute fills in at dispatch time.
		if _, ok := step.Data["templateId"]; !ok {
			return fmt.Errorf("noderegistry: action step %s missing \"templateId\"", step.ID)
		}
	}
	return nil
}

// Execute dispatches the action. Idempotency key (executionId, stepId) is
// the adapter's responsibility to honor; we pass both
// through in input so a real adapter can dedupe.
func (e *ActionExecutor) Execute(ctx context.Context, step store.Step, execCtx *Context) (StepResult, error) {
	actionType, _ := step.Data["type"].(string)

	adapter, err := e.adapters.Get(actionType)
	if err != nil {
		return StepResult{Success: false, Err: err}, nil
	}

	input := make(map[string]interface{}, len(step.Data)+2)
	for k, v := range step.Data {
		input[k] = resolveTemplate(v, execCtx.Data)
	}
	if to, _ := input["to"].(string); to == "" {
		// recipient falls back to the trigger context's email when the
		// rule doesn't name one.
		if email, _ := execCtx.Data["email"].(string); email != "" {
			input["to"] = email
		}
	}
	input["executionId"] = execCtx.ExecutionID
	input["stepId"] = step.ID

	result, err := adapter.Execute(ctx, input)
	if err != nil {
		return StepResult{Success: false, Result: result, Err: err}, nil
	}
	return StepResult{Success: true, Result: result}, nil
}

// resolveTemplate substitutes "{{key}}" placeholders against ctxData. Any
// non-string value, or a string without a placeholder, passes through
// unchanged.
func resolveTemplate(v interface{}, ctxData map[string]interface{}) interface{} {
	s, ok := v.(string)
	if !ok {
		return v
	}
	return substitutePlaceholders(s, ctxData)
}
