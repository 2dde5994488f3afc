package noderegistry

import (
	"context"
	"fmt"

	"github.com/mdasrafkhan/reactor/internal/compiler"
	"github.com/mdasrafkhan/reactor/internal/store"
)

// ConditionExecutor evaluates a normalized predicate against
// context.Data and materializes downstream action clauses as
// extractedActions. Must be pure over context.Data — no
// hidden state — since the Orchestrator re-invokes it verbatim during
// dynamic-step reconstruction.
type ConditionExecutor struct{}

func NewConditionExecutor() *ConditionExecutor { return &ConditionExecutor{} }

func (e *ConditionExecutor) Validate(step store.Step) error {
	if _, ok := step.Data["conditionType"]; !ok {
		return fmt.Errorf("noderegistry: condition step %s missing \"conditionType\"", step.ID)
	}
	return nil
}

// Execute is always success=true ("success is true
// regardless of predicate outcome; a false predicate simply extracts no
// actions").
func (e *ConditionExecutor) Execute(ctx context.Context, step store.Step, execCtx *Context) (StepResult, error) {
	field, _ := step.Data["conditionType"].(string)
	want := step.Data["conditionValue"]
	operator, _ := step.Data["operator"].(string)

	got := execCtx.Data[field]
	matched := evaluate(operator, got, want)

	result := map[string]interface{}{
		"conditionType":  field,
		"operator":       operator,
		"matched":        matched,
	}
	if !matched {
		return StepResult{Success: true, Result: result}, nil
	}

	clauses := downstreamClauses(step.Rule)
	if len(clauses) == 0 {
		return StepResult{Success: true, Result: result}, nil
	}

	raws, _, err := compiler.LowerActions(clauses)
	if err != nil {
		return StepResult{Success: true, Result: result}, nil
	}

	actions := make([]map[string]interface{}, len(raws))
	for i, rs := range raws {
		actions[i] = map[string]interface{}{
			"type": string(rs.Type),
			"data": rs.Data,
			"rule": rs.Rule,
		}
	}
	result["extractedActions"] = actions
	return StepResult{Success: true, Result: result}, nil
}

// downstreamClauses pulls the "then"/"actions"/"do" array a condition
// clause carries for its positive branch. Any of the three spellings is
// accepted since the source rule documents vary.
func downstreamClauses(rule map[string]interface{}) []interface{} {
	for _, key := range []string{"then", "actions", "do"} {
		if v, ok := rule[key].([]interface{}); ok {
			return v
		}
	}
	return nil
}

func evaluate(operator string, got, want interface{}) bool {
	switch operator {
	case "", "equals":
		return fmt.Sprintf("%v", got) == fmt.Sprintf("%v", want)
	case "not_equals":
		return fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want)
	case "contains":
		s, ok := got.(string)
		w, ok2 := want.(string)
		if !ok || !ok2 {
			return false
		}
		return len(s) >= len(w) && indexOf(s, w) >= 0
	default:
		return fmt.Sprintf("%v", got) == fmt.Sprintf("%v", want)
	}
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
