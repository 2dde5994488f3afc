// Package compiler lowers a free-form JSON workflow rule into the
// normalized, positionally-stable step list the orchestrator consumes:
// validate the clause shape, then walk it into a flat []store.Step with
// stable IDs.
package compiler

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/mdasrafkhan/reactor/internal/store"
)

// delayTable maps symbolic delay keys to milliseconds.
// Unknown keys fall back to 1000ms (a documented
// fallback, not a silent error — Compile records it as a warning via the
// returned Warnings slice).
var delayTable = map[string]int64{
	"1_second": 1000,
	"30_seconds": 30_000,
	"1_minute": 60_000,
	"2_minutes": 120_000,
	"5_minutes": 300_000,
	"10_minutes": 600_000,
	"30_minutes": 1_800_000,
	"1_hour": 3_600_000,
	"2_hours": 7_200_000,
	"6_hours": 21_600_000,
	"12_hours": 43_200_000,
	"1_day": 86_400_000,
	"2_days": 172_800_000,
	"3_days": 259_200_000,
	"5_days": 432_000_000,
	"1_week": 604_800_000,
	"2_weeks": 1_209_600_000,
	"1_month": 2_592_000_000,
}

const fallbackDelayMs = 1000

var conditionKeys = map[string]bool{
	"product_package":     true,
	"user_segment":        true,
	"subscription_status": true,
	"email_domain":        true,
}

// RawStep is a normalized step before position-dependent ID assignment.
// Exported so the Orchestrator's dynamic-step splicing (step
// 4) and the condition executor's extractedActions can
// reuse the exact same clause-lowering logic Compile uses at compile
// time, which is what keeps condition re-evaluation deterministic
// ("Condition executor is pure").
type RawStep struct {
	Type store.StepType
	Data map[string]interface{}
	Rule map[string]interface{}
}

// Result is Compile's output: the normalized steps plus any fallback
// warnings worth surfacing to an operator ("emits a
// warning").
type Result struct {
	Steps    []store.Step
	Warnings []string
}

// Compile lowers rule into a normalized step list. Idempotent: compiling
// the same rule JSON twice yields structurally identical Steps.
func Compile(rule json.RawMessage) (Result, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(rule, &doc); err != nil {
		return Result{}, fmt.Errorf("compiler: invalid rule JSON: %w", err)
	}

	var raws []RawStep
	var warnings []string

	switch {
	case doc["steps"] != nil:
		list, ok := doc["steps"].([]interface{})
		if !ok {
			return Result{}, fmt.Errorf("compiler: \"steps\" must be an array")
		}
		for _, item := range list {
			clause, ok := item.(map[string]interface{})
			if !ok {
				return Result{}, fmt.Errorf("compiler: step entry must be an object")
			}
			rs, warns, err := lowerClause(clause)
			if err != nil {
				return Result{}, err
			}
			raws = append(raws, rs)
			warnings = append(warnings, warns...)
		}

	case doc["and"] != nil:
		list, ok := doc["and"].([]interface{})
		if !ok {
			return Result{}, fmt.Errorf("compiler: \"and\" must be an array")
		}
		rs, warns, err := lowerAnd(list)
		if err != nil {
			return Result{}, err
		}
		raws = append(raws, rs...)
		warnings = append(warnings, warns...)

	case doc["parallel"] != nil:
		par, ok := doc["parallel"].(map[string]interface{})
		if !ok {
			return Result{}, fmt.Errorf("compiler: \"parallel\" must be an object")
		}
		branches, _ := par["branches"].([]interface{})
		for _, b := range branches {
			branch, ok := b.(map[string]interface{})
			if !ok {
				continue
			}
			var clauses []interface{}
			if and, ok := branch["and"].([]interface{}); ok {
				clauses = and
			} else if or, ok := branch["or"].([]interface{}); ok {
				clauses = or
			}
			rs, warns, err := lowerAnd(clauses)
			if err != nil {
				return Result{}, err
			}
			raws = append(raws, rs...)
			warnings = append(warnings, warns...)
		}

	default:
		return Result{}, fmt.Errorf("compiler: unrecognized rule dialect")
	}

	steps := assignIDs(raws, 0)
	return Result{Steps: steps, Warnings: warnings}, nil
}

// assignIDs stamps positionally-stable ids ("step_<index>") starting at
// startIndex.
func assignIDs(raws []RawStep, startIndex int) []store.Step {
	steps := make([]store.Step, len(raws))
	for i, rs := range raws {
		steps[i] = store.Step{
			ID:   fmt.Sprintf("step_%d", startIndex+i),
			Type: rs.Type,
			Data: rs.Data,
			Rule: rs.Rule,
		}
	}
	return steps
}

// LowerActions re-runs and clause normalization over raw JSON clauses,
// exported for the Orchestrator's dynamic-step splicing and the
// condition executor's extractedActions.
func LowerActions(clauses []interface{}) ([]RawStep, []string, error) {
	return lowerAnd(clauses)
}

func lowerAnd(clauses []interface{}) ([]RawStep, []string, error) {
	var raws []RawStep
	var warnings []string
	for _, c := range clauses {
		clause, ok := c.(map[string]interface{})
		if !ok {
			return nil, nil, fmt.Errorf("compiler: clause must be an object")
		}
		rs, warns, err := lowerClause(clause)
		if err != nil {
			return nil, nil, err
		}
		raws = append(raws, rs)
		warnings = append(warnings, warns...)
	}
	return raws, warnings, nil
}

func lowerClause(clause map[string]interface{}) (RawStep, []string, error) {
	if delay, ok := clause["delay"].(map[string]interface{}); ok {
		return lowerDelay(delay)
	}
	for _, key := range []string{"send_email", "send_sms", "send_mail", "Send Mail"} {
		if data, ok := clause[key].(map[string]interface{}); ok {
			return lowerAction(key, data), nil, nil
		}
	}
	if sf, ok := clause["sharedFlow"].(map[string]interface{}); ok {
		name, _ := sf["name"].(string)
		return RawStep{Type: store.StepTypeSharedFlow, Data: map[string]interface{}{"name": name}}, nil, nil
	}
	if _, ok := clause["end"]; ok {
		return RawStep{Type: store.StepTypeEnd, Data: map[string]interface{}{}}, nil, nil
	}
	if cond, ok := clause["condition"]; ok {
		return lowerCondition(cond, clause)
	}
	if cond, ok := clause["if"]; ok {
		return lowerCondition(cond, clause)
	}
	if eq, ok := clause["=="].([]interface{}); ok && len(eq) == 2 {
		return lowerEquals(eq, clause)
	}
	if len(clause) == 1 {
		for k, v := range clause {
			if conditionKeys[k] {
				return RawStep{
					Type: store.StepTypeCondition,
					Data: map[string]interface{}{
						"conditionType":  k,
						"conditionValue": v,
						"operator":       "equals",
					},
				}, nil, nil
			}
		}
	}
	// custom action: pass the whole clause through as the action's data,
	// inferring "type" from its single key.
	for k, v := range clause {
		data, _ := v.(map[string]interface{})
		if data == nil {
			data = map[string]interface{}{"value": v}
		}
		out := map[string]interface{}{"type": k}
		for dk, dv := range data {
			out[dk] = dv
		}
		return RawStep{Type: store.StepTypeAction, Data: out}, nil, nil
	}
	return RawStep{}, nil, fmt.Errorf("compiler: empty clause")
}

func lowerDelay(delay map[string]interface{}) (RawStep, []string, error) {
	delayType, _ := delay["type"].(string)
	ms, ok := delayTable[delayType]
	var warnings []string
	if !ok {
		ms = fallbackDelayMs
		warnings = append(warnings, fmt.Sprintf("compiler: unknown delay key %q, falling back to %dms", delayType, fallbackDelayMs))
	}
	return RawStep{
		Type: store.StepTypeDelay,
		Data: map[string]interface{}{
			"delayType": delayType,
			"delayMs":   ms,
		},
	}, warnings, nil
}

func lowerAction(key string, data map[string]interface{}) RawStep {
	out := map[string]interface{}{"type": normalizeActionType(key)}
	// a clause may nest its fields under "data"
	// ({send_email: {data: {templateId: ...}}}); unwrap so templateId/
	// subject/to land top-level where the action executor reads them.
	// Sibling keys win over nested ones.
	if nested, ok := data["data"].(map[string]interface{}); ok {
		for k, v := range nested {
			out[k] = v
		}
	}
	for k, v := range data {
		if k == "data" {
			if _, isMap := v.(map[string]interface{}); isMap {
				continue
			}
		}
		out[k] = v
	}
	if _, ok := out["templateId"]; !ok {
		if t, ok := out["template"]; ok {
			out["templateId"] = t
		}
	}
	return RawStep{Type: store.StepTypeAction, Data: out}
}

func normalizeActionType(key string) string {
	if key == "Send Mail" {
		return "send_mail"
	}
	return key
}

func lowerCondition(cond interface{}, clause map[string]interface{}) (RawStep, []string, error) {
	spec, ok := cond.(map[string]interface{})
	if !ok {
		return RawStep{}, nil, fmt.Errorf("compiler: condition must be an object")
	}
	data := map[string]interface{}{
		"conditionType":  spec["field"],
		"conditionValue": spec["value"],
		"operator":       normalizeOperator(spec["operator"]),
	}
	return RawStep{Type: store.StepTypeCondition, Data: data, Rule: clause}, nil, nil
}

func lowerEquals(eq []interface{}, clause map[string]interface{}) (RawStep, []string, error) {
	varRef, ok := eq[0].(map[string]interface{})
	if !ok {
		return RawStep{}, nil, fmt.Errorf("compiler: \"==\" first operand must be {var: ...}")
	}
	field, _ := varRef["var"].(string)
	data := map[string]interface{}{
		"conditionType":  field,
		"conditionValue": eq[1],
		"operator":       "equals",
	}
	return RawStep{Type: store.StepTypeCondition, Data: data, Rule: clause}, nil, nil
}

func normalizeOperator(v interface{}) string {
	op, _ := v.(string)
	if op == "" {
		return "equals"
	}
	return op
}

// DumpYAML renders compiled steps as YAML, a debugging aid for operators
// reading a rule's normalized shape by eye (`reactor compile --format
// yaml`). JSON remains the wire and storage format throughout the rest of
// the system; this is display-only.
func DumpYAML(steps []store.Step) ([]byte, error) {
	// round-trip through JSON first so map[string]interface{} values
	// marshal with the same field names the JSON encoder would use,
	// rather than yaml.v3's own (lowercased) struct-tag defaults.
	raw, err := json.Marshal(steps)
	if err != nil {
		return nil, fmt.Errorf("compiler: marshal steps for yaml dump: %w", err)
	}
	var generic []map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("compiler: unmarshal steps for yaml dump: %w", err)
	}
	out, err := yaml.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("compiler: marshal yaml: %w", err)
	}
	return out, nil
}
