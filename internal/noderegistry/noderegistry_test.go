package noderegistry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mdasrafkhan/reactor/internal/adapters"
	"github.com/mdasrafkhan/reactor/internal/clock"
	"github.com/mdasrafkhan/reactor/internal/noderegistry"
	"github.com/mdasrafkhan/reactor/internal/store"
)

func TestRegistry_GetUnknownTypeErrors(t *testing.T) {
	reg := noderegistry.NewRegistry(zap.NewNop())
	_, err := reg.Get(store.StepTypeAction)
	assert.Error(t, err)
}

func TestRegistry_RegisterThenGet(t *testing.T) {
	reg := noderegistry.NewRegistry(zap.NewNop())
	end := noderegistry.NewEndExecutor()
	reg.Register(store.StepTypeEnd, end)

	got, err := reg.Get(store.StepTypeEnd)
	require.NoError(t, err)
	assert.Equal(t, end, got)
}

func TestStepResult_Suspended(t *testing.T) {
	r := noderegistry.StepResult{Metadata: map[string]interface{}{"workflowSuspended": true}}
	assert.True(t, r.Suspended())

	r2 := noderegistry.StepResult{}
	assert.False(t, r2.Suspended())
}

func TestEndExecutor_AlwaysSucceedsWithNoNextSteps(t *testing.T) {
	e := noderegistry.NewEndExecutor()
	assert.NoError(t, e.Validate(store.Step{}))

	result, err := e.Execute(context.Background(), store.Step{}, &noderegistry.Context{})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Empty(t, result.NextSteps)
}

func TestDelayExecutor_CreatesDelayAndSignalsSuspension(t *testing.T) {
	s := store.NewMemory()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := clock.NewMock(start)
	e := noderegistry.NewDelayExecutor(s, c)

	step := store.Step{ID: "step_1", Type: store.StepTypeDelay, Data: map[string]interface{}{
		"delayMs":   float64(3_600_000),
		"delayType": "1_hour",
	}}
	require.NoError(t, e.Validate(step))

	execCtx := &noderegistry.Context{ExecutionID: "exec1", Data: map[string]interface{}{"k": "v"}}
	result, err := e.Execute(context.Background(), step, execCtx)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.True(t, result.Suspended())
	resumeAt, ok := result.Metadata["resumeAt"].(time.Time)
	require.True(t, ok)
	assert.Equal(t, start.Add(time.Hour), resumeAt)

	delayID, _ := result.Result["delayId"].(string)
	require.NotEmpty(t, delayID)
	d, err := s.GetDelay(context.Background(), delayID)
	require.NoError(t, err)
	assert.Equal(t, store.DelayPending, d.Status)
	assert.Equal(t, "1_hour", d.OriginalDelayType)
}

func TestDelayExecutor_Validate_MissingDelayMs(t *testing.T) {
	e := noderegistry.NewDelayExecutor(store.NewMemory(), clock.New())
	err := e.Validate(store.Step{ID: "step_1", Data: map[string]interface{}{}})
	assert.Error(t, err)
}

func TestConditionExecutor_MatchExtractsActions(t *testing.T) {
	e := noderegistry.NewConditionExecutor()
	step := store.Step{
		ID:   "step_0",
		Type: store.StepTypeCondition,
		Data: map[string]interface{}{
			"conditionType":  "segment",
			"conditionValue": "vip",
			"operator":       "equals",
		},
		Rule: map[string]interface{}{
			"then": []interface{}{
				map[string]interface{}{"send_email": map[string]interface{}{"to": "a", "templateId": "t"}},
			},
		},
	}
	execCtx := &noderegistry.Context{Data: map[string]interface{}{"segment": "vip"}}

	result, err := e.Execute(context.Background(), step, execCtx)
	require.NoError(t, err)
	assert.True(t, result.Success)
	actions := result.ExtractedActions()
	require.Len(t, actions, 1)
	assert.Equal(t, string(store.StepTypeAction), actions[0]["type"])
}

func TestConditionExecutor_NoMatchExtractsNothing(t *testing.T) {
	e := noderegistry.NewConditionExecutor()
	step := store.Step{
		Data: map[string]interface{}{"conditionType": "segment", "conditionValue": "vip", "operator": "equals"},
		Rule: map[string]interface{}{"then": []interface{}{
			map[string]interface{}{"send_email": map[string]interface{}{"to": "a", "templateId": "t"}},
		}},
	}
	execCtx := &noderegistry.Context{Data: map[string]interface{}{"segment": "regular"}}

	result, err := e.Execute(context.Background(), step, execCtx)
	require.NoError(t, err)
	assert.True(t, result.Success, "a false predicate is still a successful evaluation")
	assert.Empty(t, result.ExtractedActions())
}

func TestConditionExecutor_IsPureAcrossRepeatedCalls(t *testing.T) {
	e := noderegistry.NewConditionExecutor()
	step := store.Step{
		Data: map[string]interface{}{"conditionType": "segment", "conditionValue": "vip", "operator": "equals"},
		Rule: map[string]interface{}{"then": []interface{}{
			map[string]interface{}{"delay": map[string]interface{}{"type": "1_hour"}},
		}},
	}
	execCtx := &noderegistry.Context{Data: map[string]interface{}{"segment": "vip"}}

	first, err := e.Execute(context.Background(), step, execCtx)
	require.NoError(t, err)
	second, err := e.Execute(context.Background(), step, execCtx)
	require.NoError(t, err)
	assert.Equal(t, first.ExtractedActions(), second.ExtractedActions())
}

type fakeAdapter struct {
	input map[string]interface{}
	err   error
}

func (f *fakeAdapter) Execute(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	f.input = input
	if f.err != nil {
		return nil, f.err
	}
	return map[string]interface{}{"sent": true}, nil
}

func TestActionExecutor_ValidatesRequiredFieldsForMessagingTypes(t *testing.T) {
	reg := adapters.NewRegistry(zap.NewNop())
	e := noderegistry.NewActionExecutor(reg)

	err := e.Validate(store.Step{ID: "step_0", Data: map[string]interface{}{"type": "send_email"}})
	assert.Error(t, err, "messaging actions require a templateId")

	err = e.Validate(store.Step{ID: "step_0", Data: map[string]interface{}{
		"type": "send_email", "templateId": "t1",
	}})
	assert.NoError(t, err, "to and subject may come from the trigger context, not the rule")

	err = e.Validate(store.Step{ID: "step_0", Data: map[string]interface{}{
		"type": "send_sms", "to": "+15551234567", "templateId": "t1",
	}})
	assert.NoError(t, err)
}

// A rule that names no recipient sends to the trigger context's email.
func TestActionExecutor_Execute_RecipientFallsBackToContextEmail(t *testing.T) {
	reg := adapters.NewRegistry(zap.NewNop())
	fake := &fakeAdapter{}
	reg.Register("send_email", fake)
	e := noderegistry.NewActionExecutor(reg)

	step := store.Step{ID: "step_0", Data: map[string]interface{}{
		"type":       "send_email",
		"templateId": "welcome",
	}}
	execCtx := &noderegistry.Context{Data: map[string]interface{}{"email": "alex@example.com"}}

	result, err := e.Execute(context.Background(), step, execCtx)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, "alex@example.com", fake.input["to"])
}

func TestActionExecutor_Execute_ResolvesBarePlaceholderSyntax(t *testing.T) {
	reg := adapters.NewRegistry(zap.NewNop())
	fake := &fakeAdapter{}
	reg.Register("send_email", fake)
	e := noderegistry.NewActionExecutor(reg)

	step := store.Step{ID: "step_0", Data: map[string]interface{}{
		"type":       "send_email",
		"to":         "{{email}}",
		"templateId": "welcome",
		"subject":    "Welcome, {{name}}!",
	}}
	execCtx := &noderegistry.Context{Data: map[string]interface{}{
		"email": "alex@example.com",
		"name":  "Alex",
	}}

	result, err := e.Execute(context.Background(), step, execCtx)
	require.NoError(t, err)
	require.True(t, result.Success)

	assert.Equal(t, "alex@example.com", fake.input["to"], "bare {{email}} must resolve to the context value, not pass through literally")
	assert.Equal(t, "Welcome, Alex!", fake.input["subject"])
}

func TestActionExecutor_Execute_PropagatesAdapterFailure(t *testing.T) {
	reg := adapters.NewRegistry(zap.NewNop())
	e := noderegistry.NewActionExecutor(reg)

	step := store.Step{ID: "step_0", Data: map[string]interface{}{"type": "unknown_action_kind"}}
	result, err := e.Execute(context.Background(), step, &noderegistry.Context{})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Error(t, result.Err)
}

func TestSharedFlowExecutor_PropagatesRunnerError(t *testing.T) {
	boom := errors.New("boom")
	e := noderegistry.NewSharedFlowExecutor(stubRunner{err: boom})
	step := store.Step{Data: map[string]interface{}{"name": "onboarding"}}

	result, err := e.Execute(context.Background(), step, &noderegistry.Context{})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Err, boom)
}

func TestNoopSharedFlowRunner_AlwaysSucceeds(t *testing.T) {
	e := noderegistry.NewSharedFlowExecutor(noderegistry.NoopSharedFlowRunner{})
	step := store.Step{Data: map[string]interface{}{"name": "onboarding"}}

	result, err := e.Execute(context.Background(), step, &noderegistry.Context{})
	require.NoError(t, err)
	assert.True(t, result.Success)
}

type stubRunner struct{ err error }

func (s stubRunner) Run(ctx context.Context, name string, data map[string]interface{}) error {
	return s.err
}
