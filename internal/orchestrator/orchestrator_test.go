package orchestrator_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mdasrafkhan/reactor/internal/adapters"
	"github.com/mdasrafkhan/reactor/internal/clock"
	"github.com/mdasrafkhan/reactor/internal/compiler"
	"github.com/mdasrafkhan/reactor/internal/noderegistry"
	"github.com/mdasrafkhan/reactor/internal/orchestrator"
	"github.com/mdasrafkhan/reactor/internal/store"
)

func newTestOrchestrator(t *testing.T, c clock.Clock) (*orchestrator.Orchestrator, store.Store) {
	t.Helper()
	logger := zap.NewNop()
	s := store.NewMemory()

	adapterReg := adapters.NewRegistry(logger)
	reg := noderegistry.NewRegistry(logger)
	reg.Register(store.StepTypeAction, noderegistry.NewActionExecutor(adapterReg))
	reg.Register(store.StepTypeDelay, noderegistry.NewDelayExecutor(s, c))
	reg.Register(store.StepTypeCondition, noderegistry.NewConditionExecutor())
	reg.Register(store.StepTypeSharedFlow, noderegistry.NewSharedFlowExecutor(noderegistry.NoopSharedFlowRunner{}))
	reg.Register(store.StepTypeEnd, noderegistry.NewEndExecutor())

	return orchestrator.New(s, reg, c, logger), s
}

func compileAndSave(t *testing.T, s store.Store, id, rule string) {
	t.Helper()
	result, err := compiler.Compile(json.RawMessage(rule))
	require.NoError(t, err)
	require.NoError(t, s.SaveWorkflowDefinition(context.Background(), &store.WorkflowDefinition{
		ID:            id,
		Name:          id,
		Rule:          json.RawMessage(rule),
		CompiledSteps: result.Steps,
	}))
}

// A static workflow of two emails separated by a
// delay suspends after the first email, and resuming past the delay
// completes with a 3-entry history (email, delay-suspend-then-complete,
// email, implicit end has no entry since there is no explicit end step).
func TestHappyPath_StaticWorkflowSuspendsThenResumes(t *testing.T) {
	mockClock := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	orch, s := newTestOrchestrator(t, mockClock)

	compileAndSave(t, s, "wf-happy", `{
		"steps": [
			{"send_email": {"to": "a@example.com", "templateId": "t1"}},
			{"delay": {"type": "1_day"}},
			{"send_email": {"to": "a@example.com", "templateId": "t2"}}
		]
	}`)

	exec, err := orch.Start(context.Background(), orchestrator.StartRequest{
		WorkflowID:  "wf-happy",
		UserID:      "user1",
		TriggerType: "newsletter_subscribed",
		TriggerID:   "trig1",
		Context:     map[string]interface{}{"email": "a@example.com"},
	})
	require.NoError(t, err)
	require.Equal(t, store.ExecutionRunning, exec.Status)
	require.Len(t, exec.State.History, 2, "first email completed, then the delay step suspended")
	assert.Equal(t, store.StepCompleted, exec.State.History[0].State)
	assert.Equal(t, store.StepSuspended, exec.State.History[1].State)

	delays, err := s.ListOverduePendingDelays(context.Background(), mockClock.Now())
	require.NoError(t, err)
	require.Empty(t, delays, "the delay is not due yet")

	mockClock.Advance(25 * time.Hour)
	claimed, err := s.ClaimDueDelays(context.Background(), mockClock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, orch.Resume(context.Background(), claimed[0]))
	require.NoError(t, s.CompleteDelay(context.Background(), claimed[0].ID, store.DelayExecuted, nil, "", mockClock.Now()))

	final, err := s.GetExecution(context.Background(), exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionCompleted, final.Status)
	require.Len(t, final.State.History, 3, "email, delay (now completed), second email")
	assert.Equal(t, store.StepCompleted, final.State.History[1].State, "the suspended delay entry is marked completed on resume")
}

// The rule here carries only templateIds, nesting them under "data" and
// naming no recipient: the compiler unwraps the nested object and the
// action executor falls back to the trigger context's email, so the
// workflow still suspends at the delay and completes on resume with all
// four steps in history.
func TestHappyPath_NestedDataRuleWithContextRecipient(t *testing.T) {
	mockClock := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	orch, s := newTestOrchestrator(t, mockClock)

	compileAndSave(t, s, "wf-nested", `{
		"and": [
			{"send_email": {"data": {"templateId": "welcome"}}},
			{"delay": {"type": "1_day"}},
			{"send_email": {"data": {"templateId": "nudge"}}},
			{"end": true}
		]
	}`)

	exec, err := orch.Start(context.Background(), orchestrator.StartRequest{
		WorkflowID:  "wf-nested",
		UserID:      "u1",
		TriggerType: "subscription_created",
		TriggerID:   "trig1",
		Context:     map[string]interface{}{"email": "u1@example.com"},
	})
	require.NoError(t, err)
	require.Equal(t, store.ExecutionRunning, exec.Status)
	require.Len(t, exec.State.History, 2, "welcome email sent, delay suspended")
	assert.Equal(t, store.StepCompleted, exec.State.History[0].State)

	mockClock.Advance(25 * time.Hour)
	claimed, err := s.ClaimDueDelays(context.Background(), mockClock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, orch.Resume(context.Background(), claimed[0]))

	final, err := s.GetExecution(context.Background(), exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionCompleted, final.Status)
	require.Len(t, final.State.History, 4, "welcome, delay, nudge, end")
	assert.Equal(t, store.StepCompleted, final.State.History[1].State)
}

// A second identical trigger firing for the same
// natural key must not create a second Execution.
func TestDuplicateSuppression(t *testing.T) {
	mockClock := clock.NewMock(time.Now())
	orch, s := newTestOrchestrator(t, mockClock)
	compileAndSave(t, s, "wf-dup", `{"steps": [{"send_email": {"to": "a", "templateId": "t"}}]}`)

	req := orchestrator.StartRequest{
		WorkflowID:  "wf-dup",
		UserID:      "user1",
		TriggerType: "newsletter_subscribed",
		TriggerID:   "trig1",
		Context:     map[string]interface{}{},
	}

	first, err := orch.Start(context.Background(), req)
	require.NoError(t, err)

	// A fresh Execution row would have its own completed history; reset
	// this one's status back to running to prove the second Start call
	// still finds and returns the same row rather than creating another.
	first.Status = store.ExecutionRunning
	require.NoError(t, s.UpdateExecution(context.Background(), first))

	second, err := orch.Start(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.ExecutionID, second.ExecutionID)

	all, err := s.ListExecutions(context.Background(), store.ExecutionFilter{WorkflowID: "wf-dup"})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

// Dynamic-step splicing: a condition step whose predicate matches emits a
// delay followed by an action; the spliced steps are persisted with the
// Execution, so resuming finds the delay step in the stored step list and
// runs the trailing action. The reconstruction path is covered by
// TestDynamicReconstruction_FromCompiledOnlySteps.
func TestDynamicSplice_ConditionExtractedDelayThenAction(t *testing.T) {
	mockClock := clock.NewMock(time.Now())
	orch, s := newTestOrchestrator(t, mockClock)

	compileAndSave(t, s, "wf-dynamic", `{
		"steps": [
			{
				"condition": {"field": "segment", "operator": "equals", "value": "vip"},
				"then": [
					{"delay": {"type": "1_hour"}},
					{"send_email": {"to": "a", "templateId": "vip_followup"}}
				]
			}
		]
	}`)

	exec, err := orch.Start(context.Background(), orchestrator.StartRequest{
		WorkflowID:  "wf-dynamic",
		UserID:      "user1",
		TriggerType: "subscription_created",
		TriggerID:   "trig1",
		Context:     map[string]interface{}{"segment": "vip"},
	})
	require.NoError(t, err)
	require.Equal(t, store.ExecutionRunning, exec.Status)
	require.Len(t, exec.State.History, 2, "condition evaluated, then the spliced-in delay suspended")

	claimed, err := s.ClaimDueDelays(context.Background(), mockClock.Now().Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, orch.Resume(context.Background(), claimed[0]))

	final, err := s.GetExecution(context.Background(), exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionCompleted, final.Status)
	require.Len(t, final.State.History, 3, "condition, delay, reconstructed action")
}

// Cancelling an execution while it is suspended
// on a delay must prevent the delay from ever promoting into a second
// action — Cancel deletes future (pending) Delays.
func TestCancelDuringDelay_PreventsResumption(t *testing.T) {
	mockClock := clock.NewMock(time.Now())
	orch, s := newTestOrchestrator(t, mockClock)

	compileAndSave(t, s, "wf-cancel", `{
		"steps": [
			{"send_email": {"to": "a", "templateId": "t1"}},
			{"delay": {"type": "1_day"}},
			{"send_email": {"to": "a", "templateId": "t2"}}
		]
	}`)

	exec, err := orch.Start(context.Background(), orchestrator.StartRequest{
		WorkflowID:  "wf-cancel",
		UserID:      "user1",
		TriggerType: "newsletter_subscribed",
		TriggerID:   "trig1",
		Context:     map[string]interface{}{},
	})
	require.NoError(t, err)

	_, err = orch.Cancel(context.Background(), exec.ExecutionID)
	require.NoError(t, err)

	mockClock.Advance(25 * time.Hour)
	claimed, err := s.ClaimDueDelays(context.Background(), mockClock.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, claimed, "cancel must have cancelled the pending delay before it could be claimed")

	final, err := s.GetExecution(context.Background(), exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionCancelled, final.Status)
	assert.Len(t, final.State.History, 2, "only the first email and the (now-cancelled) delay suspension were ever recorded")
}

// TestDynamicReconstruction_FromCompiledOnlySteps exercises the
// reconstruction path directly: the persisted Execution's WorkflowDefinition
// holds only the original compiled steps (as it would if the splice from a
// prior process was never durably recorded), so Resume must re-evaluate the
// originating condition purely from context and re-derive the steps after
// the matched delay, which is only sound because condition executors are
// pure over context data.
func TestDynamicReconstruction_FromCompiledOnlySteps(t *testing.T) {
	mockClock := clock.NewMock(time.Now())
	orch, s := newTestOrchestrator(t, mockClock)

	rule := `{
		"steps": [
			{
				"condition": {"field": "segment", "operator": "equals", "value": "vip"},
				"then": [
					{"delay": {"type": "1_hour"}},
					{"send_email": {"to": "a", "templateId": "vip_followup"}}
				]
			}
		]
	}`
	compileAndSave(t, s, "wf-reconstruct", rule)

	def, err := s.GetWorkflowDefinition(context.Background(), "wf-reconstruct")
	require.NoError(t, err)

	now := mockClock.Now()
	exec := &store.Execution{
		ExecutionID: "exec-reconstruct-1",
		WorkflowID:  "wf-reconstruct",
		UserID:      "user1",
		TriggerType: "subscription_created",
		TriggerID:   "trig1",
		Status:      store.ExecutionRunning,
		WorkflowDefinition: append([]store.Step(nil), def.CompiledSteps...),
		State: store.ExecutionState{
			Context: map[string]interface{}{"segment": "vip"},
			History: []store.HistoryEntry{
				{StepID: "step_0", State: store.StepCompleted, Timestamp: now},
				{StepID: "step_0_dyn_0", State: store.StepSuspended, Timestamp: now},
			},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, _, err = s.CreateExecution(context.Background(), exec)
	require.NoError(t, err)

	d := &store.Delay{
		ID:                "delay-reconstruct-1",
		ExecutionID:       exec.ExecutionID,
		StepID:            "step_0_dyn_0", // absent from the persisted WorkflowDefinition above
		DelayType:         "1_hour",
		OriginalDelayType: "1_hour",
		ExecuteAt:         now,
		Status:            store.DelayPending,
		Context:           map[string]interface{}{},
	}
	require.NoError(t, s.CreateDelay(context.Background(), d))

	require.NoError(t, orch.Resume(context.Background(), d))

	final, err := s.GetExecution(context.Background(), exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionCompleted, final.Status)
	require.Len(t, final.State.History, 3, "prior history plus the reconstructed action")
	assert.Equal(t, store.StepCompleted, final.State.History[2].State)
}

func TestResume_IgnoresCancelledExecution(t *testing.T) {
	mockClock := clock.NewMock(time.Now())
	orch, s := newTestOrchestrator(t, mockClock)
	compileAndSave(t, s, "wf-ignore", `{"steps": [{"delay": {"type": "1_hour"}}]}`)

	exec, err := orch.Start(context.Background(), orchestrator.StartRequest{
		WorkflowID:  "wf-ignore",
		UserID:      "user1",
		TriggerType: "newsletter_subscribed",
		TriggerID:   "trig1",
		Context:     map[string]interface{}{},
	})
	require.NoError(t, err)

	d := &store.Delay{ID: "fake-delay", ExecutionID: exec.ExecutionID, StepID: "step_0"}

	_, err = orch.Cancel(context.Background(), exec.ExecutionID)
	require.NoError(t, err)

	assert.NoError(t, orch.Resume(context.Background(), d))
}
