package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdasrafkhan/reactor/internal/store"
)

func newExec(workflowID, userID, triggerType, triggerID string) *store.Execution {
	now := time.Now()
	return &store.Execution{
		ExecutionID: "exec_" + triggerID,
		WorkflowID:  workflowID,
		UserID:      userID,
		TriggerType: triggerType,
		TriggerID:   triggerID,
		Status:      store.ExecutionRunning,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestMemory_CreateExecution_DuplicateSuppression(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	first, created, err := m.CreateExecution(ctx, newExec("wf1", "user1", "newsletter_subscribed", "trig1"))
	require.NoError(t, err)
	assert.True(t, created)

	dup := newExec("wf1", "user1", "newsletter_subscribed", "trig1")
	dup.ExecutionID = "exec_other"
	second, created, err := m.CreateExecution(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ExecutionID, second.ExecutionID)
}

func TestMemory_CreateExecution_CompletedDoesNotSuppress(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	first, _, err := m.CreateExecution(ctx, newExec("wf1", "user1", "newsletter_subscribed", "trig1"))
	require.NoError(t, err)
	first.Status = store.ExecutionCompleted
	require.NoError(t, m.UpdateExecution(ctx, first))

	dup := newExec("wf1", "user1", "newsletter_subscribed", "trig1")
	dup.ExecutionID = "exec_new"
	_, created, err := m.CreateExecution(ctx, dup)
	require.NoError(t, err)
	assert.True(t, created, "a completed prior execution must not suppress a fresh trigger firing")
}

func TestMemory_ClaimDueDelays_RaceFree(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	now := time.Now()

	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, m.CreateDelay(ctx, &store.Delay{
			ID:          time.Now().Format("20060102T150405.000000000") + string(rune('a'+i)),
			ExecutionID: "exec",
			Status:      store.DelayPending,
			ExecuteAt:   now.Add(-time.Minute),
		}))
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = make(map[string]bool)
		total   int
	)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			batch, err := m.ClaimDueDelays(ctx, now, 10)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, d := range batch {
				assert.False(t, claimed[d.ID], "delay %s claimed twice", d.ID)
				claimed[d.ID] = true
				total++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, n, total)
}

func TestMemory_CompleteDelay_RejectsNonProcessing(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	d := &store.Delay{ID: "d1", Status: store.DelayPending, ExecuteAt: time.Now()}
	require.NoError(t, m.CreateDelay(ctx, d))

	err := m.CompleteDelay(ctx, "d1", store.DelayExecuted, nil, "", time.Now())
	assert.ErrorIs(t, err, store.ErrCASConflict)
}

func TestMemory_CancelPendingDelays(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, m.CreateDelay(ctx, &store.Delay{ID: "d1", ExecutionID: "exec1", Status: store.DelayPending, ExecuteAt: time.Now().Add(time.Hour)}))
	require.NoError(t, m.CreateDelay(ctx, &store.Delay{ID: "d2", ExecutionID: "exec2", Status: store.DelayPending, ExecuteAt: time.Now().Add(time.Hour)}))

	require.NoError(t, m.CancelPendingDelays(ctx, "exec1"))

	d1, err := m.GetDelay(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, store.DelayCancelled, d1.Status)

	d2, err := m.GetDelay(ctx, "d2")
	require.NoError(t, err)
	assert.Equal(t, store.DelayPending, d2.Status)
}

func TestMemory_ListExecutions_FiltersAndPaginates(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		e := newExec("wf1", "user1", "newsletter_subscribed", time.Now().Format("150405.000000000")+string(rune('a'+i)))
		_, _, err := m.CreateExecution(ctx, e)
		require.NoError(t, err)
	}

	out, err := m.ListExecutions(ctx, store.ExecutionFilter{WorkflowID: "wf1", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestMemory_ListWorkflowDefinitions(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, m.SaveWorkflowDefinition(ctx, &store.WorkflowDefinition{ID: "wf1", Name: "Welcome"}))
	require.NoError(t, m.SaveWorkflowDefinition(ctx, &store.WorkflowDefinition{ID: "wf2", Name: "Renewal"}))

	defs, err := m.ListWorkflowDefinitions(ctx)
	require.NoError(t, err)
	assert.Len(t, defs, 2)
}
