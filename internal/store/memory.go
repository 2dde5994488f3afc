package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process, non-durable Store used by unit tests and by
// one-shot local runs.
type Memory struct {
	mu         sync.Mutex
	defs       map[string]*WorkflowDefinition
	executions map[string]*Execution
	delays     map[string]*Delay
	cursors    map[string]*TriggerCursor
	delaySeq   int
}

// NewMemory creates an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{
		defs:       make(map[string]*WorkflowDefinition),
		executions: make(map[string]*Execution),
		delays:     make(map[string]*Delay),
		cursors:    make(map[string]*TriggerCursor),
	}
}

func cloneExecution(e *Execution) *Execution {
	c := *e
	c.WorkflowDefinition = append([]Step(nil), e.WorkflowDefinition...)
	c.State.History = append([]HistoryEntry(nil), e.State.History...)
	ctx := make(map[string]interface{}, len(e.State.Context))
	for k, v := range e.State.Context {
		ctx[k] = v
	}
	c.State.Context = ctx
	return &c
}

func cloneDelay(d *Delay) *Delay {
	c := *d
	ctx := make(map[string]interface{}, len(d.Context))
	for k, v := range d.Context {
		ctx[k] = v
	}
	c.Context = ctx
	return &c
}

func (m *Memory) SaveWorkflowDefinition(ctx context.Context, def *WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *def
	cp.CompiledSteps = append([]Step(nil), def.CompiledSteps...)
	m.defs[def.ID] = &cp
	return nil
}

func (m *Memory) GetWorkflowDefinition(ctx context.Context, id string) (*WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.defs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *Memory) ListWorkflowDefinitions(ctx context.Context) ([]*WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*WorkflowDefinition, 0, len(m.defs))
	for _, d := range m.defs {
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) findActiveLocked(workflowID, userID, triggerType, triggerID string) *Execution {
	for _, e := range m.executions {
		if e.WorkflowID == workflowID && e.UserID == userID && e.TriggerType == triggerType &&
			e.TriggerID == triggerID && e.Status != ExecutionCompleted {
			return e
		}
	}
	return nil
}

func (m *Memory) CreateExecution(ctx context.Context, exec *Execution) (*Execution, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing := m.findActiveLocked(exec.WorkflowID, exec.UserID, exec.TriggerType, exec.TriggerID); existing != nil {
		return cloneExecution(existing), false, nil
	}
	m.executions[exec.ExecutionID] = cloneExecution(exec)
	return cloneExecution(exec), true, nil
}

func (m *Memory) GetExecution(ctx context.Context, executionID string) (*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[executionID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneExecution(e), nil
}

func (m *Memory) FindActiveExecution(ctx context.Context, workflowID, userID, triggerType, triggerID string) (*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.findActiveLocked(workflowID, userID, triggerType, triggerID)
	if e == nil {
		return nil, ErrNotFound
	}
	return cloneExecution(e), nil
}

func (m *Memory) UpdateExecution(ctx context.Context, exec *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[exec.ExecutionID]; !ok {
		return ErrNotFound
	}
	m.executions[exec.ExecutionID] = cloneExecution(exec)
	return nil
}

func (m *Memory) ListExecutions(ctx context.Context, f ExecutionFilter) ([]*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Execution
	for _, e := range m.executions {
		if f.WorkflowID != "" && e.WorkflowID != f.WorkflowID {
			continue
		}
		if f.UserID != "" && e.UserID != f.UserID {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.TriggerType != "" && e.TriggerType != f.TriggerType {
			continue
		}
		out = append(out, cloneExecution(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) CreateDelay(ctx context.Context, d *Delay) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == "" {
		m.delaySeq++
		d.ID = fmt.Sprintf("delay_%d", m.delaySeq)
	}
	m.delays[d.ID] = cloneDelay(d)
	return nil
}

func (m *Memory) GetDelay(ctx context.Context, id string) (*Delay, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.delays[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDelay(d), nil
}

func (m *Memory) ClaimDueDelays(ctx context.Context, now time.Time, limit int) ([]*Delay, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*Delay
	for _, d := range m.delays {
		if d.Status == DelayPending && !d.ExecuteAt.After(now) {
			due = append(due, d)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExecuteAt.Before(due[j].ExecuteAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	var claimed []*Delay
	for _, d := range due {
		d.Status = DelayProcessing
		claimed = append(claimed, cloneDelay(d))
	}
	return claimed, nil
}

func (m *Memory) CompleteDelay(ctx context.Context, id string, final DelayStatus, result []byte, errMsg string, executedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.delays[id]
	if !ok {
		return ErrNotFound
	}
	if d.Status != DelayProcessing {
		return ErrCASConflict
	}
	d.Status = final
	d.Result = result
	d.Error = errMsg
	t := executedAt
	d.ExecutedAt = &t
	return nil
}

func (m *Memory) CancelPendingDelays(ctx context.Context, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.delays {
		if d.ExecutionID == executionID && (d.Status == DelayPending || d.Status == DelayProcessing) {
			d.Status = DelayCancelled
		}
	}
	return nil
}

func (m *Memory) DeleteOldFailedDelays(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, d := range m.delays {
		if d.Status == DelayFailed && d.ExecutedAt != nil && d.ExecutedAt.Before(olderThan) {
			delete(m.delays, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) GetTriggerCursor(ctx context.Context, workflowID, triggerType string) (*TriggerCursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[workflowID+"/"+triggerType]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) AdvanceTriggerCursor(ctx context.Context, workflowID, triggerType string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := workflowID + "/" + triggerType
	m.cursors[key] = &TriggerCursor{WorkflowID: workflowID, TriggerType: triggerType, LastExecutionTime: at}
	return nil
}

func (m *Memory) FailStaleRunningExecutions(ctx context.Context, olderThan time.Time, cause string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.executions {
		if e.Status == ExecutionRunning && e.UpdatedAt.Before(olderThan) {
			e.Status = ExecutionFailed
			e.Error = cause
			now := time.Now()
			e.FailedAt = &now
			n++
		}
	}
	return n, nil
}

func (m *Memory) DeleteOldTerminalExecutions(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, e := range m.executions {
		if (e.Status == ExecutionCompleted || e.Status == ExecutionCancelled) && e.UpdatedAt.Before(olderThan) {
			delete(m.executions, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) ListOverduePendingDelays(ctx context.Context, now time.Time) ([]*Delay, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Delay
	for _, d := range m.delays {
		if d.Status == DelayPending && !d.ExecuteAt.After(now) {
			out = append(out, cloneDelay(d))
		}
	}
	return out, nil
}
