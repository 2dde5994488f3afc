package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by Store implementations.
var (
	ErrNotFound      = errors.New("store: not found")
	ErrCASConflict   = errors.New("store: compare-and-swap conflict")
	ErrAlreadyExists = errors.New("store: already exists")
)

// Store is the durable persistence contract the Orchestrator, Scheduler,
// and Recovery components consume. Every state-advancing
// write is either a row-unique atomic CAS update or protected by a named
// lock — callers MUST treat ErrCASConflict / zero rows affected
// as "another replica won", never as a hard failure.
type Store interface {
	// WorkflowDefinition

	SaveWorkflowDefinition(ctx context.Context, def *WorkflowDefinition) error
	GetWorkflowDefinition(ctx context.Context, id string) (*WorkflowDefinition, error)
	// ListWorkflowDefinitions returns every registered WorkflowDefinition,
	// used at daemon startup to build the Scheduler's trigger bindings.
	ListWorkflowDefinitions(ctx context.Context) ([]*WorkflowDefinition, error)

	// Execution

	// CreateExecution inserts a new Execution, unless a non-completed row
	// already exists for the natural key (workflowId, userId, triggerType,
	// triggerId) — in which case it returns that row and created=false.
	CreateExecution(ctx context.Context, exec *Execution) (actual *Execution, created bool, err error)
	GetExecution(ctx context.Context, executionID string) (*Execution, error)
	FindActiveExecution(ctx context.Context, workflowID, userID, triggerType, triggerID string) (*Execution, error)
	// UpdateExecution persists the full row. Callers hold the only
	// in-process writer for a given executionId, so this is a plain upsert, not
	// a CAS — the CAS guarantees live at the Delay/TriggerCursor layer and
	// at CreateExecution's natural-key uniqueness.
	UpdateExecution(ctx context.Context, exec *Execution) error
	ListExecutions(ctx context.Context, f ExecutionFilter) ([]*Execution, error)

	// Delay

	CreateDelay(ctx context.Context, d *Delay) error
	GetDelay(ctx context.Context, id string) (*Delay, error)
	// ClaimDueDelays atomically promotes up to limit pending delays whose
	// executeAt has passed to "processing", ordered by executeAt
	// ascending. Rows claimed by a concurrent caller are never returned
	// twice.
	ClaimDueDelays(ctx context.Context, now time.Time, limit int) ([]*Delay, error)
	// CompleteDelay moves a claimed ("processing") delay to its terminal
	// status. CAS on status='processing'.
	CompleteDelay(ctx context.Context, id string, final DelayStatus, result []byte, errMsg string, executedAt time.Time) error
	// CancelPendingDelays cancels every delay of an execution that is
	// still pending or processing.
	CancelPendingDelays(ctx context.Context, executionID string) error
	DeleteOldFailedDelays(ctx context.Context, olderThan time.Time) (int64, error)

	// TriggerCursor

	GetTriggerCursor(ctx context.Context, workflowID, triggerType string) (*TriggerCursor, error)
	AdvanceTriggerCursor(ctx context.Context, workflowID, triggerType string, at time.Time) error

	// Recovery / retention

	FailStaleRunningExecutions(ctx context.Context, olderThan time.Time, cause string) (int64, error)
	DeleteOldTerminalExecutions(ctx context.Context, olderThan time.Time) (int64, error)
	ListOverduePendingDelays(ctx context.Context, now time.Time) ([]*Delay, error)
}

// ExecutionFilter narrows ListExecutions for the list endpoint.
type ExecutionFilter struct {
	WorkflowID  string
	UserID      string
	Status      ExecutionStatus
	TriggerType string
	Limit       int
	Offset      int
}
