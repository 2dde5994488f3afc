// Package store implements the durable entity CRUD and row-locking
// primitives over Execution, Delay, TriggerCursor, and
// WorkflowDefinition, using a CAS ("UPDATE ... WHERE status=<expected>")
// pattern for claims over database/sql + lib/pq.
package store

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is the Execution state machine.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionDelayed   ExecutionStatus = "delayed"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// DelayStatus is the Delay state lattice (never traversed
// backwards).
type DelayStatus string

const (
	DelayPending    DelayStatus = "pending"
	DelayProcessing DelayStatus = "processing"
	DelayExecuted   DelayStatus = "executed"
	DelayFailed     DelayStatus = "failed"
	DelayCancelled  DelayStatus = "cancelled"
)

// StepHistoryState is the per-step outcome recorded in Execution.History.
type StepHistoryState string

const (
	StepCompleted StepHistoryState = "completed"
	StepSuspended StepHistoryState = "suspended"
	StepFailed    StepHistoryState = "failed"
)

// HistoryEntry is one append-only record of a step transition.
type HistoryEntry struct {
	StepID    string           `json:"stepId"`
	State     StepHistoryState `json:"state"`
	Timestamp time.Time        `json:"timestamp"`
	Result    json.RawMessage  `json:"result,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// ExecutionState is the mutable runtime payload of an Execution
// alongside the compiled-step snapshot.
type ExecutionState struct {
	CurrentState string                 `json:"currentState"`
	Context      map[string]interface{} `json:"context"`
	History      []HistoryEntry         `json:"history"`
	SharedFlows  []string               `json:"sharedFlows,omitempty"`
}

// WorkflowDefinition is the immutable, compiled workflow.
type WorkflowDefinition struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Rule          json.RawMessage `json:"rule"`
	CompiledSteps []Step          `json:"compiledSteps"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// StepType enumerates the compiled step kinds.
type StepType string

const (
	StepTypeAction     StepType = "action"
	StepTypeDelay      StepType = "delay"
	StepTypeCondition  StepType = "condition"
	StepTypeSharedFlow StepType = "shared-flow"
	StepTypeEnd        StepType = "end"
)

// Step is one normalized, positionally-stable compiled step
// (id = "step_<index>").
type Step struct {
	ID   string                 `json:"id"`
	Type StepType               `json:"type"`
	Data map[string]interface{} `json:"data"`
	Rule map[string]interface{} `json:"rule,omitempty"`
	Next []string               `json:"next,omitempty"`
}

// Execution is the durable state machine instance.
type Execution struct {
	ExecutionID        string          `json:"executionId"`
	WorkflowID         string          `json:"workflowId"`
	UserID             string          `json:"userId"`
	TriggerType        string          `json:"triggerType"`
	TriggerID          string          `json:"triggerId"`
	Status             ExecutionStatus `json:"status"`
	CurrentStep        string          `json:"currentStep"`
	WorkflowDefinition []Step          `json:"workflowDefinition"`
	State              ExecutionState  `json:"state"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
	CompletedAt        *time.Time      `json:"completedAt,omitempty"`
	FailedAt           *time.Time      `json:"failedAt,omitempty"`
	Error              string          `json:"error,omitempty"`
	RetryCount         int             `json:"retryCount"`
}

// Delay is the persisted record of a suspended delay step.
type Delay struct {
	ID                string                 `json:"id"`
	ExecutionID       string                 `json:"executionId"`
	StepID            string                 `json:"stepId"`
	DelayType         string                 `json:"delayType"`
	DelayMs           int64                  `json:"delayMs"`
	ScheduledAt       time.Time              `json:"scheduledAt"`
	ExecuteAt         time.Time              `json:"executeAt"`
	Status            DelayStatus            `json:"status"`
	Context           map[string]interface{} `json:"context"`
	OriginalDelayType string                 `json:"originalDelayType,omitempty"`
	Result            json.RawMessage        `json:"result,omitempty"`
	Error             string                 `json:"error,omitempty"`
	RetryCount        int                    `json:"retryCount"`
	ExecutedAt        *time.Time             `json:"executedAt,omitempty"`
}

// TriggerCursor is the per-workflow, per-trigger-type watermark
// bounding the next poll window. GlobalCursorWorkflowID is the reserved
// UUID used by triggers (like user_created) that must not fan out per
// workflow.
const GlobalCursorWorkflowID = "00000000-0000-0000-0000-000000000001"

type TriggerCursor struct {
	WorkflowID        string    `json:"workflowId"`
	TriggerType       string    `json:"triggerType"`
	LastExecutionTime time.Time `json:"lastExecutionTime"`
}
