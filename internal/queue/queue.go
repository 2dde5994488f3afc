// Package queue delivers compiled WorkflowJobs from the scheduler's trigger
// polling and delay-promotion passes to orchestrator workers.
// The interface is backend-agnostic; Redis and Kafka backends are
// wired behind the same Enqueue/Dequeue contract, with an in-memory
// backend for tests.
package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Job is one unit of scheduler -> orchestrator work.
type Job struct {
	ExecutionID string          `json:"executionId"`
	WorkflowID  string          `json:"workflowId"`
	UserID      string          `json:"userId"`
	TriggerType string          `json:"triggerType"`
	TriggerID   string          `json:"triggerId"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
	Attempt     int             `json:"attempt"`
}

// DelayJob is one unit of promoted-delay work, carried separately from
// Job since resuming a
// suspended execution needs the DelayID, not a fresh trigger tuple.
type DelayJob struct {
	DelayID     string    `json:"delayId"`
	ExecutionID string    `json:"executionId"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
	Attempt     int       `json:"attempt"`
}

// Queue is the transport contract workers consume. Enqueue/EnqueueDelay are
// fire-and-forget from the scheduler's perspective. Dequeue/DequeueDelay
// wait for a job (Kafka until one arrives or ctx ends, Redis for up to 5s,
// Memory not at all) and return context.DeadlineExceeded when none came.
// A Nacked job is retried up to maxAttempts; Redis delays each retry with
// exponential backoff, Kafka and Memory requeue it at once.
type Queue interface {
	Enqueue(ctx context.Context, j Job) error
	Dequeue(ctx context.Context) (Job, func(ctx context.Context, err error) error, error)

	EnqueueDelay(ctx context.Context, j DelayJob) error
	DequeueDelay(ctx context.Context) (DelayJob, func(ctx context.Context, err error) error, error)

	// Pause makes Enqueue (topic "jobs") or EnqueueDelay (topic
	// "delays") fail until Resume; jobs already queued stay queued and
	// Dequeue keeps delivering them. Kafka's Pause/Resume do nothing.
	Pause(ctx context.Context, topic string) error
	Resume(ctx context.Context, topic string) error

	Close() error
}

// Ack/Nack callback signature shared by both job kinds: nil err acks,
// non-nil err requeues the job while attempt < maxAttempts. Once attempts
// are exhausted Redis pushes the job onto a dead-letter list, Kafka commits
// past it and returns the final error, and Memory drops it.
type AckFunc = func(ctx context.Context, err error) error
