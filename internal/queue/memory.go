package queue

import (
	"context"
	"sync"
)

// Memory is an in-process Queue for unit tests, mirroring the in-memory
// Store/Locker pairing used elsewhere in tests.
type Memory struct {
	mu          sync.Mutex
	jobs        []Job
	delays      []DelayJob
	paused      map[string]bool
	maxAttempts int
}

func NewMemory(maxAttempts int) *Memory {
	return &Memory{paused: make(map[string]bool), maxAttempts: maxAttempts}
}

func (q *Memory) Pause(ctx context.Context, topic string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused[topic] = true
	return nil
}

func (q *Memory) Resume(ctx context.Context, topic string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.paused, topic)
	return nil
}

func (q *Memory) Enqueue(ctx context.Context, j Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused[topicJobs] {
		return errPaused
	}
	q.jobs = append(q.jobs, j)
	return nil
}

func (q *Memory) Dequeue(ctx context.Context) (Job, AckFunc, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return Job{}, nil, context.DeadlineExceeded
	}
	j := q.jobs[0]
	q.jobs = q.jobs[1:]
	ack := func(ctx context.Context, ackErr error) error {
		if ackErr == nil {
			return nil
		}
		q.mu.Lock()
		defer q.mu.Unlock()
		j.Attempt++
		if j.Attempt < q.maxAttempts {
			q.jobs = append(q.jobs, j)
		}
		return nil
	}
	return j, ack, nil
}

func (q *Memory) EnqueueDelay(ctx context.Context, j DelayJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused[topicDelays] {
		return errPaused
	}
	q.delays = append(q.delays, j)
	return nil
}

func (q *Memory) DequeueDelay(ctx context.Context) (DelayJob, AckFunc, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.delays) == 0 {
		return DelayJob{}, nil, context.DeadlineExceeded
	}
	j := q.delays[0]
	q.delays = q.delays[1:]
	ack := func(ctx context.Context, ackErr error) error {
		if ackErr == nil {
			return nil
		}
		q.mu.Lock()
		defer q.mu.Unlock()
		j.Attempt++
		if j.Attempt < q.maxAttempts {
			q.delays = append(q.delays, j)
		}
		return nil
	}
	return j, ack, nil
}

func (q *Memory) Close() error { return nil }

var errPaused = queueError("queue: topic is paused")

type queueError string

func (e queueError) Error() string { return string(e) }
