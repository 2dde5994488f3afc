package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// topic names used as Redis key suffixes. Pause/Resume gate these two
// logical lanes; per-workflow suspension is the
// orchestrator's concern, not the transport's.
const (
	topicJobs   = "jobs"
	topicDelays = "delays"

	keyReadyJobs     = "reactor:queue:jobs:ready"
	keyDelayedJobs   = "reactor:queue:jobs:delayed"
	keyDeadJobs      = "reactor:queue:jobs:dead"
	keyReadyDelays   = "reactor:queue:delays:ready"
	keyDelayedDelays = "reactor:queue:delays:delayed"
	keyDeadDelays    = "reactor:queue:delays:dead"
	keyPaused        = "reactor:queue:paused"
)

// promoteScript moves every zset member whose score (a unix-nano
// visible-at timestamp) has passed into the destination list, atomically,
// so two replicas running the promoter never double-deliver a retry.
const promoteScript = `
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for i, member in ipairs(due) do
	redis.call("LPUSH", KEYS[2], member)
	redis.call("ZREM", KEYS[1], member)
end
return #due
`

// Redis is the production Queue backend: a ready list workers BRPOP from,
// plus a delayed zset for backoff retries, promoted by a background loop,
// over go-redis/v8 under a "reactor:" key namespace.
type Redis struct {
	client      *redis.Client
	logger      *zap.Logger
	maxAttempts int

	promote *redis.Script
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewRedis creates a Redis-backed Queue and starts its retry-promotion
// loop. maxAttempts bounds retries before a job is dead-lettered
// (retries are bounded, never infinite).
func NewRedis(client *redis.Client, logger *zap.Logger, maxAttempts int) *Redis {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Redis{
		client:      client,
		logger:      logger,
		maxAttempts: maxAttempts,
		promote:     redis.NewScript(promoteScript),
		ctx:         ctx,
		cancel:      cancel,
	}
	go q.promoteLoop(keyDelayedJobs, keyReadyJobs)
	go q.promoteLoop(keyDelayedDelays, keyReadyDelays)
	return q
}

func (q *Redis) promoteLoop(delayedKey, readyKey string) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UnixNano()
			if _, err := q.promote.Run(q.ctx, q.client, []string{delayedKey, readyKey}, now).Result(); err != nil {
				q.logger.Error("queue: promote retries", zap.Error(err))
			}
		}
	}
}

func (q *Redis) isPaused(ctx context.Context, topic string) (bool, error) {
	n, err := q.client.SIsMember(ctx, keyPaused, topic).Result()
	return n, err
}

func (q *Redis) Pause(ctx context.Context, topic string) error {
	return q.client.SAdd(ctx, keyPaused, topic).Err()
}

func (q *Redis) Resume(ctx context.Context, topic string) error {
	return q.client.SRem(ctx, keyPaused, topic).Err()
}

func (q *Redis) Enqueue(ctx context.Context, j Job) error {
	if paused, err := q.isPaused(ctx, topicJobs); err != nil {
		return err
	} else if paused {
		return fmt.Errorf("queue: topic %q is paused", topicJobs)
	}
	b, err := json.Marshal(j)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, keyReadyJobs, b).Err(); err != nil {
		return fmt.Errorf("queue: enqueue job: %w", err)
	}
	Enqueued.WithLabelValues(topicJobs).Inc()
	Depth.WithLabelValues(topicJobs).Inc()
	return nil
}

func (q *Redis) Dequeue(ctx context.Context) (Job, AckFunc, error) {
	res, err := q.client.BRPop(ctx, 5*time.Second, keyReadyJobs).Result()
	if err == redis.Nil {
		return Job{}, nil, context.DeadlineExceeded
	}
	if err != nil {
		return Job{}, nil, fmt.Errorf("queue: dequeue job: %w", err)
	}
	var j Job
	if err := json.Unmarshal([]byte(res[1]), &j); err != nil {
		return Job{}, nil, fmt.Errorf("queue: decode job: %w", err)
	}
	Dequeued.WithLabelValues(topicJobs).Inc()
	Depth.WithLabelValues(topicJobs).Dec()

	ack := func(ctx context.Context, ackErr error) error {
		if ackErr == nil {
			return nil
		}
		j.Attempt++
		if j.Attempt >= q.maxAttempts {
			b, _ := json.Marshal(j)
			DeadLettered.WithLabelValues(topicJobs).Inc()
			return q.client.LPush(ctx, keyDeadJobs, b).Err()
		}
		backoff := (2 * time.Second) << (j.Attempt - 1)
		score := float64(time.Now().Add(backoff).UnixNano())
		b, _ := json.Marshal(j)
		Retried.WithLabelValues(topicJobs).Inc()
		return q.client.ZAdd(ctx, keyDelayedJobs, &redis.Z{Score: score, Member: b}).Err()
	}
	return j, ack, nil
}

func (q *Redis) EnqueueDelay(ctx context.Context, j DelayJob) error {
	if paused, err := q.isPaused(ctx, topicDelays); err != nil {
		return err
	} else if paused {
		return fmt.Errorf("queue: topic %q is paused", topicDelays)
	}
	b, err := json.Marshal(j)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, keyReadyDelays, b).Err(); err != nil {
		return fmt.Errorf("queue: enqueue delay: %w", err)
	}
	Enqueued.WithLabelValues(topicDelays).Inc()
	Depth.WithLabelValues(topicDelays).Inc()
	return nil
}

func (q *Redis) DequeueDelay(ctx context.Context) (DelayJob, AckFunc, error) {
	res, err := q.client.BRPop(ctx, 5*time.Second, keyReadyDelays).Result()
	if err == redis.Nil {
		return DelayJob{}, nil, context.DeadlineExceeded
	}
	if err != nil {
		return DelayJob{}, nil, fmt.Errorf("queue: dequeue delay: %w", err)
	}
	var j DelayJob
	if err := json.Unmarshal([]byte(res[1]), &j); err != nil {
		return DelayJob{}, nil, fmt.Errorf("queue: decode delay job: %w", err)
	}
	Dequeued.WithLabelValues(topicDelays).Inc()
	Depth.WithLabelValues(topicDelays).Dec()

	ack := func(ctx context.Context, ackErr error) error {
		if ackErr == nil {
			return nil
		}
		j.Attempt++
		if j.Attempt >= q.maxAttempts {
			b, _ := json.Marshal(j)
			DeadLettered.WithLabelValues(topicDelays).Inc()
			return q.client.LPush(ctx, keyDeadDelays, b).Err()
		}
		backoff := (2 * time.Second) << (j.Attempt - 1)
		score := float64(time.Now().Add(backoff).UnixNano())
		b, _ := json.Marshal(j)
		Retried.WithLabelValues(topicDelays).Inc()
		return q.client.ZAdd(ctx, keyDelayedDelays, &redis.Z{Score: score, Member: b}).Err()
	}
	return j, ack, nil
}

func (q *Redis) Close() error {
	q.cancel()
	return q.client.Close()
}
