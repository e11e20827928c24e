package taskbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/sxmxc/opstoolbox/internal/logger"
)

// Envelope is the wire message pushed onto a Redis list queue.
type Envelope struct {
	TaskID string   `json:"task_id"`
	Task   string   `json:"task"`
	Args   []string `json:"args"`
}

// RedisBus implements Bus on top of Redis lists, the simplest broker
// transport Celery itself supports. Workers BRPOP their queue; revocation
// is tracked in a set so a worker that pops a task after it was revoked
// can skip execution.
type RedisBus struct {
	rdb     *redis.Client
	prefix  string
	log     logger.Logger
	breaker *gobreaker.CircuitBreaker
}

func NewRedisBus(rdb *redis.Client, prefix string, log logger.Logger) *RedisBus {
	if log == nil {
		log = logger.Discard
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "taskbus-ping",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return &RedisBus{rdb: rdb, prefix: prefix, log: log, breaker: cb}
}

func (b *RedisBus) queueKey(queue string) string { return b.prefix + ":taskbus:queue:" + queue }
func (b *RedisBus) revokedKey() string           { return b.prefix + ":taskbus:revoked" }
func (b *RedisBus) workersKey() string           { return b.prefix + ":taskbus:workers" }

func (b *RedisBus) Send(ctx context.Context, task string, args []string, queue string) (string, error) {
	env := Envelope{TaskID: uuid.NewString(), Task: task, Args: args}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("taskbus: encode: %w", err)
	}
	if err := b.rdb.LPush(ctx, b.queueKey(queue), data).Err(); err != nil {
		return "", fmt.Errorf("taskbus: send: %w", err)
	}
	return env.TaskID, nil
}

// Revoke marks taskID as revoked so any worker that later pops it skips
// execution. terminate is recorded for parity with Celery's terminate=true
// semantics but this transport has no in-flight process to signal directly;
// cooperative cancellation (job status polling) is what actually stops work.
func (b *RedisBus) Revoke(ctx context.Context, taskID string, terminate bool) error {
	members := []any{taskID}
	if terminate {
		members = append(members, taskID+":terminate")
	}
	return b.rdb.SAdd(ctx, b.revokedKey(), members...).Err()
}

// IsRevoked reports whether a task ID was revoked. Used by the worker pop
// loop (cmd/worker) before invoking a handler.
func (b *RedisBus) IsRevoked(ctx context.Context, taskID string) (bool, error) {
	n, err := b.rdb.SIsMember(ctx, b.revokedKey(), taskID).Result()
	return n, err
}

func (b *RedisBus) Ping(ctx context.Context, timeout time.Duration) ([]string, error) {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := b.breaker.Execute(func() (any, error) {
		return b.rdb.SMembers(pctx, b.workersKey()).Result()
	})
	if err != nil {
		return nil, fmt.Errorf("taskbus: ping: %w", err)
	}
	return result.([]string), nil
}

// Heartbeat registers a worker name as alive, with a short expiry refreshed
// on each call; used by Ping to answer "who is up".
func (b *RedisBus) Heartbeat(ctx context.Context, workerName string, ttl time.Duration) error {
	if err := b.rdb.SAdd(ctx, b.workersKey(), workerName).Err(); err != nil {
		return err
	}
	return b.rdb.Expire(ctx, b.workersKey(), ttl).Err()
}

// Pop blocks until a task is available on queue or the context is done.
func (b *RedisBus) Pop(ctx context.Context, queue string, timeout time.Duration) (*Envelope, error) {
	res, err := b.rdb.BRPop(ctx, timeout, b.queueKey(queue)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("taskbus: pop: %w", err)
	}
	// res[0] is the key, res[1] is the value.
	var env Envelope
	if err := json.Unmarshal([]byte(res[1]), &env); err != nil {
		return nil, fmt.Errorf("taskbus: decode: %w", err)
	}
	return &env, nil
}
