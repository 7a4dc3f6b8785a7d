package recorder

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSpillQueue is a FIFO of spilled writes kept in a Redis list.
type RedisSpillQueue struct {
	rdb *redis.Client
	key string
}

// NewRedisSpillQueue creates a queue on the list at key.
func NewRedisSpillQueue(rdb *redis.Client, key string) *RedisSpillQueue {
	return &RedisSpillQueue{rdb: rdb, key: key}
}

// Push appends w to the tail.
func (q *RedisSpillQueue) Push(ctx context.Context, w Write) error {
	raw, err := w.Encode()
	if err != nil {
		return err
	}
	return q.rdb.RPush(ctx, q.key, raw).Err()
}

// Pop waits up to timeout for the head of the queue. ok is false when the
// queue stayed empty.
func (q *RedisSpillQueue) Pop(ctx context.Context, timeout time.Duration) (raw string, ok bool, err error) {
	result, err := q.rdb.BLPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if len(result) < 2 {
		return "", false, nil
	}
	return result[1], true, nil
}

// TryPop removes the head without waiting.
func (q *RedisSpillQueue) TryPop(ctx context.Context) (raw string, ok bool, err error) {
	raw, err = q.rdb.LPop(ctx, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return raw, true, nil
}

// Requeue puts raw back at the head so it is replayed before anything queued after it.
func (q *RedisSpillQueue) Requeue(ctx context.Context, raw string) error {
	return q.rdb.LPush(ctx, q.key, raw).Err()
}

// Len returns the number of queued writes.
func (q *RedisSpillQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.key).Result()
}
