package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue keeps tasks in a sorted set scored by due time in unix millis.
// A worker owns a task once its ZREM succeeds.
type RedisQueue struct {
	client       *redis.Client
	key          string
	pollInterval time.Duration
}

func NewRedisQueue(client *redis.Client, key string, pollInterval time.Duration) *RedisQueue {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &RedisQueue{client: client, key: key, pollInterval: pollInterval}
}

var _ Queue = (*RedisQueue)(nil)

func (q *RedisQueue) Enqueue(ctx context.Context, t *Task, delay time.Duration) error {
	stamp(t)
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	due := time.Now().Add(delay).UnixMilli()
	if err := q.client.ZAdd(ctx, q.key, redis.Z{Score: float64(due), Member: body}).Err(); err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		now := strconv.FormatInt(time.Now().UnixMilli(), 10)
		members, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
			Min: "-inf", Max: now, Offset: 0, Count: 1,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to read due tasks: %w", err)
		}

		if len(members) == 0 {
			if err := sleep(ctx, q.pollInterval); err != nil {
				return nil, err
			}
			continue
		}

		removed, err := q.client.ZRem(ctx, q.key, members[0]).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to claim task: %w", err)
		}
		if removed == 0 {
			// another worker claimed it
			continue
		}

		var t Task
		if err := json.Unmarshal([]byte(members[0]), &t); err != nil {
			return nil, fmt.Errorf("failed to decode task: %w", err)
		}
		return &t, nil
	}
}

func (q *RedisQueue) Ack(context.Context, *Task) error { return nil }

// Len counts queued tasks, due or not.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.key).Result()
}
