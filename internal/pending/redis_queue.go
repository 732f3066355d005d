package pending

import (
	"context"
	"encoding/json"

	redis "github.com/redis/go-redis/v9"
)

const queueKey = "tillpoint:pending_invoices"

// RedisQueue persists pending-invoice tasks in a Redis list so retries
// survive a server restart.
type RedisQueue struct {
	client *redis.Client
}

func NewRedisQueue(addr string, password string, db int) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisQueue{client: client}
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return q.client.RPush(ctx, queueKey, payload).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context, max int) ([]Task, error) {
	if max <= 0 {
		max = 10
	}
	vals, err := q.client.LPopCount(ctx, queueKey, max).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	out := make([]Task, 0, len(vals))
	for _, val := range vals {
		var task Task
		if err := json.Unmarshal([]byte(val), &task); err != nil {
			// A malformed entry is dropped rather than wedging the
			// whole queue.
			continue
		}
		out = append(out, task)
	}
	return out, nil
}
