package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"publish-scheduler/internal/domain"
)

// RedisScheduleQueue реализует очередь запросов на планирование на базе Redis lists.
type RedisScheduleQueue struct {
	client *redis.Client
	key    string
}

// NewRedisScheduleQueue создаёт очередь по указанному ключу.
func NewRedisScheduleQueue(client *redis.Client, key string) *RedisScheduleQueue {
	return &RedisScheduleQueue{client: client, key: key}
}

// Enqueue публикует запрос в очередь.
func (q *RedisScheduleQueue) Enqueue(ctx context.Context, req domain.ScheduleRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("push request: %w", err)
	}
	return nil
}

// Receive блокирующе читает запрос из очереди. При неуспехе ack возвращает запрос обратно.
func (q *RedisScheduleQueue) Receive(ctx context.Context) (domain.ScheduleRequest, domain.ScheduleAckFunc, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.ScheduleRequest{}, nil, err
		}

		res, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return domain.ScheduleRequest{}, nil, ctx.Err()
				}
				continue
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return domain.ScheduleRequest{}, nil, err
		}
		if len(res) != 2 {
			return domain.ScheduleRequest{}, nil, errors.New("redis queue: unexpected response")
		}
		raw := []byte(res[1])
		var req domain.ScheduleRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return domain.ScheduleRequest{}, nil, fmt.Errorf("decode request: %w", err)
		}
		ack := func(success bool) error {
			if success {
				return nil
			}
			return q.client.LPush(context.Background(), q.key, raw).Err()
		}
		return req, ack, nil
	}
}
