package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue implements the Queue interface on a Redis list using the
// reliable-queue pattern: BRPOPLPUSH moves each message into a per-queue
// processing list, and acknowledgment removes it from there. Messages left in
// the processing list by a crashed consumer are reclaimed on the next
// receive.
type RedisQueue struct {
	name   string
	client *redis.Client
}

// NewRedisQueue creates a queue on the configured Redis server
func NewRedisQueue(config QueueConfig, name string) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.RedisAddr,
		Password: config.RedisPassword,
		DB:       config.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisQueue{name: name, client: client}, nil
}

func (q *RedisQueue) processingList() string {
	return q.name + ":processing"
}

// Publish appends a message body to the queue
func (q *RedisQueue) Publish(ctx context.Context, body []byte) error {
	return q.client.LPush(ctx, q.name, body).Err()
}

// Receive fetches up to max messages, waiting at most wait for the first
// one. Subsequent messages of the batch are taken without blocking.
func (q *RedisQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 10
	}

	var batch []Message

	body, err := q.client.BRPopLPush(ctx, q.name, q.processingList(), wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to receive from %s: %w", q.name, err)
	}
	batch = append(batch, q.message(body))

	for len(batch) < max {
		body, err := q.client.RPopLPush(ctx, q.name, q.processingList()).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return batch, fmt.Errorf("failed to receive from %s: %w", q.name, err)
		}
		batch = append(batch, q.message(body))
	}
	return batch, nil
}

func (q *RedisQueue) message(body string) Message {
	return Message{
		ID:      uuid.New().String(),
		Receipt: body,
		Body:    []byte(body),
	}
}

// Delete acknowledges a received message by removing it from the processing
// list. The receipt is the message body itself; LREM drops one occurrence.
func (q *RedisQueue) Delete(ctx context.Context, receipt string) error {
	if err := q.client.LRem(ctx, q.processingList(), 1, receipt).Err(); err != nil {
		return fmt.Errorf("failed to acknowledge message on %s: %w", q.name, err)
	}
	return nil
}

// Reclaim moves every message from the processing list back onto the queue.
// Run it at startup to recover messages a previous consumer received but
// never acknowledged.
func (q *RedisQueue) Reclaim(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.client.RPopLPush(ctx, q.processingList(), q.name).Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("failed to reclaim messages on %s: %w", q.name, err)
		}
		moved++
	}
}

// Name returns the queue name
func (q *RedisQueue) Name() string { return q.name }

// Close releases the Redis connection
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
