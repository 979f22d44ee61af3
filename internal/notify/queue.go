package notify

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Queue errors
var (
	ErrQueueClosed = errors.New("queue is closed")
)

// Message is one notification fetched from a queue. Receipt identifies the
// in-flight message for acknowledgment.
type Message struct {
	ID      string
	Receipt string
	Body    []byte
}

// Queue is a single notification stream. Receive performs a bounded-wait
// fetch: it returns after at most wait even when the queue is empty, so a
// consumer can be rescheduled between cycles instead of blocking
// indefinitely. Delete acknowledges a message so it is not redelivered.
type Queue interface {
	// Receive fetches up to max messages, waiting at most wait for the
	// first one.
	Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error)

	// Delete acknowledges a received message by its receipt
	Delete(ctx context.Context, receipt string) error

	// Name returns the queue name
	Name() string

	// Close releases the queue's transport resources
	Close() error
}

// QueueConfig configures the notification queue transport. One backend
// serves all three streams; Open binds one named queue on it.
type QueueConfig struct {
	Backend string `toml:"backend" json:"backend"` // "memory", "redis" or "amqp"

	// Redis backend
	RedisAddr     string `toml:"redis_addr" json:"redis_addr"`
	RedisPassword string `toml:"redis_password" json:"redis_password"`
	RedisDB       int    `toml:"redis_db" json:"redis_db"`

	// AMQP backend
	AMQPURL string `toml:"amqp_url" json:"amqp_url"`
}

// Open creates a queue for the named stream on the configured backend
func Open(config QueueConfig, name string) (Queue, error) {
	switch config.Backend {
	case "memory":
		return NewMemoryQueue(name), nil
	case "redis":
		return NewRedisQueue(config, name)
	case "amqp":
		return NewAMQPQueue(config, name)
	default:
		return nil, fmt.Errorf("unsupported queue backend: %s", config.Backend)
	}
}
