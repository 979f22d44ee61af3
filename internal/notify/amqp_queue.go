package notify

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
)

// AMQPQueue implements the Queue interface on a RabbitMQ queue. Receive uses
// basic.get in a short polling loop rather than a consumer subscription so
// the bounded-wait contract holds.
type AMQPQueue struct {
	name    string
	conn    *amqp.Connection
	channel *amqp.Channel
}

// amqpPollInterval is how often an empty queue is re-checked while a Receive
// call is waiting for its first message.
const amqpPollInterval = 250 * time.Millisecond

// NewAMQPQueue connects to the broker and declares the named durable queue
func NewAMQPQueue(config QueueConfig, name string) (*AMQPQueue, error) {
	conn, err := amqp.Dial(config.AMQPURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	_, err = channel.QueueDeclare(
		name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", name, err)
	}

	return &AMQPQueue{name: name, conn: conn, channel: channel}, nil
}

// Publish appends a message body to the queue
func (q *AMQPQueue) Publish(ctx context.Context, body []byte) error {
	return q.channel.Publish(
		"",     // default exchange
		q.name, // routing key
		false,  // mandatory
		false,  // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
		},
	)
}

// Receive fetches up to max messages, waiting at most wait for the first one
func (q *AMQPQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 10
	}

	deadline := time.Now().Add(wait)
	var batch []Message

	for len(batch) < max {
		delivery, ok, err := q.channel.Get(q.name, false)
		if err != nil {
			return batch, fmt.Errorf("failed to receive from %s: %w", q.name, err)
		}
		if ok {
			batch = append(batch, Message{
				ID:      uuid.New().String(),
				Receipt: strconv.FormatUint(delivery.DeliveryTag, 10),
				Body:    delivery.Body,
			})
			continue
		}
		if len(batch) > 0 || !time.Now().Before(deadline) {
			break
		}

		select {
		case <-ctx.Done():
			return batch, ctx.Err()
		case <-time.After(amqpPollInterval):
		}
	}
	return batch, nil
}

// Delete acknowledges a received message by its delivery tag
func (q *AMQPQueue) Delete(ctx context.Context, receipt string) error {
	tag, err := strconv.ParseUint(receipt, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid AMQP receipt %q: %w", receipt, err)
	}
	if err := q.channel.Ack(tag, false); err != nil {
		return fmt.Errorf("failed to acknowledge message on %s: %w", q.name, err)
	}
	return nil
}

// Name returns the queue name
func (q *AMQPQueue) Name() string { return q.name }

// Close releases the channel and connection
func (q *AMQPQueue) Close() error {
	if err := q.channel.Close(); err != nil {
		q.conn.Close()
		return err
	}
	return q.conn.Close()
}
