package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueueBoundedWait(t *testing.T) {
	q := NewMemoryQueue("test")

	start := time.Now()
	batch, err := q.Receive(context.Background(), 10, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, batch)
	assert.Less(t, time.Since(start), time.Second, "empty receive must return after the wait")
}

func TestMemoryQueueReceiveBatch(t *testing.T) {
	q := NewMemoryQueue("test")
	q.Publish([]byte("one"))
	q.Publish([]byte("two"))
	q.Publish([]byte("three"))

	batch, err := q.Receive(context.Background(), 2, time.Second)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "one", string(batch[0].Body))
	assert.Equal(t, 2, q.PendingCount())
	assert.Equal(t, 1, q.Len())
}

func TestMemoryQueueDeleteAndReclaim(t *testing.T) {
	q := NewMemoryQueue("test")
	q.Publish([]byte("one"))
	q.Publish([]byte("two"))

	batch, err := q.Receive(context.Background(), 10, time.Second)
	require.NoError(t, err)
	require.Len(t, batch, 2)

	require.NoError(t, q.Delete(context.Background(), batch[0].Receipt))
	assert.Equal(t, 1, q.PendingCount())

	moved, err := q.Reclaim(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
	assert.Equal(t, 0, q.PendingCount())
	assert.Equal(t, 1, q.Len())
}

func TestMemoryQueueReceiveCancellation(t *testing.T) {
	q := NewMemoryQueue("test")
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := q.Receive(ctx, 10, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(QueueConfig{Backend: "carrier-pigeon"}, "q")
	assert.Error(t, err)

	q, err := Open(QueueConfig{Backend: "memory"}, "q")
	require.NoError(t, err)
	assert.Equal(t, "q", q.Name())
}
