//go:build integration

package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"
)

func startRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	return "redis://" + endpoint
}

// A delivery left unsettled by a crashed consumer is taken over by another
// member of the same group once it has been idle long enough.
func TestIdleDeliveryIsReclaimed(t *testing.T) {
	url := startRedis(t)
	ctx := context.Background()
	b, err := Connect(ctx, Config{
		URL:             url,
		PollInterval:    10 * time.Millisecond,
		ReclaimIdle:     200 * time.Millisecond,
		ReclaimInterval: 50 * time.Millisecond,
		MaxRedeliveries: 3,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	q := PriorityQueue("reclaim")
	opts := ConsumeOptions{Group: "workers", Prefetch: 1}

	crashed, err := b.Consume(ctx, q, "w1", opts)
	require.NoError(t, err)

	_, err = b.Publish(ctx, q, assignEnvelope(t, "t1"), PublishOptions{Persistent: true, Priority: 5})
	require.NoError(t, err)

	first := receive(t, crashed)
	assert.Equal(t, "t1", taskID(t, first))
	assert.False(t, first.Redelivered)
	require.NoError(t, crashed.Close())

	survivor, err := b.Consume(ctx, q, "w2", opts)
	require.NoError(t, err)
	t.Cleanup(func() { survivor.Close() })

	second := receive(t, survivor)
	assert.Equal(t, "t1", taskID(t, second))
	assert.True(t, second.Redelivered)
	assert.Equal(t, 2, second.Attempt)
	require.NoError(t, second.Ack(ctx))

	depth, err := b.QueueDepth(ctx, q)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestDeadLettersSurviveOnRealRedis(t *testing.T) {
	url := startRedis(t)
	ctx := context.Background()
	b, err := Connect(ctx, Config{URL: url, PollInterval: 10 * time.Millisecond, MaxRedeliveries: 0}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	q := Queue("dlq")
	sub, err := b.Consume(ctx, q, "w1", ConsumeOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })

	_, err = b.Publish(ctx, q, assignEnvelope(t, "t9"), PublishOptions{Persistent: true})
	require.NoError(t, err)
	d := receive(t, sub)
	require.NoError(t, d.Nack(ctx, false))

	letters, err := b.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "rejected", letters[0].Reason)
	assert.Contains(t, letters[0].Envelope, "t9")
}
