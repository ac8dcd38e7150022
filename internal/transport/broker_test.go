package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-hive/internal/message"
	"github.com/nidhogg/nuka-hive/internal/retry"
)

func setupBroker(t *testing.T, mutate func(*Config)) (*miniredis.Miniredis, *Broker) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := Config{
		URL:             "redis://" + mr.Addr(),
		PollInterval:    5 * time.Millisecond,
		MaxRedeliveries: 1,
		ReclaimInterval: time.Hour,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	b, err := Connect(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return mr, b
}

func assignEnvelope(t *testing.T, taskID string) message.Envelope {
	t.Helper()
	env, err := message.New("leader", message.RoleLeader, &message.TaskAssign{TaskID: taskID})
	require.NoError(t, err)
	return env
}

func receive(t *testing.T, sub *Subscription) *Delivery {
	t.Helper()
	select {
	case d, ok := <-sub.Deliveries():
		require.True(t, ok, "subscription closed")
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	return nil
}

func taskID(t *testing.T, d *Delivery) string {
	t.Helper()
	body, err := d.Envelope.Body()
	require.NoError(t, err)
	return body.(*message.TaskAssign).TaskID
}

func TestPublishConsumeAck(t *testing.T) {
	_, b := setupBroker(t, nil)
	ctx := context.Background()
	q := Queue("inbox")

	ack, err := b.Publish(ctx, q, assignEnvelope(t, "t1"), PublishOptions{Persistent: true})
	require.NoError(t, err)
	assert.Equal(t, "hive:q:inbox", ack.Destination)
	assert.NotEmpty(t, ack.ID)

	sub, err := b.Consume(ctx, q, "c1", ConsumeOptions{Group: "leader"})
	require.NoError(t, err)
	defer sub.Close()

	d := receive(t, sub)
	assert.Equal(t, "t1", taskID(t, d))
	assert.Equal(t, 1, d.Attempt)
	assert.False(t, d.Redelivered)
	require.NoError(t, d.Ack(ctx))
	require.NoError(t, d.Ack(ctx), "second ack is a no-op")

	depth, err := b.QueueDepth(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestPriorityQueueOrdering(t *testing.T) {
	_, b := setupBroker(t, nil)
	ctx := context.Background()
	q := PriorityQueue("tasks")

	for _, p := range []struct {
		id       string
		priority int
	}{{"low", 3}, {"high-1", 9}, {"mid", 5}, {"high-2", 9}} {
		_, err := b.Publish(ctx, q, assignEnvelope(t, p.id), PublishOptions{Persistent: true, Priority: p.priority})
		require.NoError(t, err)
	}

	sub, err := b.Consume(ctx, q, "w1", ConsumeOptions{Group: "workers"})
	require.NoError(t, err)
	defer sub.Close()

	var got []string
	for i := 0; i < 4; i++ {
		d := receive(t, sub)
		got = append(got, taskID(t, d))
		require.NoError(t, d.Ack(ctx))
	}
	assert.Equal(t, []string{"high-1", "high-2", "mid", "low"}, got)
}

func TestSingleTierIsFIFO(t *testing.T) {
	_, b := setupBroker(t, nil)
	ctx := context.Background()
	q := PriorityQueue("tasks")

	want := make([]string, 100)
	for i := range want {
		want[i] = fmt.Sprintf("job-%03d", i)
		_, err := b.Publish(ctx, q, assignEnvelope(t, want[i]), PublishOptions{Persistent: true, Priority: 5})
		require.NoError(t, err)
	}

	sub, err := b.Consume(ctx, q, "w1", ConsumeOptions{Group: "workers"})
	require.NoError(t, err)
	defer sub.Close()

	got := make([]string, 0, len(want))
	for range want {
		d := receive(t, sub)
		got = append(got, taskID(t, d))
		require.NoError(t, d.Ack(ctx))
	}
	assert.Equal(t, want, got)
}

func TestPrefetchHoldsBackSecondDelivery(t *testing.T) {
	_, b := setupBroker(t, nil)
	ctx := context.Background()
	q := PriorityQueue("tasks")

	for _, id := range []string{"a", "b"} {
		_, err := b.Publish(ctx, q, assignEnvelope(t, id), PublishOptions{Persistent: true, Priority: 5})
		require.NoError(t, err)
	}

	sub, err := b.Consume(ctx, q, "w1", ConsumeOptions{Group: "workers", Prefetch: 1})
	require.NoError(t, err)
	defer sub.Close()

	first := receive(t, sub)
	select {
	case d := <-sub.Deliveries():
		t.Fatalf("received %s before acking the first delivery", taskID(t, d))
	case <-time.After(100 * time.Millisecond):
	}
	require.NoError(t, first.Ack(ctx))

	second := receive(t, sub)
	assert.Equal(t, "b", taskID(t, second))
	require.NoError(t, second.Ack(ctx))
}

func TestNackRedeliversThenDeadLetters(t *testing.T) {
	_, b := setupBroker(t, nil)
	ctx := context.Background()
	q := Queue("inbox")

	_, err := b.Publish(ctx, q, assignEnvelope(t, "poison"), PublishOptions{Persistent: true})
	require.NoError(t, err)

	sub, err := b.Consume(ctx, q, "c1", ConsumeOptions{Group: "leader"})
	require.NoError(t, err)
	defer sub.Close()

	d := receive(t, sub)
	require.NoError(t, d.Nack(ctx, true))

	again := receive(t, sub)
	assert.Equal(t, 2, again.Attempt)
	assert.True(t, again.Redelivered)
	require.NoError(t, again.Nack(ctx, true))

	letters, err := b.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "redelivery limit", letters[0].Reason)
	assert.Equal(t, "hive:q:inbox", letters[0].Source)
}

func TestNackWithoutRequeueDeadLetters(t *testing.T) {
	_, b := setupBroker(t, nil)
	ctx := context.Background()
	q := Queue("inbox")

	_, err := b.Publish(ctx, q, assignEnvelope(t, "bad"), PublishOptions{Persistent: true})
	require.NoError(t, err)
	sub, err := b.Consume(ctx, q, "c1", ConsumeOptions{Group: "leader"})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, receive(t, sub).Nack(ctx, false))

	letters, err := b.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "rejected", letters[0].Reason)
}

func TestExpiredMessageIsDeadLettered(t *testing.T) {
	_, b := setupBroker(t, nil)
	ctx := context.Background()
	q := Queue("inbox")

	_, err := b.Publish(ctx, q, assignEnvelope(t, "stale"), PublishOptions{Persistent: true, TTL: time.Millisecond})
	require.NoError(t, err)
	_, err = b.Publish(ctx, q, assignEnvelope(t, "fresh"), PublishOptions{Persistent: true})
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	sub, err := b.Consume(ctx, q, "c1", ConsumeOptions{Group: "leader"})
	require.NoError(t, err)
	defer sub.Close()

	d := receive(t, sub)
	assert.Equal(t, "fresh", taskID(t, d))
	require.NoError(t, d.Ack(ctx))

	letters, err := b.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "expired", letters[0].Reason)
}

func TestQueueMaxLengthDropsOldest(t *testing.T) {
	_, b := setupBroker(t, func(c *Config) { c.MaxQueueLength = 2 })
	ctx := context.Background()
	q := Queue("inbox")

	for _, id := range []string{"1", "2", "3"} {
		_, err := b.Publish(ctx, q, assignEnvelope(t, id), PublishOptions{Persistent: true})
		require.NoError(t, err)
	}
	depth, err := b.QueueDepth(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)

	sub, err := b.Consume(ctx, q, "c1", ConsumeOptions{Group: "leader"})
	require.NoError(t, err)
	defer sub.Close()
	d := receive(t, sub)
	assert.Equal(t, "2", taskID(t, d))
	require.NoError(t, d.Ack(ctx))
}

func TestBroadcastReachesEverySubscriber(t *testing.T) {
	_, b := setupBroker(t, nil)
	ctx := context.Background()

	s1, err := b.Consume(ctx, Broadcast(), "c1", ConsumeOptions{})
	require.NoError(t, err)
	defer s1.Close()
	s2, err := b.Consume(ctx, Broadcast(), "c2", ConsumeOptions{})
	require.NoError(t, err)
	defer s2.Close()

	env, err := message.New("leader", message.RoleLeader, &message.BrainstormIdea{Topic: "naming", Idea: "hive"})
	require.NoError(t, err)
	ack, err := b.Publish(ctx, Broadcast(), env, PublishOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), ack.Receivers)

	for _, sub := range []*Subscription{s1, s2} {
		d := receive(t, sub)
		assert.Equal(t, message.TypeBrainstormIdea, d.Envelope.Type)
		assert.NoError(t, d.Ack(ctx))
	}
}

func TestStatusRoutingByPattern(t *testing.T) {
	_, b := setupBroker(t, nil)
	ctx := context.Background()

	sub, err := b.Consume(ctx, Status("*.status.heartbeat"), "monitor", ConsumeOptions{})
	require.NoError(t, err)
	defer sub.Close()

	status, err := message.New("leader", message.RoleLeader, &message.TaskStatus{TaskID: "t1", Status: "completed"})
	require.NoError(t, err)
	_, err = b.Publish(ctx, Status(status.RoutingKey()), status, PublishOptions{})
	require.NoError(t, err)

	hb, err := message.New("w1", message.RoleWorker, &message.Heartbeat{Status: "idle"})
	require.NoError(t, err)
	_, err = b.Publish(ctx, Status(hb.RoutingKey()), hb, PublishOptions{})
	require.NoError(t, err)

	d := receive(t, sub)
	assert.Equal(t, message.TypeHeartbeat, d.Envelope.Type)
	assert.Equal(t, "w1", d.Envelope.SenderID)
}

func TestPublishErrorAfterBrokerLoss(t *testing.T) {
	mr, b := setupBroker(t, nil)
	mr.Close()

	_, err := b.Publish(context.Background(), Queue("inbox"), assignEnvelope(t, "t1"), PublishOptions{})
	var perr *PublishError
	require.True(t, errors.As(err, &perr), "expected PublishError, got %v", err)
	assert.True(t, errors.Is(err, ErrTransport))
}

func TestConnectFailure(t *testing.T) {
	_, err := Connect(context.Background(), Config{
		URL:       "redis://127.0.0.1:1",
		Reconnect: retry.Policy{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, zap.NewNop())
	var cerr *ConnectionError
	require.True(t, errors.As(err, &cerr), "expected ConnectionError, got %v", err)
	assert.True(t, errors.Is(err, ErrTransport))
}
