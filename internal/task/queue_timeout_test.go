package task

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-hive/internal/transport"
)

func TestPendingTaskRequeuedAfterQueueTimeout(t *testing.T) {
	e, rec, clock := newTestEngine(t, Config{QueueTimeout: 10 * time.Minute, PriorityBump: 1})
	ctx := context.Background()
	id, _ := e.SubmitTask(ctx, Spec{Title: "idle", Priority: 5, MaxRetries: intPtr(1)})

	e.OnTick(clock.Add(5 * time.Minute))
	if got, _ := e.Get(ctx, id); got.RetryCount != 0 {
		t.Fatalf("requeued before queue timeout: retry %d", got.RetryCount)
	}

	e.OnTick(clock.Add(11 * time.Minute))
	got, _ := e.Get(ctx, id)
	if got.Status != StatusPending || got.RetryCount != 1 || got.Attempt != 2 || got.Priority != 6 {
		t.Errorf("expected pending retry 1 attempt 2 priority 6, got %s retry %d attempt %d priority %d",
			got.Status, got.RetryCount, got.Attempt, got.Priority)
	}
	if n := len(rec.assigns(t)); n != 2 {
		t.Errorf("expected re-publish, got %d assigns", n)
	}

	e.OnTick(clock.Add(time.Hour))
	if got, _ := e.Get(ctx, id); got.Status != StatusDeadLettered {
		t.Errorf("expected dead_lettered once retries are spent, got %s", got.Status)
	}
}

// An assign that expires in the queue before any worker reads it is parked by
// the transport; the engine must still drive the task to a terminal status.
func TestExpiredAssignDoesNotStrandTask(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	b, err := transport.Connect(ctx, transport.Config{
		URL:             "redis://" + mr.Addr(),
		MessageTTL:      10 * time.Millisecond,
		PollInterval:    5 * time.Millisecond,
		ReclaimInterval: time.Hour,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	e := NewEngine(b, NewMemoryStore(), Config{QueueTimeout: time.Minute}, zap.NewNop())
	id, err := e.SubmitTask(ctx, Spec{Title: "stale", Priority: 5, MaxRetries: intPtr(1)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	sub, err := b.Consume(ctx, e.Queue(), "w1", transport.ConsumeOptions{Group: "workers"})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	defer sub.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		letters, err := b.DeadLetters(ctx, 10)
		if err != nil {
			t.Fatalf("dead letters: %v", err)
		}
		if len(letters) == 1 && letters[0].Reason == "expired" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("assign was not parked as expired, got %+v", letters)
		}
		time.Sleep(10 * time.Millisecond)
	}

	e.OnTick(time.Now().Add(2 * time.Minute))
	got, _ := e.Get(ctx, id)
	if got.Status != StatusPending || got.RetryCount != 1 || got.Attempt != 2 {
		t.Fatalf("expected requeued attempt 2, got %s retry %d attempt %d", got.Status, got.RetryCount, got.Attempt)
	}

	e.OnTick(time.Now().Add(time.Hour))
	if got, _ := e.Get(ctx, id); got.Status != StatusDeadLettered {
		t.Errorf("expected dead_lettered, got %s", got.Status)
	}
}
