package sweep

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestTickRunsListenersInOrder(t *testing.T) {
	c := NewClock(time.Hour, zap.NewNop())
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	var order []string
	c.AddListener(ListenerFunc(func(now time.Time) {
		if !now.Equal(fixed) {
			t.Errorf("unexpected tick time %v", now)
		}
		order = append(order, "tasks")
	}))
	c.AddListener(ListenerFunc(func(time.Time) { panic("boom") }))
	c.AddListener(ListenerFunc(func(time.Time) { order = append(order, "agents") }))

	c.Tick()

	if len(order) != 2 || order[0] != "tasks" || order[1] != "agents" {
		t.Errorf("unexpected order %v", order)
	}
	if !c.LastTick().Equal(fixed) {
		t.Errorf("LastTick = %v", c.LastTick())
	}
}

func TestStartStop(t *testing.T) {
	c := NewClock(5*time.Millisecond, zap.NewNop())
	var ticks atomic.Int32
	c.AddListener(ListenerFunc(func(time.Time) { ticks.Add(1) }))

	c.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for ticks.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	c.Stop()

	if ticks.Load() < 3 {
		t.Fatalf("expected at least 3 ticks, got %d", ticks.Load())
	}
	after := ticks.Load()
	time.Sleep(20 * time.Millisecond)
	if ticks.Load() != after {
		t.Error("clock kept ticking after Stop")
	}
}
