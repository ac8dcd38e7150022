// Package sweep drives periodic maintenance: deadline checks, heartbeat
// timeouts and cache retention.
package sweep

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Listener receives tick events.
type Listener interface {
	OnTick(now time.Time)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(now time.Time)

func (f ListenerFunc) OnTick(now time.Time) { f(now) }

// Clock fans a fixed-interval tick out to its listeners.
type Clock struct {
	interval  time.Duration
	listeners []Listener
	lastTick  time.Time
	now       func() time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc
	done      chan struct{}
	logger    *zap.Logger
}

// NewClock creates a clock ticking every interval.
func NewClock(interval time.Duration, logger *zap.Logger) *Clock {
	if interval <= 0 {
		interval = time.Second
	}
	return &Clock{
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With(zap.String("component", "sweep")),
	}
}

// AddListener registers a tick listener.
func (c *Clock) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// LastTick returns when listeners last ran.
func (c *Clock) LastTick() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastTick
}

// Start begins the tick loop in a background goroutine. It stops when ctx
// is cancelled or Stop is called.
func (c *Clock) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.loop(ctx)
	c.logger.Info("sweep clock started", zap.Duration("interval", c.interval))
}

// Stop halts the tick loop and waits for the running tick to finish.
func (c *Clock) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.logger.Info("sweep clock stopped")
}

func (c *Clock) loop(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick()
		}
	}
}

// Tick runs every listener once, in registration order.
func (c *Clock) Tick() {
	now := c.now()
	c.mu.Lock()
	c.lastTick = now
	listeners := make([]Listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, l := range listeners {
		c.run(l, now)
	}
}

func (c *Clock) run(l Listener, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("sweep listener panicked", zap.Any("panic", r))
		}
	}()
	l.OnTick(now)
}
