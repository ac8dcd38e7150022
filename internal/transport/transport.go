// Package transport moves envelopes between agents over Redis. Work queues are
// Redis Streams read through consumer groups; the broadcast and status
// channels are Redis Pub/Sub.
package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/nuka-hive/internal/retry"
)

// ErrTransport is wrapped by every error this package surfaces to callers.
var ErrTransport = errors.New("transport failure")

// ConnectionError is returned when the broker cannot be reached within the
// reconnect policy.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() []error { return []error{ErrTransport, e.Err} }

// PublishError is terminal: the publish retry policy has been exhausted.
type PublishError struct {
	Destination string
	Err         error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s: %v", e.Destination, e.Err)
}

func (e *PublishError) Unwrap() []error { return []error{ErrTransport, e.Err} }

// Config tunes the broker.
type Config struct {
	URL             string
	Prefix          string
	MaxQueueLength  int64
	MessageTTL      time.Duration
	MaxRedeliveries int
	PollInterval    time.Duration
	ReclaimIdle     time.Duration
	ReclaimInterval time.Duration
	Publish         retry.Policy
	Reconnect       retry.Policy
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = "hive"
	}
	if c.MaxQueueLength <= 0 {
		c.MaxQueueLength = 10000
	}
	if c.MaxRedeliveries < 0 {
		c.MaxRedeliveries = 0
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.ReclaimIdle <= 0 {
		c.ReclaimIdle = 30 * time.Second
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = 10 * time.Second
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect = retry.Policy{
			MaxRetries:   8,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2,
			Jitter:       0.5,
		}
	}
	return c
}

// Kind selects how a destination is realised on Redis.
type Kind int

const (
	// KindQueue is a single stream with competing consumers.
	KindQueue Kind = iota
	// KindPriorityQueue is one stream per priority tier.
	KindPriorityQueue
	// KindBroadcast reaches every bound subscriber.
	KindBroadcast
	// KindStatus is routed by "<role>.<eventType>".
	KindStatus
)

// Priority tiers of a priority queue.
const (
	MinPriority = 1
	MaxPriority = 10
)

// Destination names a queue or channel. For Status it is a routing key when
// publishing and a glob pattern when consuming.
type Destination struct {
	Kind Kind
	Name string
}

// Queue is a plain FIFO work queue.
func Queue(name string) Destination { return Destination{Kind: KindQueue, Name: name} }

// PriorityQueue is a queue set ordered by priority, FIFO inside one tier.
func PriorityQueue(name string) Destination {
	return Destination{Kind: KindPriorityQueue, Name: name}
}

// Broadcast is the fan-out channel shared by collaborators.
func Broadcast() Destination { return Destination{Kind: KindBroadcast, Name: "broadcast"} }

// Status is the routed status channel.
func Status(key string) Destination { return Destination{Kind: KindStatus, Name: key} }

func (d Destination) String() string {
	switch d.Kind {
	case KindQueue:
		return "queue:" + d.Name
	case KindPriorityQueue:
		return "pqueue:" + d.Name
	case KindBroadcast:
		return "broadcast"
	case KindStatus:
		return "status:" + d.Name
	}
	return "unknown:" + d.Name
}

// PublishOptions control a single publish. Priority only matters for a
// priority queue; TTL overrides the broker default.
type PublishOptions struct {
	Persistent bool
	Priority   int
	TTL        time.Duration
}

// Ack confirms a publish. ID is the stream entry id for queues; Receivers is
// the subscriber count for channels.
type Ack struct {
	Destination string
	ID          string
	Receivers   int64
}

// ConsumeOptions control a subscription. Group defaults to the destination
// name and Prefetch to 1.
type ConsumeOptions struct {
	Group    string
	Prefetch int
}

func clampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}
