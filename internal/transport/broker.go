package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-hive/internal/message"
	"github.com/nidhogg/nuka-hive/internal/metrics"
	"github.com/nidhogg/nuka-hive/internal/retry"
)

// Stream entry fields.
const (
	fieldEnvelope   = "envelope"
	fieldAttempt    = "attempt"
	fieldExpires    = "expires"
	fieldPersistent = "persistent"
	fieldSource     = "source"
	fieldReason     = "reason"
)

// Broker is a connected handle on the Redis broker.
type Broker struct {
	rdb     *redis.Client
	cfg     Config
	metrics *metrics.Collector
	logger  *zap.Logger
}

// Connect parses cfg.URL and pings Redis under the reconnect policy.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*Broker, error) {
	cfg = cfg.withDefaults()
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, &ConnectionError{Addr: cfg.URL, Err: fmt.Errorf("parse redis url: %w", err)}
	}
	rdb := redis.NewClient(opts)
	err = cfg.Reconnect.Do(ctx, logger, "redis ping", func() error {
		return rdb.Ping(ctx).Err()
	})
	if err != nil {
		rdb.Close()
		return nil, &ConnectionError{Addr: opts.Addr, Err: err}
	}
	return NewBroker(rdb, cfg, logger), nil
}

// NewBroker wraps an existing client.
func NewBroker(rdb *redis.Client, cfg Config, logger *zap.Logger) *Broker {
	return &Broker{
		rdb:    rdb,
		cfg:    cfg.withDefaults(),
		logger: logger.With(zap.String("component", "transport")),
	}
}

// SetMetrics attaches a collector.
func (b *Broker) SetMetrics(m *metrics.Collector) { b.metrics = m }

// Client exposes the Redis client for components that share the connection.
func (b *Broker) Client() *redis.Client { return b.rdb }

// Prefix is the key namespace in use.
func (b *Broker) Prefix() string { return b.cfg.Prefix }

// Ping checks the broker is reachable.
func (b *Broker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Close shuts down the Redis connection.
func (b *Broker) Close() error {
	return b.rdb.Close()
}

func (b *Broker) queueKey(name string) string {
	return b.cfg.Prefix + ":q:" + name
}

func (b *Broker) tierKey(name string, priority int) string {
	return fmt.Sprintf("%s:q:%s:p%02d", b.cfg.Prefix, name, clampPriority(priority))
}

func (b *Broker) channelKey(d Destination) string {
	if d.Kind == KindBroadcast {
		return b.cfg.Prefix + ":broadcast"
	}
	return b.cfg.Prefix + ":status:" + d.Name
}

func (b *Broker) deadLetterKey() string {
	return b.cfg.Prefix + ":dlq"
}

// streams lists the streams behind a queue destination, highest priority
// first.
func (b *Broker) streams(d Destination) []string {
	if d.Kind == KindQueue {
		return []string{b.queueKey(d.Name)}
	}
	out := make([]string, 0, MaxPriority)
	for p := MaxPriority; p >= MinPriority; p-- {
		out = append(out, b.tierKey(d.Name, p))
	}
	return out
}

// Publish sends env to dest. Queue publishes are retried under the publish
// policy; exhaustion returns a *PublishError.
func (b *Broker) Publish(ctx context.Context, dest Destination, env message.Envelope, opts PublishOptions) (Ack, error) {
	data, err := env.Marshal()
	if err != nil {
		return Ack{}, &PublishError{Destination: dest.String(), Err: err}
	}

	var ack Ack
	err = b.cfg.Publish.Do(ctx, b.logger, "publish "+dest.String(), func() error {
		var err error
		ack, err = b.publishOnce(ctx, dest, data, opts)
		return err
	})
	b.metrics.Published(kindLabel(dest.Kind), err)
	if err != nil {
		return Ack{}, &PublishError{Destination: dest.String(), Err: err}
	}

	b.logger.Debug("published message",
		zap.String("destination", dest.String()),
		zap.String("type", string(env.Type)),
		zap.String("sender", env.SenderID))
	return ack, nil
}

func (b *Broker) publishOnce(ctx context.Context, dest Destination, data []byte, opts PublishOptions) (Ack, error) {
	switch dest.Kind {
	case KindQueue, KindPriorityQueue:
		stream := b.queueKey(dest.Name)
		if dest.Kind == KindPriorityQueue {
			stream = b.tierKey(dest.Name, opts.Priority)
		}
		id, err := b.rdb.XAdd(ctx, b.entryArgs(stream, data, 1, opts)).Result()
		if err != nil {
			return Ack{}, err
		}
		return Ack{Destination: stream, ID: id}, nil
	case KindBroadcast, KindStatus:
		channel := b.channelKey(dest)
		n, err := b.rdb.Publish(ctx, channel, data).Result()
		if err != nil {
			return Ack{}, err
		}
		return Ack{Destination: channel, Receivers: n}, nil
	}
	return Ack{}, retry.Permanent(fmt.Errorf("unknown destination kind %d", dest.Kind))
}

func (b *Broker) entryArgs(stream string, data []byte, attempt int, opts PublishOptions) *redis.XAddArgs {
	ttl := opts.TTL
	if ttl == 0 {
		ttl = b.cfg.MessageTTL
	}
	var expires int64
	if ttl > 0 {
		expires = time.Now().Add(ttl).UnixMilli()
	}
	persistent := "0"
	if opts.Persistent {
		persistent = "1"
	}
	return &redis.XAddArgs{
		Stream: stream,
		MaxLen: b.cfg.MaxQueueLength,
		Approx: true,
		Values: map[string]interface{}{
			fieldEnvelope:   string(data),
			fieldAttempt:    attempt,
			fieldExpires:    expires,
			fieldPersistent: persistent,
		},
	}
}

// Declare creates the consumer group for every stream behind dest. It is
// idempotent and is repeated after every reconnect.
func (b *Broker) Declare(ctx context.Context, dest Destination, group string) error {
	if dest.Kind != KindQueue && dest.Kind != KindPriorityQueue {
		return nil
	}
	return b.declareStreams(ctx, b.streams(dest), group)
}

func (b *Broker) declareStreams(ctx context.Context, streams []string, group string) error {
	for _, s := range streams {
		err := b.rdb.XGroupCreateMkStream(ctx, s, group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("declare group %s on %s: %w", group, s, err)
		}
	}
	return nil
}

// QueueDepth reports the number of entries waiting or in flight on dest.
func (b *Broker) QueueDepth(ctx context.Context, dest Destination) (int64, error) {
	var total int64
	for _, s := range b.streams(dest) {
		n, err := b.rdb.XLen(ctx, s).Result()
		if err != nil {
			return 0, fmt.Errorf("xlen %s: %w", s, err)
		}
		total += n
	}
	return total, nil
}

// DeadLetter is one parked message.
type DeadLetter struct {
	ID       string `json:"id"`
	Source   string `json:"source"`
	Reason   string `json:"reason"`
	Attempt  int    `json:"attempt"`
	Envelope string `json:"envelope"`
}

// DeadLetters returns the newest n parked messages.
func (b *Broker) DeadLetters(ctx context.Context, n int64) ([]DeadLetter, error) {
	msgs, err := b.rdb.XRevRangeN(ctx, b.deadLetterKey(), "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead letters: %w", err)
	}
	out := make([]DeadLetter, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, DeadLetter{
			ID:       m.ID,
			Source:   stringField(m.Values, fieldSource),
			Reason:   stringField(m.Values, fieldReason),
			Attempt:  intField(m.Values, fieldAttempt, 1),
			Envelope: stringField(m.Values, fieldEnvelope),
		})
	}
	return out, nil
}

func (b *Broker) deadLetterArgs(source, envelope, reason string, attempt int) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: b.deadLetterKey(),
		MaxLen: b.cfg.MaxQueueLength,
		Approx: true,
		Values: map[string]interface{}{
			fieldEnvelope: envelope,
			fieldSource:   source,
			fieldReason:   reason,
			fieldAttempt:  attempt,
		},
	}
}

// settle removes an entry from the stream and optionally appends a follow-up
// entry, atomically.
func (b *Broker) settle(ctx context.Context, stream, group, id string, follow *redis.XAddArgs) error {
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, stream, group, id)
		pipe.XDel(ctx, stream, id)
		if follow != nil {
			pipe.XAdd(ctx, follow)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("settle %s on %s: %w", id, stream, err)
	}
	return nil
}

func kindLabel(k Kind) string {
	switch k {
	case KindQueue:
		return "queue"
	case KindPriorityQueue:
		return "priority_queue"
	case KindBroadcast:
		return "broadcast"
	case KindStatus:
		return "status"
	}
	return "unknown"
}

func stringField(values map[string]interface{}, key string) string {
	s, _ := values[key].(string)
	return s
}

func intField(values map[string]interface{}, key string, def int) int {
	s, ok := values[key].(string)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func int64Field(values map[string]interface{}, key string) int64 {
	s, _ := values[key].(string)
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func isNil(err error) bool {
	return errors.Is(err, redis.Nil)
}
