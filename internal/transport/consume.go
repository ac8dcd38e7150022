package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-hive/internal/message"
)

// Delivery is one received envelope. Queue deliveries must be settled with
// Ack or Nack exactly once; channel deliveries ignore both.
type Delivery struct {
	Envelope    message.Envelope
	Source      Destination
	Attempt     int
	Redelivered bool

	settleFn func(ctx context.Context, ack, requeue bool) error
	once     sync.Once
}

// Ack removes the message from its queue.
func (d *Delivery) Ack(ctx context.Context) error {
	return d.finish(ctx, true, false)
}

// Nack returns the message for redelivery, or dead-letters it when requeue is
// false or its redelivery budget is spent.
func (d *Delivery) Nack(ctx context.Context, requeue bool) error {
	return d.finish(ctx, false, requeue)
}

func (d *Delivery) finish(ctx context.Context, ack, requeue bool) error {
	err := errAlreadySettled
	d.once.Do(func() {
		err = nil
		if d.settleFn != nil {
			err = d.settleFn(ctx, ack, requeue)
		}
	})
	if err == errAlreadySettled {
		return nil
	}
	return err
}

var errAlreadySettled = errors.New("already settled")

// Subscription feeds deliveries from one source to one logical consumer.
type Subscription struct {
	source     Destination
	deliveries chan *Delivery
	cancel     context.CancelFunc
	done       chan struct{}
}

// Deliveries is the receive side. It is closed when the subscription stops.
func (s *Subscription) Deliveries() <-chan *Delivery { return s.deliveries }

// Source is the destination this subscription reads from.
func (s *Subscription) Source() Destination { return s.source }

// Close stops the subscription and waits for its loop to exit.
func (s *Subscription) Close() error {
	s.cancel()
	<-s.done
	return nil
}

// Consume starts a receive loop on src. Queues are read through the consumer
// group opts.Group with at most opts.Prefetch unsettled deliveries; channels
// are subscribed before Consume returns.
func (b *Broker) Consume(ctx context.Context, src Destination, consumer string, opts ConsumeOptions) (*Subscription, error) {
	if opts.Prefetch <= 0 {
		opts.Prefetch = 1
	}
	if opts.Group == "" {
		opts.Group = src.Name
	}

	loopCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		source:     src,
		deliveries: make(chan *Delivery),
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	switch src.Kind {
	case KindQueue, KindPriorityQueue:
		streams := b.streams(src)
		err := b.cfg.Reconnect.Do(ctx, b.logger, "declare "+src.String(), func() error {
			return b.declareStreams(ctx, streams, opts.Group)
		})
		if err != nil {
			cancel()
			return nil, &ConnectionError{Addr: src.String(), Err: err}
		}
		r := &reader{
			b:        b,
			src:      src,
			streams:  streams,
			group:    opts.Group,
			consumer: consumer,
			slots:    make(chan struct{}, opts.Prefetch),
		}
		go r.loop(loopCtx, sub)
	case KindBroadcast, KindStatus:
		channel := b.channelKey(src)
		var ps *redis.PubSub
		if src.Kind == KindStatus {
			ps = b.rdb.PSubscribe(ctx, channel)
		} else {
			ps = b.rdb.Subscribe(ctx, channel)
		}
		if _, err := ps.Receive(ctx); err != nil {
			ps.Close()
			cancel()
			return nil, &ConnectionError{Addr: channel, Err: err}
		}
		go b.channelLoop(loopCtx, sub, ps)
	default:
		cancel()
		return nil, fmt.Errorf("consume %s: unsupported destination", src)
	}

	b.logger.Debug("subscribed",
		zap.String("source", src.String()),
		zap.String("consumer", consumer),
		zap.Int("prefetch", opts.Prefetch))
	return sub, nil
}

func (b *Broker) channelLoop(ctx context.Context, sub *Subscription, ps *redis.PubSub) {
	defer close(sub.done)
	defer close(sub.deliveries)
	defer ps.Close()

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			env, err := message.Unmarshal([]byte(m.Payload))
			if err != nil {
				b.logger.Warn("dropping undecodable broadcast",
					zap.String("channel", m.Channel),
					zap.Error(err))
				continue
			}
			select {
			case sub.deliveries <- &Delivery{Envelope: env, Source: sub.source, Attempt: 1}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// reader is the receive loop of one queue consumer.
type reader struct {
	b           *Broker
	src         Destination
	streams     []string
	group       string
	consumer    string
	slots       chan struct{}
	lastReclaim time.Time
	// backlog holds a cursor per stream into this consumer's own pending
	// entries, left over from a previous run under the same name.
	backlog map[string]string
}

func (r *reader) loop(ctx context.Context, sub *Subscription) {
	defer close(sub.done)
	defer close(sub.deliveries)

	bo := r.b.cfg.Reconnect.BackOff()
	r.lastReclaim = time.Now()
	r.backlog = make(map[string]string, len(r.streams))
	for _, s := range r.streams {
		r.backlog[s] = "0"
	}

	for {
		select {
		case r.slots <- struct{}{}:
		case <-ctx.Done():
			return
		}

		d, err := r.next(ctx)
		if err != nil {
			<-r.slots
			if ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			r.b.metrics.Reconnected()
			r.b.logger.Warn("consume failed, backing off",
				zap.String("source", r.src.String()),
				zap.Duration("wait", wait),
				zap.Error(err))
			if !sleep(ctx, wait) {
				return
			}
			if err := r.b.declareStreams(ctx, r.streams, r.group); err != nil {
				r.b.logger.Warn("re-declare failed", zap.Error(err))
			}
			continue
		}
		bo.Reset()

		if d == nil {
			<-r.slots
			if !sleep(ctx, r.b.cfg.PollInterval) {
				return
			}
			continue
		}

		select {
		case sub.deliveries <- d:
		case <-ctx.Done():
			return
		}
	}
}

// next returns at most one delivery: a reclaimed entry when the reclaim pass
// is due, otherwise the oldest entry of the highest non-empty tier. A nil
// delivery with a nil error means there is nothing to do.
func (r *reader) next(ctx context.Context) (*Delivery, error) {
	if time.Since(r.lastReclaim) >= r.b.cfg.ReclaimInterval {
		r.lastReclaim = time.Now()
		for _, s := range r.streams {
			d, err := r.reclaim(ctx, s)
			if err != nil || d != nil {
				return d, err
			}
		}
	}

	for _, s := range r.streams {
		for {
			start := ">"
			cursor, inBacklog := r.backlog[s]
			if inBacklog {
				start = cursor
			}
			res, err := r.b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    r.group,
				Consumer: r.consumer,
				Streams:  []string{s, start},
				Count:    1,
				Block:    -1,
			}).Result()
			if err != nil && !isNil(err) {
				return nil, fmt.Errorf("xreadgroup %s: %w", s, err)
			}
			if len(res) == 0 || len(res[0].Messages) == 0 {
				if inBacklog {
					delete(r.backlog, s)
					continue
				}
				break
			}
			m := res[0].Messages[0]
			var prior int64
			if inBacklog {
				r.backlog[s] = m.ID
				prior = 2
			}
			d, err := r.deliver(ctx, s, m, prior)
			if err != nil {
				return nil, err
			}
			if d != nil {
				return d, nil
			}
			// The entry was parked or dropped; keep reading this tier.
		}
	}
	return nil, nil
}

// reclaim takes over one entry that another consumer left unacknowledged for
// longer than ReclaimIdle.
func (r *reader) reclaim(ctx context.Context, stream string) (*Delivery, error) {
	pending, err := r.b.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  r.group,
		Idle:   r.b.cfg.ReclaimIdle,
		Start:  "-",
		End:    "+",
		Count:  16,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xpending %s: %w", stream, err)
	}
	var p redis.XPendingExt
	for _, candidate := range pending {
		// Entries held by this consumer are still being worked on.
		if candidate.Consumer != r.consumer {
			p = candidate
			break
		}
	}
	if p.ID == "" {
		return nil, nil
	}
	msgs, err := r.b.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    r.group,
		Consumer: r.consumer,
		MinIdle:  r.b.cfg.ReclaimIdle,
		Messages: []string{p.ID},
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xclaim %s: %w", stream, err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	r.b.logger.Info("reclaimed idle message",
		zap.String("stream", stream),
		zap.String("id", p.ID),
		zap.String("previous_consumer", p.Consumer),
		zap.Int64("deliveries", p.RetryCount))
	// XPENDING reports the count before this claim.
	return r.deliver(ctx, stream, msgs[0], p.RetryCount+1)
}

// deliver turns a stream entry into a Delivery. Entries that cannot be
// decoded, have expired, or have spent their redelivery budget are parked
// (or dropped when transient) and nil is returned.
func (r *reader) deliver(ctx context.Context, stream string, m redis.XMessage, deliveries int64) (*Delivery, error) {
	raw := stringField(m.Values, fieldEnvelope)
	attempt := intField(m.Values, fieldAttempt, 1)
	redelivered := attempt > 1
	if deliveries > 1 {
		attempt += int(deliveries) - 1
		redelivered = true
	}
	persistent := stringField(m.Values, fieldPersistent) == "1"

	env, err := message.Unmarshal([]byte(raw))
	if err != nil {
		return nil, r.park(ctx, stream, m.ID, raw, "undecodable", attempt, true)
	}
	if exp := int64Field(m.Values, fieldExpires); exp > 0 && time.Now().UnixMilli() > exp {
		return nil, r.park(ctx, stream, m.ID, raw, "expired", attempt, persistent)
	}
	if attempt > r.b.cfg.MaxRedeliveries+1 {
		return nil, r.park(ctx, stream, m.ID, raw, "redelivery limit", attempt, persistent)
	}

	d := &Delivery{
		Envelope:    env,
		Source:      r.src,
		Attempt:     attempt,
		Redelivered: redelivered,
	}
	d.settleFn = func(ctx context.Context, ack, requeue bool) error {
		defer func() { <-r.slots }()
		if ack {
			return r.b.settle(ctx, stream, r.group, m.ID, nil)
		}
		if !requeue || attempt >= r.b.cfg.MaxRedeliveries+1 {
			reason := "rejected"
			if requeue {
				reason = "redelivery limit"
			}
			return r.park(ctx, stream, m.ID, raw, reason, attempt, persistent)
		}
		follow := r.b.entryArgs(stream, []byte(raw), attempt+1, PublishOptions{Persistent: persistent})
		return r.b.settle(ctx, stream, r.group, m.ID, follow)
	}
	return d, nil
}

// park moves an entry to the dead-letter stream, or drops it when it is
// transient.
func (r *reader) park(ctx context.Context, stream, id, raw, reason string, attempt int, persistent bool) error {
	var follow *redis.XAddArgs
	if persistent {
		follow = r.b.deadLetterArgs(stream, raw, reason, attempt)
		r.b.metrics.DeadLettered(reason)
	}
	r.b.logger.Warn("parking message",
		zap.String("stream", stream),
		zap.String("id", id),
		zap.String("reason", reason),
		zap.Int("attempt", attempt),
		zap.Bool("dead_lettered", persistent))
	return r.b.settle(ctx, stream, r.group, id, follow)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
