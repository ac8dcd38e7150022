package agent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nidhogg/nuka-hive/internal/fault"
	"github.com/nidhogg/nuka-hive/internal/message"
	"github.com/nidhogg/nuka-hive/internal/transport"
)

// Default destination names shared by every process.
const (
	DefaultInbox     = "leader"
	DefaultTaskQueue = "tasks"
)

// Bus is the part of the transport a runtime needs.
type Bus interface {
	Publish(ctx context.Context, dest transport.Destination, env message.Envelope, opts transport.PublishOptions) (transport.Ack, error)
	Consume(ctx context.Context, src transport.Destination, consumer string, opts transport.ConsumeOptions) (*transport.Subscription, error)
}

// Handler processes one envelope. A nil return acks the delivery; an error
// requeues it unless it was wrapped with Reject or is a validation error.
type Handler func(ctx context.Context, env message.Envelope) error

// EnvelopeHandler is implemented by components that consume messages, such
// as the task engine, the voting engine and the directory.
type EnvelopeHandler interface {
	Handle(ctx context.Context, env message.Envelope) error
}

type rejectError struct{ err error }

func (e *rejectError) Error() string { return e.err.Error() }
func (e *rejectError) Unwrap() error { return e.err }

// Reject marks err as permanent: the delivery is dead-lettered instead of
// redelivered.
func Reject(err error) error {
	if err == nil {
		return nil
	}
	return &rejectError{err: err}
}

func permanent(err error) bool {
	var rej *rejectError
	var verr *fault.ValidationError
	return errors.As(err, &rej) || errors.As(err, &verr)
}

// Config identifies a runtime.
type Config struct {
	ID                string
	Role              message.Role
	Capabilities      []string
	HeartbeatInterval time.Duration
}

type binding struct {
	source   transport.Destination
	opts     transport.ConsumeOptions
	handlers map[message.Type]Handler
}

// Runtime is one agent process: it joins the topology, announces itself,
// heartbeats, and dispatches deliveries through per-source tables.
type Runtime struct {
	cfg      Config
	bus      Bus
	bindings []binding
	ready    chan struct{}
	logger   *zap.Logger

	mu          sync.RWMutex
	status      Status
	currentTask string
}

// NewRuntime creates a runtime in the registering state.
func NewRuntime(bus Bus, cfg Config, logger *zap.Logger) (*Runtime, error) {
	if cfg.ID == "" {
		return nil, fault.Invalid("id", "must not be empty")
	}
	if !cfg.Role.Valid() {
		return nil, fault.Invalid("role", "unknown role %q", cfg.Role)
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	return &Runtime{
		cfg:    cfg,
		bus:    bus,
		ready:  make(chan struct{}),
		status: StatusRegistering,
		logger: logger.With(zap.String("agent", cfg.ID), zap.String("role", string(cfg.Role))),
	}, nil
}

// ID is the agent id.
func (r *Runtime) ID() string { return r.cfg.ID }

// Role is the agent role.
func (r *Runtime) Role() message.Role { return r.cfg.Role }

// Logger is the runtime's logger, for role components.
func (r *Runtime) Logger() *zap.Logger { return r.logger }

// Ready is closed once the runtime has joined and announced itself.
func (r *Runtime) Ready() <-chan struct{} { return r.ready }

// Bind adds a subscription and its dispatch table. Every key must belong to
// the closed message type set. Bind must be called before Run.
func (r *Runtime) Bind(src transport.Destination, opts transport.ConsumeOptions, handlers map[message.Type]Handler) error {
	for t, h := range handlers {
		if !t.Valid() {
			return fault.Invalid("handlers", "unknown message type %q", t)
		}
		if h == nil {
			return fault.Invalid("handlers", "nil handler for %s", t)
		}
	}
	r.bindings = append(r.bindings, binding{source: src, opts: opts, handlers: handlers})
	return nil
}

// Status returns the lifecycle state.
func (r *Runtime) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// CurrentTask returns the id of the task being executed, if any.
func (r *Runtime) CurrentTask() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentTask
}

// SetStatus moves the runtime along a legal lifecycle edge.
func (r *Runtime) SetStatus(to Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == to {
		return nil
	}
	if err := Transition(r.status, to); err != nil {
		return err
	}
	r.logger.Debug("agent transition", zap.String("from", string(r.status)), zap.String("to", string(to)))
	r.status = to
	return nil
}

// Begin marks the runtime busy with taskID; End returns it to idle.
func (r *Runtime) Begin(taskID string) error {
	if err := r.SetStatus(StatusBusy); err != nil {
		return err
	}
	r.mu.Lock()
	r.currentTask = taskID
	r.mu.Unlock()
	return nil
}

// End clears the current task and returns to idle.
func (r *Runtime) End() {
	r.mu.Lock()
	r.currentTask = ""
	r.mu.Unlock()
	if err := r.SetStatus(StatusIdle); err != nil {
		r.logger.Warn("cannot return to idle", zap.Error(err))
	}
}

// moveTo is SetStatus for paths that have no caller to return the error to.
func (r *Runtime) moveTo(to Status) {
	if err := r.SetStatus(to); err != nil {
		r.logger.Warn("cannot change agent status", zap.String("to", string(to)), zap.Error(err))
	}
}

// Send publishes p to dest under this agent's identity.
func (r *Runtime) Send(ctx context.Context, dest transport.Destination, p message.Payload, opts transport.PublishOptions) error {
	env, err := message.New(r.cfg.ID, r.cfg.Role, p)
	if err != nil {
		return err
	}
	_, err = r.bus.Publish(ctx, dest, env, opts)
	return err
}

// Emit publishes p as a status event keyed "<role>.<type>".
func (r *Runtime) Emit(ctx context.Context, p message.Payload) error {
	return r.Send(ctx, transport.Status(message.RoutingKey(r.cfg.Role, p.Type())), p, transport.PublishOptions{})
}

// Beat publishes one heartbeat.
func (r *Runtime) Beat(ctx context.Context) error {
	r.mu.RLock()
	hb := &message.Heartbeat{
		Status:        string(r.status),
		Capabilities:  slices.Clone(r.cfg.Capabilities),
		CurrentTaskID: r.currentTask,
		SentAt:        time.Now().UTC(),
	}
	r.mu.RUnlock()
	return r.Emit(ctx, hb)
}

// Run joins every bound source, announces the agent and serves until ctx is
// cancelled. A failure to join leaves the runtime in the error state.
func (r *Runtime) Run(ctx context.Context) error {
	if len(r.bindings) == 0 {
		return fmt.Errorf("agent %s: no subscriptions bound", r.cfg.ID)
	}

	subs := make([]*transport.Subscription, 0, len(r.bindings))
	defer func() {
		for _, s := range subs {
			s.Close()
		}
	}()
	for _, b := range r.bindings {
		sub, err := r.bus.Consume(ctx, b.source, r.cfg.ID, b.opts)
		if err != nil {
			r.moveTo(StatusError)
			return fmt.Errorf("join %s: %w", b.source, err)
		}
		subs = append(subs, sub)
	}

	if err := r.Emit(ctx, &message.AgentRegister{Capabilities: r.cfg.Capabilities, Status: string(StatusIdle)}); err != nil {
		r.moveTo(StatusError)
		return fmt.Errorf("announce agent %s: %w", r.cfg.ID, err)
	}
	if err := r.SetStatus(StatusIdle); err != nil {
		return err
	}
	close(r.ready)
	r.logger.Info("agent joined", zap.Int("subscriptions", len(subs)))

	g, gctx := errgroup.WithContext(ctx)
	for i, sub := range subs {
		b := r.bindings[i]
		g.Go(func() error {
			r.receive(gctx, sub, b)
			return nil
		})
	}
	g.Go(func() error { return r.heartbeat(gctx) })
	err := g.Wait()

	r.leave()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runtime) receive(ctx context.Context, sub *transport.Subscription, b binding) {
	for d := range sub.Deliveries() {
		r.dispatch(ctx, b, d)
	}
}

func (r *Runtime) dispatch(ctx context.Context, b binding, d *transport.Delivery) {
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	h, ok := b.handlers[d.Envelope.Type]
	if !ok {
		d.Ack(settleCtx)
		return
	}

	err := r.safely(ctx, h, d.Envelope)
	switch {
	case err == nil:
		err = d.Ack(settleCtx)
	case permanent(err):
		r.logger.Warn("rejecting message",
			zap.String("type", string(d.Envelope.Type)),
			zap.String("from", d.Envelope.SenderID),
			zap.Error(err))
		err = d.Nack(settleCtx, false)
	default:
		r.logger.Warn("handler failed, requeueing",
			zap.String("type", string(d.Envelope.Type)),
			zap.String("from", d.Envelope.SenderID),
			zap.Int("attempt", d.Attempt),
			zap.Error(err))
		err = d.Nack(settleCtx, true)
	}
	if err != nil {
		r.logger.Error("settle failed", zap.String("message", d.Envelope.ID), zap.Error(err))
	}
}

func (r *Runtime) safely(ctx context.Context, h Handler, env message.Envelope) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler for %s panicked: %v", env.Type, p)
		}
	}()
	return h(ctx, env)
}

func (r *Runtime) heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		if err := r.Beat(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("heartbeat not published", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Runtime) leave() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Emit(ctx, &message.AgentDeregister{Reason: "shutdown"}); err != nil {
		r.logger.Warn("deregister not published", zap.Error(err))
	}
	r.moveTo(StatusOffline)
	r.logger.Info("agent left")
}
