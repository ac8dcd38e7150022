package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-hive/internal/fault"
	"github.com/nidhogg/nuka-hive/internal/message"
	"github.com/nidhogg/nuka-hive/internal/metrics"
	"github.com/nidhogg/nuka-hive/internal/policy"
	"github.com/nidhogg/nuka-hive/internal/retry"
	"github.com/nidhogg/nuka-hive/internal/transport"
)

// ErrForbidden is returned when the authorizer rejects a privileged call.
var ErrForbidden = errors.New("not authorized")

// Publisher is the part of the transport the engine needs.
type Publisher interface {
	Publish(ctx context.Context, dest transport.Destination, env message.Envelope, opts transport.PublishOptions) (transport.Ack, error)
}

// Config tunes the engine.
type Config struct {
	AgentID           string
	Queue             string
	DefaultTimeout    time.Duration
	QueueTimeout      time.Duration
	DefaultMaxRetries int
	MaxRetriesCap     int
	PriorityBump      int
	Retention         time.Duration
	StoreRetry        retry.Policy
}

func (c Config) withDefaults() Config {
	if c.AgentID == "" {
		c.AgentID = "leader"
	}
	if c.Queue == "" {
		c.Queue = "tasks"
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 5 * time.Minute
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = time.Hour
	}
	if c.DefaultMaxRetries < 0 {
		c.DefaultMaxRetries = 0
	}
	if c.MaxRetriesCap <= 0 {
		c.MaxRetriesCap = 10
	}
	if c.PriorityBump < 0 {
		c.PriorityBump = 0
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	return c
}

// Engine owns task state. Its cache is a replica of what the store has
// confirmed; every transition is persisted before it is applied.
type Engine struct {
	pub     Publisher
	store   Store
	authz   policy.Authorizer
	cfg     Config
	metrics *metrics.Collector
	logger  *zap.Logger
	now     func() time.Time

	mu    sync.Mutex
	tasks map[string]*Task
}

// NewEngine creates a task distribution engine.
func NewEngine(pub Publisher, store Store, cfg Config, logger *zap.Logger) *Engine {
	return &Engine{
		pub:    pub,
		store:  store,
		authz:  policy.AllowAll{},
		cfg:    cfg.withDefaults(),
		logger: logger.With(zap.String("component", "tasks")),
		now:    func() time.Time { return time.Now().UTC() },
		tasks:  make(map[string]*Task),
	}
}

// SetAuthorizer replaces the default allow-all authorizer.
func (e *Engine) SetAuthorizer(a policy.Authorizer) { e.authz = a }

// SetMetrics attaches a collector.
func (e *Engine) SetMetrics(m *metrics.Collector) { e.metrics = m }

// Queue is the priority queue workers consume.
func (e *Engine) Queue() transport.Destination { return transport.PriorityQueue(e.cfg.Queue) }

// SubmitTask validates spec, records it as pending and enqueues it on the
// tier matching its priority. Resubmitting a known id returns it unchanged.
func (e *Engine) SubmitTask(ctx context.Context, spec Spec) (string, error) {
	if err := spec.validate(e.cfg.MaxRetriesCap); err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if spec.ID != "" {
		if _, err := e.lookupLocked(ctx, spec.ID); err == nil {
			return spec.ID, nil
		} else if !errors.Is(err, ErrTaskNotFound) {
			return "", err
		}
	}

	now := e.now()
	t := Task{
		ID:          spec.ID,
		Title:       spec.Title,
		Payload:     spec.Payload,
		Priority:    spec.Priority,
		Status:      StatusPending,
		Attempt:     1,
		MaxRetries:  e.cfg.DefaultMaxRetries,
		Timeout:     spec.Timeout,
		SubmittedBy: spec.SubmittedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if spec.MaxRetries != nil {
		t.MaxRetries = *spec.MaxRetries
	}
	if t.Timeout == 0 {
		t.Timeout = e.cfg.DefaultTimeout
	}

	if err := e.persist(ctx, t); err != nil {
		return "", err
	}
	e.tasks[t.ID] = &t
	e.metrics.TaskSubmitted(strconv.Itoa(t.Priority))

	if err := e.enqueueLocked(ctx, &t); err != nil {
		return t.ID, err
	}
	e.logger.Info("task submitted",
		zap.String("task", t.ID),
		zap.String("title", t.Title),
		zap.Int("priority", t.Priority))
	return t.ID, nil
}

// MaxBatch bounds SubmitBatch.
const MaxBatch = 500

// SubmitBatch validates every spec before submitting any, then submits them
// in order. On a submit failure it returns the ids accepted so far.
func (e *Engine) SubmitBatch(ctx context.Context, specs []Spec) ([]string, error) {
	if len(specs) == 0 {
		return nil, fault.Invalid("tasks", "must not be empty")
	}
	if len(specs) > MaxBatch {
		return nil, fault.Invalid("tasks", "%d tasks exceed the batch limit of %d", len(specs), MaxBatch)
	}
	for i, spec := range specs {
		if err := spec.validate(e.cfg.MaxRetriesCap); err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
	}
	ids := make([]string, 0, len(specs))
	for i, spec := range specs {
		id, err := e.SubmitTask(ctx, spec)
		if err != nil {
			return ids, fmt.Errorf("task %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// RetryTask replays a failed or dead-lettered task as a new task with a
// fresh id and a full retry budget. The original stays as it was.
func (e *Engine) RetryTask(ctx context.Context, requesterID, id string) (string, error) {
	e.mu.Lock()
	t, err := e.lookupLocked(ctx, id)
	var orig Task
	if err == nil {
		orig = *t
	}
	e.mu.Unlock()
	if err != nil {
		return "", err
	}
	if orig.Status != StatusFailed && orig.Status != StatusDeadLettered {
		return "", fault.Invalid("status", "task %s is %s; only failed or dead_lettered tasks can be retried", id, orig.Status)
	}

	maxRetries := orig.MaxRetries
	newID, err := e.SubmitTask(ctx, Spec{
		Title:       orig.Title,
		Payload:     orig.Payload,
		Priority:    orig.Priority,
		MaxRetries:  &maxRetries,
		Timeout:     orig.Timeout,
		SubmittedBy: requesterID,
	})
	if err != nil {
		return newID, err
	}
	e.logger.Info("task replayed",
		zap.String("task", id),
		zap.String("replay", newID),
		zap.String("by", requesterID))
	return newID, nil
}

// Accept records that agentID picked up attempt. Accepts for an older
// attempt or a finished task are ignored.
func (e *Engine) Accept(ctx context.Context, id, agentID string, attempt int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.lookupLocked(ctx, id)
	if err != nil {
		return err
	}
	if t.Status.Terminal() || attempt < t.Attempt {
		e.logger.Debug("ignoring stale accept",
			zap.String("task", id),
			zap.String("agent", agentID),
			zap.Int("attempt", attempt),
			zap.Int("current_attempt", t.Attempt),
			zap.String("status", string(t.Status)))
		return nil
	}
	if t.AssignedAgentID == agentID && t.Status != StatusPending {
		return nil
	}

	next := *t
	if next.Status == StatusPending {
		next.Status = StatusAssigned
	}
	next.AssignedAgentID = agentID
	deadline := e.now().Add(next.Timeout)
	next.DeadlineAt = &deadline
	return e.applyLocked(ctx, t, next, "")
}

// MarkRunning moves an assigned task to in_progress once its agent reports
// working on it.
func (e *Engine) MarkRunning(ctx context.Context, id, agentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.lookupLocked(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != StatusAssigned || t.AssignedAgentID != agentID {
		return nil
	}
	next := *t
	next.Status = StatusInProgress
	return e.applyLocked(ctx, t, next, "")
}

// CompleteTask marks the task completed. Completing a finished task is a
// no-op.
func (e *Engine) CompleteTask(ctx context.Context, id, agentID string, result json.RawMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.lookupLocked(ctx, id)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return nil
	}

	next := *t
	next.Status = StatusCompleted
	next.AssignedAgentID = agentID
	next.Result = result
	next.DeadlineAt = nil
	finished := e.now()
	next.FinishedAt = &finished
	if err := e.applyLocked(ctx, t, next, ""); err != nil {
		return err
	}
	e.metrics.TaskTerminal(string(StatusCompleted))
	return nil
}

// FailTask records a failed attempt. Retryable failures are re-queued until
// maxRetries is spent, then dead-lettered; other failures are final. A
// report for an attempt that was already superseded is ignored; attempt 0
// means the current one.
func (e *Engine) FailTask(ctx context.Context, id, agentID string, attempt int, reason string, retryable bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.lookupLocked(ctx, id)
	if err != nil {
		return err
	}
	if t.Status.Terminal() || (attempt > 0 && attempt < t.Attempt) {
		return nil
	}
	execErr := &fault.TaskExecutionError{TaskID: id, AgentID: agentID, Reason: reason, Retryable: retryable}
	if retryable {
		return e.retryLocked(ctx, t, execErr.Error())
	}

	next := *t
	next.Status = StatusFailed
	next.AssignedAgentID = agentID
	next.LastError = execErr.Error()
	next.DeadlineAt = nil
	finished := e.now()
	next.FinishedAt = &finished
	if err := e.applyLocked(ctx, t, next, next.LastError); err != nil {
		return err
	}
	e.metrics.TaskTerminal(string(StatusFailed))
	return nil
}

// ReassignAgent re-queues every in-flight task held by agentID.
func (e *Engine) ReassignAgent(ctx context.Context, agentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	for _, t := range e.tasks {
		if t.AssignedAgentID != agentID || (t.Status != StatusAssigned && t.Status != StatusInProgress) {
			continue
		}
		e.logger.Warn("reassigning task from offline agent",
			zap.String("task", t.ID),
			zap.String("agent", agentID))
		if err := e.retryLocked(ctx, t, "agent "+agentID+" went offline"); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Override revokes the current assignment and re-queues the task without
// spending its retry budget. It is a privileged action.
func (e *Engine) Override(ctx context.Context, requesterID, id string) error {
	if !e.authz.Authorize(ctx, requesterID, policy.ActionTaskOverride, id) {
		return fmt.Errorf("override task %s by %s: %w", id, requesterID, ErrForbidden)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.lookupLocked(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != StatusAssigned && t.Status != StatusInProgress {
		return fault.Invalid("status", "task %s is %s, not in flight", id, t.Status)
	}
	next := *t
	next.Status = StatusPending
	next.AssignedAgentID = ""
	next.DeadlineAt = nil
	next.Attempt++
	if err := e.applyLocked(ctx, t, next, "override by "+requesterID); err != nil {
		return err
	}
	return e.enqueueLocked(ctx, t)
}

// CancelTask broadcasts an advisory cancellation. The running agent may
// observe it; nothing is preempted.
func (e *Engine) CancelTask(ctx context.Context, id, reason string) error {
	e.mu.Lock()
	t, err := e.lookupLocked(ctx, id)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return nil
	}
	env, err := message.New(e.cfg.AgentID, message.RoleLeader, &message.TaskCancel{TaskID: id, Reason: reason})
	if err != nil {
		return err
	}
	_, err = e.pub.Publish(ctx, transport.Broadcast(), env, transport.PublishOptions{})
	return err
}

// Get returns a task from the cache, falling back to the store.
func (e *Engine) Get(ctx context.Context, id string) (Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.lookupLocked(ctx, id)
	if err != nil {
		return Task{}, err
	}
	return *t, nil
}

// List queries the store.
func (e *Engine) List(ctx context.Context, f Filter) ([]Task, error) {
	var out []Task
	err := e.cfg.StoreRetry.Do(ctx, e.logger, "query tasks", func() error {
		var err error
		out, err = e.store.Query(ctx, f)
		return err
	})
	if err != nil {
		return nil, &fault.SystemError{Op: "query tasks", Err: err}
	}
	return out, nil
}

// Counts tallies cached tasks by status.
func (e *Engine) Counts() map[Status]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[Status]int)
	for _, t := range e.tasks {
		out[t.Status]++
	}
	return out
}

// OnTick reassigns in-flight tasks past their deadline, re-queues pending
// tasks nobody accepted within the queue timeout and drops finished tasks
// older than the retention window from the cache.
func (e *Engine) OnTick(now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	e.mu.Lock()
	defer e.mu.Unlock()

	for id, t := range e.tasks {
		switch {
		case (t.Status == StatusAssigned || t.Status == StatusInProgress) && t.DeadlineAt != nil && now.After(*t.DeadlineAt):
			e.logger.Warn("task deadline exceeded",
				zap.String("task", id),
				zap.String("agent", t.AssignedAgentID),
				zap.Time("deadline", *t.DeadlineAt))
			if err := e.retryLocked(ctx, t, "deadline exceeded"); err != nil {
				e.logger.Error("reassign after deadline failed", zap.String("task", id), zap.Error(err))
			}
		case t.Status == StatusPending && now.Sub(t.UpdatedAt) > e.cfg.QueueTimeout:
			// The assign may have expired, been trimmed or parked by the
			// transport without any worker seeing it.
			e.logger.Warn("task not accepted within queue timeout",
				zap.String("task", id),
				zap.Int("attempt", t.Attempt),
				zap.Time("queued_at", t.UpdatedAt))
			if err := e.retryLocked(ctx, t, "not accepted within queue timeout"); err != nil {
				e.logger.Error("requeue after queue timeout failed", zap.String("task", id), zap.Error(err))
			}
		case t.Status.Terminal() && t.FinishedAt != nil && now.Sub(*t.FinishedAt) > e.cfg.Retention:
			delete(e.tasks, id)
			e.logger.Debug("task archived", zap.String("task", id))
		}
	}
}

// retryLocked re-queues t with a priority bump, or dead-letters it once its
// retries are spent. retryCount never exceeds maxRetries.
func (e *Engine) retryLocked(ctx context.Context, t *Task, reason string) error {
	next := *t
	next.LastError = reason
	next.AssignedAgentID = ""
	next.DeadlineAt = nil

	if t.RetryCount >= t.MaxRetries {
		next.Status = StatusDeadLettered
		finished := e.now()
		next.FinishedAt = &finished
		if err := e.applyLocked(ctx, t, next, reason); err != nil {
			return err
		}
		e.metrics.TaskTerminal(string(StatusDeadLettered))
		e.logger.Warn("task dead-lettered",
			zap.String("task", t.ID),
			zap.Int("retries", t.RetryCount),
			zap.String("reason", reason))
		return nil
	}

	next.Status = StatusPending
	next.RetryCount++
	next.Attempt++
	next.Priority = min(next.Priority+e.cfg.PriorityBump, transport.MaxPriority)
	if err := e.applyLocked(ctx, t, next, reason); err != nil {
		return err
	}
	e.metrics.TaskRetried()
	return e.enqueueLocked(ctx, t)
}

// enqueueLocked publishes the current attempt. A task that cannot be queued
// is failed so its submitter still sees a terminal status.
func (e *Engine) enqueueLocked(ctx context.Context, t *Task) error {
	env, err := message.New(e.cfg.AgentID, message.RoleLeader, &message.TaskAssign{
		TaskID:    t.ID,
		Title:     t.Title,
		Payload:   t.Payload,
		Priority:  t.Priority,
		Attempt:   t.Attempt,
		TimeoutMS: t.Timeout.Milliseconds(),
	})
	if err == nil {
		_, err = e.pub.Publish(ctx, e.Queue(), env, transport.PublishOptions{Persistent: true, Priority: t.Priority})
	}
	if err == nil {
		return nil
	}

	next := *t
	next.Status = StatusFailed
	next.LastError = "enqueue: " + err.Error()
	finished := e.now()
	next.FinishedAt = &finished
	if aerr := e.applyLocked(ctx, t, next, next.LastError); aerr != nil {
		return errors.Join(err, aerr)
	}
	e.metrics.TaskTerminal(string(StatusFailed))
	return fmt.Errorf("enqueue task %s: %w", t.ID, err)
}

// applyLocked validates, persists and then installs next over t, and emits a
// status event.
func (e *Engine) applyLocked(ctx context.Context, t *Task, next Task, reason string) error {
	if next.Status != t.Status {
		if err := Transition(t.Status, next.Status); err != nil {
			return fmt.Errorf("task %s: %w", t.ID, err)
		}
	}
	next.UpdatedAt = e.now()
	if err := e.persist(ctx, next); err != nil {
		return err
	}
	from := t.Status
	*t = next

	e.logger.Debug("task transition",
		zap.String("task", t.ID),
		zap.String("from", string(from)),
		zap.String("to", string(t.Status)),
		zap.Int("retry_count", t.RetryCount))
	e.emit(ctx, *t, reason)
	return nil
}

func (e *Engine) persist(ctx context.Context, t Task) error {
	err := e.cfg.StoreRetry.Do(ctx, e.logger, "persist task", func() error {
		return e.store.Persist(ctx, t)
	})
	if err != nil {
		return &fault.SystemError{Op: "persist task " + t.ID, Err: err}
	}
	return nil
}

func (e *Engine) lookupLocked(ctx context.Context, id string) (*Task, error) {
	if t, ok := e.tasks[id]; ok {
		return t, nil
	}
	var t Task
	err := e.cfg.StoreRetry.Do(ctx, e.logger, "load task", func() error {
		var err error
		t, err = e.store.Load(ctx, id)
		if errors.Is(err, ErrTaskNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
	if errors.Is(err, ErrTaskNotFound) {
		return nil, fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
	}
	if err != nil {
		return nil, &fault.SystemError{Op: "load task " + id, Err: err}
	}
	e.tasks[id] = &t
	return &t, nil
}

// emit publishes a task.status event. Status events are best effort.
func (e *Engine) emit(ctx context.Context, t Task, reason string) {
	env, err := message.New(e.cfg.AgentID, message.RoleLeader, &message.TaskStatus{
		TaskID:     t.ID,
		Status:     string(t.Status),
		AgentID:    t.AssignedAgentID,
		Priority:   t.Priority,
		RetryCount: t.RetryCount,
		Reason:     reason,
		Result:     t.Result,
	})
	if err == nil {
		_, err = e.pub.Publish(ctx, transport.Status(env.RoutingKey()), env, transport.PublishOptions{})
	}
	if err != nil {
		e.logger.Warn("status event not published", zap.String("task", t.ID), zap.Error(err))
	}
}
