package task

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-hive/internal/fault"
	"github.com/nidhogg/nuka-hive/internal/message"
	"github.com/nidhogg/nuka-hive/internal/policy"
	"github.com/nidhogg/nuka-hive/internal/transport"
)

type published struct {
	dest transport.Destination
	env  message.Envelope
	opts transport.PublishOptions
}

type recorder struct {
	mu   sync.Mutex
	sent []published
	fail error
}

func (r *recorder) Publish(_ context.Context, dest transport.Destination, env message.Envelope, opts transport.PublishOptions) (transport.Ack, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return transport.Ack{}, r.fail
	}
	r.sent = append(r.sent, published{dest: dest, env: env, opts: opts})
	return transport.Ack{Destination: dest.String()}, nil
}

func (r *recorder) assigns(t *testing.T) []message.TaskAssign {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []message.TaskAssign
	for _, p := range r.sent {
		if p.env.Type != message.TypeTaskAssign {
			continue
		}
		body, err := p.env.Body()
		if err != nil {
			t.Fatalf("decode assign: %v", err)
		}
		out = append(out, *body.(*message.TaskAssign))
	}
	return out
}

func (r *recorder) statuses(t *testing.T, status Status) int {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.sent {
		if p.env.Type != message.TypeTaskStatus {
			continue
		}
		body, _ := p.env.Body()
		if body.(*message.TaskStatus).Status == string(status) {
			n++
		}
	}
	return n
}

type brokenStore struct{ *MemoryStore }

func (*brokenStore) Persist(context.Context, Task) error { return errors.New("connection refused") }

func newTestEngine(t *testing.T, cfg Config) (*Engine, *recorder, *time.Time) {
	t.Helper()
	rec := &recorder{}
	e := NewEngine(rec, NewMemoryStore(), cfg, zap.NewNop())
	clock := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return clock }
	return e, rec, &clock
}

func intPtr(n int) *int { return &n }

func TestSubmitValidation(t *testing.T) {
	e, rec, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	bad := []Spec{
		{Title: "", Priority: 5},
		{Title: "x", Priority: 0},
		{Title: "x", Priority: 11},
		{Title: "x", Priority: 5, MaxRetries: intPtr(-1)},
		{Title: "x", Priority: 5, MaxRetries: intPtr(11)},
		{Title: "x", Priority: 5, Timeout: -time.Second},
		{Title: "x", Priority: 5, Payload: json.RawMessage(`{oops`)},
	}
	for _, spec := range bad {
		_, err := e.SubmitTask(ctx, spec)
		var verr *fault.ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("spec %+v: expected ValidationError, got %v", spec, err)
		}
	}
	if len(rec.sent) != 0 {
		t.Errorf("expected nothing published, got %d messages", len(rec.sent))
	}
}

func TestSubmitEnqueuesOnTier(t *testing.T) {
	e, rec, _ := newTestEngine(t, Config{})
	id, err := e.SubmitTask(context.Background(), Spec{Title: "index repo", Priority: 7, Payload: json.RawMessage(`{"repo":"hive"}`)})
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}

	got, _ := e.Get(context.Background(), id)
	if got.Status != StatusPending || got.Attempt != 1 {
		t.Errorf("expected pending attempt 1, got %s attempt %d", got.Status, got.Attempt)
	}

	assigns := rec.assigns(t)
	if len(assigns) != 1 {
		t.Fatalf("expected 1 assign, got %d", len(assigns))
	}
	if assigns[0].TaskID != id || assigns[0].Priority != 7 {
		t.Errorf("unexpected assign %+v", assigns[0])
	}
	if rec.sent[0].dest != transport.PriorityQueue("tasks") || rec.sent[0].opts.Priority != 7 || !rec.sent[0].opts.Persistent {
		t.Errorf("unexpected publish %+v", rec.sent[0])
	}
}

func TestSubmitIsIdempotentForKnownID(t *testing.T) {
	e, rec, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		id, err := e.SubmitTask(ctx, Spec{ID: "fixed", Title: "x", Priority: 5})
		if err != nil || id != "fixed" {
			t.Fatalf("SubmitTask #%d: id=%q err=%v", i, id, err)
		}
	}
	if n := len(rec.assigns(t)); n != 1 {
		t.Errorf("expected 1 assign, got %d", n)
	}
}

func TestCompleteTaskTwiceIsNoOp(t *testing.T) {
	e, rec, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	id, _ := e.SubmitTask(ctx, Spec{Title: "x", Priority: 5})
	if err := e.Accept(ctx, id, "w1", 1); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	result := json.RawMessage(`{"ok":true}`)
	for i := 0; i < 2; i++ {
		if err := e.CompleteTask(ctx, id, "w1", result); err != nil {
			t.Fatalf("CompleteTask #%d: %v", i, err)
		}
	}
	if n := rec.statuses(t, StatusCompleted); n != 1 {
		t.Errorf("expected one completed transition, got %d", n)
	}
	got, _ := e.Get(ctx, id)
	if got.Status != StatusCompleted || string(got.Result) != `{"ok":true}` {
		t.Errorf("unexpected task %+v", got)
	}

	// A late failure report cannot reopen it.
	if err := e.FailTask(ctx, id, "w2", 1, "late", true); err != nil {
		t.Fatalf("FailTask: %v", err)
	}
	got, _ = e.Get(ctx, id)
	if got.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
}

func TestRetryThenDeadLetter(t *testing.T) {
	e, rec, _ := newTestEngine(t, Config{PriorityBump: 1})
	ctx := context.Background()
	id, _ := e.SubmitTask(ctx, Spec{Title: "flaky", Priority: 9, MaxRetries: intPtr(2)})

	for attempt := 1; attempt <= 3; attempt++ {
		if err := e.Accept(ctx, id, "w1", attempt); err != nil {
			t.Fatalf("Accept: %v", err)
		}
		if err := e.FailTask(ctx, id, "w1", attempt, "boom", true); err != nil {
			t.Fatalf("FailTask: %v", err)
		}
		got, _ := e.Get(ctx, id)
		if got.RetryCount > got.MaxRetries {
			t.Fatalf("retryCount %d exceeds maxRetries %d", got.RetryCount, got.MaxRetries)
		}
	}

	got, _ := e.Get(ctx, id)
	if got.Status != StatusDeadLettered {
		t.Fatalf("expected dead_lettered, got %s", got.Status)
	}
	if got.RetryCount != 2 {
		t.Errorf("expected retryCount 2, got %d", got.RetryCount)
	}

	assigns := rec.assigns(t)
	if len(assigns) != 3 {
		t.Fatalf("expected 3 assigns, got %d", len(assigns))
	}
	wantPriorities := []int{9, 10, 10}
	for i, a := range assigns {
		if a.Priority != wantPriorities[i] || a.Attempt != i+1 {
			t.Errorf("assign %d: priority %d attempt %d", i, a.Priority, a.Attempt)
		}
	}
}

func TestStaleFailureIsIgnored(t *testing.T) {
	e, rec, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	id, _ := e.SubmitTask(ctx, Spec{Title: "x", Priority: 5, MaxRetries: intPtr(3)})

	e.Accept(ctx, id, "w1", 1)
	e.FailTask(ctx, id, "w1", 1, "boom", true)
	// The same report redelivered must not spend a second retry.
	e.FailTask(ctx, id, "w1", 1, "boom", true)

	got, _ := e.Get(ctx, id)
	if got.RetryCount != 1 || got.Attempt != 2 {
		t.Errorf("expected retry 1 attempt 2, got retry %d attempt %d", got.RetryCount, got.Attempt)
	}
	if n := len(rec.assigns(t)); n != 2 {
		t.Errorf("expected 2 assigns, got %d", n)
	}

	// An accept for the superseded attempt is ignored too.
	e.Accept(ctx, id, "w9", 1)
	got, _ = e.Get(ctx, id)
	if got.Status != StatusPending || got.AssignedAgentID != "" {
		t.Errorf("stale accept changed the task: %+v", got)
	}
}

func TestNonRetryableFailureIsFinal(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	id, _ := e.SubmitTask(ctx, Spec{Title: "x", Priority: 5})
	e.Accept(ctx, id, "w1", 1)
	if err := e.FailTask(ctx, id, "w1", 1, "bad input", false); err != nil {
		t.Fatalf("FailTask: %v", err)
	}
	got, _ := e.Get(ctx, id)
	if got.Status != StatusFailed || got.LastError == "" {
		t.Errorf("expected failed with diagnostic, got %+v", got)
	}
}

func TestDeadlineSweepReassigns(t *testing.T) {
	e, rec, clock := newTestEngine(t, Config{PriorityBump: 2})
	ctx := context.Background()
	id, _ := e.SubmitTask(ctx, Spec{Title: "slow", Priority: 5, Timeout: time.Minute, MaxRetries: intPtr(1)})
	e.Accept(ctx, id, "w1", 1)
	e.MarkRunning(ctx, id, "w1")

	got, _ := e.Get(ctx, id)
	if got.Status != StatusInProgress || got.DeadlineAt == nil {
		t.Fatalf("expected in_progress with deadline, got %+v", got)
	}

	e.OnTick(clock.Add(30 * time.Second))
	if got, _ := e.Get(ctx, id); got.Status != StatusInProgress {
		t.Fatalf("reassigned before deadline: %s", got.Status)
	}

	e.OnTick(clock.Add(2 * time.Minute))
	got, _ = e.Get(ctx, id)
	if got.Status != StatusPending || got.RetryCount != 1 || got.Priority != 7 {
		t.Errorf("expected pending retry 1 priority 7, got %s retry %d priority %d", got.Status, got.RetryCount, got.Priority)
	}
	if n := len(rec.assigns(t)); n != 2 {
		t.Errorf("expected re-publish, got %d assigns", n)
	}

	e.Accept(ctx, id, "w2", 2)
	e.OnTick(clock.Add(10 * time.Minute))
	got, _ = e.Get(ctx, id)
	if got.Status != StatusDeadLettered {
		t.Errorf("expected dead_lettered after second deadline, got %s", got.Status)
	}
}

func TestReassignAgent(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{DefaultMaxRetries: 3})
	ctx := context.Background()
	a, _ := e.SubmitTask(ctx, Spec{Title: "a", Priority: 5})
	b, _ := e.SubmitTask(ctx, Spec{Title: "b", Priority: 5})
	e.Accept(ctx, a, "lost", 1)
	e.Accept(ctx, b, "alive", 1)

	if err := e.ReassignAgent(ctx, "lost"); err != nil {
		t.Fatalf("ReassignAgent: %v", err)
	}
	if got, _ := e.Get(ctx, a); got.Status != StatusPending || got.RetryCount != 1 {
		t.Errorf("task a: %s retry %d", got.Status, got.RetryCount)
	}
	if got, _ := e.Get(ctx, b); got.Status != StatusAssigned || got.AssignedAgentID != "alive" {
		t.Errorf("task b should be untouched, got %s on %q", got.Status, got.AssignedAgentID)
	}
}

type denyAll struct{}

func (denyAll) Authorize(context.Context, string, policy.Action, string) bool { return false }

func TestOverride(t *testing.T) {
	e, rec, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	id, _ := e.SubmitTask(ctx, Spec{Title: "x", Priority: 5})
	e.Accept(ctx, id, "w1", 1)

	if err := e.Override(ctx, "lead", id); err != nil {
		t.Fatalf("Override: %v", err)
	}
	got, _ := e.Get(ctx, id)
	if got.Status != StatusPending || got.RetryCount != 0 || got.Attempt != 2 {
		t.Errorf("unexpected task after override: %+v", got)
	}
	if n := len(rec.assigns(t)); n != 2 {
		t.Errorf("expected 2 assigns, got %d", n)
	}

	e.SetAuthorizer(denyAll{})
	e.Accept(ctx, id, "w2", 2)
	if err := e.Override(ctx, "w2", id); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
}

func TestStoreFailureSurfacesSystemError(t *testing.T) {
	rec := &recorder{}
	e := NewEngine(rec, &brokenStore{MemoryStore: NewMemoryStore()}, Config{}, zap.NewNop())
	_, err := e.SubmitTask(context.Background(), Spec{Title: "x", Priority: 5})
	var serr *fault.SystemError
	if !errors.As(err, &serr) {
		t.Fatalf("expected SystemError, got %v", err)
	}
	if len(rec.sent) != 0 {
		t.Errorf("nothing should be published when persistence fails")
	}
}

func TestPublishFailureFailsTask(t *testing.T) {
	e, rec, _ := newTestEngine(t, Config{})
	rec.fail = errors.New("broker down")
	id, err := e.SubmitTask(context.Background(), Spec{Title: "x", Priority: 5})
	if err == nil {
		t.Fatal("expected error")
	}
	got, gerr := e.Get(context.Background(), id)
	if gerr != nil {
		t.Fatalf("Get: %v", gerr)
	}
	if got.Status != StatusFailed || got.LastError == "" {
		t.Errorf("expected failed with diagnostic, got %+v", got)
	}
}

func TestRetentionArchivesFromCache(t *testing.T) {
	e, _, clock := newTestEngine(t, Config{Retention: time.Hour})
	ctx := context.Background()
	id, _ := e.SubmitTask(ctx, Spec{Title: "x", Priority: 5})
	e.CompleteTask(ctx, id, "w1", nil)

	e.OnTick(clock.Add(2 * time.Hour))
	if n := e.Counts()[StatusCompleted]; n != 0 {
		t.Errorf("expected archived task to leave the cache, counts=%v", e.Counts())
	}
	// The store still has it.
	if got, err := e.Get(ctx, id); err != nil || got.Status != StatusCompleted {
		t.Errorf("expected completed task from store, got %+v, %v", got, err)
	}
}

func TestHandleInboxMessages(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	submit, _ := message.New("coord", message.RoleCoordinator, &message.TaskSubmit{TaskID: "t1", Title: "x", Priority: 4})
	if err := e.Handle(ctx, submit); err != nil {
		t.Fatalf("Handle submit: %v", err)
	}
	accept, _ := message.New("w1", message.RoleWorker, &message.TaskAccept{TaskID: "t1", Attempt: 1})
	if err := e.Handle(ctx, accept); err != nil {
		t.Fatalf("Handle accept: %v", err)
	}
	done, _ := message.New("w1", message.RoleWorker, &message.TaskComplete{TaskID: "t1", Attempt: 1})
	if err := e.Handle(ctx, done); err != nil {
		t.Fatalf("Handle complete: %v", err)
	}

	got, _ := e.Get(ctx, "t1")
	if got.Status != StatusCompleted || got.SubmittedBy != "coord" || got.AssignedAgentID != "w1" {
		t.Errorf("unexpected task %+v", got)
	}

	if _, err := e.Get(ctx, "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestTransition(t *testing.T) {
	if err := Transition(StatusPending, StatusAssigned); err != nil {
		t.Errorf("pending → assigned: %v", err)
	}
	if err := Transition(StatusCompleted, StatusPending); err == nil {
		t.Error("completed → pending should be rejected")
	}
	if err := Transition(StatusPending, StatusInProgress); err == nil {
		t.Error("pending → in_progress should be rejected")
	}
}

func TestRetryTaskReplaysDeadLetter(t *testing.T) {
	e, rec, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	id, _ := e.SubmitTask(ctx, Spec{Title: "sync", Priority: 6, MaxRetries: intPtr(0), Timeout: time.Minute})
	e.Accept(ctx, id, "w1", 1)
	if err := e.ReassignAgent(ctx, "w1"); err != nil {
		t.Fatalf("ReassignAgent: %v", err)
	}
	if got, _ := e.Get(ctx, id); got.Status != StatusDeadLettered {
		t.Fatalf("expected dead_lettered, got %s", got.Status)
	}

	newID, err := e.RetryTask(ctx, "ops", id)
	if err != nil {
		t.Fatalf("RetryTask: %v", err)
	}
	got, _ := e.Get(ctx, newID)
	if newID == id || got.Status != StatusPending || got.Timeout != time.Minute || got.MaxRetries != 0 {
		t.Errorf("unexpected replay %+v", got)
	}
	if n := len(rec.assigns(t)); n != 2 {
		t.Errorf("expected the replay to be published, got %d assigns", n)
	}

	var verr *fault.ValidationError
	if _, err := e.RetryTask(ctx, "ops", newID); !errors.As(err, &verr) {
		t.Errorf("retrying a pending task should be rejected, got %v", err)
	}
}

func TestSubmitBatchIsAllOrNothingOnValidation(t *testing.T) {
	e, rec, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	_, err := e.SubmitBatch(ctx, []Spec{{Title: "a", Priority: 5}, {Title: "", Priority: 5}})
	var verr *fault.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if n := len(rec.assigns(t)); n != 0 {
		t.Fatalf("invalid batch published %d assigns", n)
	}

	ids, err := e.SubmitBatch(ctx, []Spec{{Title: "a", Priority: 5}, {Title: "b", Priority: 2}})
	if err != nil || len(ids) != 2 {
		t.Fatalf("SubmitBatch: %v, %v", ids, err)
	}
	if _, err := e.SubmitBatch(ctx, make([]Spec, MaxBatch+1)); !errors.As(err, &verr) {
		t.Errorf("expected oversized batch to be rejected, got %v", err)
	}
}
