package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-hive/internal/fault"
	"github.com/nidhogg/nuka-hive/internal/message"
	"github.com/nidhogg/nuka-hive/internal/transport"
)

// Executor runs one task attempt. Returning a *fault.TaskExecutionError
// with Retryable false fails the task for good; any other error is retried.
type Executor interface {
	Execute(ctx context.Context, t message.TaskAssign) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, t message.TaskAssign) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, t message.TaskAssign) (json.RawMessage, error) {
	return f(ctx, t)
}

// Worker consumes task assignments one at a time.
type Worker struct {
	rt     *Runtime
	exec   Executor
	queue  transport.Destination
	inbox  transport.Destination
	logger *zap.Logger

	mu        sync.Mutex
	running   string
	cancelRun context.CancelCauseFunc
}

var errCancelled = errors.New("cancelled by leader")

// NewWorker binds a worker to rt. queue and inbox default to the shared
// names.
func NewWorker(rt *Runtime, exec Executor, queue, inbox string) (*Worker, error) {
	if queue == "" {
		queue = DefaultTaskQueue
	}
	if inbox == "" {
		inbox = DefaultInbox
	}
	w := &Worker{
		rt:     rt,
		exec:   exec,
		queue:  transport.PriorityQueue(queue),
		inbox:  transport.Queue(inbox),
		logger: rt.Logger().With(zap.String("component", "worker")),
	}
	if err := rt.Bind(w.queue, transport.ConsumeOptions{Group: queue, Prefetch: 1}, map[message.Type]Handler{
		message.TypeTaskAssign: w.handleAssign,
	}); err != nil {
		return nil, err
	}
	if err := rt.Bind(transport.Broadcast(), transport.ConsumeOptions{}, map[message.Type]Handler{
		message.TypeTaskCancel: w.handleCancel,
	}); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Worker) handleAssign(ctx context.Context, env message.Envelope) error {
	body, err := env.Body()
	if err != nil {
		return err
	}
	t := *body.(*message.TaskAssign)

	if err := w.rt.Begin(t.TaskID); err != nil {
		return err
	}
	defer w.rt.End()

	if err := w.rt.Send(ctx, w.inbox, &message.TaskAccept{TaskID: t.TaskID, Attempt: t.Attempt}, transport.PublishOptions{Persistent: true}); err != nil {
		return fmt.Errorf("accept task %s: %w", t.TaskID, err)
	}
	if err := w.rt.Beat(ctx); err != nil {
		w.logger.Debug("heartbeat after accept not published", zap.Error(err))
	}

	result, execErr := w.run(ctx, t)

	var report message.Payload
	if execErr == nil {
		report = &message.TaskComplete{TaskID: t.TaskID, Attempt: t.Attempt, Result: result}
		w.logger.Info("task completed", zap.String("task", t.TaskID), zap.Int("attempt", t.Attempt))
	} else {
		retryable := true
		var te *fault.TaskExecutionError
		if errors.As(execErr, &te) {
			retryable = te.Retryable
		}
		if errors.Is(execErr, errCancelled) {
			retryable = false
		}
		report = &message.TaskFail{TaskID: t.TaskID, Attempt: t.Attempt, Reason: execErr.Error(), Retryable: retryable}
		w.logger.Warn("task failed",
			zap.String("task", t.TaskID),
			zap.Int("attempt", t.Attempt),
			zap.Bool("retryable", retryable),
			zap.Error(execErr))
	}
	if err := w.rt.Send(ctx, w.inbox, report, transport.PublishOptions{Persistent: true}); err != nil {
		return fmt.Errorf("report task %s: %w", t.TaskID, err)
	}
	return nil
}

// run executes t under its timeout and a cancel hook. A panic becomes a
// retryable execution error.
func (w *Worker) run(ctx context.Context, t message.TaskAssign) (result json.RawMessage, err error) {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if t.TimeoutMS > 0 {
		var stop context.CancelFunc
		runCtx, stop = context.WithTimeout(runCtx, time.Duration(t.TimeoutMS)*time.Millisecond)
		defer stop()
	}

	w.mu.Lock()
	w.running, w.cancelRun = t.TaskID, cancel
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running, w.cancelRun = "", nil
		w.mu.Unlock()
	}()

	defer func() {
		if p := recover(); p != nil {
			err = &fault.TaskExecutionError{
				TaskID:    t.TaskID,
				AgentID:   w.rt.ID(),
				Reason:    fmt.Sprintf("executor panicked: %v", p),
				Retryable: true,
			}
		}
	}()

	result, err = w.exec.Execute(runCtx, t)
	if err != nil && errors.Is(context.Cause(runCtx), errCancelled) {
		err = fmt.Errorf("%w: %w", errCancelled, err)
	}
	return result, err
}

func (w *Worker) handleCancel(_ context.Context, env message.Envelope) error {
	body, err := env.Body()
	if err != nil {
		return err
	}
	c := body.(*message.TaskCancel)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running != c.TaskID || w.cancelRun == nil {
		return nil
	}
	w.logger.Info("cancelling running task", zap.String("task", c.TaskID), zap.String("reason", c.Reason))
	w.cancelRun(errCancelled)
	return nil
}
