package task

import (
	"context"
	"fmt"
	"time"

	"github.com/nidhogg/nuka-hive/internal/message"
)

// HandledTypes are the inbox message types Handle understands.
var HandledTypes = []message.Type{
	message.TypeTaskSubmit,
	message.TypeTaskAccept,
	message.TypeTaskComplete,
	message.TypeTaskFail,
}

// Handle applies a task message received on the leader inbox.
func (e *Engine) Handle(ctx context.Context, env message.Envelope) error {
	body, err := env.Body()
	if err != nil {
		return err
	}
	switch p := body.(type) {
	case *message.TaskSubmit:
		_, err := e.SubmitTask(ctx, Spec{
			ID:          p.TaskID,
			Title:       p.Title,
			Payload:     p.Payload,
			Priority:    p.Priority,
			MaxRetries:  p.MaxRetries,
			Timeout:     time.Duration(p.TimeoutMS) * time.Millisecond,
			SubmittedBy: env.SenderID,
		})
		return err
	case *message.TaskAccept:
		return e.Accept(ctx, p.TaskID, env.SenderID, p.Attempt)
	case *message.TaskComplete:
		return e.CompleteTask(ctx, p.TaskID, env.SenderID, p.Result)
	case *message.TaskFail:
		return e.FailTask(ctx, p.TaskID, env.SenderID, p.Attempt, p.Reason, p.Retryable)
	}
	return fmt.Errorf("task engine cannot handle %s", env.Type)
}
