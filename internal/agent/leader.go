package agent

import (
	"context"
	"errors"

	"github.com/nidhogg/nuka-hive/internal/message"
	"github.com/nidhogg/nuka-hive/internal/task"
	"github.com/nidhogg/nuka-hive/internal/transport"
)

// LeaderComponents are the engines the leader's inbox and status feed are
// routed to.
type LeaderComponents struct {
	Tasks     EnvelopeHandler
	Votes     EnvelopeHandler
	Directory EnvelopeHandler
}

// BindLeader routes the inbox to the task and voting engines and every
// agent status event to the directory.
func BindLeader(rt *Runtime, inbox string, prefetch int, c LeaderComponents) error {
	if inbox == "" {
		inbox = DefaultInbox
	}
	if prefetch <= 0 {
		prefetch = 16
	}

	tasks := func(ctx context.Context, env message.Envelope) error {
		err := c.Tasks.Handle(ctx, env)
		if errors.Is(err, task.ErrTaskNotFound) {
			return Reject(err)
		}
		return err
	}
	inboxHandlers := make(map[message.Type]Handler)
	for _, t := range task.HandledTypes {
		inboxHandlers[t] = tasks
	}
	if c.Votes != nil {
		inboxHandlers[message.TypeVoteCast] = c.Votes.Handle
	}
	if err := rt.Bind(transport.Queue(inbox), transport.ConsumeOptions{Group: inbox, Prefetch: prefetch}, inboxHandlers); err != nil {
		return err
	}

	statusHandlers := make(map[message.Type]Handler)
	for _, t := range HandledTypes {
		statusHandlers[t] = c.Directory.Handle
	}
	return rt.Bind(transport.Status("*"), transport.ConsumeOptions{}, statusHandlers)
}
