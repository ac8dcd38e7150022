package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-hive/internal/message"
	"github.com/nidhogg/nuka-hive/internal/transport"
)

// Decider produces this agent's ballot for a vote request. A nil ballot
// abstains.
type Decider interface {
	Decide(ctx context.Context, req message.VoteRequest) (json.RawMessage, error)
}

// DeciderFunc adapts a function to Decider.
type DeciderFunc func(ctx context.Context, req message.VoteRequest) (json.RawMessage, error)

func (f DeciderFunc) Decide(ctx context.Context, req message.VoteRequest) (json.RawMessage, error) {
	return f(ctx, req)
}

// IdeaSink receives brainstorm contributions.
type IdeaSink interface {
	Idea(ctx context.Context, from string, idea message.BrainstormIdea)
}

// Collaborator answers vote requests and collects ideas from the broadcast
// channel.
type Collaborator struct {
	rt      *Runtime
	decider Decider
	sink    IdeaSink
	inbox   transport.Destination
	logger  *zap.Logger
}

// NewCollaborator binds a collaborator to rt. sink may be nil.
func NewCollaborator(rt *Runtime, decider Decider, sink IdeaSink, inbox string) (*Collaborator, error) {
	if inbox == "" {
		inbox = DefaultInbox
	}
	c := &Collaborator{
		rt:      rt,
		decider: decider,
		sink:    sink,
		inbox:   transport.Queue(inbox),
		logger:  rt.Logger().With(zap.String("component", "collaborator")),
	}
	handlers := map[message.Type]Handler{
		message.TypeVoteRequest: c.handleRequest,
	}
	if sink != nil {
		handlers[message.TypeBrainstormIdea] = c.handleIdea
	}
	if err := rt.Bind(transport.Broadcast(), transport.ConsumeOptions{}, handlers); err != nil {
		return nil, err
	}
	return c, nil
}

// Share broadcasts an idea to every collaborator.
func (c *Collaborator) Share(ctx context.Context, topic, idea string) error {
	return c.rt.Send(ctx, transport.Broadcast(), &message.BrainstormIdea{Topic: topic, Idea: idea}, transport.PublishOptions{})
}

func (c *Collaborator) handleRequest(ctx context.Context, env message.Envelope) error {
	body, err := env.Body()
	if err != nil {
		return err
	}
	req := *body.(*message.VoteRequest)

	ballot, err := c.decider.Decide(ctx, req)
	if err != nil {
		c.logger.Warn("no ballot", zap.String("session", req.SessionID), zap.Error(err))
		return nil
	}
	if ballot == nil {
		c.logger.Debug("abstaining", zap.String("session", req.SessionID))
		return nil
	}
	cast := &message.VoteCast{SessionID: req.SessionID, Vote: ballot}
	if err := c.rt.Send(ctx, c.inbox, cast, transport.PublishOptions{Persistent: true}); err != nil {
		return fmt.Errorf("cast vote in %s: %w", req.SessionID, err)
	}
	c.logger.Debug("vote cast", zap.String("session", req.SessionID))
	return nil
}

func (c *Collaborator) handleIdea(ctx context.Context, env message.Envelope) error {
	if env.SenderID == c.rt.ID() {
		return nil
	}
	body, err := env.Body()
	if err != nil {
		return err
	}
	c.sink.Idea(ctx, env.SenderID, *body.(*message.BrainstormIdea))
	return nil
}
