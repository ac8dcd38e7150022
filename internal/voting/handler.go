package voting

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-hive/internal/message"
)

// Handle applies a vote.cast received on the leader inbox. Casts for
// unknown or closed sessions are dropped; redelivering them cannot help.
func (e *Engine) Handle(ctx context.Context, env message.Envelope) error {
	body, err := env.Body()
	if err != nil {
		return err
	}
	p, ok := body.(*message.VoteCast)
	if !ok {
		return fmt.Errorf("voting engine cannot handle %s", env.Type)
	}
	err = e.CastVote(ctx, p.SessionID, env.SenderID, p.Vote)
	if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrSessionClosed) {
		e.logger.Info("late vote dropped",
			zap.String("session", p.SessionID),
			zap.String("agent", env.SenderID),
			zap.Error(err))
		return nil
	}
	return err
}
