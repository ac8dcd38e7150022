package voting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-hive/internal/audit"
	"github.com/nidhogg/nuka-hive/internal/fault"
	"github.com/nidhogg/nuka-hive/internal/message"
	"github.com/nidhogg/nuka-hive/internal/metrics"
	"github.com/nidhogg/nuka-hive/internal/policy"
	"github.com/nidhogg/nuka-hive/internal/transport"
)

// ErrForbidden is returned when the initiator may not open sessions.
var ErrForbidden = errors.New("not authorized")

// Publisher is the part of the transport the engine needs.
type Publisher interface {
	Publish(ctx context.Context, dest transport.Destination, env message.Envelope, opts transport.PublishOptions) (transport.Ack, error)
}

// Expertise tells whether an agent counts as an expert.
type Expertise interface {
	IsExpert(agentID string) bool
}

type noExperts struct{}

func (noExperts) IsExpert(string) bool { return false }

// Config tunes the engine.
type Config struct {
	// AgentID is the sender of vote.request and vote.result broadcasts.
	AgentID string
}

type session struct {
	mu      sync.Mutex
	info    Session
	ballots map[string]*Ballot
	seq     int
	result  *Result
}

// Engine runs vote sessions. A session's ballots and result change only
// after the audit trail has accepted them.
type Engine struct {
	pub       Publisher
	trail     *audit.Trail
	authz     policy.Authorizer
	expertise Expertise
	metrics   *metrics.Collector
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewEngine creates a voting engine writing to trail.
func NewEngine(pub Publisher, trail *audit.Trail, cfg Config, logger *zap.Logger) *Engine {
	if cfg.AgentID == "" {
		cfg.AgentID = "leader"
	}
	return &Engine{
		pub:       pub,
		trail:     trail,
		authz:     policy.AllowAll{},
		expertise: noExperts{},
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "voting")),
		now:       func() time.Time { return time.Now().UTC() },
		sessions:  make(map[string]*session),
	}
}

// SetAuthorizer replaces the default allow-all authorizer.
func (e *Engine) SetAuthorizer(a policy.Authorizer) { e.authz = a }

// SetExpertise sets who counts as an expert for quorum and tie-breaks.
func (e *Engine) SetExpertise(x Expertise) { e.expertise = x }

// SetMetrics attaches a collector.
func (e *Engine) SetMetrics(m *metrics.Collector) { e.metrics = m }

// InitiateSession opens a session and invites collaborators to it. The
// invitation is best effort; the session exists once it is audited.
func (e *Engine) InitiateSession(ctx context.Context, req Request) (Session, error) {
	if err := req.normalize(); err != nil {
		return Session{}, err
	}
	if !e.authz.Authorize(ctx, req.InitiatorID, policy.ActionVoteInitiate, req.Topic) {
		return Session{}, fmt.Errorf("agent %q may not open sessions: %w", req.InitiatorID, ErrForbidden)
	}
	if req.References != "" {
		if _, err := e.Get(req.References); err != nil {
			return Session{}, fault.Invalid("references", "unknown session %q", req.References)
		}
	}

	now := e.now()
	s := &session{
		info: Session{
			ID:                   uuid.NewString(),
			Topic:                req.Topic,
			Options:              slices.Clone(req.Options),
			Algorithm:            req.Algorithm,
			Quorum:               req.Quorum,
			ExpectedParticipants: req.ExpectedParticipants,
			Threshold:            req.Threshold,
			Budget:               req.Budget,
			InitiatorID:          req.InitiatorID,
			References:           req.References,
			Status:               StatusOpen,
			CreatedAt:            now,
		},
		ballots: make(map[string]*Ballot),
	}

	params, err := json.Marshal(s.info)
	if err != nil {
		return Session{}, fmt.Errorf("encode session: %w", err)
	}
	if _, err := e.trail.RecordOpen(ctx, s.info.ID, req.InitiatorID, params, now); err != nil {
		return Session{}, &fault.SystemError{Op: "audit session open", Err: err}
	}

	e.mu.Lock()
	e.sessions[s.info.ID] = s
	e.mu.Unlock()

	e.logger.Info("vote session opened",
		zap.String("session", s.info.ID),
		zap.String("topic", s.info.Topic),
		zap.String("algorithm", string(s.info.Algorithm)),
		zap.Strings("options", s.info.Options))

	e.broadcast(ctx, s.info.ID, &message.VoteRequest{
		SessionID: s.info.ID,
		Topic:     s.info.Topic,
		Options:   s.info.Options,
		Algorithm: string(s.info.Algorithm),
		Budget:    s.info.Budget,
	})
	return s.snapshot(), nil
}

// CastVote validates payload and records it as agentID's ballot, replacing
// any earlier one. Nothing changes unless the audit trail accepts the cast.
func (e *Engine) CastVote(ctx context.Context, sessionID, agentID string, payload json.RawMessage) error {
	if agentID == "" {
		return fault.Invalid("agent_id", "must not be empty")
	}
	s, err := e.lookup(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.info.Status != StatusOpen {
		return fmt.Errorf("%w: %w", ErrSessionClosed, fault.Invalid("session", "%s is %s", sessionID, s.info.Status))
	}
	b, err := parseBallot(&s.info, payload)
	if err != nil {
		return err
	}

	at := e.now()
	if _, err := e.trail.RecordVote(ctx, sessionID, agentID, b.Raw, at); err != nil {
		return &fault.SystemError{Op: "audit vote", Err: err}
	}

	s.seq++
	b.AgentID = agentID
	b.CastAt = at
	b.Seq = s.seq
	_, replaced := s.ballots[agentID]
	s.ballots[agentID] = &b
	s.info.Votes = len(s.ballots)

	e.metrics.VoteCast(string(s.info.Algorithm))
	e.logger.Debug("vote cast",
		zap.String("session", sessionID),
		zap.String("agent", agentID),
		zap.Bool("replaced", replaced))
	return nil
}

// CloseSession tallies the session once and returns the same result on
// every later call.
func (e *Engine) CloseSession(ctx context.Context, sessionID string) (Result, error) {
	s, err := e.lookup(sessionID)
	if err != nil {
		return Result{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.result != nil {
		return *s.result, nil
	}

	now := e.now()
	res := e.decide(&s.info, s.liveBallots())
	res.ClosedAt = now

	raw, err := json.Marshal(res)
	if err != nil {
		return Result{}, fmt.Errorf("encode result: %w", err)
	}
	if _, err := e.trail.RecordResult(ctx, sessionID, raw, now); err != nil {
		return Result{}, &fault.SystemError{Op: "audit session result", Err: err}
	}

	s.result = &res
	s.info.Status = res.Outcome.status()
	s.info.ClosedAt = &now

	e.metrics.SessionClosed(string(res.Algorithm), string(res.Outcome))
	e.logger.Info("vote session closed",
		zap.String("session", sessionID),
		zap.String("outcome", string(res.Outcome)),
		zap.String("winner", res.Winner),
		zap.String("tie_break", res.TieBreak),
		zap.Int("participants", res.Participants))

	e.broadcast(ctx, sessionID, &message.VoteResult{
		SessionID:        sessionID,
		Outcome:          string(res.Outcome),
		Winner:           res.Winner,
		WinnerPercentage: res.WinnerPercentage,
	})
	return res, nil
}

// decide computes the single outcome of a session from its live ballots.
func (e *Engine) decide(s *Session, ballots []*Ballot) Result {
	res := Result{
		SessionID:    s.ID,
		Algorithm:    s.Algorithm,
		Participants: len(ballots),
		References:   s.References,
		Quorum:       checkQuorum(s.Quorum, s.ExpectedParticipants, ballots, e.expertise.IsExpert),
	}
	if !res.Quorum.Met {
		res.Outcome = OutcomeNoQuorum
		return res
	}

	t := aggregate(s, ballots)
	res.Scores = t.scores
	res.AverageConfidence = t.avgConf
	res.Rounds = t.rounds

	switch {
	case t.noConsensus || len(t.leaders) == 0:
		res.Outcome = OutcomeNoConsensus
	case len(t.leaders) == 1:
		res.Outcome = OutcomeWinner
		res.Winner = t.leaders[0]
	case s.Algorithm == ConsensusThreshold:
		// A shared maximum is not a consensus.
		res.Outcome = OutcomeNoConsensus
		res.Tied = t.leaders
	default:
		res.Outcome = OutcomeWinner
		res.Tied = t.leaders
		res.Winner, res.TieBreak = breakTie(s, ballots, t.leaders, e.expertise.IsExpert)
	}
	if res.Outcome == OutcomeWinner {
		res.WinnerPercentage = t.share
	}
	return res
}

// Get returns a session snapshot.
func (e *Engine) Get(sessionID string) (Session, error) {
	s, err := e.lookup(sessionID)
	if err != nil {
		return Session{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(), nil
}

// Result returns the cached result of a closed session.
func (e *Engine) Result(sessionID string) (Result, error) {
	s, err := e.lookup(sessionID)
	if err != nil {
		return Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return Result{}, fmt.Errorf("session %s is still open", sessionID)
	}
	return *s.result, nil
}

// List returns every session, newest first.
func (e *Engine) List() []Session {
	e.mu.RLock()
	all := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		all = append(all, s)
	}
	e.mu.RUnlock()

	out := make([]Session, 0, len(all))
	for _, s := range all {
		s.mu.Lock()
		out = append(out, s.snapshot())
		s.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b Session) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

func (e *Engine) lookup(sessionID string) (*session, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	return s, nil
}

func (e *Engine) broadcast(ctx context.Context, sessionID string, p message.Payload) {
	env, err := message.New(e.cfg.AgentID, message.RoleLeader, p)
	if err == nil {
		_, err = e.pub.Publish(ctx, transport.Broadcast(), env, transport.PublishOptions{})
	}
	if err != nil {
		e.logger.Warn("vote broadcast not published",
			zap.String("session", sessionID),
			zap.String("type", string(p.Type())),
			zap.Error(err))
	}
}

func (s *session) snapshot() Session {
	out := s.info
	out.Options = slices.Clone(s.info.Options)
	if s.info.ClosedAt != nil {
		at := *s.info.ClosedAt
		out.ClosedAt = &at
	}
	return out
}

// liveBallots returns the current ballot of each agent in cast order.
func (s *session) liveBallots() []*Ballot {
	out := make([]*Ballot, 0, len(s.ballots))
	for _, b := range s.ballots {
		out = append(out, b)
	}
	slices.SortFunc(out, func(a, b *Ballot) int { return a.Seq - b.Seq })
	return out
}
