// Package voting runs vote sessions: it collects ballots, checks quorum,
// aggregates with one of five algorithms and breaks exact ties. Every cast
// and every result goes to the audit trail before it counts.
package voting

import (
	"errors"
	"strings"
	"time"

	"github.com/nidhogg/nuka-hive/internal/fault"
)

// Algorithm selects how ballots are aggregated.
type Algorithm string

const (
	SimpleMajority     Algorithm = "simple_majority"
	ConfidenceWeighted Algorithm = "confidence_weighted"
	Quadratic          Algorithm = "quadratic"
	ConsensusThreshold Algorithm = "consensus_threshold"
	RankedChoice       Algorithm = "ranked_choice"
)

// Valid reports whether a is a known algorithm.
func (a Algorithm) Valid() bool {
	switch a {
	case SimpleMajority, ConfidenceWeighted, Quadratic, ConsensusThreshold, RankedChoice:
		return true
	}
	return false
}

// Status is a session's lifecycle state.
type Status string

const (
	StatusOpen              Status = "open"
	StatusClosed            Status = "closed"
	StatusConsensusAchieved Status = "consensus_achieved"
	StatusNoConsensus       Status = "no_consensus"
)

// Outcome is the single verdict of a closed session.
type Outcome string

const (
	OutcomeWinner      Outcome = "winner"
	OutcomeNoConsensus Outcome = "no_consensus"
	OutcomeNoQuorum    Outcome = "no_quorum"
)

// status maps an outcome to the session status it leaves behind.
func (o Outcome) status() Status {
	switch o {
	case OutcomeWinner:
		return StatusConsensusAchieved
	case OutcomeNoConsensus:
		return StatusNoConsensus
	}
	return StatusClosed
}

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionClosed   = errors.New("session is closed")
)

// Defaults applied when a request leaves them zero.
const (
	DefaultBudget           = 100.0
	DefaultThreshold        = 0.75
	DefaultMinParticipation = 0.5
)

// Request opens a session.
type Request struct {
	Topic                string     `json:"topic"`
	Options              []string   `json:"options"`
	Algorithm            Algorithm  `json:"algorithm"`
	Quorum               QuorumRule `json:"quorum"`
	ExpectedParticipants int        `json:"expected_participants"`
	Threshold            float64    `json:"threshold,omitempty"`
	Budget               float64    `json:"budget,omitempty"`
	InitiatorID          string     `json:"initiator_id,omitempty"`
	References           string     `json:"references,omitempty"`
}

func (r *Request) normalize() error {
	r.Topic = strings.TrimSpace(r.Topic)
	if r.Topic == "" {
		return fault.Invalid("topic", "must not be empty")
	}
	if len(r.Options) < 2 {
		return fault.Invalid("options", "need at least two, got %d", len(r.Options))
	}
	seen := make(map[string]bool, len(r.Options))
	for _, o := range r.Options {
		if strings.TrimSpace(o) == "" {
			return fault.Invalid("options", "empty option")
		}
		if seen[o] {
			return fault.Invalid("options", "duplicate option %q", o)
		}
		seen[o] = true
	}
	if !r.Algorithm.Valid() {
		return fault.Invalid("algorithm", "unknown algorithm %q", r.Algorithm)
	}
	if r.ExpectedParticipants < 0 {
		return fault.Invalid("expected_participants", "must not be negative")
	}
	if r.Threshold == 0 {
		r.Threshold = DefaultThreshold
	}
	if r.Threshold <= 0 || r.Threshold > 1 {
		return fault.Invalid("threshold", "%v is outside (0,1]", r.Threshold)
	}
	if r.Budget == 0 {
		r.Budget = DefaultBudget
	}
	if r.Budget < 0 {
		return fault.Invalid("budget", "must be positive")
	}
	return r.Quorum.normalize(r.ExpectedParticipants)
}

// Session is the public view of a vote session.
type Session struct {
	ID                   string     `json:"id"`
	Topic                string     `json:"topic"`
	Options              []string   `json:"options"`
	Algorithm            Algorithm  `json:"algorithm"`
	Quorum               QuorumRule `json:"quorum"`
	ExpectedParticipants int        `json:"expected_participants"`
	Threshold            float64    `json:"threshold"`
	Budget               float64    `json:"budget"`
	InitiatorID          string     `json:"initiator_id,omitempty"`
	References           string     `json:"references,omitempty"`
	Status               Status     `json:"status"`
	Votes                int        `json:"votes"`
	CreatedAt            time.Time  `json:"created_at"`
	ClosedAt             *time.Time `json:"closed_at,omitempty"`
}

// Round is one instant-runoff round.
type Round struct {
	Number     int                `json:"number"`
	Tally      map[string]float64 `json:"tally"`
	Active     int                `json:"active"`
	Eliminated string             `json:"eliminated,omitempty"`
}

// Result is the cached, audited decision of a closed session. Exactly one
// outcome holds; Winner is set only for OutcomeWinner.
type Result struct {
	SessionID         string             `json:"session_id"`
	Algorithm         Algorithm          `json:"algorithm"`
	Outcome           Outcome            `json:"outcome"`
	Winner            string             `json:"winner,omitempty"`
	WinnerPercentage  float64            `json:"winner_percentage,omitempty"`
	Scores            map[string]float64 `json:"scores,omitempty"`
	AverageConfidence float64            `json:"average_confidence,omitempty"`
	Participants      int                `json:"participants"`
	Quorum            QuorumReport       `json:"quorum"`
	Tied              []string           `json:"tied,omitempty"`
	TieBreak          string             `json:"tie_break,omitempty"`
	Rounds            []Round            `json:"rounds,omitempty"`
	References        string             `json:"references,omitempty"`
	ClosedAt          time.Time          `json:"closed_at"`
}
