package voting

import "github.com/nidhogg/nuka-hive/internal/fault"

// QuorumKind selects what a quorum counts.
type QuorumKind string

const (
	QuorumParticipation QuorumKind = "participation"
	QuorumConfidence    QuorumKind = "confidence"
	QuorumExpertise     QuorumKind = "expertise"
)

// QuorumRule is the minimum a session needs before its tally is valid.
// Only the field matching Kind is read.
type QuorumRule struct {
	Kind             QuorumKind `json:"kind"`
	MinParticipation float64    `json:"min_participation,omitempty"`
	MinConfidence    float64    `json:"min_confidence,omitempty"`
	MinExperts       int        `json:"min_experts,omitempty"`
}

func (q *QuorumRule) normalize(expected int) error {
	if q.Kind == "" {
		q.Kind = QuorumParticipation
	}
	switch q.Kind {
	case QuorumParticipation:
		if q.MinParticipation == 0 {
			q.MinParticipation = DefaultMinParticipation
		}
		if q.MinParticipation < 0 || q.MinParticipation > 1 {
			return fault.Invalid("quorum.min_participation", "%v is outside [0,1]", q.MinParticipation)
		}
		if expected < 1 {
			return fault.Invalid("expected_participants", "a participation quorum needs at least one expected participant")
		}
	case QuorumConfidence:
		if q.MinConfidence < 0 {
			return fault.Invalid("quorum.min_confidence", "must not be negative")
		}
	case QuorumExpertise:
		if q.MinExperts < 0 {
			return fault.Invalid("quorum.min_experts", "must not be negative")
		}
	default:
		return fault.Invalid("quorum.kind", "unknown quorum kind %q", q.Kind)
	}
	return nil
}

// QuorumReport records how a quorum check went.
type QuorumReport struct {
	Kind     QuorumKind `json:"kind"`
	Required float64    `json:"required"`
	Actual   float64    `json:"actual"`
	Met      bool       `json:"met"`
}

// checkQuorum evaluates rule over the live ballots. No ballots never make a
// quorum, whatever the rule.
func checkQuorum(rule QuorumRule, expected int, ballots []*Ballot, isExpert func(string) bool) QuorumReport {
	r := QuorumReport{Kind: rule.Kind}
	switch rule.Kind {
	case QuorumParticipation:
		r.Required = rule.MinParticipation
		if expected > 0 {
			r.Actual = float64(len(ballots)) / float64(expected)
		}
	case QuorumConfidence:
		r.Required = rule.MinConfidence
		for _, b := range ballots {
			r.Actual += b.Confidence
		}
	case QuorumExpertise:
		r.Required = float64(rule.MinExperts)
		for _, b := range ballots {
			if isExpert(b.AgentID) {
				r.Actual++
			}
		}
	}
	r.Met = len(ballots) > 0 && r.Actual >= r.Required
	return r
}
