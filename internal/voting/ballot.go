package voting

import (
	"bytes"
	"encoding/json"
	"math"
	"slices"
	"time"

	"github.com/nidhogg/nuka-hive/internal/fault"
)

// Ballot is one agent's live vote in a session. A later cast by the same
// agent replaces it.
type Ballot struct {
	AgentID    string
	Choice     string
	Confidence float64
	Allocation map[string]float64
	Rankings   []string
	Raw        json.RawMessage
	CastAt     time.Time
	Seq        int
}

type ballotBody struct {
	Choice     string             `json:"choice"`
	Confidence *float64           `json:"confidence"`
	Allocation map[string]float64 `json:"allocation"`
	Rankings   []string           `json:"rankings"`
}

// parseBallot validates raw against the session's algorithm. Plain choices
// may be a bare JSON string or {"choice": ...}; a missing confidence counts
// as 1.
func parseBallot(s *Session, raw json.RawMessage) (Ballot, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Ballot{}, fault.Invalid("payload", "empty ballot")
	}

	var body ballotBody
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &body.Choice); err != nil {
			return Ballot{}, fault.Invalid("payload", "malformed choice: %v", err)
		}
	} else {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&body); err != nil {
			return Ballot{}, fault.Invalid("payload", "malformed ballot: %v", err)
		}
	}

	b := Ballot{Raw: raw, Confidence: 1}
	if body.Confidence != nil {
		c := *body.Confidence
		if math.IsNaN(c) || c < 0 || c > 1 {
			return Ballot{}, fault.Invalid("confidence", "%v is outside [0,1]", c)
		}
		b.Confidence = c
	}

	switch s.Algorithm {
	case SimpleMajority, ConsensusThreshold:
		if err := knownChoice(s, body.Choice); err != nil {
			return Ballot{}, err
		}
		b.Choice = body.Choice
	case ConfidenceWeighted:
		if err := knownChoice(s, body.Choice); err != nil {
			return Ballot{}, err
		}
		if body.Confidence == nil {
			return Ballot{}, fault.Invalid("confidence", "required for %s", s.Algorithm)
		}
		b.Choice = body.Choice
	case Quadratic:
		if len(body.Allocation) == 0 {
			return Ballot{}, fault.Invalid("allocation", "required for %s", s.Algorithm)
		}
		sum := 0.0
		for opt, tokens := range body.Allocation {
			if !slices.Contains(s.Options, opt) {
				return Ballot{}, fault.Invalid("allocation", "unknown option %q", opt)
			}
			if math.IsNaN(tokens) || math.IsInf(tokens, 0) || tokens < 0 {
				return Ballot{}, fault.Invalid("allocation", "tokens for %q must be a non-negative number", opt)
			}
			sum += tokens
		}
		if sum == 0 {
			return Ballot{}, fault.Invalid("allocation", "allocates no tokens")
		}
		if sum > s.Budget {
			return Ballot{}, fault.Invalid("allocation", "spends %v tokens, budget is %v", sum, s.Budget)
		}
		b.Allocation = body.Allocation
	case RankedChoice:
		if len(body.Rankings) == 0 {
			return Ballot{}, fault.Invalid("rankings", "required for %s", s.Algorithm)
		}
		seen := make(map[string]bool, len(body.Rankings))
		for _, opt := range body.Rankings {
			if !slices.Contains(s.Options, opt) {
				return Ballot{}, fault.Invalid("rankings", "unknown option %q", opt)
			}
			if seen[opt] {
				return Ballot{}, fault.Invalid("rankings", "%q ranked twice", opt)
			}
			seen[opt] = true
		}
		b.Rankings = body.Rankings
	}
	return b, nil
}

func knownChoice(s *Session, choice string) error {
	if choice == "" {
		return fault.Invalid("choice", "required for %s", s.Algorithm)
	}
	if !slices.Contains(s.Options, choice) {
		return fault.Invalid("choice", "unknown option %q", choice)
	}
	return nil
}
