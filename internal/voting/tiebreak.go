package voting

import (
	"hash/fnv"
	"math/rand/v2"
	"slices"
)

// Tie-break rules, in the order they are tried.
const (
	TieBreakConfidence = "mean_confidence"
	TieBreakExpertise  = "expert_support"
	TieBreakEarliest   = "earliest_vote"
	TieBreakSeeded     = "seeded_random"
)

// breakTie picks one of tied. Each rule keeps only the options scoring best
// under it; the first rule that leaves a single option decides. The seeded
// draw always decides, and the same session id always draws the same
// option.
func breakTie(s *Session, ballots []*Ballot, tied []string, isExpert func(string) bool) (string, string) {
	supporters := make(map[string][]*Ballot, len(tied))
	for _, b := range ballots {
		for _, opt := range supports(s, b, tied) {
			supporters[opt] = append(supporters[opt], b)
		}
	}

	remaining := slices.Clone(tied)

	remaining = keepBest(remaining, func(opt string) float64 {
		bs := supporters[opt]
		if len(bs) == 0 {
			return 0
		}
		sum := 0.0
		for _, b := range bs {
			sum += b.Confidence
		}
		return sum / float64(len(bs))
	})
	if len(remaining) == 1 {
		return remaining[0], TieBreakConfidence
	}

	remaining = keepBest(remaining, func(opt string) float64 {
		w := 0.0
		for _, b := range supporters[opt] {
			if isExpert(b.AgentID) {
				w += 2
			} else {
				w++
			}
		}
		return w
	})
	if len(remaining) == 1 {
		return remaining[0], TieBreakExpertise
	}

	// Earlier is better, so score by the negated position of the first
	// supporting ballot.
	order := slices.Clone(ballots)
	slices.SortStableFunc(order, func(a, b *Ballot) int {
		if c := a.CastAt.Compare(b.CastAt); c != 0 {
			return c
		}
		return a.Seq - b.Seq
	})
	first := make(map[string]int, len(remaining))
	for i, b := range order {
		for _, opt := range supports(s, b, remaining) {
			if _, ok := first[opt]; !ok {
				first[opt] = i
			}
		}
	}
	remaining = keepBest(remaining, func(opt string) float64 {
		if i, ok := first[opt]; ok {
			return -float64(i)
		}
		return -float64(len(order))
	})
	if len(remaining) == 1 {
		return remaining[0], TieBreakEarliest
	}

	slices.Sort(remaining)
	h := fnv.New64a()
	h.Write([]byte(s.ID))
	seed := h.Sum64()
	rng := rand.New(rand.NewPCG(seed, seed>>1|1))
	return remaining[rng.IntN(len(remaining))], TieBreakSeeded
}

// supports lists which of the candidate options b backs. A ranked ballot
// backs only its highest-ranked candidate.
func supports(s *Session, b *Ballot, candidates []string) []string {
	switch s.Algorithm {
	case Quadratic:
		var out []string
		for _, opt := range candidates {
			if b.Allocation[opt] > 0 {
				out = append(out, opt)
			}
		}
		return out
	case RankedChoice:
		if top := firstSurviving(b.Rankings, candidates); top != "" {
			return []string{top}
		}
		return nil
	}
	if slices.Contains(candidates, b.Choice) {
		return []string{b.Choice}
	}
	return nil
}

func keepBest(options []string, score func(string) float64) []string {
	if len(options) == 0 {
		return options
	}
	scores := make(map[string]float64, len(options))
	best := score(options[0])
	for _, o := range options {
		scores[o] = score(o)
		if scores[o] > best {
			best = scores[o]
		}
	}
	var out []string
	for _, o := range options {
		if scores[o] == best {
			out = append(out, o)
		}
	}
	return out
}
