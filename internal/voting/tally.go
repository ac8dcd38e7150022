package voting

import (
	"math"
	"slices"
)

// tally is what an algorithm produces before tie-breaking.
type tally struct {
	scores      map[string]float64
	leaders     []string
	share       float64
	noConsensus bool
	avgConf     float64
	rounds      []Round
}

func aggregate(s *Session, ballots []*Ballot) tally {
	switch s.Algorithm {
	case ConfidenceWeighted:
		return weighted(s, ballots, func(b *Ballot) (string, float64) { return b.Choice, b.Confidence }, true)
	case Quadratic:
		return quadratic(s, ballots)
	case ConsensusThreshold:
		t := weighted(s, ballots, func(b *Ballot) (string, float64) { return b.Choice, 1 }, false)
		if t.share < s.Threshold {
			t.noConsensus = true
		}
		return t
	case RankedChoice:
		return instantRunoff(s, ballots)
	}
	return weighted(s, ballots, func(b *Ballot) (string, float64) { return b.Choice, 1 }, false)
}

// weighted sums one weight per ballot onto its choice. share is the
// leader's fraction of the total.
func weighted(s *Session, ballots []*Ballot, weight func(*Ballot) (string, float64), reportConfidence bool) tally {
	t := tally{scores: zeroScores(s.Options)}
	total, conf := 0.0, 0.0
	for _, b := range ballots {
		opt, w := weight(b)
		t.scores[opt] += w
		total += w
		conf += b.Confidence
	}
	t.leaders = leaders(s.Options, t.scores)
	if total > 0 && len(t.leaders) > 0 {
		t.share = t.scores[t.leaders[0]] / total
	}
	if reportConfidence && len(ballots) > 0 {
		t.avgConf = conf / float64(len(ballots))
	}
	return t
}

// quadratic counts sqrt(tokens) per option per ballot.
func quadratic(s *Session, ballots []*Ballot) tally {
	t := tally{scores: zeroScores(s.Options)}
	total := 0.0
	for _, b := range ballots {
		for opt, tokens := range b.Allocation {
			v := math.Sqrt(tokens)
			t.scores[opt] += v
			total += v
		}
	}
	t.leaders = leaders(s.Options, t.scores)
	if total > 0 && len(t.leaders) > 0 {
		t.share = t.scores[t.leaders[0]] / total
	}
	return t
}

// instantRunoff removes the weakest option each round and moves its ballots
// to their next surviving preference until one option holds a strict
// majority of the ballots still in play. Among options tied for weakest the
// one listed last in the session goes first. A dead heat between the last
// two survivors is handed to the tie-break.
func instantRunoff(s *Session, ballots []*Ballot) tally {
	alive := slices.Clone(s.Options)
	t := tally{}

	for round := 1; ; round++ {
		counts := zeroScores(alive)
		active := 0
		for _, b := range ballots {
			if top := firstSurviving(b.Rankings, alive); top != "" {
				counts[top]++
				active++
			}
		}
		r := Round{Number: round, Tally: counts, Active: active}
		t.scores = counts

		if active == 0 {
			t.rounds = append(t.rounds, r)
			t.noConsensus = true
			return t
		}
		top := leaders(alive, counts)
		if counts[top[0]]*2 > float64(active) || len(alive) == 1 {
			t.rounds = append(t.rounds, r)
			t.leaders = top[:1]
			t.share = counts[top[0]] / float64(active)
			return t
		}
		if len(alive) == 2 && len(top) == 2 {
			// A dead heat between the last two.
			t.rounds = append(t.rounds, r)
			t.leaders = top
			t.share = counts[top[0]] / float64(active)
			return t
		}

		weakest := alive[0]
		for _, opt := range alive {
			if counts[opt] <= counts[weakest] {
				weakest = opt
			}
		}
		r.Eliminated = weakest
		t.rounds = append(t.rounds, r)
		alive = slices.DeleteFunc(alive, func(o string) bool { return o == weakest })
	}
}

func firstSurviving(rankings, alive []string) string {
	for _, opt := range rankings {
		if slices.Contains(alive, opt) {
			return opt
		}
	}
	return ""
}

func zeroScores(options []string) map[string]float64 {
	m := make(map[string]float64, len(options))
	for _, o := range options {
		m[o] = 0
	}
	return m
}

// leaders returns every option sharing the top score, in option order. An
// all-zero tally has no leaders.
func leaders(options []string, scores map[string]float64) []string {
	best := 0.0
	for _, o := range options {
		best = math.Max(best, scores[o])
	}
	if best == 0 {
		return nil
	}
	var out []string
	for _, o := range options {
		if scores[o] == best {
			out = append(out, o)
		}
	}
	return out
}
