// Package audit keeps a tamper-evident, append-only record of every vote
// session. Each session is one hash chain; the trail never calls back into
// the voting engine.
package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-hive/internal/fault"
)

// Kind labels what a record holds.
type Kind string

const (
	KindOpen   Kind = "open"
	KindVote   Kind = "vote"
	KindResult Kind = "result"
)

// ErrNoResult is returned by GetSessionResults for a session that has not
// been closed.
var ErrNoResult = errors.New("session has no recorded result")

// Record is one link of a session chain.
type Record struct {
	SessionID string          `json:"sessionId"`
	Seq       int             `json:"seq"`
	Kind      Kind            `json:"kind"`
	AgentID   string          `json:"agentId,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Digest    string          `json:"digest"`
	PrevHash  string          `json:"prevHash"`
	Hash      string          `json:"hash"`
}

// Store persists records. Append must never rewrite earlier records.
type Store interface {
	Append(ctx context.Context, rec Record) error
	Load(ctx context.Context, sessionID string) ([]Record, error)
}

// Trail appends records and verifies chains.
type Trail struct {
	store  Store
	mu     sync.Mutex
	heads  map[string]Record
	logger *zap.Logger
}

// NewTrail creates a trail over store.
func NewTrail(store Store, logger *zap.Logger) *Trail {
	return &Trail{
		store:  store,
		heads:  make(map[string]Record),
		logger: logger.With(zap.String("component", "audit")),
	}
}

// Digest is hash(payload ⊕ timestamp ⊕ agentId).
func Digest(payload []byte, at time.Time, agentID string) string {
	h := sha256.New()
	h.Write(payload)
	h.Write([]byte{0})
	h.Write([]byte(at.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte{0})
	h.Write([]byte(agentID))
	return hex.EncodeToString(h.Sum(nil))
}

// Genesis is the prevHash of the first record of a session.
func Genesis(sessionID string) string {
	sum := sha256.Sum256([]byte("genesis:" + sessionID))
	return hex.EncodeToString(sum[:])
}

func chainHash(prevHash, digest string, kind Kind, seq int) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte(digest))
	h.Write([]byte(kind))
	h.Write([]byte(strconv.Itoa(seq)))
	return hex.EncodeToString(h.Sum(nil))
}

// RecordOpen appends the session parameters as the first link.
func (t *Trail) RecordOpen(ctx context.Context, sessionID, initiatorID string, params json.RawMessage, at time.Time) (Record, error) {
	return t.append(ctx, sessionID, KindOpen, initiatorID, params, at)
}

// RecordVote appends one cast vote.
func (t *Trail) RecordVote(ctx context.Context, sessionID, agentID string, payload json.RawMessage, at time.Time) (Record, error) {
	return t.append(ctx, sessionID, KindVote, agentID, payload, at)
}

// RecordResult appends the closing decision.
func (t *Trail) RecordResult(ctx context.Context, sessionID string, result json.RawMessage, at time.Time) (Record, error) {
	return t.append(ctx, sessionID, KindResult, "", result, at)
}

func (t *Trail) append(ctx context.Context, sessionID string, kind Kind, agentID string, payload json.RawMessage, at time.Time) (Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	head, ok := t.heads[sessionID]
	if !ok {
		recs, err := t.store.Load(ctx, sessionID)
		if err != nil {
			return Record{}, fmt.Errorf("load chain %s: %w", sessionID, err)
		}
		if n := len(recs); n > 0 {
			head, ok = recs[n-1], true
		}
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err != nil {
		return Record{}, fault.Invalid("payload", "audit payload is not JSON: %v", err)
	}

	rec := Record{
		SessionID: sessionID,
		Kind:      kind,
		AgentID:   agentID,
		Payload:   compact.Bytes(),
		Timestamp: at.UTC(),
		PrevHash:  Genesis(sessionID),
	}
	if ok {
		rec.Seq = head.Seq + 1
		rec.PrevHash = head.Hash
	}
	rec.Digest = Digest(rec.Payload, rec.Timestamp, rec.AgentID)
	rec.Hash = chainHash(rec.PrevHash, rec.Digest, rec.Kind, rec.Seq)

	if err := t.store.Append(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("append %s record to %s: %w", kind, sessionID, err)
	}
	t.heads[sessionID] = rec

	t.logger.Debug("audit record appended",
		zap.String("session", sessionID),
		zap.String("kind", string(kind)),
		zap.Int("seq", rec.Seq))
	return rec, nil
}

// Report is the outcome of VerifyIntegrity.
type Report struct {
	SessionID string        `json:"sessionId"`
	Records   int           `json:"records"`
	Breaks    []fault.Break `json:"breaks"`
}

// Intact reports whether no break was found.
func (r Report) Intact() bool { return len(r.Breaks) == 0 }

// VerifyIntegrity recomputes the chain from the stored raw payloads. Any
// divergence is listed in the report and returned as *fault.IntegrityError.
func (t *Trail) VerifyIntegrity(ctx context.Context, sessionID string) (Report, error) {
	recs, err := t.store.Load(ctx, sessionID)
	if err != nil {
		return Report{}, fmt.Errorf("load chain %s: %w", sessionID, err)
	}

	report := Report{SessionID: sessionID, Records: len(recs), Breaks: []fault.Break{}}
	prev := Genesis(sessionID)
	for i, rec := range recs {
		if rec.Seq != i {
			report.Breaks = append(report.Breaks, fault.Break{Position: i, Reason: fmt.Sprintf("sequence %d out of place", rec.Seq)})
		}
		if rec.PrevHash != prev {
			report.Breaks = append(report.Breaks, fault.Break{Position: i, Reason: "prevHash does not match predecessor"})
		}
		digest := Digest(rec.Payload, rec.Timestamp, rec.AgentID)
		if digest != rec.Digest {
			report.Breaks = append(report.Breaks, fault.Break{Position: i, Reason: "digest does not match payload"})
		}
		hash := chainHash(rec.PrevHash, digest, rec.Kind, rec.Seq)
		if hash != rec.Hash {
			report.Breaks = append(report.Breaks, fault.Break{Position: i, Reason: "hash diverges from recomputed value"})
		}
		prev = rec.Hash
	}

	if !report.Intact() {
		t.logger.Error("audit chain broken",
			zap.String("session", sessionID),
			zap.Int("breaks", len(report.Breaks)))
		return report, &fault.IntegrityError{SessionID: sessionID, Breaks: report.Breaks}
	}
	return report, nil
}

// SessionResults is the closed decision plus the chain that produced it.
type SessionResults struct {
	SessionID string          `json:"sessionId"`
	Result    json.RawMessage `json:"result"`
	ClosedAt  time.Time       `json:"closedAt"`
	Chain     []Record        `json:"chain"`
}

// GetSessionResults reads the decision straight from the store.
func (t *Trail) GetSessionResults(ctx context.Context, sessionID string) (SessionResults, error) {
	recs, err := t.store.Load(ctx, sessionID)
	if err != nil {
		return SessionResults{}, fmt.Errorf("load chain %s: %w", sessionID, err)
	}
	out := SessionResults{SessionID: sessionID, Chain: recs}
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].Kind == KindResult {
			out.Result = recs[i].Payload
			out.ClosedAt = recs[i].Timestamp
			return out, nil
		}
	}
	return out, ErrNoResult
}
