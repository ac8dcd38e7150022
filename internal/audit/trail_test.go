package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-hive/internal/fault"
)

func fillChain(t *testing.T, trail *Trail, sessionID string) {
	t.Helper()
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if _, err := trail.RecordOpen(ctx, sessionID, "leader", json.RawMessage(`{"topic":"launch"}`), at); err != nil {
		t.Fatalf("RecordOpen: %v", err)
	}
	for i, agent := range []string{"a", "b", "c"} {
		payload := json.RawMessage(`"Launch"`)
		if _, err := trail.RecordVote(ctx, sessionID, agent, payload, at.Add(time.Duration(i+1)*time.Second)); err != nil {
			t.Fatalf("RecordVote: %v", err)
		}
	}
	if _, err := trail.RecordResult(ctx, sessionID, json.RawMessage(`{"outcome":"winner","winner":"Launch"}`), at.Add(time.Minute)); err != nil {
		t.Fatalf("RecordResult: %v", err)
	}
}

func TestChainLinksAndVerifies(t *testing.T) {
	store := NewMemoryStore()
	trail := NewTrail(store, zap.NewNop())
	fillChain(t, trail, "s1")

	recs, _ := store.Load(context.Background(), "s1")
	if len(recs) != 5 {
		t.Fatalf("expected 5 records, got %d", len(recs))
	}
	if recs[0].PrevHash != Genesis("s1") {
		t.Errorf("first record should link to genesis")
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].PrevHash != recs[i-1].Hash {
			t.Errorf("record %d prevHash does not match record %d hash", i, i-1)
		}
	}

	report, err := trail.VerifyIntegrity(context.Background(), "s1")
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if !report.Intact() || report.Records != 5 {
		t.Errorf("expected intact chain of 5, got %+v", report)
	}
}

func TestVerifyReportsTamperedPosition(t *testing.T) {
	store := NewMemoryStore()
	trail := NewTrail(store, zap.NewNop())
	fillChain(t, trail, "s1")

	store.chains["s1"][2].Payload = json.RawMessage(`"Delay"`)

	report, err := trail.VerifyIntegrity(context.Background(), "s1")
	var ierr *fault.IntegrityError
	if !errors.As(err, &ierr) {
		t.Fatalf("expected IntegrityError, got %v", err)
	}
	if len(report.Breaks) == 0 {
		t.Fatal("expected breaks in report")
	}
	for _, b := range report.Breaks {
		if b.Position != 2 {
			t.Errorf("expected break at position 2, got %d (%s)", b.Position, b.Reason)
		}
	}
}

func TestVerifyDetectsRemovedRecord(t *testing.T) {
	store := NewMemoryStore()
	trail := NewTrail(store, zap.NewNop())
	fillChain(t, trail, "s1")

	chain := store.chains["s1"]
	store.chains["s1"] = append(chain[:1:1], chain[2:]...)

	_, err := trail.VerifyIntegrity(context.Background(), "s1")
	var ierr *fault.IntegrityError
	if !errors.As(err, &ierr) {
		t.Fatalf("expected IntegrityError, got %v", err)
	}
	if ierr.Breaks[0].Position != 1 {
		t.Errorf("expected first break at 1, got %d", ierr.Breaks[0].Position)
	}
}

func TestGetSessionResults(t *testing.T) {
	store := NewMemoryStore()
	trail := NewTrail(store, zap.NewNop())

	if _, err := trail.RecordOpen(context.Background(), "open-only", "leader", json.RawMessage(`{}`), time.Now()); err != nil {
		t.Fatalf("RecordOpen: %v", err)
	}
	if _, err := trail.GetSessionResults(context.Background(), "open-only"); !errors.Is(err, ErrNoResult) {
		t.Errorf("expected ErrNoResult, got %v", err)
	}

	fillChain(t, trail, "s1")
	// A fresh trail over the same store has no in-memory state.
	res, err := NewTrail(store, zap.NewNop()).GetSessionResults(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetSessionResults: %v", err)
	}
	if string(res.Result) != `{"outcome":"winner","winner":"Launch"}` {
		t.Errorf("unexpected result %s", res.Result)
	}
	if len(res.Chain) != 5 {
		t.Errorf("expected chain of 5, got %d", len(res.Chain))
	}
}

func TestPayloadIsCompacted(t *testing.T) {
	trail := NewTrail(NewMemoryStore(), zap.NewNop())
	rec, err := trail.RecordVote(context.Background(), "s1", "a", json.RawMessage("{ \"choice\" : \"A\" }"), time.Now())
	if err != nil {
		t.Fatalf("RecordVote: %v", err)
	}
	if string(rec.Payload) != `{"choice":"A"}` {
		t.Errorf("expected compact payload, got %s", rec.Payload)
	}

	_, err = trail.RecordVote(context.Background(), "s1", "a", json.RawMessage("{not json"), time.Now())
	var verr *fault.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("expected ValidationError, got %v", err)
	}
}

func TestRedisStoreRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	store := NewRedisStore(rdb, "hive")
	trail := NewTrail(store, zap.NewNop())
	fillChain(t, trail, "s1")

	if _, err := trail.RecordVote(context.Background(), "s2", "a", json.RawMessage(`{"note":"<b>&</b>"}`), time.Now()); err != nil {
		t.Fatalf("RecordVote: %v", err)
	}

	for _, id := range []string{"s1", "s2"} {
		if _, err := NewTrail(store, zap.NewNop()).VerifyIntegrity(context.Background(), id); err != nil {
			t.Errorf("%s: %v", id, err)
		}
	}
	if n, _ := rdb.LLen(context.Background(), "hive:audit:s1").Result(); n != 5 {
		t.Errorf("expected 5 list entries, got %d", n)
	}
}
