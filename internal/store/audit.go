package store

import (
	"context"
	"fmt"
	"time"

	"github.com/nidhogg/nuka-hive/internal/audit"
)

// AuditStore keeps audit chains in Postgres.
type AuditStore struct {
	s *Store
}

// Audit returns the audit chain view of s.
func (s *Store) Audit() *AuditStore { return &AuditStore{s: s} }

// Append adds one audit record. The primary key on (session_id, seq) makes a
// second writer for the same position fail instead of overwriting.
func (a *AuditStore) Append(ctx context.Context, rec audit.Record) error {
	_, err := a.s.db.Exec(ctx, `
		INSERT INTO audit_records (session_id, seq, kind, agent_id, payload, ts, digest, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.SessionID, rec.Seq, string(rec.Kind), rec.AgentID, []byte(rec.Payload),
		rec.Timestamp.UTC().Format(time.RFC3339Nano), rec.Digest, rec.PrevHash, rec.Hash,
	)
	if err != nil {
		return fmt.Errorf("append audit record %s/%d: %w", rec.SessionID, rec.Seq, err)
	}
	return nil
}

// Load returns a session's chain in sequence order.
func (a *AuditStore) Load(ctx context.Context, sessionID string) ([]audit.Record, error) {
	rows, err := a.s.db.Query(ctx, `
		SELECT session_id, seq, kind, agent_id, payload, ts, digest, prev_hash, hash
		FROM audit_records
		WHERE session_id = $1
		ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load audit chain %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []audit.Record
	for rows.Next() {
		var (
			rec     audit.Record
			kind    string
			payload []byte
			ts      string
		)
		if err := rows.Scan(&rec.SessionID, &rec.Seq, &kind, &rec.AgentID, &payload, &ts, &rec.Digest, &rec.PrevHash, &rec.Hash); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		at, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("audit record %s/%d timestamp: %w", rec.SessionID, rec.Seq, err)
		}
		rec.Kind = audit.Kind(kind)
		rec.Payload = payload
		rec.Timestamp = at
		out = append(out, rec)
	}
	return out, rows.Err()
}
