package store

import (
	"context"
	"fmt"

	"github.com/nidhogg/nuka-hive/internal/agent"
	"github.com/nidhogg/nuka-hive/internal/message"
)

// SaveAgent upserts a directory snapshot. Saving a deleted agent revives it.
func (s *Store) SaveAgent(ctx context.Context, a agent.Info) error {
	caps := a.Capabilities
	if caps == nil {
		caps = []string{}
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO agents (id, role, status, capabilities, current_task_id, registered_at, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			role = EXCLUDED.role,
			status = EXCLUDED.status,
			capabilities = EXCLUDED.capabilities,
			current_task_id = EXCLUDED.current_task_id,
			last_seen = EXCLUDED.last_seen,
			deleted_at = NULL`,
		a.ID, string(a.Role), string(a.Status), caps, a.CurrentTaskID, a.RegisteredAt, a.LastSeen,
	)
	if err != nil {
		return fmt.Errorf("save agent %s: %w", a.ID, err)
	}
	return nil
}

// ListAgents returns all non-deleted agents.
func (s *Store) ListAgents(ctx context.Context) ([]agent.Info, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, role, status, capabilities, current_task_id, registered_at, last_seen
		FROM agents WHERE deleted_at IS NULL
		ORDER BY registered_at`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []agent.Info
	for rows.Next() {
		var (
			a            agent.Info
			role, status string
		)
		if err := rows.Scan(&a.ID, &role, &status, &a.Capabilities, &a.CurrentTaskID, &a.RegisteredAt, &a.LastSeen); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		a.Role = message.Role(role)
		a.Status = agent.Status(status)
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// DeleteAgent soft-deletes an agent.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE agents SET status = $2, deleted_at = NOW() WHERE id = $1`, id, string(agent.StatusOffline))
	if err != nil {
		return fmt.Errorf("delete agent %s: %w", id, err)
	}
	return nil
}
