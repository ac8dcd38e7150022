package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/nuka-hive/internal/task"
)

const taskColumns = `id, title, payload, priority, status, assigned_agent_id, attempt, retry_count,
	max_retries, timeout_ms, submitted_by, result, last_error, created_at, updated_at, deadline_at, finished_at`

// Persist upserts a task row.
func (s *Store) Persist(ctx context.Context, t task.Task) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			payload = EXCLUDED.payload,
			priority = EXCLUDED.priority,
			status = EXCLUDED.status,
			assigned_agent_id = EXCLUDED.assigned_agent_id,
			attempt = EXCLUDED.attempt,
			retry_count = EXCLUDED.retry_count,
			max_retries = EXCLUDED.max_retries,
			timeout_ms = EXCLUDED.timeout_ms,
			result = EXCLUDED.result,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at,
			deadline_at = EXCLUDED.deadline_at,
			finished_at = EXCLUDED.finished_at`,
		t.ID, t.Title, jsonArg(t.Payload), t.Priority, string(t.Status), t.AssignedAgentID,
		t.Attempt, t.RetryCount, t.MaxRetries, t.Timeout.Milliseconds(), t.SubmittedBy,
		jsonArg(t.Result), t.LastError, t.CreatedAt, t.UpdatedAt, t.DeadlineAt, t.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("persist task %s: %w", t.ID, err)
	}
	return nil
}

// Load returns one task or task.ErrTaskNotFound.
func (s *Store) Load(ctx context.Context, id string) (task.Task, error) {
	row := s.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return task.Task{}, task.ErrTaskNotFound
	}
	if err != nil {
		return task.Task{}, fmt.Errorf("load task %s: %w", id, err)
	}
	return t, nil
}

// Query returns tasks matching f, highest priority first and oldest first
// within a priority.
func (s *Store) Query(ctx context.Context, f task.Filter) ([]task.Task, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if f.AgentID != "" {
		args = append(args, f.AgentID)
		where = append(where, fmt.Sprintf("assigned_agent_id = $%d", len(args)))
	}

	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY priority DESC, created_at ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(row pgx.Row) (task.Task, error) {
	var (
		t               task.Task
		status          string
		payload, result []byte
		timeoutMS       int64
	)
	err := row.Scan(
		&t.ID, &t.Title, &payload, &t.Priority, &status, &t.AssignedAgentID, &t.Attempt, &t.RetryCount,
		&t.MaxRetries, &timeoutMS, &t.SubmittedBy, &result, &t.LastError, &t.CreatedAt, &t.UpdatedAt,
		&t.DeadlineAt, &t.FinishedAt,
	)
	if err != nil {
		return task.Task{}, err
	}
	t.Status = task.Status(status)
	t.Timeout = time.Duration(timeoutMS) * time.Millisecond
	if len(payload) > 0 {
		t.Payload = json.RawMessage(payload)
	}
	if len(result) > 0 {
		t.Result = json.RawMessage(result)
	}
	return t, nil
}

// jsonArg passes raw JSON as text so an empty value becomes NULL.
func jsonArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
