//go:build integration

package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-hive/internal/agent"
	"github.com/nidhogg/nuka-hive/internal/audit"
	"github.com/nidhogg/nuka-hive/internal/fault"
	"github.com/nidhogg/nuka-hive/internal/message"
	"github.com/nidhogg/nuka-hive/internal/task"
)

func startStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("hive_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := New(ctx, dsn, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx), "migrations are idempotent")
	return s
}

func TestPostgresStore(t *testing.T) {
	s := startStore(t)
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

	t.Run("tasks", func(t *testing.T) {
		_, err := s.Load(ctx, "missing")
		assert.True(t, errors.Is(err, task.ErrTaskNotFound))

		for i, p := range []int{3, 9, 9} {
			require.NoError(t, s.Persist(ctx, task.Task{
				ID:        string(rune('a' + i)),
				Title:     "job",
				Payload:   json.RawMessage(`{"n":1}`),
				Priority:  p,
				Status:    task.StatusPending,
				Attempt:   1,
				Timeout:   90 * time.Second,
				CreatedAt: now.Add(time.Duration(i) * time.Minute),
				UpdatedAt: now,
			}))
		}

		finished := now.Add(time.Hour)
		require.NoError(t, s.Persist(ctx, task.Task{
			ID: "a", Title: "job", Priority: 3, Status: task.StatusCompleted, Attempt: 1,
			AssignedAgentID: "w1", Result: json.RawMessage(`"done"`),
			CreatedAt: now, UpdatedAt: finished, FinishedAt: &finished,
		}))

		got, err := s.Load(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, task.StatusCompleted, got.Status)
		assert.JSONEq(t, `"done"`, string(got.Result))
		assert.Nil(t, got.Payload)
		require.NotNil(t, got.FinishedAt)
		assert.True(t, finished.Equal(*got.FinishedAt))

		b, err := s.Load(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, 90*time.Second, b.Timeout)
		assert.JSONEq(t, `{"n":1}`, string(b.Payload))

		pending, err := s.Query(ctx, task.Filter{Statuses: []task.Status{task.StatusPending}})
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, "b", pending[0].ID, "equal priority is FIFO")
		assert.Equal(t, "c", pending[1].ID)

		mine, err := s.Query(ctx, task.Filter{AgentID: "w1", Limit: 5})
		require.NoError(t, err)
		require.Len(t, mine, 1)
		assert.Equal(t, "a", mine[0].ID)
	})

	t.Run("agents", func(t *testing.T) {
		info := agent.Info{
			ID: "w1", Role: message.RoleWorker, Status: agent.StatusIdle,
			Capabilities: []string{"go"}, RegisteredAt: now, LastSeen: now,
		}
		require.NoError(t, s.SaveAgent(ctx, info))
		info.Status = agent.StatusBusy
		info.CurrentTaskID = "a"
		require.NoError(t, s.SaveAgent(ctx, info))
		require.NoError(t, s.SaveAgent(ctx, agent.Info{ID: "c1", Role: message.RoleCollaborator, Status: agent.StatusIdle, RegisteredAt: now.Add(time.Second), LastSeen: now}))

		all, err := s.ListAgents(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, agent.StatusBusy, all[0].Status)
		assert.Equal(t, []string{"go"}, all[0].Capabilities)

		require.NoError(t, s.DeleteAgent(ctx, "w1"))
		all, err = s.ListAgents(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, "c1", all[0].ID)
	})

	t.Run("audit", func(t *testing.T) {
		trail := audit.NewTrail(s.Audit(), zap.NewNop())
		at := time.Date(2026, 4, 1, 8, 0, 0, 123456789, time.UTC)
		_, err := trail.RecordOpen(ctx, "s1", "leader", json.RawMessage(`{"topic":"t"}`), at)
		require.NoError(t, err)
		_, err = trail.RecordVote(ctx, "s1", "a", json.RawMessage(`"Launch"`), at.Add(time.Nanosecond))
		require.NoError(t, err)
		_, err = trail.RecordResult(ctx, "s1", json.RawMessage(`{"winner":"Launch"}`), at.Add(time.Second))
		require.NoError(t, err)

		report, err := trail.VerifyIntegrity(ctx, "s1")
		require.NoError(t, err, "nanosecond timestamps survive the round trip")
		assert.Equal(t, 3, report.Records)

		_, err = s.db.Exec(ctx, `UPDATE audit_records SET payload = $1 WHERE session_id = 's1' AND seq = 1`, []byte(`"Delay"`))
		require.NoError(t, err)
		_, err = audit.NewTrail(s.Audit(), zap.NewNop()).VerifyIntegrity(ctx, "s1")
		var ierr *fault.IntegrityError
		require.ErrorAs(t, err, &ierr)
	})
}
