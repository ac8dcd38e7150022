// Package task distributes work to workers over a priority queue with
// retries, deadlines and dead-lettering.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nidhogg/nuka-hive/internal/fault"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending      Status = "pending"
	StatusAssigned     Status = "assigned"
	StatusInProgress   Status = "in_progress"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusDeadLettered Status = "dead_lettered"
)

// Terminal reports whether s is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusDeadLettered
}

// ErrTaskNotFound is returned for an unknown task id.
var ErrTaskNotFound = errors.New("task not found")

// validTransitions defines allowed state transitions. Reports may overtake
// the accept that preceded them under redelivery, so pending can finish
// directly.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusAssigned, StatusCompleted, StatusFailed, StatusDeadLettered},
	StatusAssigned:   {StatusInProgress, StatusPending, StatusCompleted, StatusFailed, StatusDeadLettered},
	StatusInProgress: {StatusPending, StatusCompleted, StatusFailed, StatusDeadLettered},
}

// Transition validates and returns nil if from→to is a legal transition.
func Transition(from, to Status) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("no transitions from %q", from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition %q → %q", from, to)
}

// Task is the engine's record of one unit of work.
type Task struct {
	ID              string          `json:"id"`
	Title           string          `json:"title"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Priority        int             `json:"priority"`
	Status          Status          `json:"status"`
	AssignedAgentID string          `json:"assigned_agent_id,omitempty"`
	Attempt         int             `json:"attempt"`
	RetryCount      int             `json:"retry_count"`
	MaxRetries      int             `json:"max_retries"`
	Timeout         time.Duration   `json:"timeout"`
	SubmittedBy     string          `json:"submitted_by,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	DeadlineAt      *time.Time      `json:"deadline_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
}

// Spec is what a submitter provides.
type Spec struct {
	ID          string          `json:"id,omitempty"`
	Title       string          `json:"title"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    int             `json:"priority"`
	MaxRetries  *int            `json:"max_retries,omitempty"`
	Timeout     time.Duration   `json:"timeout,omitempty"`
	SubmittedBy string          `json:"submitted_by,omitempty"`
}

func (s Spec) validate(maxRetriesCap int) error {
	if strings.TrimSpace(s.Title) == "" {
		return fault.Invalid("title", "must not be empty")
	}
	if s.Priority < 1 || s.Priority > 10 {
		return fault.Invalid("priority", "%d is outside [1,10]", s.Priority)
	}
	if s.MaxRetries != nil && (*s.MaxRetries < 0 || *s.MaxRetries > maxRetriesCap) {
		return fault.Invalid("max_retries", "%d is outside [0,%d]", *s.MaxRetries, maxRetriesCap)
	}
	if s.Timeout < 0 {
		return fault.Invalid("timeout", "must not be negative")
	}
	if len(s.Payload) > 0 && !json.Valid(s.Payload) {
		return fault.Invalid("payload", "is not valid JSON")
	}
	return nil
}

// Filter narrows a query. Zero values match everything.
type Filter struct {
	Statuses []Status
	AgentID  string
	Limit    int
}

// Match reports whether t passes f.
func (f Filter) Match(t Task) bool {
	if f.AgentID != "" && t.AssignedAgentID != f.AgentID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if t.Status == s {
			return true
		}
	}
	return false
}

// Store is the durable store collaborator. Persist is an upsert and may be
// called more than once for the same state.
type Store interface {
	Persist(ctx context.Context, t Task) error
	Load(ctx context.Context, id string) (Task, error)
	Query(ctx context.Context, f Filter) ([]Task, error)
}
