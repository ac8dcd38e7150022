// Package fault holds the typed errors shared by the task, voting and audit
// engines. Callers branch on them with errors.As.
package fault

import (
	"fmt"
	"strings"
)

// ValidationError reports malformed input. It is returned synchronously and
// never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// SystemError wraps a collaborator failure that outlived local retries.
type SystemError struct {
	Op  string
	Err error
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("system: %s: %v", e.Op, e.Err)
}

func (e *SystemError) Unwrap() error { return e.Err }

// TaskExecutionError is a failure reported by the agent executing a task.
type TaskExecutionError struct {
	TaskID    string
	AgentID   string
	Reason    string
	Retryable bool
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("task %s failed on %s: %s", e.TaskID, e.AgentID, e.Reason)
}

// Break is one position in a hash chain where the recomputed value diverges
// from the stored one.
type Break struct {
	Position int    `json:"position"`
	Reason   string `json:"reason"`
}

// IntegrityError reports a broken audit chain. It is fatal and never repaired.
type IntegrityError struct {
	SessionID string
	Breaks    []Break
}

func (e *IntegrityError) Error() string {
	parts := make([]string, 0, len(e.Breaks))
	for _, b := range e.Breaks {
		parts = append(parts, fmt.Sprintf("#%d %s", b.Position, b.Reason))
	}
	return fmt.Sprintf("integrity: session %s: %s", e.SessionID, strings.Join(parts, "; "))
}
