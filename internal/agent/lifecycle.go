// Package agent implements the role state machine: the leader-side
// directory of live agents and the runtime every agent process runs.
package agent

import (
	"errors"
	"fmt"
)

// Status is an agent's lifecycle state.
type Status string

const (
	StatusRegistering Status = "registering"
	StatusIdle        Status = "idle"
	StatusBusy        Status = "busy"
	StatusOffline     Status = "offline"
	StatusError       Status = "error"
)

// ErrAgentNotFound is returned for an unknown agent id.
var ErrAgentNotFound = errors.New("agent not found")

var lifecycle = map[Status][]Status{
	StatusRegistering: {StatusIdle, StatusOffline, StatusError},
	StatusIdle:        {StatusBusy, StatusOffline, StatusError},
	StatusBusy:        {StatusIdle, StatusOffline, StatusError},
	StatusOffline:     {StatusIdle, StatusError},
	StatusError:       {StatusIdle, StatusOffline},
}

// Transition returns nil if from→to is a legal lifecycle edge.
func Transition(from, to Status) error {
	for _, s := range lifecycle[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid agent transition %q → %q", from, to)
}

// path returns the edges needed to move from→to, passing through idle when
// there is no direct edge. Agents report where they are, not how they got
// there, so a heartbeat may skip the idle step.
func path(from, to Status) ([]Status, error) {
	if from == to {
		return nil, nil
	}
	if Transition(from, to) == nil {
		return []Status{to}, nil
	}
	if Transition(from, StatusIdle) == nil && Transition(StatusIdle, to) == nil {
		return []Status{StatusIdle, to}, nil
	}
	return nil, Transition(from, to)
}
