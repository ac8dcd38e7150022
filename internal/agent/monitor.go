package agent

import (
	"context"
	"sync"
	"time"

	"github.com/nidhogg/nuka-hive/internal/message"
	"github.com/nidhogg/nuka-hive/internal/metrics"
	"github.com/nidhogg/nuka-hive/internal/transport"
)

// Snapshot is the monitor's aggregate view.
type Snapshot struct {
	Agents    map[string]Status             `json:"agents"`
	Tasks     map[string]string             `json:"tasks"`
	Events    map[string]int                `json:"events"`
	LastEvent time.Time                     `json:"last_event"`
	Votes     map[string]message.VoteResult `json:"votes,omitempty"`
}

// Monitor is a read-only aggregator of every status event.
type Monitor struct {
	metrics *metrics.Collector

	mu        sync.RWMutex
	agents    map[string]Status
	roles     map[string]message.Role
	tasks     map[string]string
	events    map[string]int
	votes     map[string]message.VoteResult
	lastEvent time.Time
}

// NewMonitor binds a monitor to rt. m may be nil.
func NewMonitor(rt *Runtime, m *metrics.Collector) (*Monitor, error) {
	mon := &Monitor{
		metrics: m,
		agents:  make(map[string]Status),
		roles:   make(map[string]message.Role),
		tasks:   make(map[string]string),
		events:  make(map[string]int),
		votes:   make(map[string]message.VoteResult),
	}
	handlers := make(map[message.Type]Handler, len(message.Types))
	for _, t := range message.Types {
		handlers[t] = mon.Observe
	}
	if err := rt.Bind(transport.Status("*"), transport.ConsumeOptions{}, handlers); err != nil {
		return nil, err
	}
	if err := rt.Bind(transport.Broadcast(), transport.ConsumeOptions{}, map[message.Type]Handler{
		message.TypeVoteResult: mon.Observe,
	}); err != nil {
		return nil, err
	}
	return mon, nil
}

// Observe folds one event into the aggregate.
func (m *Monitor) Observe(_ context.Context, env message.Envelope) error {
	body, err := env.Body()
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.events[env.RoutingKey()]++
	m.lastEvent = env.Timestamp
	switch p := body.(type) {
	case *message.AgentRegister:
		m.agents[env.SenderID] = Status(p.Status)
		m.roles[env.SenderID] = env.SenderRole
	case *message.Heartbeat:
		m.agents[env.SenderID] = Status(p.Status)
		m.roles[env.SenderID] = env.SenderRole
	case *message.AgentDeregister:
		m.agents[env.SenderID] = StatusOffline
	case *message.TaskStatus:
		m.tasks[p.TaskID] = p.Status
	case *message.VoteResult:
		m.votes[p.SessionID] = *p
	}
	counts := m.countsLocked()
	m.mu.Unlock()

	m.metrics.StatusEvent(env.RoutingKey())
	m.metrics.SetAgents(counts)
	return nil
}

// Snapshot returns a copy of the aggregate.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Snapshot{
		Agents:    make(map[string]Status, len(m.agents)),
		Tasks:     make(map[string]string, len(m.tasks)),
		Events:    make(map[string]int, len(m.events)),
		Votes:     make(map[string]message.VoteResult, len(m.votes)),
		LastEvent: m.lastEvent,
	}
	for k, v := range m.agents {
		s.Agents[k] = v
	}
	for k, v := range m.tasks {
		s.Tasks[k] = v
	}
	for k, v := range m.events {
		s.Events[k] = v
	}
	for k, v := range m.votes {
		s.Votes[k] = v
	}
	return s
}

func (m *Monitor) countsLocked() map[string]map[string]int {
	out := make(map[string]map[string]int)
	for id, st := range m.agents {
		role := string(m.roles[id])
		if out[role] == nil {
			out[role] = make(map[string]int)
		}
		out[role][string(st)]++
	}
	return out
}
