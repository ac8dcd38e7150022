package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-hive/internal/fault"
	"github.com/nidhogg/nuka-hive/internal/message"
	"github.com/nidhogg/nuka-hive/internal/transport"
)

// Step is one node of a dependent task graph. Its ID becomes the task id.
type Step struct {
	ID         string
	Title      string
	Payload    json.RawMessage
	Priority   int
	MaxRetries *int
	Timeout    time.Duration
	DependsOn  []string
}

// StepState is where a step stands.
type StepState string

const (
	StepWaiting   StepState = "waiting"
	StepSubmitted StepState = "submitted"
	StepCompleted StepState = "completed"
	StepFailed    StepState = "failed"
	StepAbandoned StepState = "abandoned"
)

// Sequencer submits each step only after all of its dependencies have
// completed. Dependents of a step that failed or was dead-lettered are
// abandoned.
type Sequencer struct {
	rt     *Runtime
	inbox  transport.Destination
	logger *zap.Logger

	mu    sync.Mutex
	steps map[string]*Step
	state map[string]StepState
}

// NewSequencer binds a sequencer to rt. It listens to the leader's task
// status events.
func NewSequencer(rt *Runtime, inbox string) (*Sequencer, error) {
	if inbox == "" {
		inbox = DefaultInbox
	}
	s := &Sequencer{
		rt:     rt,
		inbox:  transport.Queue(inbox),
		logger: rt.Logger().With(zap.String("component", "sequencer")),
		steps:  make(map[string]*Step),
		state:  make(map[string]StepState),
	}
	src := transport.Status(message.RoutingKey(message.RoleLeader, message.TypeTaskStatus))
	if err := rt.Bind(src, transport.ConsumeOptions{}, map[message.Type]Handler{
		message.TypeTaskStatus: s.handleStatus,
	}); err != nil {
		return nil, err
	}
	return s, nil
}

// Plan adds steps and submits those whose dependencies are already met.
// Dependencies may name steps from an earlier plan. Cycles and unknown
// dependencies are rejected before anything is submitted.
func (s *Sequencer) Plan(ctx context.Context, steps []Step) error {
	s.mu.Lock()
	if err := s.validateLocked(steps); err != nil {
		s.mu.Unlock()
		return err
	}
	for i := range steps {
		st := steps[i]
		s.steps[st.ID] = &st
		s.state[st.ID] = StepWaiting
	}
	ready := s.readyLocked()
	s.mu.Unlock()

	return s.submit(ctx, ready)
}

// State returns the state of one step.
func (s *Sequencer) State(id string) (StepState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state[id]
	return st, ok
}

// States returns every step's state.
func (s *Sequencer) States() map[string]StepState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]StepState, len(s.state))
	for id, st := range s.state {
		out[id] = st
	}
	return out
}

func (s *Sequencer) validateLocked(steps []Step) error {
	graph := make(map[string][]string, len(s.steps)+len(steps))
	for id, st := range s.steps {
		graph[id] = st.DependsOn
	}
	for _, st := range steps {
		if st.ID == "" {
			return fault.Invalid("id", "every step needs an id")
		}
		if _, dup := graph[st.ID]; dup {
			return fault.Invalid("id", "step %s is already planned", st.ID)
		}
		graph[st.ID] = st.DependsOn
	}
	for id, deps := range graph {
		for _, dep := range deps {
			if _, ok := graph[dep]; !ok {
				return fault.Invalid("depends_on", "step %s depends on unknown step %s", id, dep)
			}
		}
	}

	// Kahn's algorithm: anything left with a nonzero in-degree is on a cycle.
	indegree := make(map[string]int, len(graph))
	dependents := make(map[string][]string, len(graph))
	for id, deps := range graph {
		indegree[id] = len(deps)
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], id)
		}
	}
	var queue []string
	for id, n := range indegree {
		if n == 0 {
			queue = append(queue, id)
		}
	}
	seen := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		seen++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if seen != len(graph) {
		return fault.Invalid("depends_on", "dependency cycle among %d steps", len(graph)-seen)
	}
	return nil
}

// readyLocked marks every waiting step whose dependencies completed as
// submitted and returns them in id order.
func (s *Sequencer) readyLocked() []Step {
	var ready []Step
	for id, st := range s.steps {
		if s.state[id] != StepWaiting {
			continue
		}
		ok := true
		for _, dep := range st.DependsOn {
			if s.state[dep] != StepCompleted {
				ok = false
				break
			}
		}
		if ok {
			s.state[id] = StepSubmitted
			ready = append(ready, *st)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })
	return ready
}

func (s *Sequencer) abandonLocked(failed string) []string {
	var abandoned []string
	stack := []string{failed}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for id, st := range s.steps {
			if s.state[id] != StepWaiting {
				continue
			}
			for _, dep := range st.DependsOn {
				if dep == cur {
					s.state[id] = StepAbandoned
					abandoned = append(abandoned, id)
					stack = append(stack, id)
					break
				}
			}
		}
	}
	return abandoned
}

func (s *Sequencer) submit(ctx context.Context, steps []Step) error {
	for i, st := range steps {
		msg := &message.TaskSubmit{
			TaskID:     st.ID,
			Title:      st.Title,
			Payload:    st.Payload,
			Priority:   st.Priority,
			MaxRetries: st.MaxRetries,
			TimeoutMS:  st.Timeout.Milliseconds(),
		}
		if err := s.rt.Send(ctx, s.inbox, msg, transport.PublishOptions{Persistent: true}); err != nil {
			// Nothing from here on was sent; make it eligible again.
			s.mu.Lock()
			for _, unsent := range steps[i:] {
				if s.state[unsent.ID] == StepSubmitted {
					s.state[unsent.ID] = StepWaiting
				}
			}
			s.mu.Unlock()
			return fmt.Errorf("submit step %s: %w", st.ID, err)
		}
		s.logger.Info("step submitted", zap.String("step", st.ID), zap.Strings("after", st.DependsOn))
	}
	return nil
}

func (s *Sequencer) handleStatus(ctx context.Context, env message.Envelope) error {
	body, err := env.Body()
	if err != nil {
		return err
	}
	ev := body.(*message.TaskStatus)

	s.mu.Lock()
	if _, ours := s.steps[ev.TaskID]; !ours {
		s.mu.Unlock()
		return nil
	}
	var ready []Step
	switch ev.Status {
	case "completed":
		s.state[ev.TaskID] = StepCompleted
		ready = s.readyLocked()
	case "failed", "dead_lettered":
		s.state[ev.TaskID] = StepFailed
		if abandoned := s.abandonLocked(ev.TaskID); len(abandoned) > 0 {
			s.logger.Warn("abandoning dependents of failed step",
				zap.String("step", ev.TaskID),
				zap.Strings("abandoned", abandoned))
		}
	}
	s.mu.Unlock()

	return s.submit(ctx, ready)
}
