package agent

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-hive/internal/message"
	"github.com/nidhogg/nuka-hive/internal/metrics"
)

// CapabilityExpert marks an agent whose vote counts double in expertise
// quorums and tie-breaks.
const CapabilityExpert = "expert"

// Info is the directory's view of one agent.
type Info struct {
	ID            string       `json:"id"`
	Role          message.Role `json:"role"`
	Status        Status       `json:"status"`
	Capabilities  []string     `json:"capabilities,omitempty"`
	CurrentTaskID string       `json:"current_task_id,omitempty"`
	RegisteredAt  time.Time    `json:"registered_at"`
	LastSeen      time.Time    `json:"last_seen"`
}

// Persister stores directory snapshots.
type Persister interface {
	SaveAgent(ctx context.Context, a Info) error
	DeleteAgent(ctx context.Context, id string) error
}

// DirectoryConfig tunes liveness detection.
type DirectoryConfig struct {
	HeartbeatInterval time.Duration
	OfflineMultiplier int
	EvictAfter        time.Duration
}

func (c DirectoryConfig) withDefaults() DirectoryConfig {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.OfflineMultiplier <= 0 {
		c.OfflineMultiplier = 3
	}
	if c.EvictAfter <= 0 {
		c.EvictAfter = 10 * time.Minute
	}
	return c
}

// Directory tracks every agent the leader has heard from.
type Directory struct {
	cfg       DirectoryConfig
	persister Persister
	onOffline func(ctx context.Context, agentID string) error
	onWorking func(ctx context.Context, taskID, agentID string) error
	metrics   *metrics.Collector
	logger    *zap.Logger
	now       func() time.Time

	mu     sync.RWMutex
	agents map[string]*Info
}

// NewDirectory creates an empty directory.
func NewDirectory(cfg DirectoryConfig, logger *zap.Logger) *Directory {
	return &Directory{
		cfg:    cfg.withDefaults(),
		logger: logger.With(zap.String("component", "directory")),
		now:    func() time.Time { return time.Now().UTC() },
		agents: make(map[string]*Info),
	}
}

// SetPersister attaches durable storage for snapshots.
func (d *Directory) SetPersister(p Persister) { d.persister = p }

// SetMetrics attaches a collector.
func (d *Directory) SetMetrics(m *metrics.Collector) { d.metrics = m }

// OnOffline registers the hook run when an agent misses its heartbeats or
// deregisters.
func (d *Directory) OnOffline(fn func(ctx context.Context, agentID string) error) { d.onOffline = fn }

// OnWorking registers the hook run when a heartbeat names the task an agent
// is running.
func (d *Directory) OnWorking(fn func(ctx context.Context, taskID, agentID string) error) {
	d.onWorking = fn
}

// HandledTypes are the status events Handle understands.
var HandledTypes = []message.Type{
	message.TypeAgentRegister,
	message.TypeHeartbeat,
	message.TypeAgentDeregister,
}

// Handle applies a status event.
func (d *Directory) Handle(ctx context.Context, env message.Envelope) error {
	body, err := env.Body()
	if err != nil {
		return err
	}
	switch p := body.(type) {
	case *message.AgentRegister:
		return d.Register(ctx, env.SenderID, env.SenderRole, p.Capabilities, Status(p.Status))
	case *message.Heartbeat:
		return d.Heartbeat(ctx, env.SenderID, env.SenderRole, p)
	case *message.AgentDeregister:
		return d.Deregister(ctx, env.SenderID, p.Reason)
	}
	return fmt.Errorf("directory cannot handle %s", env.Type)
}

// Register adds or refreshes an agent. A zero status means idle.
func (d *Directory) Register(ctx context.Context, id string, role message.Role, caps []string, status Status) error {
	if id == "" || !role.Valid() {
		return fmt.Errorf("register agent %q with role %q: invalid identity", id, role)
	}
	if status == "" || status == StatusRegistering {
		status = StatusIdle
	}

	d.mu.Lock()
	a, known := d.agents[id]
	now := d.now()
	if !known {
		a = &Info{ID: id, Role: role, Status: StatusRegistering, RegisteredAt: now}
		d.agents[id] = a
	}
	a.Role = role
	a.Capabilities = slices.Clone(caps)
	a.LastSeen = now
	d.moveLocked(a, status)
	snap := *a
	d.mu.Unlock()

	if !known {
		d.logger.Info("agent registered",
			zap.String("agent", id),
			zap.String("role", string(role)),
			zap.Strings("capabilities", caps))
	}
	d.save(ctx, snap)
	return nil
}

// Heartbeat refreshes liveness. An unknown sender is registered implicitly
// and an offline one comes back as idle.
func (d *Directory) Heartbeat(ctx context.Context, id string, role message.Role, hb *message.Heartbeat) error {
	d.mu.RLock()
	_, known := d.agents[id]
	d.mu.RUnlock()
	if !known {
		if err := d.Register(ctx, id, role, hb.Capabilities, Status(hb.Status)); err != nil {
			return err
		}
	}

	d.mu.Lock()
	a, ok := d.agents[id]
	if !ok {
		d.mu.Unlock()
		return nil
	}
	a.LastSeen = d.now()
	if len(hb.Capabilities) > 0 {
		a.Capabilities = slices.Clone(hb.Capabilities)
	}
	prevTask := a.CurrentTaskID
	a.CurrentTaskID = hb.CurrentTaskID
	status := Status(hb.Status)
	if status == "" {
		status = StatusIdle
	}
	changed := d.moveLocked(a, status)
	snap := *a
	d.mu.Unlock()

	if changed || prevTask != snap.CurrentTaskID {
		d.save(ctx, snap)
	}
	if snap.CurrentTaskID != "" && d.onWorking != nil {
		if err := d.onWorking(ctx, snap.CurrentTaskID, id); err != nil {
			d.logger.Warn("working hook failed",
				zap.String("agent", id),
				zap.String("task", snap.CurrentTaskID),
				zap.Error(err))
		}
	}
	return nil
}

// Deregister removes an agent that is leaving and releases its work.
func (d *Directory) Deregister(ctx context.Context, id, reason string) error {
	d.mu.Lock()
	_, ok := d.agents[id]
	delete(d.agents, id)
	d.mu.Unlock()
	if !ok {
		return nil
	}

	d.logger.Info("agent deregistered", zap.String("agent", id), zap.String("reason", reason))
	d.release(ctx, id)
	if d.persister != nil {
		if err := d.persister.DeleteAgent(ctx, id); err != nil {
			d.logger.Warn("agent snapshot not deleted", zap.String("agent", id), zap.Error(err))
		}
	}
	return nil
}

// Get returns one agent.
func (d *Directory) Get(id string) (Info, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.agents[id]
	if !ok {
		return Info{}, fmt.Errorf("agent %s: %w", id, ErrAgentNotFound)
	}
	return *a, nil
}

// List returns agents sorted by id, optionally filtered by role.
func (d *Directory) List(role message.Role) []Info {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Info, 0, len(d.agents))
	for _, a := range d.agents {
		if role == "" || a.Role == role {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RoleOf returns the current role of an agent.
func (d *Directory) RoleOf(id string) (message.Role, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.agents[id]
	if !ok {
		return "", false
	}
	return a.Role, true
}

// IsExpert reports whether id advertises the expert capability.
func (d *Directory) IsExpert(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.agents[id]
	return ok && slices.Contains(a.Capabilities, CapabilityExpert)
}

// Counts tallies agents by role and status.
func (d *Directory) Counts() map[string]map[string]int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]map[string]int)
	for _, a := range d.agents {
		byStatus, ok := out[string(a.Role)]
		if !ok {
			byStatus = make(map[string]int)
			out[string(a.Role)] = byStatus
		}
		byStatus[string(a.Status)]++
	}
	return out
}

// OnTick flags agents that missed OfflineMultiplier heartbeats as offline,
// releasing their work, and evicts agents offline longer than EvictAfter.
func (d *Directory) OnTick(now time.Time) {
	silence := time.Duration(d.cfg.OfflineMultiplier) * d.cfg.HeartbeatInterval

	var lost, evicted []string
	var snaps []Info
	d.mu.Lock()
	for id, a := range d.agents {
		idle := now.Sub(a.LastSeen)
		switch {
		case a.Status == StatusOffline && idle > d.cfg.EvictAfter:
			delete(d.agents, id)
			evicted = append(evicted, id)
		case a.Status != StatusOffline && idle > silence:
			d.moveLocked(a, StatusOffline)
			a.CurrentTaskID = ""
			lost = append(lost, id)
			snaps = append(snaps, *a)
		}
	}
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, id := range lost {
		d.logger.Warn("agent missed heartbeats", zap.String("agent", id), zap.Duration("silence", silence))
		d.release(ctx, id)
	}
	for _, s := range snaps {
		d.save(ctx, s)
	}
	for _, id := range evicted {
		d.logger.Info("agent evicted", zap.String("agent", id))
		if d.persister != nil {
			if err := d.persister.DeleteAgent(ctx, id); err != nil {
				d.logger.Warn("agent snapshot not deleted", zap.String("agent", id), zap.Error(err))
			}
		}
	}
	d.metrics.SetAgents(d.Counts())
}

// moveLocked walks a to status and reports whether it changed.
func (d *Directory) moveLocked(a *Info, status Status) bool {
	steps, err := path(a.Status, status)
	if err != nil {
		d.logger.Warn("ignoring agent status", zap.String("agent", a.ID), zap.Error(err))
		return false
	}
	for _, s := range steps {
		d.logger.Debug("agent transition",
			zap.String("agent", a.ID),
			zap.String("from", string(a.Status)),
			zap.String("to", string(s)))
		a.Status = s
	}
	return len(steps) > 0
}

func (d *Directory) release(ctx context.Context, id string) {
	if d.onOffline == nil {
		return
	}
	if err := d.onOffline(ctx, id); err != nil {
		d.logger.Error("releasing work of offline agent failed", zap.String("agent", id), zap.Error(err))
	}
}

func (d *Directory) save(ctx context.Context, a Info) {
	if d.persister == nil {
		return
	}
	if err := d.persister.SaveAgent(ctx, a); err != nil {
		d.logger.Warn("agent snapshot not saved", zap.String("agent", a.ID), zap.Error(err))
	}
}
