// Package metrics exposes hive counters to Prometheus. A nil *Collector is
// valid and records nothing, so engines can run without a registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector owns every hive metric on a private registry.
type Collector struct {
	registry *prometheus.Registry

	published      *prometheus.CounterVec
	deadLetters    *prometheus.CounterVec
	reconnects     prometheus.Counter
	tasksSubmitted *prometheus.CounterVec
	taskTerminal   *prometheus.CounterVec
	taskRetries    prometheus.Counter
	votesCast      *prometheus.CounterVec
	sessionsClosed *prometheus.CounterVec
	agents         *prometheus.GaugeVec
	statusEvents   *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector registers the hive metrics under namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.published = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_published_total",
		Help:      "Envelopes published, by destination kind and result",
	}, []string{"kind", "result"})

	c.deadLetters = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dead_letters_total",
		Help:      "Messages moved to the dead-letter stream",
	}, []string{"reason"})

	c.reconnects = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transport_reconnects_total",
		Help:      "Consumer read failures followed by a backoff and topology re-declare",
	})

	c.tasksSubmitted = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_submitted_total",
		Help:      "Tasks accepted by the distribution engine",
	}, []string{"priority"})

	c.taskTerminal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_terminal_total",
		Help:      "Tasks that reached a terminal status",
	}, []string{"status"})

	c.taskRetries = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_retries_total",
		Help:      "Task reassignments after failure or deadline",
	})

	c.votesCast = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "votes_cast_total",
		Help:      "Accepted votes by algorithm",
	}, []string{"algorithm"})

	c.sessionsClosed = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_closed_total",
		Help:      "Closed vote sessions by outcome",
	}, []string{"algorithm", "outcome"})

	c.agents = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "agents",
		Help:      "Known agents by role and status",
	}, []string{"role", "status"})

	c.statusEvents = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "status_events_total",
		Help:      "Status channel events observed by a monitor",
	}, []string{"routing_key"})

	return c
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) Published(kind string, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.published.WithLabelValues(kind, result).Inc()
}

func (c *Collector) DeadLettered(reason string) {
	if c == nil {
		return
	}
	c.deadLetters.WithLabelValues(reason).Inc()
}

func (c *Collector) Reconnected() {
	if c == nil {
		return
	}
	c.reconnects.Inc()
}

func (c *Collector) TaskSubmitted(priority string) {
	if c == nil {
		return
	}
	c.tasksSubmitted.WithLabelValues(priority).Inc()
}

func (c *Collector) TaskTerminal(status string) {
	if c == nil {
		return
	}
	c.taskTerminal.WithLabelValues(status).Inc()
}

func (c *Collector) TaskRetried() {
	if c == nil {
		return
	}
	c.taskRetries.Inc()
}

func (c *Collector) VoteCast(algorithm string) {
	if c == nil {
		return
	}
	c.votesCast.WithLabelValues(algorithm).Inc()
}

func (c *Collector) SessionClosed(algorithm, outcome string) {
	if c == nil {
		return
	}
	c.sessionsClosed.WithLabelValues(algorithm, outcome).Inc()
}

// SetAgents replaces the agent gauge with counts keyed by role then status.
func (c *Collector) SetAgents(counts map[string]map[string]int) {
	if c == nil {
		return
	}
	c.agents.Reset()
	for role, byStatus := range counts {
		for status, n := range byStatus {
			c.agents.WithLabelValues(role, status).Set(float64(n))
		}
	}
}

func (c *Collector) StatusEvent(routingKey string) {
	if c == nil {
		return
	}
	c.statusEvents.WithLabelValues(routingKey).Inc()
}
