package orchestrator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes Prometheus-compatible counters, gauges and histograms for
// the claim engine, worker pool, and circuit breaker hierarchy. All metrics
// are namespaced "orchestrator_".
type Metrics struct {
	activeWorkers  prometheus.Gauge
	pendingTasks   prometheus.Gauge
	inProgress     prometheus.Gauge
	invocationsUsed prometheus.Gauge

	stageLatency *prometheus.HistogramVec

	attempts      *prometheus.CounterVec
	circuitTrips  *prometheus.CounterVec
	circuitResets *prometheus.CounterVec
	claimConflicts prometheus.Counter
	tasksBlocked  *prometheus.CounterVec

	registry prometheus.Registerer
	mu       sync.RWMutex
	enabled  bool
}

// NewMetrics creates and registers every orchestrator metric against
// registry. Pass prometheus.DefaultRegisterer for the global registry or a
// fresh *prometheus.Registry for test isolation.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	m := &Metrics{registry: registry, enabled: true}

	m.activeWorkers = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Name:      "active_workers",
		Help:      "Number of workers currently registered as active",
	})

	m.pendingTasks = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Name:      "pending_tasks",
		Help:      "Number of tasks currently runnable but unclaimed",
	})

	m.inProgress = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Name:      "in_progress_tasks",
		Help:      "Number of tasks currently claimed and being executed",
	})

	m.invocationsUsed = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Name:      "invocations_used",
		Help:      "Cumulative LLM invocations consumed in the current run",
	})

	m.stageLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "orchestrator",
		Name:      "stage_latency_ms",
		Help:      "Stage execution duration in milliseconds",
		Buckets:   []float64{50, 100, 500, 1000, 5000, 15000, 30000, 60000, 300000},
	}, []string{"stage", "status"})

	m.attempts = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "stage_attempts_total",
		Help:      "Cumulative stage attempts by stage and outcome",
	}, []string{"stage", "success"})

	m.circuitTrips = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "circuit_trips_total",
		Help:      "Cumulative circuit breaker trips by scope",
	}, []string{"scope", "scope_id"})

	m.circuitResets = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "circuit_resets_total",
		Help:      "Cumulative circuit breaker resets by scope and trigger",
	}, []string{"scope", "trigger"})

	m.claimConflicts = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "claim_conflicts_total",
		Help:      "Cumulative optimistic-lock conflicts encountered while claiming tasks",
	})

	m.tasksBlocked = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "tasks_blocked_total",
		Help:      "Cumulative tasks moved to a blocked state, by reason",
	}, []string{"reason"})

	return m
}

func (m *Metrics) RecordStageLatency(stage Stage, d time.Duration, success bool) {
	if !m.enabled {
		return
	}
	m.stageLatency.WithLabelValues(string(stage), statusLabel(success)).Observe(float64(d.Milliseconds()))
	m.attempts.WithLabelValues(string(stage), statusLabel(success)).Inc()
}

func (m *Metrics) UpdateActiveWorkers(n int)  { m.setGauge(m.activeWorkers, n) }
func (m *Metrics) UpdatePendingTasks(n int)   { m.setGauge(m.pendingTasks, n) }
func (m *Metrics) UpdateInProgressTasks(n int) { m.setGauge(m.inProgress, n) }
func (m *Metrics) UpdateInvocationsUsed(n int) { m.setGauge(m.invocationsUsed, n) }

func (m *Metrics) setGauge(g prometheus.Gauge, n int) {
	if !m.enabled {
		return
	}
	g.Set(float64(n))
}

func (m *Metrics) IncrementCircuitTrip(scope, scopeID string) {
	if !m.enabled {
		return
	}
	m.circuitTrips.WithLabelValues(scope, scopeID).Inc()
}

func (m *Metrics) IncrementCircuitReset(scope, trigger string) {
	if !m.enabled {
		return
	}
	m.circuitResets.WithLabelValues(scope, trigger).Inc()
}

func (m *Metrics) IncrementClaimConflict() {
	if !m.enabled {
		return
	}
	m.claimConflicts.Inc()
}

func (m *Metrics) IncrementTaskBlocked(reason string) {
	if !m.enabled {
		return
	}
	m.tasksBlocked.WithLabelValues(reason).Inc()
}

// Disable stops metric recording without unregistering collectors, useful
// in tests that construct many short-lived pools against one registry.
func (m *Metrics) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

func (m *Metrics) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
