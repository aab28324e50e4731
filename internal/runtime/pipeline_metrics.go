package runtime

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/behaviorflow/internal/runtime/stream"
)

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// PipelineMetrics records finished pipeline invocations as Prometheus series
// and keeps per-kind PipelineStats for the diagnostics endpoint.
type PipelineMetrics struct {
	mu sync.RWMutex

	kinds   map[string]*PipelineStats
	sampler *resourceTracker

	// active holds the ids of pipes counted in inFlight.
	activeMu sync.Mutex
	active   map[string]struct{}

	invocationsTotal   *prometheus.CounterVec
	inFlight           *prometheus.GaugeVec
	stepsTotal         *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	stepDuration       *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// PipelineMetricsSnapshot is a point-in-time view of all pipeline kinds.
type PipelineMetricsSnapshot struct {
	TotalInvocations uint64                    `json:"total_invocations"`
	TotalFailed      uint64                    `json:"total_failed"`
	Kinds            map[string]*PipelineStats `json:"kinds"`
	CollectedAt      time.Time                 `json:"collected_at"`
}

func newPipelineCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "behaviorflow",
			Subsystem: "pipeline",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newPipelineGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "behaviorflow",
			Subsystem: "pipeline",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newPipelineHistogramVec(name, help string, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "behaviorflow",
			Subsystem: "pipeline",
			Name:      name,
			Help:      help,
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
		labels,
	)
}

// NewPipelineMetrics creates a collector. A nil registerer falls back to the
// Prometheus default registerer.
func NewPipelineMetrics(registerer prometheus.Registerer) *PipelineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &PipelineMetrics{
		kinds:              make(map[string]*PipelineStats),
		active:             make(map[string]struct{}),
		sampler:            newResourceTracker(),
		registerer:         registerer,
		invocationsTotal:   newPipelineCounterVec("invocations_total", "Total number of finished pipeline invocations", []string{"kind", "outcome"}),
		inFlight:           newPipelineGaugeVec("invocations_in_flight", "Pipeline invocations currently executing", []string{"kind"}),
		stepsTotal:         newPipelineCounterVec("steps_total", "Total number of behavior steps executed", []string{"kind", "behavior"}),
		invocationDuration: newPipelineHistogramVec("invocation_duration_seconds", "Wall time of a pipeline invocation", []string{"kind", "outcome"}),
		stepDuration:       newPipelineHistogramVec("step_duration_seconds", "Duration of behaviors that completed without error", []string{"behavior"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *PipelineMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.invocationsTotal,
		m.inFlight,
		m.stepsTotal,
		m.invocationDuration,
		m.stepDuration,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// Observe subscribes to both streams of the registry. Unsubscribing the
// returned subscription detaches the collector.
func (m *PipelineMetrics) Observe(registry *InvocationRegistry) stream.Subscription {
	started := registry.Subscribe(stream.ObserverFuncs[*Pipe]{
		Next: m.recordStart,
	})
	finished := registry.Finished().Subscribe(stream.ObserverFuncs[*Pipe]{
		Next: m.RecordInvocation,
	})
	return subscriptions{started, finished}
}

func (m *PipelineMetrics) recordStart(p *Pipe) {
	m.activeMu.Lock()
	m.active[p.ID()] = struct{}{}
	m.activeMu.Unlock()
	m.inFlight.WithLabelValues(p.Kind().String()).Inc()
}

// RecordInvocation records a finished pipe. The in-flight gauge only drops
// for pipes whose start was observed.
func (m *PipelineMetrics) RecordInvocation(p *Pipe) {
	kind := p.Kind().String()
	outcome := outcomeSuccess
	if p.Err() != nil {
		outcome = outcomeFailure
	}

	m.activeMu.Lock()
	_, tracked := m.active[p.ID()]
	delete(m.active, p.ID())
	m.activeMu.Unlock()
	if tracked {
		m.inFlight.WithLabelValues(kind).Dec()
	}
	m.invocationsTotal.WithLabelValues(kind, outcome).Inc()
	m.invocationDuration.WithLabelValues(kind, outcome).Observe(p.Duration().Seconds())
	for _, step := range p.Steps() {
		behavior := step.Behavior.String()
		m.stepsTotal.WithLabelValues(kind, behavior).Inc()
		if step.Duration > 0 {
			m.stepDuration.WithLabelValues(behavior).Observe(step.Duration.Seconds())
		}
	}

	m.statsFor(kind).record(p)
}

func (m *PipelineMetrics) statsFor(kind string) *PipelineStats {
	m.mu.RLock()
	stats, ok := m.kinds[kind]
	m.mu.RUnlock()
	if ok {
		return stats
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if stats, ok = m.kinds[kind]; !ok {
		stats = newPipelineStats(kind, m.sampler)
		m.kinds[kind] = stats
	}
	return stats
}

// GetKindStats returns a copy of the stats for a pipeline kind, or nil.
func (m *PipelineMetrics) GetKindStats(kind string) *PipelineStats {
	m.mu.RLock()
	stats, ok := m.kinds[kind]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return stats.clone()
}

// Kinds lists the pipeline kinds seen so far.
func (m *PipelineMetrics) Kinds() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.kinds))
	for kind := range m.kinds {
		out = append(out, kind)
	}
	sort.Strings(out)
	return out
}

// GetSnapshot returns a point-in-time snapshot of all kinds.
func (m *PipelineMetrics) GetSnapshot() PipelineMetricsSnapshot {
	m.mu.RLock()
	stats := make([]*PipelineStats, 0, len(m.kinds))
	for _, s := range m.kinds {
		stats = append(stats, s)
	}
	m.mu.RUnlock()

	snapshot := PipelineMetricsSnapshot{
		Kinds:       make(map[string]*PipelineStats, len(stats)),
		CollectedAt: time.Now(),
	}
	for _, s := range stats {
		c := s.clone()
		snapshot.Kinds[c.kind] = c
		snapshot.TotalInvocations += c.Invocations
		snapshot.TotalFailed += c.Failed
	}
	return snapshot
}

// Reset clears the in-memory stats. Prometheus series are left untouched.
func (m *PipelineMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kinds = make(map[string]*PipelineStats)
}

type subscriptions []stream.Subscription

func (s subscriptions) Unsubscribe() {
	for _, sub := range s {
		sub.Unsubscribe()
	}
}
