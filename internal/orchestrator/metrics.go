package orchestrator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report child-session activity.
type Metrics struct {
	spawnsTotal      *prometheus.CounterVec
	completionsTotal *prometheus.CounterVec
	childrenActive   prometheus.Gauge
	toolCallDuration *prometheus.HistogramVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry. Collectors are created only once to avoid
// duplicate registration panics when multiple handlers exist in one process.
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Callers that need unique metric names (tests) should supply a fresh
// registry. Registration errors other than AlreadyRegistered panic, which
// mirrors promauto semantics and surfaces configuration bugs early.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	spawnsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dyno",
			Subsystem: "orchestrator",
			Name:      "child_spawns_total",
			Help:      "Total number of child sessions spawned, by model.",
		},
		[]string{"model"},
	)
	completionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dyno",
			Subsystem: "orchestrator",
			Name:      "child_completions_total",
			Help:      "Child sessions reaching a terminal status.",
		},
		[]string{"status"},
	)
	childrenActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dyno",
			Subsystem: "orchestrator",
			Name:      "children_active",
			Help:      "Number of child sessions currently running.",
		},
	)
	toolCallDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dyno",
			Subsystem: "orchestrator",
			Name:      "child_tool_call_duration_seconds",
			Help:      "Duration of tool calls executed inside child sessions.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"tool", "status"},
	)

	collectors := []prometheus.Collector{spawnsTotal, completionsTotal, childrenActive, toolCallDuration}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch collector {
				case spawnsTotal:
					spawnsTotal = already.ExistingCollector.(*prometheus.CounterVec)
				case completionsTotal:
					completionsTotal = already.ExistingCollector.(*prometheus.CounterVec)
				case childrenActive:
					childrenActive = already.ExistingCollector.(prometheus.Gauge)
				case toolCallDuration:
					toolCallDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		spawnsTotal:      spawnsTotal,
		completionsTotal: completionsTotal,
		childrenActive:   childrenActive,
		toolCallDuration: toolCallDuration,
	}
}

// ChildSpawned records a spawn for the given model and marks it active.
func (m *Metrics) ChildSpawned(model string) {
	if m == nil {
		return
	}
	m.spawnsTotal.WithLabelValues(model).Inc()
	m.childrenActive.Inc()
}

// ChildResumed marks a completed child re-entering the running state.
func (m *Metrics) ChildResumed() {
	if m == nil {
		return
	}
	m.childrenActive.Inc()
}

// ChildFinished records the terminal status of a child and marks it inactive.
func (m *Metrics) ChildFinished(status string) {
	if m == nil {
		return
	}
	m.completionsTotal.WithLabelValues(status).Inc()
	m.childrenActive.Dec()
}

// ObserveToolCall records one timed child tool execution.
func (m *Metrics) ObserveToolCall(tool string, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if !success {
		status = "error"
	}
	m.toolCallDuration.WithLabelValues(tool, status).Observe(duration.Seconds())
}
