package webhook

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks webhook admission and wake activity.
type Metrics struct {
	admittedTotal *prometheus.CounterVec
	rejectedTotal *prometheus.CounterVec
	wakesTotal    *prometheus.CounterVec
	wakeDuration  prometheus.Histogram
}

var (
	defaultMetricsOnce sync.Once
	defaultMetrics     *Metrics
)

// DefaultMetrics registers on the global registry exactly once.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// MustNewMetrics registers the webhook collectors on reg, reusing any
// collectors a previous caller already registered.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		admittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dyno", Subsystem: "webhook",
			Name: "admitted_total", Help: "Webhook deliveries accepted.",
		}, []string{"provider"}),
		rejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dyno", Subsystem: "webhook",
			Name: "rejected_total", Help: "Webhook deliveries rejected, by stage.",
		}, []string{"stage"}),
		wakesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dyno", Subsystem: "webhook",
			Name: "wakes_total", Help: "Headless wake runs, by outcome.",
		}, []string{"outcome"}),
		wakeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dyno", Subsystem: "webhook",
			Name: "wake_duration_seconds", Help: "Headless wake run duration.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
	}
	m.admittedTotal = registerCounterVec(reg, m.admittedTotal)
	m.rejectedTotal = registerCounterVec(reg, m.rejectedTotal)
	m.wakesTotal = registerCounterVec(reg, m.wakesTotal)
	if err := reg.Register(m.wakeDuration); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			m.wakeDuration = are.ExistingCollector.(prometheus.Histogram)
		} else {
			panic(err)
		}
	}
	return m
}

func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(*prometheus.CounterVec)
		}
		panic(err)
	}
	return c
}

func (m *Metrics) Admitted(provider string) {
	if m == nil {
		return
	}
	m.admittedTotal.WithLabelValues(provider).Inc()
}

func (m *Metrics) Rejected(stage string) {
	if m == nil {
		return
	}
	m.rejectedTotal.WithLabelValues(stage).Inc()
}

func (m *Metrics) WakeFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.wakesTotal.WithLabelValues(outcome).Inc()
	m.wakeDuration.Observe(d.Seconds())
}
