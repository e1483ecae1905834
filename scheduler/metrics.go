package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the crawl loop
type Metrics struct {
	TasksTotal        *prometheus.CounterVec
	ResponsesAppended prometheus.Counter
	DomainsTotal      *prometheus.CounterVec
	CycleDuration     prometheus.Histogram
	CycleTasks        prometheus.Histogram
	ProviderLatency   *prometheus.HistogramVec
	CircuitState      *prometheus.GaugeVec
	CircuitRejections *prometheus.CounterVec
	QueueDepth        *prometheus.GaugeVec
	InFlight          prometheus.Gauge
}

// NewMetrics creates and registers the crawl metrics. Pass
// prometheus.DefaultRegisterer in production, a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "domainpulse",
			Name:      "tasks_total",
			Help:      "Dispatch outcomes by provider and terminal task state",
		}, []string{"provider", "outcome"}),
		ResponsesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "domainpulse",
			Name:      "responses_appended_total",
			Help:      "Responses persisted to the append-only log",
		}),
		DomainsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "domainpulse",
			Name:      "domains_total",
			Help:      "Domain lifecycle transitions by terminal status",
		}, []string{"status"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "domainpulse",
			Name:      "cycle_duration_seconds",
			Help:      "Wall-clock duration of one scheduler cycle",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		CycleTasks: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "domainpulse",
			Name:      "cycle_tasks",
			Help:      "Tasks dispatched per cycle",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}),
		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "domainpulse",
			Name:      "provider_latency_seconds",
			Help:      "Upstream call latency by provider",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"provider"}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "domainpulse",
			Name:      "circuit_state",
			Help:      "Circuit breaker state by provider (0=closed 1=half-open 2=open)",
		}, []string{"provider"}),
		CircuitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "domainpulse",
			Name:      "circuit_rejections_total",
			Help:      "Tasks short-circuited by an open breaker",
		}, []string{"provider"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "domainpulse",
			Name:      "queue_depth",
			Help:      "Domains per lifecycle status",
		}, []string{"status"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "domainpulse",
			Name:      "tasks_in_flight",
			Help:      "Tasks currently executing",
		}),
	}

	reg.MustRegister(
		m.TasksTotal,
		m.ResponsesAppended,
		m.DomainsTotal,
		m.CycleDuration,
		m.CycleTasks,
		m.ProviderLatency,
		m.CircuitState,
		m.CircuitRejections,
		m.QueueDepth,
		m.InFlight,
	)
	return m
}

// circuitMetrics bridges the breaker's collector interface onto Prometheus
type circuitMetrics struct {
	m *Metrics
}

func (c *circuitMetrics) RecordSuccess(name string) {}

func (c *circuitMetrics) RecordFailure(name string, errorType string) {}

func (c *circuitMetrics) RecordStateChange(name string, from, to string) {
	var v float64
	switch to {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	c.m.CircuitState.WithLabelValues(name).Set(v)
}

func (c *circuitMetrics) RecordRejection(name string) {
	c.m.CircuitRejections.WithLabelValues(name).Inc()
}
