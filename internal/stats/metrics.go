package stats

import (
	"errors"
	"time"

	"github.com/mpataki/neuron/internal/models"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for worker activity. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	itemsReceived  prometheus.Counter
	itemsCompleted *prometheus.CounterVec
	itemDuration   prometheus.Histogram
	itemsInFlight  prometheus.Gauge
	pollBackoff    prometheus.Gauge
	submissions    *prometheus.CounterVec
}

// MustNewMetrics registers the worker collectors with reg. Tests should pass
// a fresh prometheus.NewRegistry(). Collectors that are already registered
// are reused.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		itemsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "neuron",
			Subsystem: "worker",
			Name:      "items_received_total",
			Help:      "Work items received from the queue.",
		}),
		itemsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "neuron",
			Subsystem: "worker",
			Name:      "items_completed_total",
			Help:      "Work items whose execution finished, by outcome.",
		}, []string{"outcome"}),
		itemDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "neuron",
			Subsystem: "worker",
			Name:      "item_duration_seconds",
			Help:      "Agent execution time per work item.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		itemsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "neuron",
			Subsystem: "worker",
			Name:      "items_in_flight",
			Help:      "Work items currently executing.",
		}),
		pollBackoff: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "neuron",
			Subsystem: "worker",
			Name:      "poll_backoff_seconds",
			Help:      "Current delay between polls.",
		}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "neuron",
			Subsystem: "worker",
			Name:      "submissions_total",
			Help:      "Result submissions, by status.",
		}, []string{"status"}),
	}

	m.itemsReceived = register(reg, m.itemsReceived)
	m.itemsCompleted = register(reg, m.itemsCompleted)
	m.itemDuration = register(reg, m.itemDuration)
	m.itemsInFlight = register(reg, m.itemsInFlight)
	m.pollBackoff = register(reg, m.pollBackoff)
	m.submissions = register(reg, m.submissions)

	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) received() {
	if m == nil {
		return
	}
	m.itemsReceived.Inc()
}

func (m *Metrics) completed(result models.ExecutionResult, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	switch {
	case result.Success:
	case result.TimedOut:
		outcome = "timeout"
	default:
		outcome = "failure"
	}
	m.itemsCompleted.WithLabelValues(outcome).Inc()
	m.itemDuration.Observe(d.Seconds())
}

func (m *Metrics) setInFlight(n int) {
	if m == nil {
		return
	}
	m.itemsInFlight.Set(float64(n))
}

// SetBackoff records the current poll delay.
func (m *Metrics) SetBackoff(d time.Duration) {
	if m == nil {
		return
	}
	m.pollBackoff.Set(d.Seconds())
}

// Submitted counts one submission attempt outcome.
func (m *Metrics) Submitted(status models.SubmitStatus) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(string(status)).Inc()
}
