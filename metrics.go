package binder

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the driver's Prometheus collectors.
type Metrics struct {
	Transactions *prometheus.CounterVec
	Failures     *prometheus.CounterVec
	Commands     *prometheus.CounterVec
	DeathNotices prometheus.Counter
	RoundTrip    prometheus.Histogram

	processes prometheus.Gauge
}

// NewMetrics creates the driver collectors and registers them with reg. A
// nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transactions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "binder_transactions_total",
				Help: "Transactions accepted for delivery",
			},
			[]string{"kind"},
		),
		Failures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "binder_transaction_failures_total",
				Help: "Transactions that failed, by the reply the sender got",
			},
			[]string{"reason"},
		),
		Commands: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "binder_commands_total",
				Help: "Commands delivered to userspace",
			},
			[]string{"command"},
		),
		DeathNotices: f.NewCounter(prometheus.CounterOpts{
			Name: "binder_death_notifications_total",
			Help: "Death notifications queued",
		}),
		RoundTrip: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "binder_transaction_round_trip_seconds",
			Help:    "Time from a synchronous call being submitted to its reply",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}),
		processes: f.NewGauge(prometheus.GaugeOpts{
			Name: "binder_processes",
			Help: "Open connections",
		}),
	}
}

func (m *Metrics) transaction(kind string) {
	m.Transactions.WithLabelValues(kind).Inc()
}

func (m *Metrics) failure(k FailureKind) {
	m.Failures.WithLabelValues(k.String()).Inc()
}

func (m *Metrics) command(k commandKind) {
	m.Commands.WithLabelValues(k.String()).Inc()
}

func (m *Metrics) deathNotice() {
	m.DeathNotices.Inc()
}

func (m *Metrics) roundTrip(d time.Duration) {
	m.RoundTrip.Observe(d.Seconds())
}

// Processes is the gauge of open connections.
func (m *Metrics) Processes() prometheus.Gauge {
	return m.processes
}
