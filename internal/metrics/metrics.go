package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	Operations       *prometheus.CounterVec
	TxAttempts       *prometheus.CounterVec
	TxDuration       *prometheus.HistogramVec
	SweptAllocations *prometheus.CounterVec
	OutboxPublished  *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec
}

func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_operations_total",
				Help: "Escrow engine operations by outcome.",
			},
			[]string{"operation", "outcome"},
		),
		TxAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_tx_attempts_total",
				Help: "Unit-of-work attempts, including transient retries.",
			},
			[]string{"operation", "result"},
		),
		TxDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_tx_duration_seconds",
				Help:    "Duration of a unit of work across all of its attempts.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		SweptAllocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_expiry_swept_total",
				Help: "Allocations handled by the expiry sweep.",
			},
			[]string{"result"},
		),
		OutboxPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_outbox_published_total",
				Help: "Outbox events relayed to the export topic.",
			},
			[]string{"status"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "route", "status"},
		),
	}
	if registry != nil {
		registry.MustRegister(
			m.Operations,
			m.TxAttempts,
			m.TxDuration,
			m.SweptAllocations,
			m.OutboxPublished,
			m.HTTPRequests,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Observe records an operation outcome. Safe on a nil receiver so services
// can run without metrics in tests.
func (m *Metrics) Observe(operation, outcome string) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(operation, outcome).Inc()
}
