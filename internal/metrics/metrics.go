// Package metrics exposes Prometheus instrumentation.
//
// Each process owns one Metrics value backed by its own registry, so
// tests can construct instances freely without colliding on the global
// default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sluice"

// Metrics bundles the platform's collectors.
type Metrics struct {
	registry *prometheus.Registry

	// EventsIngested counts ingest requests, labeled by whether the
	// external id was already known.
	EventsIngested *prometheus.CounterVec

	// AttemptsFinished counts finalized processing attempts by status.
	AttemptsFinished *prometheus.CounterVec

	// RuleExecutions counts per-rule outcomes by result.
	RuleExecutions *prometheus.CounterVec

	// ClaimPolls counts worker polls by outcome.
	ClaimPolls *prometheus.CounterVec

	// EventsReplayed counts events returned to pending via replay.
	EventsReplayed prometheus.Counter

	// EventsRecovered counts stuck events returned to pending.
	EventsRecovered prometheus.Counter

	// ProcessingDuration observes full event processing time.
	ProcessingDuration prometheus.Histogram

	// WebhookDuration observes call_webhook dispatch time.
	WebhookDuration prometheus.Histogram

	// WSClients tracks connected live-update subscribers.
	WSClients prometheus.Gauge
}

// New builds a Metrics with a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		EventsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "Events received on the ingest endpoint.",
		}, []string{"deduplicated"}),
		AttemptsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_finished_total",
			Help:      "Finalized processing attempts by status.",
		}, []string{"status"}),
		RuleExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_executions_total",
			Help:      "Per-rule execution outcomes.",
		}, []string{"result"}),
		ClaimPolls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claim_polls_total",
			Help:      "Worker claim polls by outcome.",
		}, []string{"outcome"}),
		EventsReplayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_replayed_total",
			Help:      "Events returned to pending by replay requests.",
		}),
		EventsRecovered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_recovered_total",
			Help:      "Stuck events returned to pending by recovery.",
		}),
		ProcessingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processing_duration_seconds",
			Help:      "Wall time spent processing one event.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		WebhookDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_duration_seconds",
			Help:      "Wall time spent on call_webhook dispatches.",
			Buckets:   prometheus.DefBuckets,
		}),
		WSClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_clients",
			Help:      "Connected live-update subscribers.",
		}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
