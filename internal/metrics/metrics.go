// Package metrics owns the per-process Prometheus registry. Every service
// creates one Registry at startup and exposes it on GET /metrics; components
// receive it through their constructors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the fleet's metric families. The stream gauges are the
// primary backpressure signal; operators scale consumers on stream_pending
// and alert on stream_dlq_depth growth.
type Registry struct {
	reg *prometheus.Registry

	// Stream runtime.
	StreamPending   *prometheus.GaugeVec   // stream_pending{stream,group}
	DLQDepth        *prometheus.GaugeVec   // stream_dlq_depth{stream}
	HandlerFailures *prometheus.CounterVec // stream_handler_failures_total{stream,group}
	DeadLettered    *prometheus.CounterVec // stream_dead_lettered_total{stream,group}
	IdempSkips      *prometheus.CounterVec // stream_idempotent_skips_total{stream,group}

	// Pipeline.
	RunsAccepted        *prometheus.CounterVec // orchestrator_runs_accepted_total{mode}
	Decisions           *prometheus.CounterVec // risk_decisions_total{result}
	Orders              *prometheus.CounterVec // executor_orders_total{status}
	ActiveMinConfidence prometheus.Gauge       // active_min_confidence
	PnLUsd              prometheus.Gauge       // pnl_usd
	PnLPct              prometheus.Gauge       // pnl_pct

	// Delivery.
	WebhookDeliveries  *prometheus.CounterVec // notifier_webhook_deliveries_total{severity,result}
	IntegrationActions *prometheus.CounterVec // integration_actions_total{target,result}

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New builds a registry with the fleet's metric families plus the standard
// Go and process collectors. All families carry a service const label.
func New(service string) *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(reg)
	labels := prometheus.Labels{"service": service}

	return &Registry{
		reg: reg,

		StreamPending: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "stream_pending",
			Help:        "Entries delivered to a consumer group but not yet acked.",
			ConstLabels: labels,
		}, []string{"stream", "group"}),
		DLQDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "stream_dlq_depth",
			Help:        "Entries sitting in a dead-letter stream.",
			ConstLabels: labels,
		}, []string{"stream"}),
		HandlerFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "stream_handler_failures_total",
			Help:        "Handler invocations that returned an error.",
			ConstLabels: labels,
		}, []string{"stream", "group"}),
		DeadLettered: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "stream_dead_lettered_total",
			Help:        "Entries moved to a DLQ after exhausting the retry budget.",
			ConstLabels: labels,
		}, []string{"stream", "group"}),
		IdempSkips: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "stream_idempotent_skips_total",
			Help:        "Entries acked without handling because their idempotency key was already recorded.",
			ConstLabels: labels,
		}, []string{"stream", "group"}),

		RunsAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "orchestrator_runs_accepted_total",
			Help:        "Pipeline runs accepted by the orchestrator.",
			ConstLabels: labels,
		}, []string{"mode"}),
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "risk_decisions_total",
			Help:        "Risk evaluations by outcome (approved or the rejection reason).",
			ConstLabels: labels,
		}, []string{"result"}),
		Orders: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "executor_orders_total",
			Help:        "Orders by terminal status.",
			ConstLabels: labels,
		}, []string{"status"}),
		ActiveMinConfidence: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "active_min_confidence",
			Help:        "minConfidence of the currently active risk parameter set.",
			ConstLabels: labels,
		}),
		PnLUsd: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "pnl_usd",
			Help:        "Realized PnL for the current UTC day.",
			ConstLabels: labels,
		}),
		PnLPct: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "pnl_pct",
			Help:        "Realized PnL as a percentage of start equity.",
			ConstLabels: labels,
		}),

		WebhookDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "notifier_webhook_deliveries_total",
			Help:        "Webhook sink deliveries by severity and result.",
			ConstLabels: labels,
		}, []string{"severity", "result"}),
		IntegrationActions: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "integration_actions_total",
			Help:        "Integration broker actions per target.",
			ConstLabels: labels,
		}, []string{"target", "result"}),

		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "http_requests_total",
			Help:        "HTTP requests served.",
			ConstLabels: labels,
		}, []string{"method", "path", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "http_request_duration_seconds",
			Help:        "HTTP request latency.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

// Handler serves the registry in Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ObserveHTTP satisfies web.HTTPMetrics.
func (r *Registry) ObserveHTTP(method, path string, status int, elapsed time.Duration) {
	r.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}
