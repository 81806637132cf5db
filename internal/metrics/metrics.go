// Package metrics declares the Prometheus collectors shared by the gateway
// and worker processes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "route", "status"})

	HTTPLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paygate_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"method", "route"})

	LedgerPostings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_ledger_postings_total",
		Help: "Ledger postings by direction and outcome",
	}, []string{"direction", "outcome"})

	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_request_transitions_total",
		Help: "Applied request status transitions",
	}, []string{"kind", "to"})

	Callbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_callbacks_total",
		Help: "Provider callbacks by kind and outcome",
	}, []string{"kind", "outcome"})

	Tasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_tasks_total",
		Help: "Background tasks by kind and outcome",
	}, []string{"kind", "outcome"})

	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paygate_task_duration_seconds",
		Help:    "Background task handling time",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	GatewayCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_gateway_calls_total",
		Help: "Outbound provider calls by operation and outcome",
	}, []string{"op", "outcome"})

	Webhooks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_webhooks_total",
		Help: "Tenant webhook deliveries by outcome",
	}, []string{"outcome"})
)
