// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EmailsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "email_enqueued_total",
			Help: "Total number of emails inserted into the notification queue",
		},
		[]string{"source"},
	)

	EmailDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "email_delivery_total",
			Help: "Delivery attempt outcomes per dispatcher",
		},
		[]string{"dispatcher", "outcome"},
	)

	Sweeps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "email_sweeps_total",
			Help: "Dispatch sweeps run, by result",
		},
		[]string{"dispatcher", "result"},
	)

	SweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "email_sweep_duration_seconds",
			Help:    "Duration of one dispatch sweep in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"dispatcher"},
	)

	SweepsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "email_sweeps_in_flight",
			Help: "Number of sweeps currently running",
		},
		[]string{"dispatcher"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "API requests served, by route and status code",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "API request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// Outcome labels for EmailDeliveries.
const (
	OutcomeSent     = "sent"
	OutcomeRequeued = "requeued"
	OutcomeFailed   = "failed"
	OutcomeSkipped  = "skipped"
)
