package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "runbox_sessions_active",
			Help: "Number of connected sessions",
		},
	)

	ExecutionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "runbox_executions_active",
			Help: "Number of executions between launch and termination",
		},
	)

	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbox_executions_total",
			Help: "Total number of finished executions by outcome",
		},
		[]string{"language", "outcome"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runbox_execution_duration_seconds",
			Help:    "Wall-clock time from launch request to termination",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		},
		[]string{"language"},
	)

	ImagePulls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbox_image_pulls_total",
			Help: "Image pulls triggered by launches",
		},
		[]string{"result"},
	)

	TeardownFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "runbox_teardown_failures_total",
			Help: "Sandbox teardowns that exhausted their retries",
		},
	)

	CleanupFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "runbox_cleanup_failures_total",
			Help: "Workspace or container cleanups that failed",
		},
	)

	ProtocolErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "runbox_protocol_errors_total",
			Help: "Inbound messages that could not be decoded or routed",
		},
	)
)
