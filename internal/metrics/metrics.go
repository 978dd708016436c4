// Package metrics exposes the broker's Prometheus instruments.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session registry
	SessionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "broker_sessions_active",
			Help: "Number of live sessions by kind",
		},
		[]string{"kind"},
	)

	SessionEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_session_evictions_total",
			Help: "Sessions removed from the registry by kind and reason",
		},
		[]string{"kind", "reason"},
	)

	// Remote command channel
	RemoteCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_remote_commands_total",
			Help: "Remote commands executed by result",
		},
		[]string{"result"},
	)

	RemoteCommandDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "broker_remote_command_duration_seconds",
			Help:    "Remote command latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 180, 360},
		},
	)

	// Setup saga
	SetupSteps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_setup_steps_total",
			Help: "Setup saga transitions by step and outcome",
		},
		[]string{"step", "outcome"},
	)

	// Installer
	InstallerOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_installer_operations_total",
			Help: "Chart install, uninstall and status operations by outcome",
		},
		[]string{"operation", "outcome"},
	)

	// HTTP boundary
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broker_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	RateLimitRejects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_rate_limit_rejects_total",
			Help: "Total number of requests rejected due to rate limiting",
		},
	)
)

// ObserveCommand records one remote command execution.
func ObserveCommand(result string, took time.Duration) {
	RemoteCommands.WithLabelValues(result).Inc()
	RemoteCommandDuration.Observe(took.Seconds())
}
