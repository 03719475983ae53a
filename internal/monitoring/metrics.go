package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the power lifecycle controller
var (
	// Panel calls
	PowerSignalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopower_power_signals_total",
			Help: "Power signals sent to the panel by server, signal and result (ok, rejected, transport, unsupported, error)",
		},
		[]string{"server", "signal", "result"},
	)

	AutoStartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopower_starts_total",
			Help: "Accepted starts by server and trigger (demand, operator)",
		},
		[]string{"server", "reason"},
	)

	IdleStopsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopower_idle_stops_total",
			Help: "Stops issued because a server stayed empty past its idle timeout",
		},
		[]string{"server"},
	)

	RestoresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopower_restores_total",
			Help: "Restore-on-stop sequences by result (restored, skipped, timeout, failed)",
		},
		[]string{"server", "result"},
	)

	// Delayed stops
	PendingStops = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "autopower_pending_stops",
			Help: "Number of armed idle-stop timers",
		},
	)

	StopsCancelledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopower_stops_cancelled_total",
			Help: "Pending stops cancelled because a player arrived or an operator intervened",
		},
		[]string{"server"},
	)

	// Polling
	ReadyWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autopower_ready_wait_seconds",
			Help:    "Time from accepted start until the server became reachable",
			Buckets: []float64{5, 10, 20, 30, 45, 60, 90, 120, 180, 300},
		},
		[]string{"server"},
	)

	PollAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopower_poll_attempts_total",
			Help: "Readiness and offline checks by poll kind and outcome (success, timeout, error)",
		},
		[]string{"kind", "result"},
	)

	// Server state
	ServerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "autopower_server_state",
			Help: "Lifecycle state (0=idle_off, 1=starting, 2=idle_running, 3=active_running, 4=stopping, 5=restoring)",
		},
		[]string{"server"},
	)

	ServerPlayers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "autopower_server_players",
			Help: "Players on each managed server as seen by the proxy",
		},
		[]string{"server"},
	)

	// API
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopower_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autopower_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// StateValue maps a lifecycle state name onto the ServerState gauge value
func StateValue(state string) float64 {
	switch state {
	case "starting":
		return 1
	case "idle_running":
		return 2
	case "active_running":
		return 3
	case "stopping":
		return 4
	case "restoring":
		return 5
	default:
		return 0
	}
}
