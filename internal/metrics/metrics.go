// Package metrics provides Prometheus metrics for the terminal bridge.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Session outcomes recorded at handshake time.
const (
	OutcomeAccepted     = "accepted"
	OutcomeUnauthorized = "unauthorized"
	OutcomeThrottled    = "throttled"
	OutcomeFull         = "full"
	OutcomeSpawnFailed  = "spawn_failed"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termbridge_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"code", "method"},
	)

	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "termbridge_sessions_active",
			Help: "Number of connected terminal sessions",
		},
	)

	sessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termbridge_sessions_total",
			Help: "Terminal session handshakes by outcome",
		},
		[]string{"outcome"},
	)

	sessionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "termbridge_session_duration_seconds",
			Help:    "Lifetime of terminal sessions",
			Buckets: []float64{1, 10, 60, 300, 900, 3600, 4 * 3600, 12 * 3600},
		},
	)

	ptyOutputBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "termbridge_pty_output_bytes_total",
			Help: "Bytes forwarded from PTYs to clients",
		},
	)

	fsOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termbridge_fs_operations_total",
			Help: "Filesystem RPC operations by action and result",
		},
		[]string{"action", "result"},
	)

	fsOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "termbridge_fs_operation_duration_seconds",
			Help:    "Filesystem RPC latency by action",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	execTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termbridge_exec_total",
			Help: "Workspace commands by command and result",
		},
		[]string{"command", "result"},
	)
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware counts HTTP requests by status code and method.
func Middleware(next http.Handler) http.Handler {
	return promhttp.InstrumentHandlerCounter(httpRequestsTotal, next)
}

func SessionOpened() {
	sessionsTotal.WithLabelValues(OutcomeAccepted).Inc()
	sessionsActive.Inc()
}

func SessionClosed(lifetime time.Duration) {
	sessionsActive.Dec()
	sessionDuration.Observe(lifetime.Seconds())
}

// SessionRejected records a handshake that never produced a session.
func SessionRejected(outcome string) {
	sessionsTotal.WithLabelValues(outcome).Inc()
}

func PTYOutput(n int) {
	ptyOutputBytes.Add(float64(n))
}

// FSOperation records one filesystem RPC.
func FSOperation(action string, err error, d time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	fsOpsTotal.WithLabelValues(action, result).Inc()
	fsOpDuration.WithLabelValues(action).Observe(d.Seconds())
}

// ExecCommandOther labels commands that are not on the allow-list, so client
// input never becomes a label value.
const ExecCommandOther = "other"

// Exec counts one workspace command. command must be an allow-listed command
// or ExecCommandOther.
func Exec(command, result string) {
	execTotal.WithLabelValues(command, result).Inc()
}
