package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshlink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "meshlink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	commandRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshlink",
			Subsystem: "companion",
			Name:      "commands_total",
			Help:      "Commands sent to the radio by result.",
		},
		[]string{"command", "result"},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "meshlink",
			Subsystem: "companion",
			Name:      "command_duration_seconds",
			Help:      "Command round trip duration in seconds.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"command"},
	)
	pushFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshlink",
			Subsystem: "companion",
			Name:      "pushes_total",
			Help:      "Unsolicited frames received from the radio.",
		},
		[]string{"push", "handled"},
	)
	messageOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshlink",
			Subsystem: "messages",
			Name:      "outcomes_total",
			Help:      "Message state transitions by kind and status.",
		},
		[]string{"kind", "status"},
	)
	pendingAcks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "meshlink",
			Subsystem: "messages",
			Name:      "pending_acks",
			Help:      "Direct sends awaiting delivery confirmation.",
		},
	)
	sessionLogins = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshlink",
			Subsystem: "sessions",
			Name:      "logins_total",
			Help:      "Remote node login attempts by role and result.",
		},
		[]string{"role", "result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			commandRequests, commandDuration, pushFrames,
			messageOutcomes, pendingAcks, sessionLogins,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordCommand(command, result string, duration time.Duration) {
	RegisterMetrics()
	commandRequests.WithLabelValues(command, result).Inc()
	commandDuration.WithLabelValues(command).Observe(duration.Seconds())
}

func RecordPush(push string, handled bool) {
	RegisterMetrics()
	pushFrames.WithLabelValues(push, strconv.FormatBool(handled)).Inc()
}

func RecordMessage(kind, status string) {
	RegisterMetrics()
	messageOutcomes.WithLabelValues(kind, status).Inc()
}

func SetPendingAcks(n int) {
	RegisterMetrics()
	pendingAcks.Set(float64(n))
}

func RecordLogin(role, result string) {
	RegisterMetrics()
	sessionLogins.WithLabelValues(role, result).Inc()
}
