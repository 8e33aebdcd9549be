package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chatrelay"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	intents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "intents_total",
			Help:      "Classified inbound messages by intent.",
		},
		[]string{"intent"},
	)
	replies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "replies_total",
			Help:      "Outbound replies by intent and send outcome.",
		},
		[]string{"intent", "success"},
	)
	backendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "request_duration_seconds",
			Help:      "Question backend round trip in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
		},
		[]string{"outcome"},
	)
	sessionStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "starts_total",
			Help:      "Session start attempts.",
		},
	)
	sessionCloses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "closes_total",
			Help:      "Session closes by reason.",
		},
		[]string{"reason"},
	)
	sessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "state",
			Help:      "1 for the current supervisor state, 0 otherwise.",
		},
		[]string{"state"},
	)
	handlersInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "handlers_in_flight",
			Help:      "Message handlers currently running.",
		},
	)
	handlersDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "handlers_dropped_total",
			Help:      "Messages dropped because the handler backlog was full.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			intents,
			replies,
			backendDuration,
			sessionStarts,
			sessionCloses,
			sessionState,
			handlersInFlight,
			handlersDropped,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordIntent(intent string) {
	RegisterMetrics()
	intents.WithLabelValues(intent).Inc()
}

func RecordReply(intent string, success bool) {
	RegisterMetrics()
	replies.WithLabelValues(intent, strconv.FormatBool(success)).Inc()
}

func RecordBackend(outcome string, duration time.Duration) {
	RegisterMetrics()
	backendDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func RecordSessionStart() {
	RegisterMetrics()
	sessionStarts.Inc()
}

func RecordSessionClose(reason string) {
	RegisterMetrics()
	sessionCloses.WithLabelValues(reason).Inc()
}

// SetSessionState marks current as the active state among states.
func SetSessionState(current string, states ...string) {
	RegisterMetrics()
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1
		}
		sessionState.WithLabelValues(s).Set(v)
	}
}

func AddHandlersInFlight(delta float64) {
	RegisterMetrics()
	handlersInFlight.Add(delta)
}

func RecordHandlerDropped() {
	RegisterMetrics()
	handlersDropped.Inc()
}
