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
			Namespace: "regmon",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "regmon",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "regmon",
			Subsystem: "session",
			Name:      "closed_total",
			Help:      "Sessions ended, by mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "regmon",
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions currently being served.",
		},
	)
	sessionsRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "regmon",
			Subsystem: "session",
			Name:      "rejected_total",
			Help:      "Accepted connections that could not be given a session.",
		},
	)
	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "regmon",
			Subsystem: "session",
			Name:      "handshakes_total",
			Help:      "Token handshakes, by result.",
		},
		[]string{"result"},
	)
	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "regmon",
			Subsystem: "frame",
			Name:      "total",
			Help:      "Frames handled, by command.",
		},
		[]string{"command"},
	)
	frameWords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "regmon",
			Subsystem: "frame",
			Name:      "words_total",
			Help:      "Words moved through the register window, by command.",
		},
		[]string{"command"},
	)
	frameDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "regmon",
			Subsystem: "frame",
			Name:      "duration_seconds",
			Help:      "Frame service time from decoded header to reply sent.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		},
		[]string{"command"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			sessionsTotal,
			sessionsActive,
			sessionsRejected,
			handshakes,
			frames,
			frameWords,
			frameDuration,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func SessionOpened() {
	RegisterMetrics()
	sessionsActive.Inc()
}

func SessionClosed(mode, outcome string) {
	RegisterMetrics()
	sessionsActive.Dec()
	sessionsTotal.WithLabelValues(mode, outcome).Inc()
}

func SessionRejected() {
	RegisterMetrics()
	sessionsRejected.Inc()
}

// SessionMetrics feeds per-frame and handshake observations into the collectors.
type SessionMetrics struct{}

func (SessionMetrics) ObserveAuth(ok bool) {
	RegisterMetrics()
	handshakes.WithLabelValues(strconv.FormatBool(ok)).Inc()
}

func (SessionMetrics) ObserveFrame(command string, words int, duration time.Duration) {
	RegisterMetrics()
	frames.WithLabelValues(command).Inc()
	frameWords.WithLabelValues(command).Add(float64(words))
	frameDuration.WithLabelValues(command).Observe(duration.Seconds())
}
