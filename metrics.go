package gablib

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the optional Prometheus collectors. A nil *metrics records
// nothing, so call sites never check whether metrics were enabled.
type metrics struct {
	requests   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	frames     *prometheus.CounterVec
	reconnects prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gablib",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests sent, by method and status code (0 for network failures).",
		}, []string{"method", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gablib",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Time from sending a request to reading its body.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gablib",
			Subsystem: "stream",
			Name:      "frames_total",
			Help:      "Stream frames read, by kind.",
		}, []string{"kind"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gablib",
			Subsystem: "stream",
			Name:      "reconnects_total",
			Help:      "Stream reconnect attempts.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.duration, m.frames, m.reconnects)
	}
	return m
}

func (m *metrics) observeRequest(method string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.duration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *metrics) observeFrame(kind EventKind) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(string(kind)).Inc()
}

func (m *metrics) observeReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}
