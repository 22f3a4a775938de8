// Package metrics holds the Prometheus collectors for the storefront transport.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the transport-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	clientInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "storefront",
			Subsystem: "client",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight outbound REST requests.",
		},
	)

	clientRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storefront",
			Subsystem: "client",
			Name:      "requests_total",
			Help:      "Total number of outbound REST requests by outcome kind.",
		},
		[]string{"method", "path", "kind"},
	)

	clientDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "storefront",
			Subsystem: "client",
			Name:      "request_duration_seconds",
			Help:      "Duration of outbound REST requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"method", "path"},
	)

	realtimeTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storefront",
			Subsystem: "realtime",
			Name:      "state_transitions_total",
			Help:      "Total number of realtime connection state transitions.",
		},
		[]string{"from", "to"},
	)

	realtimeReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "storefront",
			Subsystem: "realtime",
			Name:      "reconnects_scheduled_total",
			Help:      "Total number of reconnect attempts scheduled.",
		},
	)

	realtimeMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storefront",
			Subsystem: "realtime",
			Name:      "messages_total",
			Help:      "Total number of realtime messages by direction and kind.",
		},
		[]string{"direction", "kind"},
	)

	subscriberPanics = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "storefront",
			Subsystem: "realtime",
			Name:      "subscriber_panics_total",
			Help:      "Total number of recovered subscriber callback panics.",
		},
	)

	serverRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storefront",
			Subsystem: "mockbackend",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests handled by the mock backend.",
		},
		[]string{"method", "path", "status"},
	)

	serverDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "storefront",
			Subsystem: "mockbackend",
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests handled by the mock backend.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 10),
		},
		[]string{"method", "path"},
	)
)

func init() {
	Registry.MustRegister(
		clientInFlight,
		clientRequests,
		clientDuration,
		realtimeTransitions,
		realtimeReconnects,
		realtimeMessages,
		subscriberPanics,
		serverRequests,
		serverDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// TrackInFlight increments the in-flight gauge and returns the matching decrement.
func TrackInFlight() func() {
	clientInFlight.Inc()
	return clientInFlight.Dec
}

// RecordRequest records one outbound REST request. kind is "ok" for success or the
// classified error kind.
func RecordRequest(method, path, kind string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	if kind == "" {
		kind = "ok"
	}
	p := CanonicalPath(path)
	m := strings.ToUpper(method)
	clientRequests.WithLabelValues(m, p, kind).Inc()
	clientDuration.WithLabelValues(m, p).Observe(duration.Seconds())
}

// RecordTransition records a realtime state transition.
func RecordTransition(from, to string) {
	realtimeTransitions.WithLabelValues(from, to).Inc()
}

// RecordReconnectScheduled records a scheduled reconnect.
func RecordReconnectScheduled() {
	realtimeReconnects.Inc()
}

// RecordMessage records a realtime message. direction is "inbound" or "outbound".
func RecordMessage(direction, kind string) {
	if kind == "" {
		kind = "unknown"
	}
	realtimeMessages.WithLabelValues(direction, kind).Inc()
}

// RecordSubscriberPanic records a recovered subscriber panic.
func RecordSubscriberPanic() {
	subscriberPanics.Inc()
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r)

		path := CanonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)
		serverRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		serverDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Hijack lets websocket upgrades pass through instrumentation.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// CanonicalPath collapses resource IDs so label cardinality stays bounded:
// "/products/42" becomes "/products/:id".
func CanonicalPath(raw string) string {
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) == 1 {
		return "/" + parts[0]
	}
	return "/" + parts[0] + "/:id"
}
