package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coursechat_ws_connections",
		Help: "Current number of registered websocket sessions",
	})
	RoomsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coursechat_rooms_active",
		Help: "Current number of rooms with at least one session",
	})
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coursechat_messages_total",
		Help: "Total number of persisted and broadcast chat messages",
	}, []string{"room_kind"})
	FramesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coursechat_frames_dropped_total",
		Help: "Inbound frames discarded without closing the session",
	}, []string{"reason"})
	DeliveryFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coursechat_delivery_failures_total",
		Help: "Broadcast deliveries that failed for a single recipient",
	})
	AuthRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coursechat_auth_rejections_total",
		Help: "Room join attempts refused before registration",
	}, []string{"reason"})
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coursechat_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coursechat_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		WsConnections, RoomsActive, MessagesTotal, FramesDropped,
		DeliveryFailures, AuthRejections, HTTPRequestsTotal, HTTPRequestDuration,
	)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer, which
// the websocket upgrade needs for hijacking.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Middleware records request counts and latency. The path label is the
// matched mux pattern so ids do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		labels := prometheus.Labels{"method": r.Method, "path": path, "status": strconv.Itoa(rec.status)}
		HTTPRequestsTotal.With(labels).Inc()
		HTTPRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	})
}
