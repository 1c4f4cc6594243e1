package obs

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Account security metrics
var (
	loginAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wms_auth_login_attempts_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"result"},
	)

	lockouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wms_auth_lockouts_total",
		Help: "Accounts locked after too many failed attempts.",
	})

	passwordChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wms_auth_password_changes_total",
			Help: "Committed password changes by kind.",
		},
		[]string{"kind"},
	)

	auditWriteFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wms_audit_write_failures_total",
		Help: "Audit entries that could not be persisted.",
	})
)

var initOnce sync.Once

// Init registers metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			loginAttempts, lockouts, passwordChanges, auditWriteFailures,
		)
	})
}

// Handler serves the Prometheus exposition.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Login outcomes.
const (
	LoginSuccess            = "success"
	LoginInvalidCredentials = "invalid_credentials"
	LoginLocked             = "locked"
	LoginError              = "error"
)

// ObserveLogin counts a login attempt by outcome.
func ObserveLogin(result string) {
	loginAttempts.WithLabelValues(result).Inc()
}

// ObserveLockout counts a freshly triggered account lock.
func ObserveLockout() {
	lockouts.Inc()
}

// ObservePasswordChange counts a committed change ("self" or "reset").
func ObservePasswordChange(kind string) {
	passwordChanges.WithLabelValues(kind).Inc()
}

// ObserveAuditFailure counts an audit entry that was dropped.
func ObserveAuditFailure() {
	auditWriteFailures.Inc()
}

// Instrument measures RPS, latency and in-flight requests. The path label is
// the chi route pattern when available so ids do not explode cardinality.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
