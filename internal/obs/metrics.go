package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

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

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vault_ready",
		Help: "1 when the last readiness probe succeeded.",
	})

	challengeEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_login_challenges_total",
			Help: "Login challenge events by outcome.",
		},
		[]string{"outcome"},
	)

	accessRequestTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_access_request_transitions_total",
			Help: "Access request transitions by resulting status.",
		},
		[]string{"status"},
	)

	decryptFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_decrypt_fallback_total",
			Help: "Stored values returned undecrypted, by reason.",
		},
		[]string{"reason"},
	)

	throttled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_throttled_total",
			Help: "Requests rejected by a throttle policy.",
		},
		[]string{"scope"},
	)

	auditViewFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vault_audit_view_failures_total",
		Help: "Best-effort view audit records that could not be written.",
	})

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_notifications_total",
			Help: "Outbound notifications by transport and result.",
		},
		[]string{"transport", "result"},
	)

	initOnce sync.Once
)

// Init registers all collectors in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			readyGauge, challengeEvents, accessRequestTransitions,
			decryptFallbacks, throttled, auditViewFailures, notificationsTotal,
		)
	})
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the outcome of the last readiness probe.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

func ChallengeEvent(outcome string)        { challengeEvents.WithLabelValues(outcome).Inc() }
func AccessRequestTransition(status string) { accessRequestTransitions.WithLabelValues(status).Inc() }
func DecryptFallback(reason string)         { decryptFallbacks.WithLabelValues(reason).Inc() }
func Throttled(scope string)                { throttled.WithLabelValues(scope).Inc() }
func AuditViewFailure()                     { auditViewFailures.Inc() }
func Notification(transport, result string) { notificationsTotal.WithLabelValues(transport, result).Inc() }

// Instrument wraps next with in-flight, count and latency metrics.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

var collections = map[string]bool{
	"users":             true,
	"departments":       true,
	"services":          true,
	"accesses":          true,
	"credentials":       true,
	"department-shares": true,
	"access-requests":   true,
	"audit-logs":        true,
}

var itemActions = map[string]bool{
	"versions": true,
	"approve":  true,
	"reject":   true,
	"cancel":   true,
}

// CanonicalPath collapses identifiers in resource paths so metric label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 3 || parts[0] != "api" || !collections[parts[1]] {
		return raw
	}
	switch len(parts) {
	case 3:
		return "/api/" + parts[1] + "/:id"
	case 4:
		if itemActions[parts[3]] {
			return "/api/" + parts[1] + "/:id/" + parts[3]
		}
	}
	return raw
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
