package middleware

import (
	"net/http"
	"strconv"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budgetguard_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "budgetguard_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	upstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budgetguard_upstream_requests_total",
			Help: "Total number of upstream LLM requests",
		},
		[]string{"model", "provider", "status"},
	)

	upstreamTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budgetguard_upstream_tokens_total",
			Help: "Total number of tokens accounted",
		},
		[]string{"model", "provider", "type"},
	)

	admissionDeniedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budgetguard_admission_denied_total",
			Help: "Requests refused before dispatch",
		},
		[]string{"reason"},
	)

	usageEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budgetguard_usage_events_published_total",
			Help: "Usage events appended to the stream",
		},
		[]string{"status"},
	)
)

// Metrics records request counts and latency per route.
func Metrics() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(ww.Status())).Inc()
			httpRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
		})
	}
}

// RecordUpstream accounts one dispatched request in the pipeline
// counters.
func RecordUpstream(model, provider, status string, promptTok, compTok int) {
	upstreamRequestsTotal.WithLabelValues(model, provider, status).Inc()
	upstreamTokensTotal.WithLabelValues(model, provider, "prompt").Add(float64(promptTok))
	upstreamTokensTotal.WithLabelValues(model, provider, "completion").Add(float64(compTok))
}

// RecordDenial accounts one request refused before dispatch.
func RecordDenial(reason string) {
	admissionDeniedTotal.WithLabelValues(reason).Inc()
}

// RecordEventPublished accounts one usage event appended to the stream.
func RecordEventPublished(status string) {
	usageEventsTotal.WithLabelValues(status).Inc()
}
