package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/org/admingate/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "admingate_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "route", "status"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "admingate_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "admingate_decisions_total",
		Help: "Authorization decisions by reason.",
	}, []string{"reason"})

	activeTokensTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "admingate_active_tokens",
		Help: "Number of active (non-revoked) tokens.",
	})

	rateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "admingate_rate_limited_total",
		Help: "Requests rejected by the per-IP rate limiter.",
	})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration, decisionsTotal, activeTokensTotal, rateLimitedTotal)
	for _, reason := range models.Reasons {
		decisionsTotal.WithLabelValues(string(reason))
	}
}

// MetricsHandler returns the Prometheus metrics HTTP handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// metricsMiddleware records request metrics. Routes are labelled by their
// chi pattern so token IDs and arbitrary probe paths don't explode the
// label space.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rr, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		dur := time.Since(start).Seconds()
		status := strconv.Itoa(rr.statusCode)
		requestsTotal.WithLabelValues(r.Method, route, status).Inc()
		requestDuration.WithLabelValues(r.Method, route).Observe(dur)
	})
}

func observeDecision(d *models.Decision) {
	decisionsTotal.WithLabelValues(string(d.Reason)).Inc()
}

func (s *Server) refreshTokenGauge(ctx context.Context) {
	n, err := s.tokens.CountActive(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to count active tokens")
		return
	}
	activeTokensTotal.Set(float64(n))
}
