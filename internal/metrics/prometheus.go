// Package metrics provides Prometheus metrics collection for the login risk service
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "loginrisk"

// HTTP metrics
var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"service", "method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"service", "method", "path"},
	)

	httpRequestsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		},
		[]string{"service"},
	)
)

// Risk evaluation metrics
var (
	evaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Total number of login risk evaluations",
		},
		[]string{"decision"}, // allow, pending_verification
	)

	riskScoreHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "risk_score",
			Help:      "Risk score distribution for login attempts",
			Buckets:   []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
	)

	reasonHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reason_hits_total",
			Help:      "Number of times each scoring rule fired",
		},
		[]string{"reason"},
	)

	evaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Time taken to evaluate a login attempt",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)
)

// Geolocation metrics
var (
	geoProviderLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geo_provider_lookups_total",
			Help:      "Geolocation provider calls by outcome",
		},
		[]string{"provider", "outcome"}, // outcome: success, failure, rate_limited, circuit_open
	)

	geoProviderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "geo_provider_duration_seconds",
			Help:      "Geolocation provider call latency in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"provider"},
	)

	geoProviderBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "geo_provider_breaker_state",
			Help:      "Provider circuit breaker state (0=closed, 1=half_open, 2=open)",
		},
		[]string{"provider"},
	)

	geoProviderBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geo_provider_breaker_transitions_total",
			Help:      "Provider circuit breaker state changes",
		},
		[]string{"provider", "to"},
	)

	geoCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geo_cache_total",
			Help:      "Geolocation cache lookups by outcome",
		},
		[]string{"outcome"}, // hit, miss, stale, unavailable
	)
)

// Attempt lifecycle metrics
var (
	attemptTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempt_transitions_total",
			Help:      "Suspicious login attempt state transitions",
		},
		[]string{"status"}, // pending, approved, denied, expired
	)

	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Suspicious login notifications by outcome",
		},
		[]string{"outcome"}, // sent, failed
	)

	trustPromotionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trust_promotions_total",
			Help:      "Trusted device promotions by verification method",
		},
		[]string{"method"},
	)

	threatEscalationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "threat_escalations_total",
			Help:      "IP addresses escalated to critical after a denied login",
		},
	)

	emailDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "email_deliveries_total",
			Help:      "SMTP deliveries attempted by the email worker",
		},
		[]string{"outcome"}, // sent, failed
	)

	securityEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_events_total",
			Help:      "Security events handled by each sink",
		},
		[]string{"sink", "outcome"},
	)
)

// Middleware returns a Gin middleware that records HTTP metrics.
// serviceName is used as the "service" label on all metrics.
func Middleware(serviceName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}

		// Skip metrics endpoint itself to avoid recursion
		if path == "/metrics" {
			c.Next()
			return
		}

		httpRequestsInFlight.WithLabelValues(serviceName).Inc()
		start := time.Now()

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method

		httpRequestsTotal.WithLabelValues(serviceName, method, path, status).Inc()
		httpRequestDuration.WithLabelValues(serviceName, method, path).Observe(time.Since(start).Seconds())
		httpRequestsInFlight.WithLabelValues(serviceName).Dec()
	}
}

// Handler returns a gin.HandlerFunc that serves Prometheus metrics.
// Register this on the "/metrics" route.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordEvaluation records the outcome of a risk evaluation
func RecordEvaluation(decision string, score int, duration time.Duration) {
	evaluationsTotal.WithLabelValues(decision).Inc()
	riskScoreHistogram.Observe(float64(score))
	evaluationDuration.Observe(duration.Seconds())
}

// RecordReason counts a scoring rule that fired
func RecordReason(reason string) {
	reasonHitsTotal.WithLabelValues(reason).Inc()
}

// RecordGeoProviderLookup records a call to a geolocation provider
func RecordGeoProviderLookup(provider, outcome string, duration time.Duration) {
	geoProviderLookupsTotal.WithLabelValues(provider, outcome).Inc()
	if duration > 0 {
		geoProviderDuration.WithLabelValues(provider).Observe(duration.Seconds())
	}
}

// SetGeoProviderBreakerState publishes a provider breaker's state. Unknown
// states are reported as closed.
func SetGeoProviderBreakerState(provider, state string) {
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	geoProviderBreakerState.WithLabelValues(provider).Set(v)
}

// RecordGeoProviderBreakerTransition counts a provider breaker entering state
func RecordGeoProviderBreakerTransition(provider, state string) {
	geoProviderBreakerTransitions.WithLabelValues(provider, state).Inc()
	SetGeoProviderBreakerState(provider, state)
}

// RecordGeoCache records a geolocation cache lookup
func RecordGeoCache(outcome string) {
	geoCacheTotal.WithLabelValues(outcome).Inc()
}

// RecordAttemptTransition records a suspicious attempt entering a state
func RecordAttemptTransition(status string) {
	attemptTransitionsTotal.WithLabelValues(status).Inc()
}

// RecordNotification records a notification delivery outcome
func RecordNotification(outcome string) {
	notificationsTotal.WithLabelValues(outcome).Inc()
}

// RecordTrustPromotion records a trusted device promotion
func RecordTrustPromotion(method string) {
	trustPromotionsTotal.WithLabelValues(method).Inc()
}

// RecordThreatEscalation records an IP escalated to critical
func RecordThreatEscalation() {
	threatEscalationsTotal.Inc()
}

// RecordEmailDelivery records an SMTP delivery attempt
func RecordEmailDelivery(outcome string) {
	emailDeliveriesTotal.WithLabelValues(outcome).Inc()
}

// RecordSecurityEvent records a security event written (or not) by a sink
func RecordSecurityEvent(sink, outcome string) {
	securityEventsTotal.WithLabelValues(sink, outcome).Inc()
}
