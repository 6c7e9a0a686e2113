package service

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the auth flows.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	signupsTotal    prometheus.Counter
	loginsTotal     *prometheus.CounterVec
	refreshTotal    *prometheus.CounterVec
	evictionsTotal  prometheus.Counter
	anomaliesTotal  prometheus.Counter
	blacklistTotal  prometheus.Counter
}

// NewMetricsService registers the core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	signupsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_signups_total",
		Help: "Total successful sign-ups",
	})

	loginsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_logins_total",
		Help: "Total sign-in attempts by result",
	}, []string{"result"})

	refreshTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_token_refresh_total",
		Help: "Total refresh attempts by result",
	}, []string{"result"})

	evictionsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_devices_evicted_total",
		Help: "Total devices evicted by the active-device quota",
	})

	anomaliesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_anomalies_flagged_total",
		Help: "Total sign-ins flagged as suspicious",
	})

	blacklistTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_tokens_blacklisted_total",
		Help: "Total access tokens blacklisted on sign-out",
	})

	registry.MustRegister(requestDuration, requestTotal, signupsTotal, loginsTotal, refreshTotal, evictionsTotal, anomaliesTotal, blacklistTotal)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		signupsTotal:    signupsTotal,
		loginsTotal:     loginsTotal,
		refreshTotal:    refreshTotal,
		evictionsTotal:  evictionsTotal,
		anomaliesTotal:  anomaliesTotal,
		blacklistTotal:  blacklistTotal,
	}
}

// Handler exposes the Prometheus scrape endpoint.
func (s *MetricsService) Handler() http.Handler {
	return s.handler
}

// ObserveHTTPRequest records a completed HTTP request.
func (s *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	labels := []string{method, path, fmt.Sprintf("%d", status)}
	s.requestDuration.WithLabelValues(labels...).Observe(duration.Seconds())
	s.requestTotal.WithLabelValues(labels...).Inc()
}

// IncSignup counts a successful sign-up.
func (s *MetricsService) IncSignup() { s.signupsTotal.Inc() }

// IncLogin counts a sign-in attempt with its result label.
func (s *MetricsService) IncLogin(result string) { s.loginsTotal.WithLabelValues(result).Inc() }

// IncRefresh counts a refresh attempt with its result label.
func (s *MetricsService) IncRefresh(result string) { s.refreshTotal.WithLabelValues(result).Inc() }

// IncEviction counts a quota eviction.
func (s *MetricsService) IncEviction() { s.evictionsTotal.Inc() }

// IncAnomaly counts a flagged sign-in.
func (s *MetricsService) IncAnomaly() { s.anomaliesTotal.Inc() }

// IncBlacklist counts a blacklisted access token.
func (s *MetricsService) IncBlacklist() { s.blacklistTotal.Inc() }
