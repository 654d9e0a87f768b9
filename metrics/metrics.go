// Package metrics provides Prometheus metrics for the MediaWiki request
// pipeline. It tracks API call counts, retry behavior, disk cache
// performance, paraminfo fetches and login attempts.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const (
	Namespace = "mediawiki_client"
)

var (
	// APIRequestsTotal counts API calls by action and status
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "api_requests_total",
		Help:      "Total API requests by action and status",
	}, []string{"action", "status"})

	// APIRequestDuration measures API call latency distribution
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "api_request_duration_seconds",
		Help:      "API call latency distribution by action",
		Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"action"})

	// APIErrors counts semantic API errors by error code
	APIErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "api_errors_total",
		Help:      "API errors by action and error code",
	}, []string{"action", "error_code"})

	// RetriesTotal counts retry rounds by recovery reason
	RetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "retries_total",
		Help:      "Retry rounds by recovery reason (wait, maxlag, relogin, badtoken, ...)",
	}, []string{"reason"})

	// MaxlagWaitSeconds accumulates time spent paused on maxlag
	MaxlagWaitSeconds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "maxlag_wait_seconds_total",
		Help:      "Total seconds spent waiting out server replication lag",
	})

	// CacheHits counts disk cache hits
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "cache_hits_total",
		Help:      "Disk cache hit count",
	})

	// CacheMisses counts disk cache misses (including expiries)
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "cache_misses_total",
		Help:      "Disk cache miss count",
	})

	// TokenRefreshes counts token invalidate-and-refetch cycles
	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "token_refreshes_total",
		Help:      "Token refresh count by token kind",
	}, []string{"kind"})

	// LoginAttempts counts login handshakes
	LoginAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "login_attempts_total",
		Help:      "Login attempts by outcome",
	}, []string{"status"})

	// ParamInfoFetches counts paraminfo batch fetches
	ParamInfoFetches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "paraminfo_fetches_total",
		Help:      "Paraminfo batch fetches issued",
	})

	// ParamInfoModules tracks the number of cached paraminfo modules
	ParamInfoModules = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "paraminfo_modules",
		Help:      "Modules currently held in the paraminfo cache",
	})

	// ContinuationRounds counts generator rounds by query kind
	ContinuationRounds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "continuation_rounds_total",
		Help:      "Query generator rounds by kind",
	}, []string{"kind"})

	// ThrottleWaits counts requests that paused on the site throttle
	ThrottleWaits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "throttle_waits_total",
		Help:      "Requests that waited on the per-site throttle",
	})
)

// RecordRequest records a completed API call with its duration and status
func RecordRequest(action string, duration float64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	APIRequestsTotal.WithLabelValues(action, status).Inc()
	APIRequestDuration.WithLabelValues(action).Observe(duration)
}

// RecordAPIError records a semantic error reported by the wiki
func RecordAPIError(action, code string) {
	if code != "" {
		APIErrors.WithLabelValues(action, code).Inc()
	}
}

// RecordRetry records one retry round with its recovery reason
func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

// RecordCacheAccess records a disk cache hit or miss
func RecordCacheAccess(hit bool) {
	if hit {
		CacheHits.Inc()
	} else {
		CacheMisses.Inc()
	}
}

// RecordTokenRefresh records a token invalidate-and-refetch cycle
func RecordTokenRefresh(kind string) {
	TokenRefreshes.WithLabelValues(kind).Inc()
}

// RecordLogin records a login attempt outcome
func RecordLogin(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	LoginAttempts.WithLabelValues(status).Inc()
}
