package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	queryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datatalk_query_attempts_total",
			Help: "Generate/guard/execute attempts by attempt outcome.",
		},
		[]string{"outcome"},
	)
	queryTerminalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datatalk_query_terminal_total",
			Help: "Completed query requests by terminal state.",
		},
		[]string{"terminal"},
	)
	queryAttemptsPerRequest = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "datatalk_query_attempts_per_request",
			Help:    "Attempts consumed per query request.",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		},
	)
	queryDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "datatalk_query_duration_seconds",
			Help:    "Wall time of the self-healing query loop.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)
	generationFallbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datatalk_generation_fallback_total",
			Help: "SQL generations served by the rule-based fallback, by reason.",
		},
		[]string{"reason"},
	)
	ingestRowsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "datatalk_ingest_rows_total",
			Help: "Rows materialized from uploaded datasets.",
		},
	)
	ingestDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "datatalk_ingest_duration_seconds",
			Help:    "Dataset ingestion latency (load, profile, materialize).",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datatalk_http_requests_total",
			Help: "HTTP requests by method, mux pattern and status.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "datatalk_http_request_duration_seconds",
			Help: "HTTP latency by method, mux pattern and status.",
			// /v1/query spans several model round trips.
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method", "route", "status"},
	)
	httpInFlightRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "datatalk_http_in_flight_requests",
			Help: "HTTP requests currently being served.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		queryAttemptsTotal,
		queryTerminalTotal,
		queryAttemptsPerRequest,
		queryDurationSeconds,
		generationFallbackTotal,
		ingestRowsTotal,
		ingestDurationSeconds,
		httpRequestsTotal,
		httpRequestDurationSeconds,
		httpInFlightRequests,
	)
}

func ObserveQueryAttempt(outcome string) {
	queryAttemptsTotal.WithLabelValues(outcome).Inc()
}

func ObserveQueryTerminal(terminal string, attempts int, elapsed time.Duration) {
	queryTerminalTotal.WithLabelValues(terminal).Inc()
	if attempts > 0 {
		queryAttemptsPerRequest.Observe(float64(attempts))
	}
	queryDurationSeconds.Observe(elapsed.Seconds())
}

func IncrementGenerationFallback(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	generationFallbackTotal.WithLabelValues(reason).Inc()
}

func ObserveIngest(rows int64, elapsed time.Duration) {
	if rows > 0 {
		ingestRowsTotal.Add(float64(rows))
	}
	ingestDurationSeconds.Observe(elapsed.Seconds())
}
