package metrics

import "github.com/prometheus/client_golang/prometheus"

var RequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "claude_mux",
		Subsystem: "relay",
		Name:      "requests_total",
		Help:      "Total number of relayed requests by persona and status class.",
	},
	[]string{"persona", "status"},
)

var RequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "claude_mux",
		Subsystem: "relay",
		Name:      "request_duration_seconds",
		Help:      "End-to-end relay duration in seconds.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	},
	[]string{"mode"},
)

var CacheHitsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "claude_mux",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Total in-process cache hits by cache name.",
	},
	[]string{"cache"},
)

var CacheMissesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "claude_mux",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Total in-process cache misses by cache name.",
	},
	[]string{"cache"},
)

var RateLimitMarksTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "claude_mux",
		Subsystem: "accounts",
		Name:      "rate_limit_marks_total",
		Help:      "Total number of accounts marked rate-limited.",
	},
)

var TokenRefreshTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "claude_mux",
		Subsystem: "accounts",
		Name:      "token_refresh_total",
		Help:      "Total OAuth token refresh attempts by outcome.",
	},
	[]string{"outcome"},
)

var DegradedSelectionsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "claude_mux",
		Subsystem: "scheduler",
		Name:      "degraded_selections_total",
		Help:      "Total selections that fell back to a rate-limited account.",
	},
)

// All returns every collector for registration at startup.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		RequestsTotal,
		RequestDuration,
		CacheHitsTotal,
		CacheMissesTotal,
		RateLimitMarksTotal,
		TokenRefreshTotal,
		DegradedSelectionsTotal,
	}
}
