// Package metrics provides Prometheus instrumentation for the DefiGuard engine.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "defiguard",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "defiguard",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AnalysesTotal counts transaction analyses by verdict.
	AnalysesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "defiguard",
			Name:      "analyses_total",
			Help:      "Total transaction analyses by verdict (approved, flagged, blocked, error).",
		},
		[]string{"verdict"},
	)

	// AnalysisDuration observes end-to-end analysis latency.
	AnalysisDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "defiguard",
		Name:      "analysis_duration_seconds",
		Help:      "End-to-end transaction analysis duration in seconds.",
		Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// ThreatsDetectedTotal counts detected threats by kind.
	ThreatsDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "defiguard",
			Name:      "threats_detected_total",
			Help:      "Total threats detected by kind.",
		},
		[]string{"kind"},
	)

	// PriceValidationsTotal counts oracle price validations by outcome.
	PriceValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "defiguard",
			Name:      "price_validations_total",
			Help:      "Total oracle price validations by outcome (accepted, rejected).",
		},
		[]string{"outcome"},
	)

	// BreakerTransitionsTotal counts circuit breaker transitions by key and state.
	BreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "defiguard",
			Name:      "breaker_transitions_total",
			Help:      "Total circuit breaker state transitions by key and new state.",
		},
		[]string{"key", "state"},
	)

	// AlertsTotal counts emergency alerts by level.
	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "defiguard",
			Name:      "alerts_total",
			Help:      "Total emergency alerts raised by level.",
		},
		[]string{"level"},
	)

	// ResponseActionsTotal counts emergency response actions by action and result.
	ResponseActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "defiguard",
			Name:      "response_actions_total",
			Help:      "Total emergency response actions executed by action and result.",
		},
		[]string{"action", "result"},
	)

	// NotificationsTotal counts emergency contact notifications by result.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "defiguard",
			Name:      "notifications_total",
			Help:      "Total emergency contact notification deliveries by result.",
		},
		[]string{"result"},
	)

	// AuditEntriesTotal counts audit trail entries by type.
	AuditEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "defiguard",
			Name:      "audit_entries_total",
			Help:      "Total audit trail entries recorded by entry type.",
		},
		[]string{"type"},
	)

	// ComplianceViolationsTotal counts compliance rule violations by rule.
	ComplianceViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "defiguard",
			Name:      "compliance_violations_total",
			Help:      "Total compliance rule violations by rule name.",
		},
		[]string{"rule"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "defiguard",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// ActiveBreakers tracks the number of currently triggered circuit breakers.
	ActiveBreakers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "defiguard",
		Name:      "active_breakers",
		Help:      "Number of circuit breakers currently in the triggered state.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "defiguard", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "defiguard", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "defiguard", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "defiguard", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "defiguard", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "defiguard", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AnalysesTotal,
		AnalysisDuration,
		ThreatsDetectedTotal,
		PriceValidationsTotal,
		BreakerTransitionsTotal,
		AlertsTotal,
		ResponseActionsTotal,
		NotificationsTotal,
		AuditEntriesTotal,
		ComplianceViolationsTotal,
		ActiveWebSocketClients,
		ActiveBreakers,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
