package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CoreMetrics holds all Prometheus metrics for the local core.
type CoreMetrics struct {
	QueueDepth           *prometheus.GaugeVec
	DrainOperationsTotal *prometheus.CounterVec
	DrainRunsTotal       prometheus.Counter
	BackoffSkipsTotal    prometheus.Counter
	PermissionChecks     *prometheus.CounterVec
	PermissionRefreshes  prometheus.Counter
	SessionCacheHits     prometheus.Counter
	SessionCacheMisses   prometheus.Counter
}

// NewCoreMetrics initializes and registers the Prometheus metrics.
func NewCoreMetrics() *CoreMetrics {
	return &CoreMetrics{
		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "localcore",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of queued sync operations by status.",
		}, []string{"status"}),
		DrainOperationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "localcore",
			Subsystem: "queue",
			Name:      "drain_operations_total",
			Help:      "Total drained operations by outcome.",
		}, []string{"outcome"}), // outcome: completed, failed, conflicted, skipped_dependency
		DrainRunsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "localcore",
			Subsystem: "queue",
			Name:      "drain_runs_total",
			Help:      "Total number of drain passes started.",
		}),
		BackoffSkipsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "localcore",
			Subsystem: "queue",
			Name:      "backoff_skips_total",
			Help:      "Operations skipped in a drain because their backoff window had not elapsed.",
		}),
		PermissionChecks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "localcore",
			Subsystem: "permissions",
			Name:      "checks_total",
			Help:      "Permission checks by result.",
		}, []string{"result"}), // result: allowed, denied
		PermissionRefreshes: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "localcore",
			Subsystem: "permissions",
			Name:      "refreshes_total",
			Help:      "Total permission cache rebuilds.",
		}),
		SessionCacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "localcore",
			Subsystem: "sessions",
			Name:      "cache_hits_total",
			Help:      "Total fast-tier session cache hits.",
		}),
		SessionCacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "localcore",
			Subsystem: "sessions",
			Name:      "cache_misses_total",
			Help:      "Total fast-tier session cache misses.",
		}),
	}
}
