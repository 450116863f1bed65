package maintenance

import "github.com/prometheus/client_golang/prometheus"

var (
	retentionRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datatalk_retention_runs_total",
			Help: "Total number of session retention runs by status.",
		},
		[]string{"status"},
	)
	sessionsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "datatalk_sessions_expired_total",
			Help: "Total number of sessions deleted by retention runs.",
		},
	)
	integrityRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datatalk_integrity_runs_total",
			Help: "Total number of dataset integrity check runs by status.",
		},
		[]string{"status"},
	)
	integrityObjectsCheckedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "datatalk_integrity_objects_checked_total",
			Help: "Total number of dataset objects checked by integrity validation.",
		},
	)
	integrityMissingObjectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "datatalk_integrity_missing_objects_total",
			Help: "Total number of missing dataset objects detected by integrity validation.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		retentionRunsTotal,
		sessionsExpiredTotal,
		integrityRunsTotal,
		integrityObjectsCheckedTotal,
		integrityMissingObjectsTotal,
	)
}
