package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(syncOperationsTotal, syncRecordsTotal, syncConflictsTotal) }

var syncOperationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sync_operations_total",
		Help: "Sync operations reaching a terminal status, labeled by direction and status.",
	},
	[]string{"direction", "status"},
)

var syncRecordsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sync_records_total",
		Help: "Per-record sync outcomes, labeled by phase and outcome.",
	},
	[]string{"phase", "outcome"}, // phase: 'pull'|'push'|'realtime'; outcome: 'pulled'|'pushed'|'updated'|'skipped'|'error'
)

var syncConflictsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sync_conflicts_total",
		Help: "Conflicts detected, labeled by how they were resolved.",
	},
	[]string{"resolution"}, // 'manual', 'local-wins', 'remote-wins', 'newest-wins'
)

func IncSyncOperation(direction, status string) {
	syncOperationsTotal.WithLabelValues(norm(direction), norm(status)).Inc()
}

func IncSyncRecord(phase, outcome string) {
	syncRecordsTotal.WithLabelValues(norm(phase), norm(outcome)).Inc()
}

func IncSyncConflict(resolution string) {
	syncConflictsTotal.WithLabelValues(norm(resolution)).Inc()
}
