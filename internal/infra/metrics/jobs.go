package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(jobsEnqueuedTotal, jobsProcessedTotal, jobDurationSeconds) }

var jobsEnqueuedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "jobs_enqueued_total",
		Help: "Total number of jobs enqueued, labeled by type.",
	},
	[]string{"type"},
)

var jobsProcessedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "jobs_processed_total",
		Help: "Total job executions reaching a status, labeled by type and status.",
	},
	[]string{"type", "status"}, // status: 'completed', 'failed', 'pending' (retry), 'cancelled'
)

var jobDurationSeconds = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "job_duration_seconds",
		Help:    "Wall-clock duration of job handler executions.",
		Buckets: []float64{.05, .25, 1, 5, 15, 60, 300, 900},
	},
	[]string{"type"},
)

func IncJobEnqueued(typ string) {
	jobsEnqueuedTotal.WithLabelValues(norm(typ)).Inc()
}

func IncJobProcessed(typ, status string) {
	jobsProcessedTotal.WithLabelValues(norm(typ), norm(status)).Inc()
}

func ObserveJobDuration(typ string, d time.Duration) {
	jobDurationSeconds.WithLabelValues(norm(typ)).Observe(d.Seconds())
}
