package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_jobs_submitted_total", Help: "Jobs created by submit"}, []string{"queue"})
	JobsDeduplicated   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_jobs_deduplicated_total", Help: "Submissions answered by an existing job for the natural key"}, []string{"queue"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_rate_limit_rejects_total", Help: "Submissions rejected by the owner rate limiter"})
	JobsCompleted      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_jobs_completed_total", Help: "Jobs completed successfully"}, []string{"queue"})
	JobRetries         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_job_retries_total", Help: "Failed attempts scheduled for retry"}, []string{"queue"})
	JobsDeadLettered   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_jobs_dead_lettered_total", Help: "Jobs moved to the dead-letter queue"}, []string{"queue"})
	JobsCancelled      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_jobs_cancelled_total", Help: "Jobs cancelled"}, []string{"queue"})
	JobsBudgetExceeded = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_jobs_budget_exceeded_total", Help: "Runs halted by the hard cost ceiling"}, []string{"queue"})
	QueueDepthGauge    = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "pipeline_queue_depth", Help: "Ready jobs per queue"}, []string{"queue"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_jobs_inflight", Help: "Jobs currently claimed by this process"})

	TurnDuration       = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "pipeline_turn_duration_seconds", Help: "Executor turn latency", Buckets: prometheus.ExponentialBuckets(0.1, 2, 12)}, []string{"tool"})
	CostUSD            = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_cost_usd_total", Help: "Computed spend in USD"}, []string{"unit"})
	CostRecords        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_cost_records_total", Help: "Cost records by unit and outcome"}, []string{"unit", "success"})
	CostAlerts         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_cost_alerts_total", Help: "Advisory cost anomaly alerts"}, []string{"tag"})
	BroadcastFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_progress_broadcast_failures_total", Help: "Progress events that could not be published"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsDeduplicated,
			RateLimitRejects,
			JobsCompleted,
			JobRetries,
			JobsDeadLettered,
			JobsCancelled,
			JobsBudgetExceeded,
			QueueDepthGauge,
			InFlightGauge,
			TurnDuration,
			CostUSD,
			CostRecords,
			CostAlerts,
			BroadcastFailures,
		)
	})
	return promhttp.Handler()
}
