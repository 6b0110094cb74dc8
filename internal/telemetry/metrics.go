package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued      = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_jobs_enqueued_total", Help: "Publish jobs created by the enqueuer"})
	JobsCompleted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_jobs_completed_total", Help: "Publish jobs completed successfully"})
	JobsFailed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_jobs_failed_total", Help: "Publish jobs that failed in the pipeline"})
	JobsReaped        = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_jobs_reaped_total", Help: "Stalled jobs force-failed by the reaper"})
	JobsRequeued      = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_jobs_requeued_total", Help: "Failed jobs re-queued for retry"})
	JobsArchived      = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_jobs_archived_total", Help: "Terminal jobs exported to object storage"})
	TriggerRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_trigger_rejects_total", Help: "Trigger requests rejected by the rate limiter"})
	PendingDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "publish_queue_pending_depth", Help: "Jobs waiting to be claimed"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsCompleted,
			JobsFailed,
			JobsReaped,
			JobsRequeued,
			JobsArchived,
			TriggerRejects,
			PendingDepthGauge,
		)
	})
	return promhttp.Handler()
}
