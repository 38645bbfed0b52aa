package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsClaimed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_jobs_claimed_total", Help: "Jobs claimed by the runner"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_jobs_retried_total", Help: "Jobs that failed and were scheduled for retry"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_jobs_failed_total", Help: "Jobs that exhausted retries"})
	WebhookAccepted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_webhooks_accepted_total", Help: "Webhook events that passed verification"})
	WebhookRejected  = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_webhooks_rejected_total", Help: "Webhook events rejected before persistence"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	MediaUploads     = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_media_uploads_total", Help: "Media artifacts uploaded to object storage"})
	AIRequestSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipeline_ai_request_seconds",
		Help:    "Latency of AI completion requests",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	})
)

// Handler exposes /metrics with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsClaimed,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			WebhookAccepted,
			WebhookRejected,
			RateLimitRejects,
			MediaUploads,
			AIRequestSeconds,
		)
	})
	return promhttp.Handler()
}
