package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wasend_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	Enqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wasend_dispatch_enqueue_total", Help: "Dispatch job enqueue results"},
		[]string{"result"},
	)
	QuotaRejections = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "wasend_quota_rejections_total", Help: "Sends rejected by the daily quota"},
	)
	ProviderSend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "botmaker_send_total", Help: "Botmaker send outcomes"},
		[]string{"result", "http_status"},
	)
	ProviderLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "botmaker_send_latency_seconds", Help: "Botmaker send latency"},
	)
	BatchesCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wasend_batches_completed_total", Help: "Batches by final status"},
		[]string{"status"},
	)
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wasend_webhook_events_total", Help: "Inbound provider events"},
		[]string{"event", "result"},
	)
	WebhookDuplicates = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wasend_webhook_duplicates_total", Help: "Deduplicated provider events"},
		[]string{"event"},
	)
	EngagementSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wasend_engagement_seconds",
			Help:    "Latency between send and a later lifecycle event",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
		[]string{"metric"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		APIRequests, Enqueues, QuotaRejections,
		ProviderSend, ProviderLatency, BatchesCompleted,
		WebhookEvents, WebhookDuplicates, EngagementSeconds,
	)
}
