package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"mailroom/internal/queue"
)

var (
	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mailroom_emails_sent_total",
			Help: "Total emails sent",
		},
	)

	EmailFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailroom_email_failures_total",
			Help: "Total failed send attempts",
		},
		[]string{"class"},
	)

	JobsClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mailroom_jobs_claimed_total",
			Help: "Total jobs claimed for processing",
		},
	)

	JobsReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mailroom_jobs_reaped_total",
			Help: "Total abandoned jobs reclaimed to pending",
		},
	)

	QueueJobs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailroom_queue_jobs",
			Help: "Jobs currently in the queue by status",
		},
		[]string{"status"},
	)

	Heartbeat = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailroom_worker_heartbeat_timestamp_seconds",
			Help: "Unix time of the worker's last heartbeat",
		},
	)

	SendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailroom_send_duration_seconds",
			Help:    "Time spent transmitting one email",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func Init() {
	prometheus.MustRegister(
		EmailsSent,
		EmailFailures,
		JobsClaimed,
		JobsReaped,
		QueueJobs,
		Heartbeat,
		SendDuration,
	)
}

// ObserveStats copies a queue snapshot into the per-status gauges.
func ObserveStats(st *queue.Stats) {
	QueueJobs.WithLabelValues(string(queue.StatusPending)).Set(float64(st.PendingCount))
	QueueJobs.WithLabelValues(string(queue.StatusProcessing)).Set(float64(st.ProcessingCount))
	QueueJobs.WithLabelValues(string(queue.StatusSent)).Set(float64(st.SentCount))
	QueueJobs.WithLabelValues(string(queue.StatusFailed)).Set(float64(st.FailedCount))
	QueueJobs.WithLabelValues(string(queue.StatusCancelled)).Set(float64(st.CancelledCount))
}
