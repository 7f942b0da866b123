package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	Scheduled           prometheus.Counter
	Reused              prometheus.Counter
	Sent                prometheus.Counter
	Failed              prometheus.Counter
	RateLimited         prometheus.Counter
	Cancelled           prometheus.Counter
	DuplicateSuppressed prometheus.Counter
	Recovered           prometheus.Counter
	Reconciled          prometheus.Counter
	SendDuration        prometheus.Histogram
	QueueJobs           *prometheus.GaugeVec
	JobFailures         *prometheus.CounterVec
}

// NewMetrics registers metrics on the default registry
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers metrics on reg, letting tests use a private registry
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Scheduled: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_engine_dispatches_scheduled_total",
			Help: "Total number of dispatches created by schedule requests",
		}),
		Reused: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_engine_dispatches_reused_total",
			Help: "Total number of schedule entries that matched an existing dispatch",
		}),
		Sent: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_engine_dispatches_sent_total",
			Help: "Total number of dispatches delivered",
		}),
		Failed: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_engine_dispatches_failed_total",
			Help: "Total number of dispatches that exhausted their retries",
		}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_engine_dispatches_rate_limited_total",
			Help: "Total number of dispatch attempts deferred by the hourly quota",
		}),
		Cancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_engine_dispatches_cancelled_total",
			Help: "Total number of dispatches cancelled by their sender",
		}),
		DuplicateSuppressed: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_engine_duplicate_suppressed_total",
			Help: "Total number of jobs skipped because the send was already recorded",
		}),
		Recovered: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_engine_recovered_total",
			Help: "Total number of stale dispatches re-linked to the queue",
		}),
		Reconciled: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_engine_reconciled_total",
			Help: "Total number of stuck PROCESSING dispatches settled or re-linked",
		}),
		SendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatch_engine_send_duration_seconds",
			Help:    "Time spent in the mail transport per send",
			Buckets: prometheus.DefBuckets,
		}),
		QueueJobs: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dispatch_engine_queue_jobs",
			Help: "Number of queue jobs per state",
		}, []string{"state"}),
		JobFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_engine_job_failures_total",
			Help: "Total number of failed job attempts, by whether a retry was scheduled",
		}, []string{"retry"}),
	}
}
