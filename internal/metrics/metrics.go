package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	MetricWorkerPasses      = "worker_passes_total"
	MetricWorkerPassSeconds = "worker_pass_duration_seconds"
	MetricLiveNotifiers     = "live_notifiers"
	MetricNotifierRuns      = "notifier_runs_total"
	MetricNotifierErrors    = "notifier_errors_total"
	MetricDeliveries        = "deliveries_total"
	MetricWALMessages       = "wal_messages_total"
	MetricWALErrors         = "wal_apply_errors_total"
)

var CounterWorkerPasses = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "livequery",
		Name:      MetricWorkerPasses,
		Help:      "Background worker passes over the live notifiers.",
	},
)

var HistogramWorkerPass = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "livequery",
		Name:      MetricWorkerPassSeconds,
		Help:      "Time spent running and preparing every notifier for one version.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	},
)

var GaugeLiveNotifiers = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "livequery",
		Name:      MetricLiveNotifiers,
		Help:      "Notifiers attached to the background worker.",
	},
)

var CounterNotifierRuns = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "livequery",
		Name:      MetricNotifierRuns,
		Help:      "Notifier runs on the background worker.",
	},
)

var CounterNotifierErrors = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "livequery",
		Name:      MetricNotifierErrors,
		Help:      "Notifier runs that failed; each failure is terminal for its notifier.",
	},
)

var CounterDeliveries = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "livequery",
		Name:      MetricDeliveries,
		Help:      "Deliveries that left callbacks to call.",
	},
)

var CounterWALMessages = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "livequery",
		Name:      MetricWALMessages,
		Help:      "Row changes applied from the replication stream.",
	},
	[]string{
		"kind",
	},
)

var CounterWALErrors = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "livequery",
		Name:      MetricWALErrors,
		Help:      "Replication messages that could not be applied.",
	},
)

func init() {
	prometheus.MustRegister(CounterWorkerPasses)
	prometheus.MustRegister(HistogramWorkerPass)
	prometheus.MustRegister(GaugeLiveNotifiers)
	prometheus.MustRegister(CounterNotifierRuns)
	prometheus.MustRegister(CounterNotifierErrors)
	prometheus.MustRegister(CounterDeliveries)
	prometheus.MustRegister(CounterWALMessages)
	prometheus.MustRegister(CounterWALErrors)
}
