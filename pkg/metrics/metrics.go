// Package metrics exposes Prometheus counters, gauges and histograms for
// the coordinator, worker loop, dispatcher and retention sweep. Emitting
// these is the core's job; running a collection backend (Prometheus
// server, Grafana) is not.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Coordinator metrics (pkg/coordinator).
	WorkBatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "whizbang_work_batch_duration_seconds",
			Help:    "Time taken by one ProcessWorkBatch transaction.",
			Buckets: prometheus.DefBuckets,
		},
	)

	WorkClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whizbang_work_claimed_total",
			Help: "Total messages claimed by ProcessWorkBatch, by role.",
		},
		[]string{"role"},
	)

	WorkCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whizbang_work_completed_total",
			Help: "Total messages reported completed, by role and outcome (success/failure).",
		},
		[]string{"role", "outcome"},
	)

	ReceptorOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whizbang_receptor_outcomes_total",
			Help: "Total per-handler ReceptorInvoke outcomes reported, by outcome (success/failure).",
		},
		[]string{"outcome"},
	)

	LeaseRenewalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whizbang_lease_renewals_total",
			Help: "Total lease renewals granted, by role.",
		},
		[]string{"role"},
	)

	InstancesReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "whizbang_instances_reaped_total",
			Help: "Total service instances reaped as stale by ProcessWorkBatch.",
		},
	)

	// Queue depth gauges (pkg/outbox, pkg/inbox), set by periodic sampling.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "whizbang_queue_depth",
			Help: "Number of claimable rows currently pending, by role.",
		},
		[]string{"role"},
	)

	// Partition/stream ownership metrics (pkg/partition).
	PartitionsOwned = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "whizbang_partitions_owned",
			Help: "Number of partitions currently assigned to each instance.",
		},
		[]string{"instance_id"},
	)

	StreamsReapedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whizbang_streams_reaped_total",
			Help: "Total stream ownership rows reaped, by reason (expired_lease/idle).",
		},
		[]string{"reason"},
	)

	// Dedup/retention metrics (pkg/dedup, pkg/cleanup).
	DedupRecordsGCdTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "whizbang_dedup_records_gcd_total",
			Help: "Total dedup records deleted past retention.",
		},
	)

	RetentionSweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "whizbang_retention_sweep_duration_seconds",
			Help:    "Time taken by one retention sweep pass, by step.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step"},
	)

	// Dispatcher metrics (pkg/dispatcher).
	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "whizbang_dispatch_duration_seconds",
			Help:    "Time taken to run an envelope through all lifecycle stages.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"message_type"},
	)

	DispatchErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whizbang_dispatch_errors_total",
			Help: "Total dispatch errors, by stage.",
		},
		[]string{"stage"},
	)

	// Worker loop metrics (pkg/worker).
	WorkerTicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "whizbang_worker_ticks_total",
			Help: "Total worker loop ticks (flush + dispatch cycles) executed.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		WorkBatchDuration,
		WorkClaimedTotal,
		WorkCompletedTotal,
		ReceptorOutcomesTotal,
		LeaseRenewalsTotal,
		InstancesReapedTotal,
		QueueDepth,
		PartitionsOwned,
		StreamsReapedTotal,
		DedupRecordsGCdTotal,
		RetentionSweepDuration,
		DispatchDuration,
		DispatchErrorsTotal,
		WorkerTicksTotal,
	)
}

// Handler returns the Prometheus scrape handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation's duration and reports it to a histogram
// once the operation completes.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time on a label combination of a
// histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
