// Package metrics registers the Prometheus collectors exposed by the
// admin surface's /metrics endpoint. Names and groupings follow the
// convention established in the original backfiller's metrics module:
// one IntCounter per terminal outcome, one IntGauge per live queue
// depth or in-flight count.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	BackfillerReposProcessedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "backfiller_repos_processed_total",
		Help: "Total number of repos successfully processed",
	})
	BackfillerReposFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "backfiller_repos_failed_total",
		Help: "Total number of repos that failed processing",
	})
	BackfillerReposDeadLetteredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "backfiller_repos_dead_lettered_total",
		Help: "Total number of repos sent to the dead letter queue",
	})
	BackfillerRecordsExtractedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "backfiller_records_extracted_total",
		Help: "Total number of records extracted from backfilled repos",
	})
	BackfillerRetriesAttemptedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "backfiller_retries_attempted_total",
		Help: "Total number of backfill retry attempts",
	})
	BackfillerReposWaiting = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "backfiller_repos_waiting",
		Help: "Current number of repos waiting in the backfill queue",
	})
	BackfillerReposRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "backfiller_repos_running",
		Help: "Current number of repos actively being backfilled",
	})
	BackfillerCarFetchErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "backfiller_car_fetch_errors_total",
		Help: "Total number of CAR fetch errors",
	})
	BackfillerCarParseErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "backfiller_car_parse_errors_total",
		Help: "Total number of CAR parse errors",
	})
	BackfillerVerificationErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "backfiller_verification_errors_total",
		Help: "Total number of repo signature verification errors",
	})

	IngesterFramesReceivedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wintergreen_ingester_frames_received_total",
		Help: "Total number of frames received per relay host",
	}, []string{"host"})
	IngesterFramesSkippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wintergreen_ingester_frames_skipped_total",
		Help: "Total number of unrecognized frame types skipped, per relay host",
	}, []string{"host"})
	IngesterParseErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wintergreen_ingester_parse_errors_total",
		Help: "Total number of malformed frames dropped, per relay host",
	}, []string{"host"})
	IngesterReconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wintergreen_ingester_reconnects_total",
		Help: "Total number of relay reconnects, per relay host",
	}, []string{"host"})

	IndexerJobsProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wintergreen_indexer_jobs_processed_total",
		Help: "Total number of index jobs processed, per collection",
	}, []string{"collection"})
	IndexerJobsFailedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wintergreen_indexer_jobs_failed_total",
		Help: "Total number of index jobs that failed, per collection",
	}, []string{"collection"})

	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wintergreen_queue_depth",
		Help: "Current depth of a durable queue stream",
	}, []string{"stream"})
)

// Register adds every collector in this package to reg. Called once
// at startup with the default registry (or a test-local one).
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		BackfillerReposProcessedTotal,
		BackfillerReposFailedTotal,
		BackfillerReposDeadLetteredTotal,
		BackfillerRecordsExtractedTotal,
		BackfillerRetriesAttemptedTotal,
		BackfillerReposWaiting,
		BackfillerReposRunning,
		BackfillerCarFetchErrorsTotal,
		BackfillerCarParseErrorsTotal,
		BackfillerVerificationErrorsTotal,
		IngesterFramesReceivedTotal,
		IngesterFramesSkippedTotal,
		IngesterParseErrorsTotal,
		IngesterReconnectsTotal,
		IndexerJobsProcessedTotal,
		IndexerJobsFailedTotal,
		QueueDepth,
	)
}
