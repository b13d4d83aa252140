// Package metrics exposes Prometheus instrumentation for ingestion and
// the impact job pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the engine's Prometheus collectors. Construct once and
// inject; a custom registry keeps tests isolated.
type Metrics struct {
	Registry *prometheus.Registry

	LogsIngested *prometheus.CounterVec
	LogsDeduped  *prometheus.CounterVec

	JobsStarted      prometheus.Counter
	JobsDeduped      prometheus.Counter
	JobsCompleted    *prometheus.CounterVec
	CacheHits        prometheus.Counter
	AnalysisDuration prometheus.Histogram
}

// New creates the engine metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		LogsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "impact_logs_ingested_total",
			Help: "Query log rows inserted, by ingestion source.",
		}, []string{"source"}),
		LogsDeduped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "impact_logs_deduped_total",
			Help: "Query log rows skipped as duplicates or oversized, by ingestion source.",
		}, []string{"source"}),
		JobsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "impact_jobs_started_total",
			Help: "Impact analysis jobs reserved and scheduled.",
		}),
		JobsDeduped: factory.NewCounter(prometheus.CounterOpts{
			Name: "impact_jobs_deduped_total",
			Help: "Impact requests answered by an existing live job.",
		}),
		JobsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "impact_jobs_completed_total",
			Help: "Impact analysis jobs reaching a terminal state, by outcome.",
		}, []string{"outcome"}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "impact_cache_hits_total",
			Help: "Impact requests answered directly from the result cache.",
		}),
		AnalysisDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "impact_analysis_duration_seconds",
			Help:    "Wall time of the analyze-score-build pipeline.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
