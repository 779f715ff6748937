package loader

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// loadsTotal counts completed loads by the path that produced them.
	loadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "extidcache_loads_total",
		Help: "Snapshot loads by reconstruction path",
	}, []string{"path"})

	// loadDuration tracks load latency by path.
	loadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "extidcache_load_duration_seconds",
		Help:    "Snapshot load duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
	}, []string{"path"})

	// abstentionsTotal counts incremental reconstructions declined, by reason.
	abstentionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "extidcache_incremental_abstentions_total",
		Help: "Incremental reconstructions that fell back to a full read, by reason",
	}, []string{"reason"})

	// droppedRecordsTotal counts notes skipped because they did not parse.
	droppedRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "extidcache_dropped_records_total",
		Help: "Invalid notes excluded from snapshots, by reconstruction path",
	}, []string{"path"})

	// ancestorHops tracks how far back the cached base was found.
	ancestorHops = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "extidcache_ancestor_hops",
		Help:    "Parent hops between a loaded commit and its cached base",
		Buckets: []float64{0, 1, 2, 3, 5, 10, 20},
	})

	// verifyMismatchTotal counts incremental results that differed from a
	// full reconstruction.
	verifyMismatchTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "extidcache_verify_mismatch_total",
		Help: "Incremental snapshots that did not match the full reconstruction",
	})

	// loadErrorsTotal counts loads that failed with a store error.
	loadErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "extidcache_load_errors_total",
		Help: "Snapshot loads that failed",
	})
)
