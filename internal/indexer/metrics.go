package indexer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DocumentsTotal counts processed documents.
	// Labels: result (succeeded, failed, unchanged, skipped, pruned)
	DocumentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docindex",
			Subsystem: "indexer",
			Name:      "documents_total",
			Help:      "Total number of documents processed by outcome",
		},
		[]string{"result"},
	)

	// ChunksTotal counts chunks by outcome.
	// Labels: result (stored, skipped, removed)
	ChunksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docindex",
			Subsystem: "indexer",
			Name:      "chunks_total",
			Help:      "Total number of chunks by outcome",
		},
		[]string{"result"},
	)

	// RunsTotal counts indexing runs.
	// Labels: result (success, error)
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docindex",
			Subsystem: "indexer",
			Name:      "runs_total",
			Help:      "Total number of indexing runs",
		},
		[]string{"result"},
	)

	// RunDuration tracks indexing run duration.
	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "docindex",
			Subsystem: "indexer",
			Name:      "run_duration_seconds",
			Help:      "Duration of indexing runs in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)
)

func recordRun(rep *Report, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	RunsTotal.WithLabelValues(result).Inc()
	RunDuration.Observe(rep.Elapsed.Seconds())

	DocumentsTotal.WithLabelValues("succeeded").Add(float64(rep.DocumentsSucceeded))
	DocumentsTotal.WithLabelValues("failed").Add(float64(rep.DocumentsFailed))
	DocumentsTotal.WithLabelValues("unchanged").Add(float64(rep.DocumentsUnchanged))
	DocumentsTotal.WithLabelValues("skipped").Add(float64(rep.DocumentsSkipped))
	DocumentsTotal.WithLabelValues("pruned").Add(float64(rep.DocumentsPruned))
	ChunksTotal.WithLabelValues("stored").Add(float64(rep.ChunksStored))
	ChunksTotal.WithLabelValues("skipped").Add(float64(rep.ChunksSkipped))
	ChunksTotal.WithLabelValues("removed").Add(float64(rep.ChunksRemoved))
}
