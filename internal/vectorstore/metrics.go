package vectorstore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationsTotal counts store operations.
	// Labels: backend, operation, result (success, error)
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docindex",
			Subsystem: "vectorstore",
			Name:      "operations_total",
			Help:      "Total number of vector store operations",
		},
		[]string{"backend", "operation", "result"},
	)

	// OperationDuration tracks how long store operations take.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "docindex",
			Subsystem: "vectorstore",
			Name:      "operation_duration_seconds",
			Help:      "Duration of vector store operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	// ChunksStored is the chunk count last observed per collection.
	ChunksStored = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "docindex",
			Subsystem: "vectorstore",
			Name:      "chunks",
			Help:      "Number of chunks in the collection at the last count",
		},
		[]string{"collection"},
	)

	// QuarantineOperations counts quarantined chromem collections.
	// Labels: result (success, error)
	QuarantineOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docindex",
			Subsystem: "vectorstore",
			Name:      "quarantine_operations_total",
			Help:      "Total number of quarantine operations",
		},
		[]string{"result"},
	)

	// CollectionsTotal tracks persisted chromem collections by status.
	// Labels: status (healthy, corrupt, empty)
	CollectionsTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "docindex",
			Subsystem: "vectorstore",
			Name:      "collections_total",
			Help:      "Total number of collections by health status",
		},
		[]string{"status"},
	)
)

// observe records one operation.
func observe(backend, op string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	OperationsTotal.WithLabelValues(backend, op, result).Inc()
	OperationDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}

// RecordQuarantineResult records the outcome of a quarantine operation.
func RecordQuarantineResult(success bool) {
	if success {
		QuarantineOperations.WithLabelValues("success").Inc()
	} else {
		QuarantineOperations.WithLabelValues("error").Inc()
	}
}

// UpdateHealthMetrics publishes a MetadataHealth result.
func UpdateHealthMetrics(h *MetadataHealth) {
	if h == nil {
		return
	}
	CollectionsTotal.WithLabelValues("healthy").Set(float64(h.HealthyCount))
	CollectionsTotal.WithLabelValues("corrupt").Set(float64(h.CorruptCount))
	CollectionsTotal.WithLabelValues("empty").Set(float64(len(h.Empty)))
}
