package retrieval

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SearchesTotal counts searches.
	// Labels: result (success, invalid, error)
	SearchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docindex",
			Subsystem: "retrieval",
			Name:      "searches_total",
			Help:      "Total number of searches by outcome",
		},
		[]string{"result"},
	)

	// SearchDuration tracks end-to-end search latency, embedding included.
	SearchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "docindex",
			Subsystem: "retrieval",
			Name:      "search_duration_seconds",
			Help:      "Duration of searches in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

func observeSearch(start time.Time, err error) {
	result := "success"
	switch {
	case errors.Is(err, ErrInvalidQuery):
		result = "invalid"
	case err != nil:
		result = "error"
	}
	SearchesTotal.WithLabelValues(result).Inc()
	SearchDuration.Observe(time.Since(start).Seconds())
}
