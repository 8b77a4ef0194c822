package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Page fetch attempts by outcome (ok, retry, failed, blocked, not_found).
	PageFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listing_page_fetches_total",
			Help: "Listing page fetch attempts by outcome.",
		},
		[]string{"outcome"},
	)

	PageFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "listing_page_fetch_duration_seconds",
			Help:    "Duration of a single page fetch attempt.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms → ~40s
		},
	)

	// Records by normalization outcome (valid, invalid, rejected).
	Records = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "product_records_total",
			Help: "Normalized product records by outcome.",
		},
		[]string{"outcome"},
	)

	// Upserts by deduplicator action and result.
	Upserts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "product_upserts_total",
			Help: "Product upserts by action (insert, replace, skip, failed).",
		},
		[]string{"action"},
	)

	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipeline_batch_duration_seconds",
			Help:    "Wall-clock duration of a pipeline batch.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)
)

// ObserveDuration records the time elapsed since start on h.
func ObserveDuration(h prometheus.Observer, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}
