package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Extractions counts extraction engine calls by provider and outcome (success, fallback)
	Extractions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vulndash",
			Name:      "extractions_total",
			Help:      "Total number of extractions",
		},
		[]string{"provider", "outcome"},
	)

	// ProviderErrors counts failed provider calls by kind (connection, generation)
	ProviderErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vulndash",
			Name:      "provider_errors_total",
			Help:      "Total number of failed LLM provider calls",
		},
		[]string{"provider", "kind"},
	)

	// ExtractionConfidence observes final confidence scores
	ExtractionConfidence = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vulndash",
			Name:      "extraction_confidence",
			Help:      "Confidence score of extraction results",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	// EntriesProcessed counts raw entries by reconciliation outcome
	EntriesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vulndash",
			Name:      "entries_processed_total",
			Help:      "Total number of raw entries processed",
		},
		[]string{"outcome"},
	)

	// EntriesPurged counts completed raw entries removed after retention
	EntriesPurged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vulndash",
			Name:      "entries_purged_total",
			Help:      "Total number of completed raw entries purged",
		},
	)

	// BatchDuration observes the wall time of processing batches
	BatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vulndash",
			Name:      "batch_duration_seconds",
			Help:      "Duration of processing batches",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)

	once sync.Once
)

// Init registers all collectors with the default registry, it is safe to call more than once
func Init() {
	once.Do(func() {
		prometheus.DefaultRegisterer.MustRegister(
			Extractions,
			ProviderErrors,
			ExtractionConfidence,
			EntriesProcessed,
			EntriesPurged,
			BatchDuration,
		)
	})
}
