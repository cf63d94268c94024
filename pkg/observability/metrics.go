package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CaptureMetrics holds all Prometheus metrics for the capture pipeline.
type CaptureMetrics struct {
	// Observer metrics
	MutationBatchesTotal *prometheus.CounterVec
	TranscriptChanges    *prometheus.CounterVec
	ChatMessagesTotal    *prometheus.CounterVec
	ExtractionFailures   *prometheus.CounterVec

	// Persistence metrics
	PersistTotal   *prometheus.CounterVec
	PersistSeconds *prometheus.HistogramVec
	ExportsTotal   *prometheus.CounterVec

	// Lifecycle metrics
	LifecycleTransitions *prometheus.CounterVec
	ActiveSessions       prometheus.Gauge
}

// DefaultCaptureMetrics registers metrics with the default registerer.
func DefaultCaptureMetrics() *CaptureMetrics {
	return NewCaptureMetrics(prometheus.DefaultRegisterer)
}

// NewCaptureMetrics creates a new set of capture metrics on reg.
func NewCaptureMetrics(reg prometheus.Registerer) *CaptureMetrics {
	factory := promauto.With(reg)

	return &CaptureMetrics{
		MutationBatchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_mutation_batches_total",
				Help: "Mutation batches handled per observer",
			},
			[]string{"observer"},
		),
		TranscriptChanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_transcript_changes_total",
				Help: "Caption outcomes: appended, updated or suppressed",
			},
			[]string{"outcome"},
		),
		ChatMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_chat_messages_total",
				Help: "Chat outcomes: appended or deduplicated",
			},
			[]string{"outcome"},
		),
		ExtractionFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_extraction_failures_total",
				Help: "Extraction failures per observer",
			},
			[]string{"observer"},
		),

		PersistTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_persist_total",
				Help: "Persist calls by status",
			},
			[]string{"status"},
		),
		PersistSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "capture_persist_seconds",
				Help:    "Persist call latency",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"export"},
		),
		ExportsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_exports_total",
				Help: "Export documents written by status",
			},
			[]string{"status"},
		),

		LifecycleTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_lifecycle_transitions_total",
				Help: "Lifecycle transitions by target phase",
			},
			[]string{"phase"},
		),
		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "capture_active_sessions",
				Help: "Sessions currently in the active phase",
			},
		),
	}
}
