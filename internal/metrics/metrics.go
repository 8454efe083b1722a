// Package metrics exposes prometheus instrumentation for the intake
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_intake_events_total",
			Help: "Ingestion attempts by outcome (created, duplicate, invalid, error)",
		},
		[]string{"status"},
	)

	NormalizationWarnings = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "event_intake_normalization_warnings_total",
			Help: "Total non-fatal normalization warnings emitted",
		},
	)

	PersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "event_intake_persist_failures_total",
			Help: "Atomic write units that rolled back",
		},
	)

	IngestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "event_intake_ingest_duration_seconds",
			Help:    "End-to-end duration of one ingestion request",
			Buckets: prometheus.DefBuckets,
		},
	)
)
