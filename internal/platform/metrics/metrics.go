// Package metrics exposes Prometheus counters for the ingestion pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RowsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rxtrace_ingest_rows_total",
			Help: "Total number of export rows processed",
		},
	)

	EventsMappedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rxtrace_ingest_events_mapped_total",
			Help: "Total number of rows classified to a specific event kind",
		},
	)

	EventsUnmappedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rxtrace_ingest_events_unmapped_total",
			Help: "Total number of rows that errored or fell through to the catch-all kind",
		},
	)

	StructuralFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rxtrace_ingest_structural_failures_total",
			Help: "Total number of exports rejected before row processing",
		},
	)

	AssembleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rxtrace_assemble_duration_seconds",
			Help:    "Duration of journey assembly in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)
