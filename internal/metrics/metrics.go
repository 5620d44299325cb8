// Package metrics exposes Prometheus collectors for pipeline runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultNamespace prefixes every metric name when none is configured.
const DefaultNamespace = "granule_sync"

// Metrics holds the pipeline collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	Decisions             *prometheus.CounterVec
	Fetches               *prometheus.CounterVec
	FetchBytes            *prometheus.CounterVec
	FetchDuration         *prometheus.HistogramVec
	PartitionsUnavailable *prometheus.CounterVec
	Transformations       *prometheus.CounterVec
	Aggregations          *prometheus.CounterVec
	IndexErrors           *prometheus.CounterVec
	StageDuration         *prometheus.HistogramVec
	UnhealthyDatasets     prometheus.Gauge
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	f := promauto.With(reg)

	return &Metrics{
		Decisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Change-detection decisions by outcome",
			},
			[]string{"dataset", "decision"},
		),
		Fetches: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetches_total",
				Help:      "Granule fetch attempts by outcome",
			},
			[]string{"dataset", "outcome"},
		),
		FetchBytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_bytes_total",
				Help:      "Bytes of successfully fetched granules",
			},
			[]string{"dataset"},
		),
		FetchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fetch_duration_seconds",
				Help:      "Time to fetch, checksum and archive one granule",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7m
			},
			[]string{"dataset"},
		),
		PartitionsUnavailable: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "partitions_unavailable_total",
				Help:      "Source partitions that could not be listed",
			},
			[]string{"dataset"},
		),
		Transformations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transformations_total",
				Help:      "Transformation attempts by grid and outcome",
			},
			[]string{"dataset", "grid", "outcome"},
		),
		Aggregations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "aggregations_total",
				Help:      "Yearly aggregation attempts by grid and outcome",
			},
			[]string{"dataset", "grid", "outcome"},
		),
		IndexErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "index_errors_total",
				Help:      "Metadata index failures by operation",
			},
			[]string{"op"},
		),
		StageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of each pipeline stage per dataset",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 16), // 0.1s to ~55m
			},
			[]string{"dataset", "stage", "status"},
		),
		UnhealthyDatasets: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "unhealthy_datasets",
				Help:      "Datasets failing the last health check",
			},
		),
	}
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// ObserveDecision counts one change-detection decision.
func (m *Metrics) ObserveDecision(dataset, decision string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(dataset, decision).Inc()
}

// ObserveFetch records one fetch attempt.
func (m *Metrics) ObserveFetch(dataset string, ok bool, bytes int64, d time.Duration) {
	if m == nil {
		return
	}
	m.Fetches.WithLabelValues(dataset, outcome(ok)).Inc()
	m.FetchDuration.WithLabelValues(dataset).Observe(d.Seconds())
	if ok {
		m.FetchBytes.WithLabelValues(dataset).Add(float64(bytes))
	}
}

// IncPartitionUnavailable counts a partition that failed to list.
func (m *Metrics) IncPartitionUnavailable(dataset string) {
	if m == nil {
		return
	}
	m.PartitionsUnavailable.WithLabelValues(dataset).Inc()
}

// ObserveTransformation counts one (grid, field) transformation attempt.
func (m *Metrics) ObserveTransformation(dataset, grid string, ok bool) {
	if m == nil {
		return
	}
	m.Transformations.WithLabelValues(dataset, grid, outcome(ok)).Inc()
}

// ObserveAggregation counts one (grid, year) aggregation attempt.
func (m *Metrics) ObserveAggregation(dataset, grid string, ok bool) {
	if m == nil {
		return
	}
	m.Aggregations.WithLabelValues(dataset, grid, outcome(ok)).Inc()
}

// IncIndexError counts a failed index query or upsert.
func (m *Metrics) IncIndexError(op string) {
	if m == nil {
		return
	}
	m.IndexErrors.WithLabelValues(op).Inc()
}

// ObserveStage records the duration of a pipeline stage.
func (m *Metrics) ObserveStage(dataset, stage string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(dataset, stage, outcome(ok)).Observe(d.Seconds())
}

// SetUnhealthy sets the number of unhealthy datasets.
func (m *Metrics) SetUnhealthy(n int) {
	if m == nil {
		return
	}
	m.UnhealthyDatasets.Set(float64(n))
}
