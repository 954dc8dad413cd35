package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// ingestion pipeline.
type Metrics struct {
	PartitionsFetched *prometheus.CounterVec // label: dataset
	PartitionsLoaded  *prometheus.CounterVec // label: dataset
	PartitionFailures *prometheus.CounterVec // label: dataset
	RowsDropped       prometheus.Counter     // trips failing the id validity filter
	FetchRetries      prometheus.Counter

	RowsLoaded        *prometheus.HistogramVec // label: dataset
	PartitionDuration *prometheus.HistogramVec // label: dataset
	RunActive         prometheus.Gauge
}

// NewMetrics creates and registers all pipeline metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.PartitionsFetched,
		m.PartitionsLoaded,
		m.PartitionFailures,
		m.RowsDropped,
		m.FetchRetries,
		m.RowsLoaded,
		m.PartitionDuration,
		m.RunActive,
	)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		PartitionsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cycling_etl",
			Name:      "partitions_fetched_total",
			Help:      "Partitions fetched and normalized, by dataset.",
		}, []string{"dataset"}),
		PartitionsLoaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cycling_etl",
			Name:      "partitions_loaded_total",
			Help:      "Partitions loaded into the analytical sink, by dataset.",
		}, []string{"dataset"}),
		PartitionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cycling_etl",
			Name:      "partition_failures_total",
			Help:      "Partitions that failed fetch, match, or load, by dataset.",
		}, []string{"dataset"}),
		RowsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cycling_etl",
			Name:      "rows_dropped_total",
			Help:      "Trip rows dropped by the id validity filter.",
		}),
		FetchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cycling_etl",
			Name:      "fetch_retries_total",
			Help:      "Fetch attempts retried after a transient failure.",
		}),
		RowsLoaded: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cycling_etl",
			Name:      "rows_loaded",
			Help:      "Rows loaded per partition, by dataset.",
			Buckets:   []float64{100, 1_000, 10_000, 50_000, 100_000, 500_000, 1_000_000},
		}, []string{"dataset"}),
		PartitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cycling_etl",
			Name:      "partition_duration_seconds",
			Help:      "Duration of a complete fetch-match-load cycle for one partition.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"dataset"}),
		RunActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cycling_etl",
			Name:      "run_active",
			Help:      "1 while a pipeline run is in progress, 0 otherwise.",
		}),
	}
}
