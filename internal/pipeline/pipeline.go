// Package pipeline orchestrates the three ingest flows: the station
// dimension snapshot, usage-stats trip partitions, and the
// weather-to-station join partitions. Each flow is fetch, normalize,
// persist the partition artifact, then load the warehouse partition.
package pipeline

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/velodata/cycling-data-etl/internal/adapter/kafka"
	"github.com/velodata/cycling-data-etl/internal/catalog"
	"github.com/velodata/cycling-data-etl/internal/domain"
	"github.com/velodata/cycling-data-etl/internal/fetcher"
	"github.com/velodata/cycling-data-etl/internal/observability"
)

// ArtifactStore persists encoded partition artifacts between fetch and load.
type ArtifactStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Warehouse loads canonical partitions into the analytical tables.
type Warehouse interface {
	ReplaceStations(ctx context.Context, stations []domain.Station) error
	ReplaceTripPartition(ctx context.Context, seq int, records []domain.TripRecord) error
	ReplaceWeatherPartition(ctx context.Context, period domain.Period, tables map[string]domain.StationWeatherTable) error
}

// EventPublisher announces completed partition loads. Optional; a nil
// publisher disables events.
type EventPublisher interface {
	Publish(ctx context.Context, events ...kafka.LoadEvent) error
}

// Pipeline wires the flows together.
type Pipeline struct {
	trips   *catalog.Catalog
	weather *catalog.Catalog

	fetcher       *fetcher.Fetcher
	tripSource    fetcher.Downloader
	stationSource fetcher.StationSource
	weatherSource fetcher.FileDownloader

	store     ArtifactStore
	warehouse Warehouse
	events    EventPublisher

	metrics *observability.Metrics
	logger  *slog.Logger

	workdir     string
	concurrency int
	force       bool
}

// Options carries the injectable collaborators and tuning knobs.
type Options struct {
	Trips   *catalog.Catalog
	Weather *catalog.Catalog

	Fetcher       *fetcher.Fetcher
	TripSource    fetcher.Downloader
	StationSource fetcher.StationSource
	WeatherSource fetcher.FileDownloader

	Store     ArtifactStore
	Warehouse Warehouse
	Events    EventPublisher

	Metrics *observability.Metrics
	Logger  *slog.Logger

	// Workdir holds temporary grid downloads.
	Workdir string
	// Concurrency bounds simultaneous partition workers. Zero means 1.
	Concurrency int
	// Force refetches partitions even when their artifact already exists.
	Force bool
}

// New creates a Pipeline.
func New(opts Options) *Pipeline {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Pipeline{
		trips:         opts.Trips,
		weather:       opts.Weather,
		fetcher:       opts.Fetcher,
		tripSource:    opts.TripSource,
		stationSource: opts.StationSource,
		weatherSource: opts.WeatherSource,
		store:         opts.Store,
		warehouse:     opts.Warehouse,
		events:        opts.Events,
		metrics:       opts.Metrics,
		logger:        opts.Logger,
		workdir:       opts.Workdir,
		concurrency:   opts.Concurrency,
		force:         opts.Force,
	}
}

// group returns an errgroup bounded by the configured concurrency.
func (p *Pipeline) group(ctx context.Context) (*errgroup.Group, context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	return g, ctx
}

// publish emits a load event if a publisher is configured. Publishing is
// best-effort: the partition is already loaded, so a broker outage only
// costs the notification.
func (p *Pipeline) publish(ctx context.Context, dataset domain.Dataset, partition, table string, rows int) {
	if p.events == nil {
		return
	}
	event := kafka.LoadEvent{
		Dataset:     string(dataset),
		Partition:   partition,
		Table:       table,
		Rows:        rows,
		CompletedAt: domain.Now(),
	}
	if err := p.events.Publish(ctx, event); err != nil {
		p.logger.Warn("publish load event failed", "dataset", dataset, "partition", partition, "error", err)
	}
}

// observeLoad records the metrics for one completed partition.
func (p *Pipeline) observeLoad(dataset domain.Dataset, rows int, start time.Time) {
	p.metrics.PartitionsLoaded.WithLabelValues(string(dataset)).Inc()
	p.metrics.RowsLoaded.WithLabelValues(string(dataset)).Observe(float64(rows))
	p.metrics.PartitionDuration.WithLabelValues(string(dataset)).Observe(time.Since(start).Seconds())
}

func (p *Pipeline) observeFailure(dataset domain.Dataset) {
	p.metrics.PartitionFailures.WithLabelValues(string(dataset)).Inc()
}

func seqString(seq int) string {
	return strconv.Itoa(seq)
}
