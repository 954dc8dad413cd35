package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/velodata/cycling-data-etl/internal/artifact"
	"github.com/velodata/cycling-data-etl/internal/catalog"
	"github.com/velodata/cycling-data-etl/internal/domain"
	"github.com/velodata/cycling-data-etl/internal/matcher"
)

// RunWeather ingests weather join partitions. A partition is one calendar
// month and is only loadable when the archive has all metrics for it: the
// warehouse row is wide, one column per metric. A single requested month
// fails the run when incomplete or broken; in a bulk run bad months are
// logged and counted while the rest proceed. Without a request the latest
// complete months are selected from the archive listing.
func (p *Pipeline) RunWeather(ctx context.Context, months []int, latest int) error {
	p.metrics.RunActive.Set(1)
	defer p.metrics.RunActive.Set(0)

	stations, err := p.loadStationSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("station snapshot: %w", err)
	}

	byPeriod, err := p.weatherPartitions(ctx)
	if err != nil {
		return err
	}
	selected, err := selectPeriods(byPeriod, months, latest, p.logger)
	if err != nil {
		return err
	}
	p.logger.Info("weather run started", "partitions", len(selected), "stations", len(stations))

	// A run is single-partition by what the caller asked for, not by how
	// many requests survived selection.
	single := len(months) == 1 || (len(months) == 0 && len(selected) == 1)
	g, gctx := p.group(ctx)
	for _, key := range selected {
		g.Go(func() error {
			err := p.processWeatherPartition(gctx, key, byPeriod[key], stations)
			if err == nil {
				return nil
			}
			p.observeFailure(domain.DatasetWeather)
			if single {
				return fmt.Errorf("partition %06d: %w", key, err)
			}
			p.logger.Error("weather partition failed", "partition", fmt.Sprintf("%06d", key), "error", err)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	p.logger.Info("weather run finished", "partitions", len(selected))
	return nil
}

// weatherPartitions groups the archive listing by period.
func (p *Pipeline) weatherPartitions(ctx context.Context) (map[int]map[string]catalog.Ref, error) {
	refs, err := p.weather.List(ctx)
	if err != nil {
		return nil, err
	}
	byPeriod := map[int]map[string]catalog.Ref{}
	for _, ref := range refs {
		metrics, ok := byPeriod[ref.Key.Seq]
		if !ok {
			metrics = map[string]catalog.Ref{}
			byPeriod[ref.Key.Seq] = metrics
		}
		metrics[ref.Key.Metric] = ref
	}
	return byPeriod, nil
}

// selectPeriods picks the period keys to process. A requested month must be
// complete across all metrics; a single incomplete request is an error, in a
// list it is logged and skipped. Without a request the latest complete
// months are taken in ascending order.
func selectPeriods(byPeriod map[int]map[string]catalog.Ref, months []int, latest int, logger *slog.Logger) ([]int, error) {
	if len(months) > 0 {
		selected := make([]int, 0, len(months))
		for _, m := range months {
			if err := periodComplete(byPeriod, m); err != nil {
				if len(months) == 1 {
					return nil, err
				}
				logger.Warn("skipping incomplete month", "partition", fmt.Sprintf("%06d", m), "error", err)
				continue
			}
			selected = append(selected, m)
		}
		return selected, nil
	}

	var complete []int
	for key, metrics := range byPeriod {
		if len(metrics) == len(domain.WeatherMetrics) {
			complete = append(complete, key)
		}
	}
	sort.Ints(complete)
	if latest > 0 && len(complete) > latest {
		complete = complete[len(complete)-latest:]
	}
	return complete, nil
}

func periodComplete(byPeriod map[int]map[string]catalog.Ref, key int) error {
	metrics, ok := byPeriod[key]
	if !ok {
		return fmt.Errorf("partition %06d: %w", key, catalog.ErrNotFound)
	}
	for _, metric := range domain.WeatherMetrics {
		if _, ok := metrics[metric]; !ok {
			return fmt.Errorf("partition %06d: metric %s: %w", key, metric, catalog.ErrNotFound)
		}
	}
	return nil
}

// processWeatherPartition builds the per-metric join tables for one month
// and swaps the warehouse partition.
func (p *Pipeline) processWeatherPartition(ctx context.Context, key int, refs map[string]catalog.Ref, stations []domain.Station) error {
	start := domain.Now()
	period, err := domain.PeriodFromKey(key)
	if err != nil {
		return err
	}

	tables := make(map[string]domain.StationWeatherTable, len(domain.WeatherMetrics))
	for _, metric := range domain.WeatherMetrics {
		table, err := p.weatherTable(ctx, refs[metric], period, stations)
		if err != nil {
			return fmt.Errorf("metric %s: %w", metric, err)
		}
		tables[metric] = table
	}

	if err := p.warehouse.ReplaceWeatherPartition(ctx, period, tables); err != nil {
		return err
	}

	rows := len(tables[domain.WeatherMetrics[0]].Rows)
	p.observeLoad(domain.DatasetWeather, rows, start)
	p.publish(ctx, domain.DatasetWeather, period.String(), "weather", rows)
	return nil
}

// weatherTable produces the join table for one (metric, period), reusing
// the persisted artifact when present.
func (p *Pipeline) weatherTable(ctx context.Context, ref catalog.Ref, period domain.Period, stations []domain.Station) (domain.StationWeatherTable, error) {
	path := artifact.WeatherPath(ref.Key.Metric, period)

	if !p.force {
		ok, err := p.store.Exists(ctx, path)
		if err != nil {
			return domain.StationWeatherTable{}, err
		}
		if ok {
			p.logger.Info("reusing weather artifact", "partition", ref.Key.String())
			data, err := p.store.Get(ctx, path)
			if err != nil {
				return domain.StationWeatherTable{}, err
			}
			return artifact.DecodeStationWeather(data, ref.Key.Metric, period)
		}
	}

	grid, err := p.fetcher.Weather(ctx, p.weatherSource, ref, p.workdir)
	if err != nil {
		return domain.StationWeatherTable{}, err
	}
	p.metrics.PartitionsFetched.WithLabelValues(string(domain.DatasetWeather)).Inc()

	table, err := matcher.Match(grid, stations)
	if err != nil {
		return domain.StationWeatherTable{}, err
	}

	data, err := artifact.EncodeStationWeather(table)
	if err != nil {
		return domain.StationWeatherTable{}, err
	}
	if err := p.store.Put(ctx, path, data); err != nil {
		return domain.StationWeatherTable{}, err
	}
	return table, nil
}
