package pipeline

import (
	"context"
	"fmt"

	"github.com/velodata/cycling-data-etl/internal/artifact"
	"github.com/velodata/cycling-data-etl/internal/domain"
)

// RunStations refreshes the station dimension: fetch the BikePoint
// snapshot, persist it as the station artifact, and swap the warehouse
// table. The snapshot is unversioned; each run replaces the previous one.
func (p *Pipeline) RunStations(ctx context.Context) error {
	p.metrics.RunActive.Set(1)
	defer p.metrics.RunActive.Set(0)

	start := domain.Now()
	p.logger.Info("station run started")

	stations, err := p.fetchStations(ctx)
	if err != nil {
		p.observeFailure(domain.DatasetStations)
		return err
	}

	if err := p.warehouse.ReplaceStations(ctx, stations); err != nil {
		p.observeFailure(domain.DatasetStations)
		return err
	}

	p.observeLoad(domain.DatasetStations, len(stations), start)
	p.publish(ctx, domain.DatasetStations, "snapshot", "bike_point", len(stations))
	p.logger.Info("station run finished", "stations", len(stations))
	return nil
}

// fetchStations fetches a fresh snapshot and writes the station artifact.
func (p *Pipeline) fetchStations(ctx context.Context) ([]domain.Station, error) {
	stations, err := p.fetcher.Stations(ctx, p.stationSource)
	if err != nil {
		return nil, fmt.Errorf("fetch stations: %w", err)
	}
	p.metrics.PartitionsFetched.WithLabelValues(string(domain.DatasetStations)).Inc()

	data, err := artifact.EncodeStations(stations)
	if err != nil {
		return nil, fmt.Errorf("encode stations: %w", err)
	}
	if err := p.store.Put(ctx, artifact.StationPath, data); err != nil {
		return nil, fmt.Errorf("persist stations: %w", err)
	}
	return stations, nil
}

// loadStationSnapshot returns the persisted station artifact, fetching a
// fresh snapshot when none exists yet. The weather join needs station
// coordinates but must not silently refresh a snapshot the dimension table
// was loaded from, so an existing artifact always wins.
func (p *Pipeline) loadStationSnapshot(ctx context.Context) ([]domain.Station, error) {
	ok, err := p.store.Exists(ctx, artifact.StationPath)
	if err != nil {
		return nil, fmt.Errorf("check station artifact: %w", err)
	}
	if ok {
		data, err := p.store.Get(ctx, artifact.StationPath)
		if err != nil {
			return nil, fmt.Errorf("read station artifact: %w", err)
		}
		return artifact.DecodeStations(data)
	}
	p.logger.Info("no station artifact, fetching snapshot")
	return p.fetchStations(ctx)
}
