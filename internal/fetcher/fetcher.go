// Package fetcher retrieves one partition's raw content, decodes it, and
// hands it to the schema normalizer, with bounded retry on transient
// network failure.
package fetcher

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/velodata/cycling-data-etl/internal/catalog"
	"github.com/velodata/cycling-data-etl/internal/domain"
	"github.com/velodata/cycling-data-etl/internal/observability"
)

// Downloader retrieves one raw partition payload by its catalog identifier.
// Implementations mark retryable failures with Transient.
type Downloader interface {
	Download(ctx context.Context, path string) ([]byte, error)
}

// FileDownloader streams one raw partition to a local file. Used for
// gridded binary sources, which are too large to hold as a byte slice.
type FileDownloader interface {
	DownloadFile(ctx context.Context, path, dst string) error
}

// StationSource fetches the full BikePoint snapshot.
type StationSource interface {
	BikePoints(ctx context.Context) ([]byte, error)
}

// Fetcher turns remote partitions into canonical tables.
type Fetcher struct {
	retry   Policy
	metrics *observability.Metrics
	logger  *slog.Logger
}

// New creates a Fetcher with the given retry policy.
func New(retry Policy, metrics *observability.Metrics, logger *slog.Logger) *Fetcher {
	return &Fetcher{retry: retry, metrics: metrics, logger: logger}
}

// Trips fetches one usage-stats partition and returns its canonical rows
// plus the count dropped by the id validity filter.
func (f *Fetcher) Trips(ctx context.Context, dl Downloader, ref catalog.Ref) ([]domain.TripRecord, int, error) {
	var payload []byte
	err := f.retry.Do(ctx, f.logger, "fetch "+ref.Path, f.countRetry, func() error {
		var err error
		payload, err = dl.Download(ctx, ref.Path)
		return err
	})
	if err != nil {
		return nil, 0, err
	}

	raw, err := decodeCSV(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("decode %s: %w", ref.Path, err)
	}

	records, dropped, err := domain.NormalizeTrips(raw)
	if err != nil {
		return nil, 0, fmt.Errorf("normalize %s: %w", ref.Path, err)
	}
	return records, dropped, nil
}

// Stations fetches the BikePoint snapshot and returns canonical stations.
func (f *Fetcher) Stations(ctx context.Context, src StationSource) ([]domain.Station, error) {
	var payload []byte
	err := f.retry.Do(ctx, f.logger, "fetch bikepoints", f.countRetry, func() error {
		var err error
		payload, err = src.BikePoints(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	raw, err := flattenBikePoints(payload)
	if err != nil {
		return nil, fmt.Errorf("decode bikepoints: %w", err)
	}
	return domain.NormalizeStations(raw)
}

// Weather fetches one gridded weather partition into workdir, decodes the
// grid, and masks out cells with no valid observation across the period.
func (f *Fetcher) Weather(ctx context.Context, dl FileDownloader, ref catalog.Ref, workdir string) (domain.WeatherGrid, error) {
	period, err := domain.PeriodFromKey(ref.Key.Seq)
	if err != nil {
		return domain.WeatherGrid{}, fmt.Errorf("partition %s: %w", ref.Key, err)
	}

	local := fmt.Sprintf("%s/%s_%s.nc", workdir, ref.Key.Metric, period)
	err = f.retry.Do(ctx, f.logger, "fetch "+ref.Path, f.countRetry, func() error {
		return dl.DownloadFile(ctx, ref.Path, local)
	})
	if err != nil {
		return domain.WeatherGrid{}, err
	}

	grid, err := decodeGridFile(local, ref.Key.Metric, period)
	if err != nil {
		return domain.WeatherGrid{}, fmt.Errorf("decode %s: %w", ref.Path, err)
	}
	if err := domain.ValidateGrid(grid); err != nil {
		return domain.WeatherGrid{}, fmt.Errorf("validate %s: %w", ref.Path, err)
	}
	return grid, nil
}

func (f *Fetcher) countRetry() {
	f.metrics.FetchRetries.Inc()
}

// decodeCSV reads a header row plus data rows into a RawTable. Column count
// may vary per row; short rows are padded by the normalizer's indexing.
func decodeCSV(payload []byte) (domain.RawTable, error) {
	r := csv.NewReader(bytes.NewReader(payload))
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return domain.RawTable{}, fmt.Errorf("read header: %w", err)
	}

	t := domain.RawTable{Columns: header}
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return domain.RawTable{}, fmt.Errorf("read row %d: %w", len(t.Rows)+2, err)
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// bikePoint is the subset of the BikePoint API response the pipeline needs.
// Scalar attributes live in AdditionalProperties as stringly-typed pairs.
type bikePoint struct {
	ID                   string  `json:"id"`
	CommonName           string  `json:"commonName"`
	Lat                  float64 `json:"lat"`
	Lon                  float64 `json:"lon"`
	AdditionalProperties []struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	} `json:"additionalProperties"`
}

// flattenBikePoints turns the BikePoint JSON array into a RawTable: fixed
// scalar columns first, then additional-property keys in first-seen order.
// Unmapped properties are dropped later by the normalizer.
func flattenBikePoints(payload []byte) (domain.RawTable, error) {
	var points []bikePoint
	if err := json.Unmarshal(payload, &points); err != nil {
		return domain.RawTable{}, fmt.Errorf("unmarshal bikepoints: %w", err)
	}

	columns := []string{"id", "commonName", "lat", "lon"}
	seen := map[string]bool{}
	for _, p := range points {
		for _, prop := range p.AdditionalProperties {
			if !seen[prop.Key] {
				seen[prop.Key] = true
				columns = append(columns, prop.Key)
			}
		}
	}

	t := domain.RawTable{Columns: columns, Rows: make([][]string, 0, len(points))}
	for _, p := range points {
		props := make(map[string]string, len(p.AdditionalProperties))
		for _, prop := range p.AdditionalProperties {
			props[prop.Key] = prop.Value
		}

		row := make([]string, len(columns))
		row[0] = p.ID
		row[1] = p.CommonName
		row[2] = strconv.FormatFloat(p.Lat, 'f', -1, 64)
		row[3] = strconv.FormatFloat(p.Lon, 'f', -1, 64)
		for i, c := range columns[4:] {
			row[4+i] = props[c]
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}
