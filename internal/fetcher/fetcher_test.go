package fetcher

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velodata/cycling-data-etl/internal/catalog"
	"github.com/velodata/cycling-data-etl/internal/domain"
	"github.com/velodata/cycling-data-etl/internal/observability"
)

const tripCSV = "Rental Id,Duration,Bike Id,End Date,EndStation Id,EndStation Name,Start Date,StartStation Id,StartStation Name\n" +
	"101,840,55,02/01/2023 11:14,22,Oval Way,02/01/2023 11:00,7,Pall Mall East ,West End\n" +
	"102,60,bad,02/01/2023 12:01,22,Oval Way,02/01/2023 12:00,7,Somewhere\n"

type fakeDownloader struct {
	payload   []byte
	failures  int // transient failures before success
	calls     int
	fatalErr  error
	lastPath  string
}

func (d *fakeDownloader) Download(_ context.Context, path string) ([]byte, error) {
	d.calls++
	d.lastPath = path
	if d.fatalErr != nil {
		return nil, d.fatalErr
	}
	if d.calls <= d.failures {
		return nil, Transient(errors.New("status 503"))
	}
	return d.payload, nil
}

type fakeStationSource struct {
	payload []byte
	err     error
}

func (s *fakeStationSource) BikePoints(_ context.Context) ([]byte, error) {
	return s.payload, s.err
}

func newTestFetcher() *Fetcher {
	return New(Policy{Attempts: 3, Delay: time.Millisecond}, observability.NewMetricsForTesting(), slog.Default())
}

func TestFetcherTrips(t *testing.T) {
	ref := catalog.Ref{
		Dataset: domain.DatasetTrips,
		Key:     catalog.TripKey(200),
		Path:    "usage-stats/200JourneyDataExtract01Jan2023-07Jan2023.csv",
	}

	t.Run("fetch, decode, normalize", func(t *testing.T) {
		dl := &fakeDownloader{payload: []byte(tripCSV)}
		records, dropped, err := newTestFetcher().Trips(context.Background(), dl, ref)

		require.NoError(t, err)
		assert.Equal(t, ref.Path, dl.lastPath)
		require.Len(t, records, 1)
		assert.Equal(t, int64(101), records[0].RentalID)
		assert.Equal(t, "Pall Mall East, West End", records[0].StartStationName)
		assert.Equal(t, 1, dropped)
	})

	t.Run("transient failure retried", func(t *testing.T) {
		dl := &fakeDownloader{payload: []byte(tripCSV), failures: 2}
		records, _, err := newTestFetcher().Trips(context.Background(), dl, ref)

		require.NoError(t, err)
		assert.Equal(t, 3, dl.calls)
		assert.Len(t, records, 1)
	})

	t.Run("non-transient failure not retried", func(t *testing.T) {
		fatal := errors.New("status 404")
		dl := &fakeDownloader{fatalErr: fatal}
		_, _, err := newTestFetcher().Trips(context.Background(), dl, ref)

		require.ErrorIs(t, err, fatal)
		assert.Equal(t, 1, dl.calls)
	})

	t.Run("schema mismatch is fatal for the partition", func(t *testing.T) {
		dl := &fakeDownloader{payload: []byte("Rental Id,Bike Id\n1,2\n")}
		_, _, err := newTestFetcher().Trips(context.Background(), dl, ref)
		require.ErrorIs(t, err, domain.ErrSchemaMismatch)
	})
}

func TestFetcherStations(t *testing.T) {
	payload := []byte(`[
		{
			"id": "BikePoints_1",
			"commonName": "River Street , Clerkenwell",
			"lat": 51.529163,
			"lon": -0.10997,
			"additionalProperties": [
				{"key": "TerminalName", "value": "001023"},
				{"key": "Installed", "value": "true"},
				{"key": "Locked", "value": "false"},
				{"key": "Temporary", "value": "false"},
				{"key": "NbBikes", "value": "12"},
				{"key": "NbEmptyDocks", "value": "6"},
				{"key": "NbDocks", "value": "19"},
				{"key": "NbStandardBikes", "value": "10"},
				{"key": "NbEBikes", "value": "2"},
				{"key": "InstallDate", "value": "1278947280000"}
			]
		}
	]`)

	stations, err := newTestFetcher().Stations(context.Background(), &fakeStationSource{payload: payload})
	require.NoError(t, err)
	require.Len(t, stations, 1)

	s := stations[0]
	assert.Equal(t, int64(1), s.ID)
	assert.Equal(t, "River Street, Clerkenwell", s.Name)
	assert.Equal(t, int64(1023), s.TerminalName)
	assert.True(t, s.Installed)
	assert.Equal(t, int8(19), s.NbDocks)

	t.Run("malformed payload", func(t *testing.T) {
		_, err := newTestFetcher().Stations(context.Background(), &fakeStationSource{payload: []byte("<html>")})
		require.Error(t, err)
	})
}

func TestDecodeCSV(t *testing.T) {
	t.Run("variable row widths tolerated", func(t *testing.T) {
		raw, err := decodeCSV([]byte("a,b,c\n1,2,3\n4,5\n"))
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, raw.Columns)
		assert.Len(t, raw.Rows, 2)
	})

	t.Run("empty payload", func(t *testing.T) {
		_, err := decodeCSV(nil)
		require.Error(t, err)
	})
}

func TestGridFromArrays(t *testing.T) {
	period := domain.Period{Year: 2020, Month: time.January}
	days := period.Days()
	fill := 1e20

	lat := [][]float64{{51.0, 51.0}, {51.045, 51.045}}
	lon := [][]float64{{-0.1, -0.03}, {-0.1, -0.03}}

	// Cell (0,0) fully valid, (0,1) missing on day 0 only, (1,0) fully
	// missing, (1,1) fully valid.
	cube := make([][][]float64, days)
	for d := range cube {
		cube[d] = [][]float64{{float64(d), float64(10 + d)}, {fill, float64(20 + d)}}
	}
	cube[0][0][1] = fill

	grid, err := gridFromArrays("tasmin", period, lat, lon, cube, fill, true)
	require.NoError(t, err)
	require.Len(t, grid.Cells, 3)

	assert.Equal(t, 51.0, grid.Cells[0].Lat)
	assert.Equal(t, -0.1, grid.Cells[0].Lon)
	assert.Equal(t, 0.0, grid.Cells[0].Values[0])
	assert.Equal(t, float64(days-1), grid.Cells[0].Values[days-1])

	// Partial missingness retained as NaN, not dropped.
	assert.True(t, math.IsNaN(grid.Cells[1].Values[0]))
	assert.Equal(t, 11.0, grid.Cells[1].Values[1])

	// The all-missing cell is gone; next cell is (1,1).
	assert.Equal(t, -0.03, grid.Cells[2].Lon)
	assert.Equal(t, 20.0, grid.Cells[2].Values[0])

	t.Run("day count mismatch", func(t *testing.T) {
		_, err := gridFromArrays("tasmin", period, lat, lon, cube[:30], fill, true)
		require.Error(t, err)
	})

	t.Run("no declared fill value uses magnitude threshold", func(t *testing.T) {
		grid, err := gridFromArrays("tasmin", period, lat, lon, cube, 0, false)
		require.NoError(t, err)
		assert.Len(t, grid.Cells, 3)
	})
}
