package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tripHeaderModern() []string {
	return []string{"Rental Id", "Duration", "Bike Id", "End Date", "EndStation Id", "EndStation Name", "Start Date", "StartStation Id", "StartStation Name"}
}

func tripHeaderLegacy() []string {
	return []string{"Number", "Start date", "Start station number", "Start station", "End date", "End station number", "End station", "Bike number", "Bike model", "Total duration"}
}

func TestNormalizeColumns(t *testing.T) {
	t.Run("modern and legacy headers resolve identically", func(t *testing.T) {
		modern := RawTable{
			Columns: tripHeaderModern(),
			Rows: [][]string{
				{"101", "840", "55", "02/01/2023 11:14", "22", "Oval Way", "02/01/2023 11:00", "7", "Pall Mall East ,West End"},
			},
		}
		legacy := RawTable{
			Columns: tripHeaderLegacy(),
			Rows: [][]string{
				{"101", "02/01/2023 11:00", "7", "Pall Mall East ,West End", "02/01/2023 11:14", "22", "Oval Way", "55", "CLASSIC", "14m"},
			},
		}

		nm, err := NormalizeColumns(modern, DatasetTrips)
		require.NoError(t, err)
		nl, err := NormalizeColumns(legacy, DatasetTrips)
		require.NoError(t, err)

		assert.Equal(t, tripColumns, nm.Columns)
		assert.Equal(t, nm.Columns, nl.Columns)
		assert.Equal(t, nm.Rows, nl.Rows)
	})

	t.Run("unknown raw columns are discarded", func(t *testing.T) {
		raw := RawTable{Columns: append(tripHeaderModern(), "Mystery Column"), Rows: nil}
		nt, err := NormalizeColumns(raw, DatasetTrips)
		require.NoError(t, err)
		assert.NotContains(t, nt.Columns, "Mystery Column")
		assert.Len(t, nt.Columns, len(tripColumns))
	})

	t.Run("missing required column is a schema mismatch", func(t *testing.T) {
		raw := RawTable{Columns: []string{"Rental Id", "Bike Id", "Start Date", "StartStation Id", "StartStation Name", "End Date", "EndStation Name"}}
		_, err := NormalizeColumns(raw, DatasetTrips)
		require.ErrorIs(t, err, ErrSchemaMismatch)
		assert.Contains(t, err.Error(), "end_station_id")
	})

	t.Run("unmapped dataset kind", func(t *testing.T) {
		_, err := NormalizeColumns(RawTable{}, Dataset("telemetry"))
		require.Error(t, err)
	})
}

func TestNormalizeTrips(t *testing.T) {
	raw := RawTable{
		Columns: tripHeaderModern(),
		Rows: [][]string{
			{"101", "840", "55", "02/01/2023 11:14", "22", "Oval Way", "02/01/2023 11:00", "7", "Pall Mall East ,West End"},
			{"102", "60", "tandem", "02/01/2023 12:01", "22", "Oval Way", "02/01/2023 12:00", "7", "Pall Mall East, West End"},
			{"103", "60", "56", "not a date", "23.0", "Oval Way", "also not a date", "8", "Somewhere"},
		},
	}

	records, dropped, err := NormalizeTrips(raw)
	require.NoError(t, err)

	// Row 102 has one bad id; the whole row goes, nothing is coerced.
	assert.Equal(t, 1, dropped)
	require.Len(t, records, 2)

	first := records[0]
	assert.Equal(t, int64(101), first.RentalID)
	assert.Equal(t, int64(55), first.BikeID)
	assert.Equal(t, int64(7), first.StartStationID)
	assert.Equal(t, int64(22), first.EndStationID)
	assert.Equal(t, time.Date(2023, 1, 2, 11, 0, 0, 0, time.UTC), first.StartDatetime)
	assert.Equal(t, time.Date(2023, 1, 2, 11, 14, 0, 0, time.UTC), first.EndDatetime)
	assert.Equal(t, "Pall Mall East, West End", first.StartStationName)

	// Row 103: all four ids numeric (one in float form), so it survives the
	// filter even though both timestamps are malformed.
	second := records[1]
	assert.Equal(t, int64(23), second.EndStationID)
	assert.True(t, second.StartDatetime.IsZero())
	assert.True(t, second.EndDatetime.IsZero())
}

func stationRaw(overrides map[string]string) RawTable {
	cells := map[string]string{
		"id":              "BikePoints_196",
		"commonName":      "Union Street ,The Borough",
		"terminalName":    "1152",
		"lat":             "51.50217",
		"lon":             "-0.0985",
		"installed":       "true",
		"locked":          "false",
		"temporary":       "false",
		"nbBikes":         "12",
		"nbEmptyDocks":    "14",
		"nbDocks":         "27",
		"nbStandardBikes": "10",
		"nbEBikes":        "2",
		"removalDate":     "2019-01-01T00:00:00Z",
	}
	for k, v := range overrides {
		cells[k] = v
	}
	columns := make([]string, 0, len(cells))
	row := make([]string, 0, len(cells))
	for k, v := range cells {
		columns = append(columns, k)
		row = append(row, v)
	}
	return RawTable{Columns: columns, Rows: [][]string{row}}
}

func TestNormalizeStations(t *testing.T) {
	t.Run("full record", func(t *testing.T) {
		stations, err := NormalizeStations(stationRaw(nil))
		require.NoError(t, err)
		require.Len(t, stations, 1)

		s := stations[0]
		assert.Equal(t, int64(196), s.ID)
		assert.Equal(t, "Union Street, The Borough", s.Name)
		assert.Equal(t, int64(1152), s.TerminalName)
		assert.InDelta(t, 51.50217, float64(s.Lat), 1e-5)
		assert.InDelta(t, -0.0985, float64(s.Lon), 1e-5)
		assert.True(t, s.Installed)
		assert.False(t, s.Locked)
		assert.Equal(t, int8(12), s.NbBikes)
		assert.Equal(t, int8(27), s.NbDocks)
		assert.Equal(t, int8(2), s.NbEBikes)
	})

	t.Run("counter beyond int8 range is an error, not a wrap", func(t *testing.T) {
		_, err := NormalizeStations(stationRaw(map[string]string{"nbDocks": "300"}))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "int8 range")
	})

	t.Run("out-of-range latitude", func(t *testing.T) {
		_, err := NormalizeStations(stationRaw(map[string]string{"lat": "95.1"}))
		require.Error(t, err)
	})

	t.Run("non-numeric terminal name", func(t *testing.T) {
		_, err := NormalizeStations(stationRaw(map[string]string{"terminalName": "n/a"}))
		require.Error(t, err)
	})
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		expected string
	}{
		{"space before comma", "Pall Mall East ,West End", "Pall Mall East, West End"},
		{"no spacing", "Oval Way,Lambeth", "Oval Way, Lambeth"},
		{"already canonical", "Oval Way, Lambeth", "Oval Way, Lambeth"},
		{"wide spacing", "A  ,  B", "A, B"},
		{"no comma", "Hyde Park Corner", "Hyde Park Corner"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeName(tt.in))
		})
	}
}

func TestPeriod(t *testing.T) {
	p, err := PeriodFromKey(202002)
	require.NoError(t, err)
	assert.Equal(t, 29, p.Days()) // leap year
	assert.Equal(t, 202002, p.Key())
	assert.Equal(t, time.Date(2020, 2, 1, 0, 0, 0, 0, time.UTC), p.Date(0))
	assert.Equal(t, time.Date(2020, 2, 29, 0, 0, 0, 0, time.UTC), p.Date(28))

	_, err = PeriodFromKey(202013)
	require.Error(t, err)
	_, err = PeriodFromKey(42)
	require.Error(t, err)
}

func TestValidateGrid(t *testing.T) {
	period := Period{Year: 2020, Month: time.January}

	t.Run("valid", func(t *testing.T) {
		g := WeatherGrid{Metric: "tasmin", Period: period, Cells: []GridCell{
			{Lat: 51.5, Lon: -0.1, Values: make([]float64, 31)},
		}}
		require.NoError(t, ValidateGrid(g))
	})

	t.Run("vector length mismatch", func(t *testing.T) {
		g := WeatherGrid{Metric: "tasmin", Period: period, Cells: []GridCell{
			{Lat: 51.5, Lon: -0.1, Values: make([]float64, 30)},
		}}
		require.Error(t, ValidateGrid(g))
	})

	t.Run("coordinate out of range", func(t *testing.T) {
		g := WeatherGrid{Metric: "tasmin", Period: period, Cells: []GridCell{
			{Lat: 91, Lon: 0, Values: make([]float64, 31)},
		}}
		require.Error(t, ValidateGrid(g))
	})
}
