package domain

import (
	"fmt"
	"time"
)

// Dataset identifies one of the three ingested datasets.
type Dataset string

const (
	DatasetStations Dataset = "stations"
	DatasetTrips    Dataset = "trips"
	DatasetWeather  Dataset = "weather"
)

// Weather metrics published by the HadUK-Grid daily archive that the join
// pipeline consumes.
var WeatherMetrics = []string{"tasmin", "tasmax", "rainfall"}

// RawTable is a decoded but untyped tabular payload: CSV contents or a
// flattened BikePoint JSON document. Cells are strings; the Normalizer is
// the only component that assigns types.
type RawTable struct {
	Columns []string
	Rows    [][]string
}

// Index returns the position of a column, or -1 if absent.
func (t RawTable) Index(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Station is one canonical BikePoint record. The dataset is a full-replace
// dimension snapshot, not versioned.
type Station struct {
	ID           int64
	Name         string
	TerminalName int64
	Lat          float32
	Lon          float32
	Installed    bool
	Locked       bool
	Temporary    bool

	// Dock counters are bounded by physical capacity and stored as int8.
	NbBikes         int8
	NbEmptyDocks    int8
	NbDocks         int8
	NbStandardBikes int8
	NbEBikes        int8
}

// TripRecord is one canonical usage-stats row. All four id fields are
// guaranteed numeric by the row validity filter.
type TripRecord struct {
	RentalID         int64
	BikeID           int64
	StartDatetime    time.Time
	StartStationID   int64
	StartStationName string
	EndDatetime      time.Time
	EndStationID     int64
	EndStationName   string
}

// Period is one weather reporting period: a calendar month, keyed as yyyymm.
type Period struct {
	Year  int
	Month time.Month
}

// PeriodFromKey parses a yyyymm integer (e.g. 202001) into a Period.
func PeriodFromKey(yyyymm int) (Period, error) {
	year, month := yyyymm/100, yyyymm%100
	if year < 1800 || month < 1 || month > 12 {
		return Period{}, fmt.Errorf("invalid period key %d", yyyymm)
	}
	return Period{Year: year, Month: time.Month(month)}, nil
}

// Key returns the yyyymm form of the period.
func (p Period) Key() int {
	return p.Year*100 + int(p.Month)
}

// Start returns midnight UTC on the first day of the period.
func (p Period) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// Days returns the number of days in the period.
func (p Period) Days() int {
	return p.Start().AddDate(0, 1, 0).Add(-24 * time.Hour).Day()
}

// Date returns the date of day i (0-based) within the period.
func (p Period) Date(i int) time.Time {
	return p.Start().AddDate(0, 0, i)
}

func (p Period) String() string {
	return fmt.Sprintf("%06d", p.Key())
}

// GridCell is one valid weather grid cell: a coordinate plus the per-day
// observation vector for the period. Values[i] is the observation for
// Period.Date(i); NaN marks a day with no valid observation.
type GridCell struct {
	Lat    float64
	Lon    float64
	Values []float64
}

// WeatherGrid is one decoded weather partition: one metric, one period, one
// row per grid cell that has at least one valid observation in the period.
type WeatherGrid struct {
	Metric string
	Period Period
	Cells  []GridCell
}

// StationWeather is one exploded join row: the observation of one metric at
// one station on one date. StationID is the station's terminal name, the
// stable site identifier.
type StationWeather struct {
	StationID int64
	Date      time.Time
	Value     float64
}

// StationWeatherTable is the join output for one (metric, period) partition.
// It is the partition artifact for weather; it is never persisted in
// unexploded form.
type StationWeatherTable struct {
	Metric string
	Period Period
	Rows   []StationWeather
}
