package domain

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrSchemaMismatch reports a raw table missing a required canonical column.
// Fatal for the partition being processed.
var ErrSchemaMismatch = errors.New("schema mismatch")

// commaRe matches irregular comma spacing in free-text names,
// e.g. "Pall Mall East ,West End" -> "Pall Mall East, West End".
var commaRe = regexp.MustCompile(`\s*,\s*`)

// tripRenames maps every historically observed usage-stats header (after
// canonicalKey folding) to its canonical column. Many-to-one: schema drift
// across extract vintages is a data change here, not a code change.
var tripRenames = map[string]string{
	"number":             "rental_id",
	"rentalid":           "rental_id",
	"bikenumber":         "bike_id",
	"bikeid":             "bike_id",
	"startdate":          "start_datetime",
	"startstationid":     "start_station_id",
	"startstationnumber": "start_station_id",
	"startstationname":   "start_station_name",
	"startstation":       "start_station_name",
	"enddate":            "end_datetime",
	"endstationid":       "end_station_id",
	"endstationnumber":   "end_station_id",
	"endstationname":     "end_station_name",
	"endstation":         "end_station_name",
}

// stationRenames maps flattened BikePoint fields to canonical columns.
// Fields with no downstream use (install/removal dates, lock raw state) have
// no mapping and are dropped.
var stationRenames = map[string]string{
	"id":              "id",
	"commonname":      "name",
	"name":            "name",
	"terminalname":    "terminal_name",
	"lat":             "lat",
	"lon":             "lon",
	"installed":       "installed",
	"locked":          "locked",
	"temporary":       "temporary",
	"nbbikes":         "nb_bikes",
	"nbemptydocks":    "nb_empty_docks",
	"nbdocks":         "nb_docks",
	"nbstandardbikes": "nb_standard_bikes",
	"nbebikes":        "nb_ebikes",
}

// Canonical column order per dataset kind. Required columns must be present
// and non-null after normalization.
var (
	tripColumns = []string{
		"rental_id", "bike_id",
		"start_datetime", "start_station_id", "start_station_name",
		"end_datetime", "end_station_id", "end_station_name",
	}
	stationColumns = []string{
		"id", "name", "terminal_name", "lat", "lon",
		"installed", "locked", "temporary",
		"nb_bikes", "nb_empty_docks", "nb_docks", "nb_standard_bikes", "nb_ebikes",
	}
)

// tripIDColumns are the id-like columns of the row validity filter: a trip
// row is kept only if every one of them parses as numeric.
var tripIDColumns = []string{"rental_id", "bike_id", "start_station_id", "end_station_id"}

// canonicalKey folds a raw header for rename-table lookup: lowercase, spaces
// removed. "Rental Id", "RentalId" and "rentalid" all resolve identically.
func canonicalKey(raw string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), " ", "")
}

// NormalizeColumns resolves a raw table's headers onto the canonical schema
// for the dataset kind. Unknown raw columns are discarded; when several raw
// columns map to the same canonical name the first wins. A missing required
// canonical column is an ErrSchemaMismatch, fatal for the partition.
func NormalizeColumns(t RawTable, kind Dataset) (RawTable, error) {
	var renames map[string]string
	var columns []string
	switch kind {
	case DatasetTrips:
		renames, columns = tripRenames, tripColumns
	case DatasetStations:
		renames, columns = stationRenames, stationColumns
	default:
		return RawTable{}, fmt.Errorf("no column mapping for dataset %q", kind)
	}

	src := make(map[string]int, len(columns))
	for i, raw := range t.Columns {
		canonical, ok := renames[canonicalKey(raw)]
		if !ok {
			continue
		}
		if _, dup := src[canonical]; !dup {
			src[canonical] = i
		}
	}

	for _, c := range columns {
		if _, ok := src[c]; !ok {
			return RawTable{}, fmt.Errorf("%w: required column %q absent from raw layout %v", ErrSchemaMismatch, c, t.Columns)
		}
	}

	out := RawTable{Columns: columns, Rows: make([][]string, 0, len(t.Rows))}
	for _, row := range t.Rows {
		cells := make([]string, len(columns))
		for i, c := range columns {
			if j := src[c]; j < len(row) {
				cells[i] = row[j]
			}
		}
		out.Rows = append(out.Rows, cells)
	}
	return out, nil
}

// NormalizeTrips maps a raw usage-stats table onto canonical trip records.
// Returns the kept rows and the count dropped by the id validity filter;
// the count is reported as a metric by the caller, not an error.
func NormalizeTrips(t RawTable) ([]TripRecord, int, error) {
	nt, err := NormalizeColumns(t, DatasetTrips)
	if err != nil {
		return nil, 0, err
	}

	col := make(map[string]int, len(nt.Columns))
	for i, c := range nt.Columns {
		col[c] = i
	}

	records := make([]TripRecord, 0, len(nt.Rows))
	dropped := 0
	for _, row := range nt.Rows {
		ids := make(map[string]int64, len(tripIDColumns))
		valid := true
		for _, c := range tripIDColumns {
			id, err := parseID(row[col[c]])
			if err != nil {
				valid = false
				break
			}
			ids[c] = id
		}
		if !valid {
			dropped++
			continue
		}

		records = append(records, TripRecord{
			RentalID:         ids["rental_id"],
			BikeID:           ids["bike_id"],
			StartDatetime:    parseTimestamp(row[col["start_datetime"]]),
			StartStationID:   ids["start_station_id"],
			StartStationName: NormalizeName(row[col["start_station_name"]]),
			EndDatetime:      parseTimestamp(row[col["end_datetime"]]),
			EndStationID:     ids["end_station_id"],
			EndStationName:   NormalizeName(row[col["end_station_name"]]),
		})
	}
	return records, dropped, nil
}

// NormalizeStations maps a raw BikePoint table onto canonical stations.
// Unlike trips, a malformed record here is fatal: the dataset is a small
// dimension snapshot and silent loss would skew every downstream join.
func NormalizeStations(t RawTable) ([]Station, error) {
	nt, err := NormalizeColumns(t, DatasetStations)
	if err != nil {
		return nil, err
	}

	col := make(map[string]int, len(nt.Columns))
	for i, c := range nt.Columns {
		col[c] = i
	}

	stations := make([]Station, 0, len(nt.Rows))
	for i, row := range nt.Rows {
		s, err := normalizeStationRow(row, col)
		if err != nil {
			return nil, fmt.Errorf("station row %d: %w", i, err)
		}
		stations = append(stations, s)
	}
	return stations, nil
}

func normalizeStationRow(row []string, col map[string]int) (Station, error) {
	id, err := parseID(strings.TrimPrefix(row[col["id"]], "BikePoints_"))
	if err != nil {
		return Station{}, fmt.Errorf("parse id %q: %w", row[col["id"]], err)
	}
	terminal, err := parseID(row[col["terminal_name"]])
	if err != nil {
		return Station{}, fmt.Errorf("parse terminal_name %q: %w", row[col["terminal_name"]], err)
	}
	lat, err := parseCoord(row[col["lat"]], 90)
	if err != nil {
		return Station{}, fmt.Errorf("parse lat: %w", err)
	}
	lon, err := parseCoord(row[col["lon"]], 180)
	if err != nil {
		return Station{}, fmt.Errorf("parse lon: %w", err)
	}

	s := Station{
		ID:           id,
		Name:         NormalizeName(row[col["name"]]),
		TerminalName: terminal,
		Lat:          lat,
		Lon:          lon,
		Installed:    parseBool(row[col["installed"]]),
		Locked:       parseBool(row[col["locked"]]),
		Temporary:    parseBool(row[col["temporary"]]),
	}

	counters := []struct {
		name string
		dst  *int8
	}{
		{"nb_bikes", &s.NbBikes},
		{"nb_empty_docks", &s.NbEmptyDocks},
		{"nb_docks", &s.NbDocks},
		{"nb_standard_bikes", &s.NbStandardBikes},
		{"nb_ebikes", &s.NbEBikes},
	}
	for _, c := range counters {
		v, err := parseCounter(row[col[c.name]])
		if err != nil {
			return Station{}, fmt.Errorf("parse %s: %w", c.name, err)
		}
		*c.dst = v
	}
	return s, nil
}

// ValidateGrid checks a decoded weather grid: coordinates in range and every
// cell vector exactly as long as the period. A violation is fatal for the
// partition (grid decode failure, not data-quality loss).
func ValidateGrid(g WeatherGrid) error {
	days := g.Period.Days()
	for i, c := range g.Cells {
		if c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
			return fmt.Errorf("grid cell %d: coordinate (%v, %v) out of range", i, c.Lat, c.Lon)
		}
		if len(c.Values) != days {
			return fmt.Errorf("grid cell %d: %d values for a %d-day period", i, len(c.Values), days)
		}
	}
	return nil
}

// NormalizeName collapses irregular comma spacing in a free-text name to a
// single ", " separator. Everything else passes through verbatim.
func NormalizeName(name string) string {
	return commaRe.ReplaceAllString(name, ", ")
}

// parseID parses an id-like field. Upstream id columns occasionally carry a
// float rendering of an integer ("47245.0"), so integer parsing falls back
// to an exact float conversion.
func parseID(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty id")
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("non-numeric id %q", s)
	}
	v := int64(f)
	if float64(v) != f {
		return 0, fmt.Errorf("non-integer id %q", s)
	}
	return v, nil
}

// tripTimeLayouts covers the timestamp renderings observed across extract
// vintages: day-first with and without seconds, and ISO-style.
var tripTimeLayouts = []string{
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	time.RFC3339,
}

// parseTimestamp parses a trip timestamp, returning the zero time when no
// layout matches. Timestamps are not part of the row validity filter.
func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range tripTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func parseBool(s string) bool {
	return strings.EqualFold(strings.TrimSpace(s), "true")
}

// parseCoord parses a coordinate and downcasts to float32, rejecting values
// outside [-bound, bound].
func parseCoord(s string, bound float64) (float32, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("non-numeric coordinate %q", s)
	}
	if math.Abs(v) > bound {
		return 0, fmt.Errorf("coordinate %v outside [-%v, %v]", v, bound, bound)
	}
	return float32(v), nil
}

// parseCounter parses a dock counter into int8. Counters are bounded by
// physical dock capacity; a value outside the int8 range is an error, never
// a silent wrap.
func parseCounter(s string) (int8, error) {
	v, err := parseID(s)
	if err != nil {
		return 0, err
	}
	if v < math.MinInt8 || v > math.MaxInt8 {
		return 0, fmt.Errorf("counter %d exceeds int8 range", v)
	}
	return int8(v), nil
}
