// Package loader writes canonical partitions into the warehouse. Every load
// is replace-then-insert inside one transaction keyed by (table, partition),
// so re-running a partition is idempotent and concurrent loads of different
// partitions never serialize against each other.
package loader

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/velodata/cycling-data-etl/internal/adapter/duckdb"
	"github.com/velodata/cycling-data-etl/internal/domain"
)

// insertChunkSize bounds the number of rows per INSERT statement.
const insertChunkSize = 500

const (
	ddlBikePoint = `CREATE TABLE IF NOT EXISTS bike_point (
	id BIGINT,
	name VARCHAR,
	terminal_name BIGINT,
	lat FLOAT,
	lon FLOAT,
	installed BOOLEAN,
	locked BOOLEAN,
	temporary BOOLEAN,
	nb_bikes TINYINT,
	nb_empty_docks TINYINT,
	nb_docks TINYINT,
	nb_standard_bikes TINYINT,
	nb_ebikes TINYINT
)`

	ddlUsageStats = `CREATE TABLE IF NOT EXISTS usage_stats (
	partition_id INTEGER,
	rental_id BIGINT,
	bike_id BIGINT,
	start_datetime TIMESTAMP,
	start_station_id BIGINT,
	start_station_name VARCHAR,
	end_datetime TIMESTAMP,
	end_station_id BIGINT,
	end_station_name VARCHAR
)`

	ddlWeather = `CREATE TABLE IF NOT EXISTS weather (
	station_id BIGINT,
	date DATE,
	tasmin DOUBLE,
	tasmax DOUBLE,
	rainfall DOUBLE
)`
)

// Sink is the warehouse surface the loader drives.
type Sink interface {
	Exec(ctx context.Context, query string, args ...any) error
	WithTx(ctx context.Context, fn func(tx duckdb.Execer) error) error
}

// Loader owns the three warehouse tables.
type Loader struct {
	sink   Sink
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New builds a Loader.
func New(sink Sink, logger *slog.Logger) *Loader {
	return &Loader{
		sink:   sink,
		logger: logger,
		locks:  map[string]*sync.Mutex{},
	}
}

// lockFor serializes loads that target the same (table, partition) pair.
func (l *Loader) lockFor(key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	return m
}

// ReplaceStations swaps in a full station dimension snapshot.
func (l *Loader) ReplaceStations(ctx context.Context, stations []domain.Station) error {
	mu := l.lockFor("bike_point")
	mu.Lock()
	defer mu.Unlock()

	columns := []string{
		"id", "name", "terminal_name", "lat", "lon",
		"installed", "locked", "temporary",
		"nb_bikes", "nb_empty_docks", "nb_docks", "nb_standard_bikes", "nb_ebikes",
	}
	rows := make([][]any, len(stations))
	for i, s := range stations {
		rows[i] = []any{
			s.ID, s.Name, s.TerminalName, s.Lat, s.Lon,
			s.Installed, s.Locked, s.Temporary,
			s.NbBikes, s.NbEmptyDocks, s.NbDocks, s.NbStandardBikes, s.NbEBikes,
		}
	}

	err := l.sink.WithTx(ctx, func(tx duckdb.Execer) error {
		if err := tx.Exec(ctx, "DROP TABLE IF EXISTS bike_point"); err != nil {
			return err
		}
		if err := tx.Exec(ctx, ddlBikePoint); err != nil {
			return err
		}
		return insertRows(ctx, tx, "bike_point", columns, rows)
	})
	if err != nil {
		return fmt.Errorf("replace bike_point: %w", err)
	}
	l.logger.Info("replaced station dimension", "rows", len(stations))
	return nil
}

// ReplaceTripPartition swaps in one usage-stats partition identified by its
// sequence number.
func (l *Loader) ReplaceTripPartition(ctx context.Context, seq int, records []domain.TripRecord) error {
	mu := l.lockFor(fmt.Sprintf("usage_stats|%d", seq))
	mu.Lock()
	defer mu.Unlock()

	columns := []string{
		"partition_id", "rental_id", "bike_id",
		"start_datetime", "start_station_id", "start_station_name",
		"end_datetime", "end_station_id", "end_station_name",
	}
	rows := make([][]any, len(records))
	for i, r := range records {
		rows[i] = []any{
			seq, r.RentalID, r.BikeID,
			nullableTime(r.StartDatetime), r.StartStationID, r.StartStationName,
			nullableTime(r.EndDatetime), r.EndStationID, r.EndStationName,
		}
	}

	err := l.sink.WithTx(ctx, func(tx duckdb.Execer) error {
		if err := tx.Exec(ctx, ddlUsageStats); err != nil {
			return err
		}
		if err := tx.Exec(ctx, "DELETE FROM usage_stats WHERE partition_id = ?", seq); err != nil {
			return err
		}
		return insertRows(ctx, tx, "usage_stats", columns, rows)
	})
	if err != nil {
		return fmt.Errorf("replace usage_stats partition %d: %w", seq, err)
	}
	l.logger.Info("replaced trip partition", "partition", seq, "rows", len(records))
	return nil
}

// ReplaceWeatherPartition joins the per-metric tables for one period on
// (station, date) into the wide weather table and swaps the period in. All
// metrics must be present; a missing one aborts the load.
func (l *Loader) ReplaceWeatherPartition(ctx context.Context, period domain.Period, tables map[string]domain.StationWeatherTable) error {
	rows, err := joinMetrics(period, tables)
	if err != nil {
		return err
	}

	mu := l.lockFor(fmt.Sprintf("weather|%s", period))
	mu.Lock()
	defer mu.Unlock()

	columns := []string{"station_id", "date", "tasmin", "tasmax", "rainfall"}
	start := period.Start()
	end := start.AddDate(0, 1, 0)

	err = l.sink.WithTx(ctx, func(tx duckdb.Execer) error {
		if err := tx.Exec(ctx, ddlWeather); err != nil {
			return err
		}
		if err := tx.Exec(ctx, "DELETE FROM weather WHERE date >= ? AND date < ?", start, end); err != nil {
			return err
		}
		return insertRows(ctx, tx, "weather", columns, rows)
	})
	if err != nil {
		return fmt.Errorf("replace weather partition %s: %w", period, err)
	}
	l.logger.Info("replaced weather partition", "partition", period.String(), "rows", len(rows))
	return nil
}

// joinMetrics pivots the per-metric join tables into wide rows ordered by
// the first metric's row order.
func joinMetrics(period domain.Period, tables map[string]domain.StationWeatherTable) ([][]any, error) {
	for _, metric := range domain.WeatherMetrics {
		t, ok := tables[metric]
		if !ok {
			return nil, fmt.Errorf("weather partition %s: missing metric %s", period, metric)
		}
		if t.Period != period {
			return nil, fmt.Errorf("weather partition %s: metric %s has period %s", period, metric, t.Period)
		}
	}

	type cellKey struct {
		station int64
		date    string
	}
	primary := tables[domain.WeatherMetrics[0]]
	values := make(map[string]map[cellKey]float64, len(domain.WeatherMetrics)-1)
	for _, metric := range domain.WeatherMetrics[1:] {
		byKey := make(map[cellKey]float64, len(tables[metric].Rows))
		for _, r := range tables[metric].Rows {
			byKey[cellKey{r.StationID, r.Date.Format("2006-01-02")}] = r.Value
		}
		values[metric] = byKey
	}

	rows := make([][]any, 0, len(primary.Rows))
	for _, r := range primary.Rows {
		key := cellKey{r.StationID, r.Date.Format("2006-01-02")}
		row := []any{r.StationID, r.Date, nullableFloat(r.Value)}
		for _, metric := range domain.WeatherMetrics[1:] {
			v, ok := values[metric][key]
			if !ok {
				v = math.NaN()
			}
			row = append(row, nullableFloat(v))
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// insertRows issues bounded multi-row INSERT statements.
func insertRows(ctx context.Context, tx duckdb.Execer, table string, columns []string, rows [][]any) error {
	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"
	prefix := fmt.Sprintf("INSERT INTO %s (%s) VALUES ", table, strings.Join(columns, ", "))

	for start := 0; start < len(rows); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		placeholders := make([]string, len(chunk))
		args := make([]any, 0, len(chunk)*len(columns))
		for i, row := range chunk {
			placeholders[i] = placeholder
			args = append(args, row...)
		}
		if err := tx.Exec(ctx, prefix+strings.Join(placeholders, ", "), args...); err != nil {
			return err
		}
	}
	return nil
}

func nullableFloat(v float64) any {
	if math.IsNaN(v) {
		return nil
	}
	return v
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
