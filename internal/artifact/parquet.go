// Package artifact encodes canonical partition tables as compressed parquet
// files, the unit exchanged through the object store between fetch and load.
package artifact

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"time"

	"github.com/apache/arrow/go/v10/arrow"
	"github.com/apache/arrow/go/v10/arrow/array"
	"github.com/apache/arrow/go/v10/arrow/memory"
	"github.com/apache/arrow/go/v10/parquet"
	"github.com/apache/arrow/go/v10/parquet/compress"
	"github.com/apache/arrow/go/v10/parquet/file"
	"github.com/apache/arrow/go/v10/parquet/pqarrow"

	"github.com/velodata/cycling-data-etl/internal/domain"
)

var (
	stationSchema = arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "name", Type: arrow.BinaryTypes.String},
		{Name: "terminal_name", Type: arrow.PrimitiveTypes.Int64},
		{Name: "lat", Type: arrow.PrimitiveTypes.Float32},
		{Name: "lon", Type: arrow.PrimitiveTypes.Float32},
		{Name: "installed", Type: arrow.FixedWidthTypes.Boolean},
		{Name: "locked", Type: arrow.FixedWidthTypes.Boolean},
		{Name: "temporary", Type: arrow.FixedWidthTypes.Boolean},
		{Name: "nb_bikes", Type: arrow.PrimitiveTypes.Int8},
		{Name: "nb_empty_docks", Type: arrow.PrimitiveTypes.Int8},
		{Name: "nb_docks", Type: arrow.PrimitiveTypes.Int8},
		{Name: "nb_standard_bikes", Type: arrow.PrimitiveTypes.Int8},
		{Name: "nb_ebikes", Type: arrow.PrimitiveTypes.Int8},
	}, nil)

	tripSchema = arrow.NewSchema([]arrow.Field{
		{Name: "rental_id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "bike_id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "start_datetime", Type: arrow.FixedWidthTypes.Timestamp_ms, Nullable: true},
		{Name: "start_station_id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "start_station_name", Type: arrow.BinaryTypes.String},
		{Name: "end_datetime", Type: arrow.FixedWidthTypes.Timestamp_ms, Nullable: true},
		{Name: "end_station_id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "end_station_name", Type: arrow.BinaryTypes.String},
	}, nil)

	stationWeatherSchema = arrow.NewSchema([]arrow.Field{
		{Name: "station_id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "date", Type: arrow.FixedWidthTypes.Date32},
		{Name: "value", Type: arrow.PrimitiveTypes.Float32, Nullable: true},
	}, nil)
)

// EncodeStations serializes a station snapshot.
func EncodeStations(stations []domain.Station) ([]byte, error) {
	b := array.NewRecordBuilder(memory.DefaultAllocator, stationSchema)
	defer b.Release()

	for _, s := range stations {
		b.Field(0).(*array.Int64Builder).Append(s.ID)
		b.Field(1).(*array.StringBuilder).Append(s.Name)
		b.Field(2).(*array.Int64Builder).Append(s.TerminalName)
		b.Field(3).(*array.Float32Builder).Append(s.Lat)
		b.Field(4).(*array.Float32Builder).Append(s.Lon)
		b.Field(5).(*array.BooleanBuilder).Append(s.Installed)
		b.Field(6).(*array.BooleanBuilder).Append(s.Locked)
		b.Field(7).(*array.BooleanBuilder).Append(s.Temporary)
		b.Field(8).(*array.Int8Builder).Append(s.NbBikes)
		b.Field(9).(*array.Int8Builder).Append(s.NbEmptyDocks)
		b.Field(10).(*array.Int8Builder).Append(s.NbDocks)
		b.Field(11).(*array.Int8Builder).Append(s.NbStandardBikes)
		b.Field(12).(*array.Int8Builder).Append(s.NbEBikes)
	}
	return writeTable(b, stationSchema)
}

// DecodeStations deserializes a station snapshot.
func DecodeStations(data []byte) ([]domain.Station, error) {
	tbl, err := readTable(data, stationSchema)
	if err != nil {
		return nil, err
	}
	defer tbl.Release()

	n := int(tbl.NumRows())
	stations := make([]domain.Station, n)
	cols := columnAccessor{tbl: tbl}
	cols.int64s(0, func(i int, v int64) { stations[i].ID = v })
	cols.strings(1, func(i int, v string) { stations[i].Name = v })
	cols.int64s(2, func(i int, v int64) { stations[i].TerminalName = v })
	cols.float32s(3, func(i int, v float32) { stations[i].Lat = v })
	cols.float32s(4, func(i int, v float32) { stations[i].Lon = v })
	cols.bools(5, func(i int, v bool) { stations[i].Installed = v })
	cols.bools(6, func(i int, v bool) { stations[i].Locked = v })
	cols.bools(7, func(i int, v bool) { stations[i].Temporary = v })
	cols.int8s(8, func(i int, v int8) { stations[i].NbBikes = v })
	cols.int8s(9, func(i int, v int8) { stations[i].NbEmptyDocks = v })
	cols.int8s(10, func(i int, v int8) { stations[i].NbDocks = v })
	cols.int8s(11, func(i int, v int8) { stations[i].NbStandardBikes = v })
	cols.int8s(12, func(i int, v int8) { stations[i].NbEBikes = v })
	if cols.err != nil {
		return nil, cols.err
	}
	return stations, nil
}

// EncodeTrips serializes one usage-stats partition.
func EncodeTrips(records []domain.TripRecord) ([]byte, error) {
	b := array.NewRecordBuilder(memory.DefaultAllocator, tripSchema)
	defer b.Release()

	for _, r := range records {
		b.Field(0).(*array.Int64Builder).Append(r.RentalID)
		b.Field(1).(*array.Int64Builder).Append(r.BikeID)
		appendTimestamp(b.Field(2).(*array.TimestampBuilder), r.StartDatetime)
		b.Field(3).(*array.Int64Builder).Append(r.StartStationID)
		b.Field(4).(*array.StringBuilder).Append(r.StartStationName)
		appendTimestamp(b.Field(5).(*array.TimestampBuilder), r.EndDatetime)
		b.Field(6).(*array.Int64Builder).Append(r.EndStationID)
		b.Field(7).(*array.StringBuilder).Append(r.EndStationName)
	}
	return writeTable(b, tripSchema)
}

// DecodeTrips deserializes one usage-stats partition.
func DecodeTrips(data []byte) ([]domain.TripRecord, error) {
	tbl, err := readTable(data, tripSchema)
	if err != nil {
		return nil, err
	}
	defer tbl.Release()

	records := make([]domain.TripRecord, int(tbl.NumRows()))
	cols := columnAccessor{tbl: tbl}
	cols.int64s(0, func(i int, v int64) { records[i].RentalID = v })
	cols.int64s(1, func(i int, v int64) { records[i].BikeID = v })
	cols.timestamps(2, func(i int, v time.Time) { records[i].StartDatetime = v })
	cols.int64s(3, func(i int, v int64) { records[i].StartStationID = v })
	cols.strings(4, func(i int, v string) { records[i].StartStationName = v })
	cols.timestamps(5, func(i int, v time.Time) { records[i].EndDatetime = v })
	cols.int64s(6, func(i int, v int64) { records[i].EndStationID = v })
	cols.strings(7, func(i int, v string) { records[i].EndStationName = v })
	if cols.err != nil {
		return nil, cols.err
	}
	return records, nil
}

// EncodeStationWeather serializes one exploded weather join partition.
// NaN observations are written as nulls.
func EncodeStationWeather(t domain.StationWeatherTable) ([]byte, error) {
	b := array.NewRecordBuilder(memory.DefaultAllocator, stationWeatherSchema)
	defer b.Release()

	for _, r := range t.Rows {
		b.Field(0).(*array.Int64Builder).Append(r.StationID)
		b.Field(1).(*array.Date32Builder).Append(arrow.Date32FromTime(r.Date))
		vb := b.Field(2).(*array.Float32Builder)
		if math.IsNaN(r.Value) {
			vb.AppendNull()
		} else {
			vb.Append(float32(r.Value))
		}
	}
	return writeTable(b, stationWeatherSchema)
}

// DecodeStationWeather deserializes one weather join partition. Nulls come
// back as NaN.
func DecodeStationWeather(data []byte, metric string, period domain.Period) (domain.StationWeatherTable, error) {
	tbl, err := readTable(data, stationWeatherSchema)
	if err != nil {
		return domain.StationWeatherTable{}, err
	}
	defer tbl.Release()

	out := domain.StationWeatherTable{
		Metric: metric,
		Period: period,
		Rows:   make([]domain.StationWeather, int(tbl.NumRows())),
	}
	cols := columnAccessor{tbl: tbl}
	cols.int64s(0, func(i int, v int64) { out.Rows[i].StationID = v })
	cols.dates(1, func(i int, v time.Time) { out.Rows[i].Date = v })
	cols.nullableFloat32s(2, func(i int, v float64) { out.Rows[i].Value = v })
	if cols.err != nil {
		return domain.StationWeatherTable{}, cols.err
	}
	return out, nil
}

func appendTimestamp(b *array.TimestampBuilder, t time.Time) {
	if t.IsZero() {
		b.AppendNull()
		return
	}
	b.Append(arrow.Timestamp(t.UnixMilli()))
}

// writeTable flushes a record builder into a gzip-compressed parquet blob.
func writeTable(b *array.RecordBuilder, schema *arrow.Schema) ([]byte, error) {
	rec := b.NewRecord()
	defer rec.Release()

	tbl := array.NewTableFromRecords(schema, []arrow.Record{rec})
	defer tbl.Release()

	chunkSize := tbl.NumRows()
	if chunkSize == 0 {
		chunkSize = 1
	}

	var buf bytes.Buffer
	props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Gzip))
	if err := pqarrow.WriteTable(tbl, &buf, chunkSize, props, pqarrow.DefaultWriterProps()); err != nil {
		return nil, fmt.Errorf("write parquet: %w", err)
	}
	return buf.Bytes(), nil
}

// readTable parses a parquet blob and verifies its column layout against the
// expected schema.
func readTable(data []byte, schema *arrow.Schema) (arrow.Table, error) {
	rdr, err := file.NewParquetReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}

	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	if err != nil {
		rdr.Close()
		return nil, fmt.Errorf("read parquet: %w", err)
	}

	tbl, err := fr.ReadTable(context.Background())
	if err != nil {
		rdr.Close()
		return nil, fmt.Errorf("read parquet table: %w", err)
	}
	// ReadTable materializes the whole file; the reader is no longer needed.
	rdr.Close()

	if int(tbl.NumCols()) != len(schema.Fields()) {
		tbl.Release()
		return nil, fmt.Errorf("artifact has %d columns, expected %d", tbl.NumCols(), len(schema.Fields()))
	}
	for i, f := range schema.Fields() {
		if got := tbl.Schema().Field(i).Name; got != f.Name {
			tbl.Release()
			return nil, fmt.Errorf("artifact column %d is %q, expected %q", i, got, f.Name)
		}
	}
	return tbl, nil
}

// columnAccessor walks table columns chunk by chunk, delivering values by
// global row index. The first type mismatch sticks in err and later calls
// no-op.
type columnAccessor struct {
	tbl arrow.Table
	err error
}

func (c *columnAccessor) fail(col int, chunk arrow.Array, want string) {
	c.err = fmt.Errorf("column %q: unexpected chunk type %T, want %s",
		c.tbl.Schema().Field(col).Name, chunk, want)
}

func (c *columnAccessor) int64s(col int, set func(int, int64)) {
	if c.err != nil {
		return
	}
	row := 0
	for _, chunk := range c.tbl.Column(col).Data().Chunks() {
		a, ok := chunk.(*array.Int64)
		if !ok {
			c.fail(col, chunk, "int64")
			return
		}
		for i := 0; i < a.Len(); i++ {
			set(row, a.Value(i))
			row++
		}
	}
}

func (c *columnAccessor) int8s(col int, set func(int, int8)) {
	if c.err != nil {
		return
	}
	row := 0
	for _, chunk := range c.tbl.Column(col).Data().Chunks() {
		a, ok := chunk.(*array.Int8)
		if !ok {
			c.fail(col, chunk, "int8")
			return
		}
		for i := 0; i < a.Len(); i++ {
			set(row, a.Value(i))
			row++
		}
	}
}

func (c *columnAccessor) float32s(col int, set func(int, float32)) {
	if c.err != nil {
		return
	}
	row := 0
	for _, chunk := range c.tbl.Column(col).Data().Chunks() {
		a, ok := chunk.(*array.Float32)
		if !ok {
			c.fail(col, chunk, "float32")
			return
		}
		for i := 0; i < a.Len(); i++ {
			set(row, a.Value(i))
			row++
		}
	}
}

func (c *columnAccessor) nullableFloat32s(col int, set func(int, float64)) {
	if c.err != nil {
		return
	}
	row := 0
	for _, chunk := range c.tbl.Column(col).Data().Chunks() {
		a, ok := chunk.(*array.Float32)
		if !ok {
			c.fail(col, chunk, "float32")
			return
		}
		for i := 0; i < a.Len(); i++ {
			if a.IsNull(i) {
				set(row, math.NaN())
			} else {
				set(row, float64(a.Value(i)))
			}
			row++
		}
	}
}

func (c *columnAccessor) bools(col int, set func(int, bool)) {
	if c.err != nil {
		return
	}
	row := 0
	for _, chunk := range c.tbl.Column(col).Data().Chunks() {
		a, ok := chunk.(*array.Boolean)
		if !ok {
			c.fail(col, chunk, "bool")
			return
		}
		for i := 0; i < a.Len(); i++ {
			set(row, a.Value(i))
			row++
		}
	}
}

func (c *columnAccessor) strings(col int, set func(int, string)) {
	if c.err != nil {
		return
	}
	row := 0
	for _, chunk := range c.tbl.Column(col).Data().Chunks() {
		a, ok := chunk.(*array.String)
		if !ok {
			c.fail(col, chunk, "string")
			return
		}
		for i := 0; i < a.Len(); i++ {
			set(row, a.Value(i))
			row++
		}
	}
}

func (c *columnAccessor) timestamps(col int, set func(int, time.Time)) {
	if c.err != nil {
		return
	}
	row := 0
	for _, chunk := range c.tbl.Column(col).Data().Chunks() {
		a, ok := chunk.(*array.Timestamp)
		if !ok {
			c.fail(col, chunk, "timestamp")
			return
		}
		for i := 0; i < a.Len(); i++ {
			if a.IsNull(i) {
				set(row, time.Time{})
			} else {
				set(row, a.Value(i).ToTime(arrow.Millisecond).UTC())
			}
			row++
		}
	}
}

func (c *columnAccessor) dates(col int, set func(int, time.Time)) {
	if c.err != nil {
		return
	}
	row := 0
	for _, chunk := range c.tbl.Column(col).Data().Chunks() {
		a, ok := chunk.(*array.Date32)
		if !ok {
			c.fail(col, chunk, "date32")
			return
		}
		for i := 0; i < a.Len(); i++ {
			set(row, a.Value(i).ToTime().UTC())
			row++
		}
	}
}
