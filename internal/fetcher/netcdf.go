package fetcher

import (
	"fmt"
	"math"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"

	"github.com/velodata/cycling-data-etl/internal/domain"
)

// defaultFillThreshold catches HadUK-Grid fill values (1e20) when the file
// does not declare _FillValue or missing_value.
const defaultFillThreshold = 1e18

// decodeGridFile decodes one HadUK-Grid daily NetCDF file. The file layout
// is a 2D latitude/longitude grid plus a (time, y, x) value cube for the
// metric. Any decode problem is fatal for the partition.
func decodeGridFile(path, metric string, period domain.Period) (domain.WeatherGrid, error) {
	nc, err := netcdf.Open(path)
	if err != nil {
		return domain.WeatherGrid{}, fmt.Errorf("open netcdf: %w", err)
	}
	defer nc.Close()

	lat, err := gridVariable2D(nc, "latitude")
	if err != nil {
		return domain.WeatherGrid{}, err
	}
	lon, err := gridVariable2D(nc, "longitude")
	if err != nil {
		return domain.WeatherGrid{}, err
	}

	v, err := nc.GetVariable(metric)
	if err != nil {
		return domain.WeatherGrid{}, fmt.Errorf("variable %q: %w", metric, err)
	}
	cube, err := to3DFloat(v.Values)
	if err != nil {
		return domain.WeatherGrid{}, fmt.Errorf("variable %q: %w", metric, err)
	}

	fill, hasFill := attrFloat(v.Attributes, "_FillValue")
	if !hasFill {
		fill, hasFill = attrFloat(v.Attributes, "missing_value")
	}

	return gridFromArrays(metric, period, lat, lon, cube, fill, hasFill)
}

// gridFromArrays masks the value cube into per-cell day vectors. A cell is
// excluded only when every day in the period is missing; partial
// missingness is retained as NaN.
func gridFromArrays(metric string, period domain.Period, lat, lon [][]float64, cube [][][]float64, fill float64, hasFill bool) (domain.WeatherGrid, error) {
	days := len(cube)
	if days != period.Days() {
		return domain.WeatherGrid{}, fmt.Errorf("cube has %d days, period %s has %d", days, period, period.Days())
	}
	if len(lat) == 0 || len(lat) != len(lon) {
		return domain.WeatherGrid{}, fmt.Errorf("coordinate grids disagree: %d lat rows, %d lon rows", len(lat), len(lon))
	}

	ny := len(lat)
	nx := len(lat[0])
	for d := 0; d < days; d++ {
		if len(cube[d]) != ny {
			return domain.WeatherGrid{}, fmt.Errorf("day %d: %d rows, grid has %d", d, len(cube[d]), ny)
		}
	}

	missing := func(v float64) bool {
		if math.IsNaN(v) {
			return true
		}
		if hasFill {
			return v == fill
		}
		return math.Abs(v) >= defaultFillThreshold
	}

	grid := domain.WeatherGrid{Metric: metric, Period: period}
	for y := 0; y < ny; y++ {
		if len(lat[y]) != nx || len(lon[y]) != nx {
			return domain.WeatherGrid{}, fmt.Errorf("coordinate row %d: ragged grid", y)
		}
		for x := 0; x < nx; x++ {
			values := make([]float64, days)
			valid := false
			for d := 0; d < days; d++ {
				row := cube[d][y]
				if len(row) != nx {
					return domain.WeatherGrid{}, fmt.Errorf("day %d row %d: ragged cube", d, y)
				}
				if missing(row[x]) {
					values[d] = math.NaN()
					continue
				}
				values[d] = row[x]
				valid = true
			}
			if !valid {
				continue
			}
			grid.Cells = append(grid.Cells, domain.GridCell{Lat: lat[y][x], Lon: lon[y][x], Values: values})
		}
	}
	return grid, nil
}

func gridVariable2D(nc api.Group, name string) ([][]float64, error) {
	v, err := nc.GetVariable(name)
	if err != nil {
		return nil, fmt.Errorf("variable %q: %w", name, err)
	}
	m, err := to2DFloat(v.Values)
	if err != nil {
		return nil, fmt.Errorf("variable %q: %w", name, err)
	}
	return m, nil
}

func to2DFloat(values any) ([][]float64, error) {
	switch v := values.(type) {
	case [][]float64:
		return v, nil
	case [][]float32:
		out := make([][]float64, len(v))
		for i, row := range v {
			out[i] = make([]float64, len(row))
			for j, x := range row {
				out[i][j] = float64(x)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unexpected type %T for 2D float grid", values)
	}
}

func to3DFloat(values any) ([][][]float64, error) {
	switch v := values.(type) {
	case [][][]float64:
		return v, nil
	case [][][]float32:
		out := make([][][]float64, len(v))
		for i, plane := range v {
			out[i] = make([][]float64, len(plane))
			for j, row := range plane {
				out[i][j] = make([]float64, len(row))
				for k, x := range row {
					out[i][j][k] = float64(x)
				}
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unexpected type %T for 3D float cube", values)
	}
}

func attrFloat(attrs api.AttributeMap, key string) (float64, bool) {
	if attrs == nil {
		return 0, false
	}
	raw, ok := attrs.Get(key)
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case []float64:
		if len(v) == 1 {
			return v[0], true
		}
	case []float32:
		if len(v) == 1 {
			return float64(v[0]), true
		}
	}
	return 0, false
}
