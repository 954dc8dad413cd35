// Package matcher assigns stations to their nearest weather grid cell and
// explodes matched per-cell day vectors into per-date observations.
package matcher

import (
	"fmt"

	"github.com/velodata/cycling-data-etl/internal/domain"
)

// Match assigns every station to its nearest grid cell by great-circle
// distance (k=1) and expands the cell's day vector into one row per
// (station, date). The output always holds exactly
// len(stations) * grid.Period.Days() rows.
//
// Exact distance ties fall to whichever cell appears first in grid order;
// with a 5km grid genuine ties are negligible, but the order is not
// otherwise specified.
func Match(grid domain.WeatherGrid, stations []domain.Station) (domain.StationWeatherTable, error) {
	if len(grid.Cells) == 0 {
		return domain.StationWeatherTable{}, fmt.Errorf("weather grid %s/%s has no valid cells", grid.Metric, grid.Period)
	}

	days := grid.Period.Days()
	out := domain.StationWeatherTable{
		Metric: grid.Metric,
		Period: grid.Period,
		Rows:   make([]domain.StationWeather, 0, len(stations)*days),
	}

	// Brute force scan; stations number in the hundreds and cells in the
	// tens of thousands.
	for _, s := range stations {
		cell := nearestCell(grid.Cells, float64(s.Lat), float64(s.Lon))
		for i := 0; i < days; i++ {
			out.Rows = append(out.Rows, domain.StationWeather{
				StationID: s.TerminalName,
				Date:      grid.Period.Date(i),
				Value:     cell.Values[i],
			})
		}
	}
	return out, nil
}

func nearestCell(cells []domain.GridCell, lat, lon float64) domain.GridCell {
	best := 0
	bestDist := domain.Haversine(lat, lon, cells[0].Lat, cells[0].Lon)
	for i := 1; i < len(cells); i++ {
		d := domain.Haversine(lat, lon, cells[i].Lat, cells[i].Lon)
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	return cells[best]
}
