package artifact

import (
	"fmt"

	"github.com/velodata/cycling-data-etl/internal/domain"
)

// StationPath is the single station snapshot object. There is no partition
// dimension for stations, each run overwrites the previous snapshot.
const StationPath = "metainfo_bike_point.parquet"

// TripPath names the artifact for one usage-stats partition.
func TripPath(seq int) string {
	return fmt.Sprintf("usage-stats/part_%d.parquet", seq)
}

// WeatherPath names the artifact for one metric-month weather join.
func WeatherPath(metric string, period domain.Period) string {
	return fmt.Sprintf("weather/%s/part_%s.parquet", metric, period)
}
