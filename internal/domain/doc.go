// Package domain models Transport for London (TfL) cycling open data and
// HadUK-Grid daily weather observations.
//
// # Data Sources
//
// Station metadata comes from the TfL BikePoint API
// (https://api.tfl.gov.uk/BikePoint/), a JSON array of dock stations. Most
// station attributes (terminal name, dock counts, installed/locked flags)
// arrive as stringly-typed key/value pairs in an "additionalProperties" list
// and are flattened into columns before normalization.
//
// Trip logs come from the TfL cycling usage-stats bucket
// (https://cycling.data.tfl.gov.uk/), one CSV per reporting window, named
// like "usage-stats/200JourneyDataExtract01Jan2023-07Jan2023.csv". The
// leading integer is the partition sequence number.
//
// Weather observations come from the HadUK-Grid 5km daily archive hosted by
// CEDA, one NetCDF file per metric per month, named like
// "tasmin_hadukgrid_uk_5km_day_20200101-20200131.nc". Each file carries a
// 2D latitude/longitude grid and a (day, y, x) value cube with fill values
// over the sea.
//
// # Historical Schema Drift
//
// The usage-stats CSV layout has changed several times over the years. The
// same logical column appears under different raw headers depending on the
// extract vintage:
//
//	rental_id:          "Rental Id", "Number"
//	bike_id:            "Bike Id", "Bike number"
//	start_datetime:     "Start Date"
//	end_datetime:       "End Date"
//	start_station_id:   "StartStation Id", "Start station number"
//	end_station_id:     "EndStation Id", "End station number"
//	start_station_name: "StartStation Name", "Start station"
//	end_station_name:   "EndStation Name", "End station"
//
// Raw headers are lowercased and stripped of spaces before lookup in the
// rename table, so "Rental Id" and "RentalId" resolve identically. Raw
// columns without a canonical mapping are dropped; a missing required
// canonical column fails the whole partition.
//
// Some extract vintages carry non-numeric junk in the id columns (station
// names in id fields, free-text bike identifiers). A trip row is kept only
// if all four id-like columns parse as numbers; rows failing the
// conjunctive check are dropped and counted, never coerced to sentinels.
//
// Station and trip free-text names have irregular comma spacing upstream
// ("Pall Mall East ,West End" vs "Pall Mall East, West End"). Normalization
// collapses any spacing around commas to a single ", " separator and leaves
// the rest of the name verbatim.
//
// # Identity
//
// The station record id is the numeric tail of the BikePoint id
// ("BikePoints_196" -> 196). The terminal name is the stable physical site
// identifier and is what the weather join keys on; record ids can change
// when TfL re-registers a dock.
package domain
