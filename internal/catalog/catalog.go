// Package catalog discovers remote partitions, orders them by a
// deterministic key extracted from their identifiers, and resolves
// requested partitions against the available set.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"

	"github.com/velodata/cycling-data-etl/internal/domain"
)

// ErrNotFound reports a requested partition key absent from the catalog.
// Fatal for a single-partition request; bulk drivers skip and log per item.
var ErrNotFound = errors.New("partition not found")

// UnknownSeq is the sentinel sequence for identifiers whose key could not be
// extracted. It sorts before every valid key.
const UnknownSeq = -1

// Key is a deterministic, sortable partition key: a bare sequence number for
// usage-stats partitions, or (metric, yyyymm) for weather partitions.
type Key struct {
	Metric string
	Seq    int
}

// TripKey builds the key for a usage-stats partition sequence number.
func TripKey(seq int) Key { return Key{Seq: seq} }

// WeatherKey builds the key for one weather metric and reporting period.
func WeatherKey(metric string, yyyymm int) Key { return Key{Metric: metric, Seq: yyyymm} }

// Unknown reports whether key extraction failed for this identifier.
func (k Key) Unknown() bool { return k.Seq == UnknownSeq }

// Less orders keys ascending by metric, then sequence. Unknown keys sort
// before all valid keys of the same metric.
func (k Key) Less(o Key) bool {
	if k.Metric != o.Metric {
		return k.Metric < o.Metric
	}
	return k.Seq < o.Seq
}

func (k Key) String() string {
	if k.Metric == "" {
		return strconv.Itoa(k.Seq)
	}
	return fmt.Sprintf("%s/%d", k.Metric, k.Seq)
}

// Ref is one discovered partition: its identifier in the remote catalog and
// the key extracted from it.
type Ref struct {
	Dataset domain.Dataset
	Key     Key
	Path    string
}

// Lister returns the raw identifiers of a dataset's remote catalog. The
// catalog does not care whether they came from an XML bucket listing or a
// JSON archive index.
type Lister interface {
	List(ctx context.Context) ([]string, error)
}

var (
	// usageSeqRe extracts the partition sequence from a usage-stats key,
	// e.g. "usage-stats/200JourneyDataExtract01Jan2023-07Jan2023.csv" -> 200.
	usageSeqRe = regexp.MustCompile(`^usage-stats/(\d+)`)

	// usageEligibleRe is the strict date-range-in-name grammar that defends
	// against catalog noise (directory markers, one-off dumps).
	usageEligibleRe = regexp.MustCompile(`\d+JourneyDataExtract\d{2}[A-Za-z]+\d{4}-\d{2}[A-Za-z]+\d{4}\.csv$`)

	// hadukRe parses a HadUK-Grid daily file name,
	// e.g. "tasmin_hadukgrid_uk_5km_day_20200101-20200131.nc" -> (tasmin, 20200101).
	hadukRe = regexp.MustCompile(`(\w+)_hadukgrid_uk_\d+km_day_(\d{8})-(\d{8})\.nc$`)
)

// ExtractKey extracts the partition key from a raw identifier. Identifiers
// that do not match the dataset's pattern yield the unknown sentinel, never
// an error: listings must survive catalog noise.
func ExtractKey(dataset domain.Dataset, path string) Key {
	switch dataset {
	case domain.DatasetTrips:
		m := usageSeqRe.FindStringSubmatch(path)
		if m == nil {
			return Key{Seq: UnknownSeq}
		}
		seq, err := strconv.Atoi(m[1])
		if err != nil {
			return Key{Seq: UnknownSeq}
		}
		return TripKey(seq)
	case domain.DatasetWeather:
		m := hadukRe.FindStringSubmatch(path)
		if m == nil {
			return Key{Seq: UnknownSeq}
		}
		yyyymm, err := strconv.Atoi(m[2][:6])
		if err != nil {
			return Key{Seq: UnknownSeq}
		}
		return WeatherKey(m[1], yyyymm)
	default:
		return Key{Seq: UnknownSeq}
	}
}

// eligible applies the dataset's filename grammar. Ineligible entries are
// catalog noise and are excluded before ordering.
func eligible(dataset domain.Dataset, path string) bool {
	switch dataset {
	case domain.DatasetTrips:
		return usageEligibleRe.MatchString(path)
	case domain.DatasetWeather:
		return hadukRe.MatchString(path)
	default:
		return false
	}
}

// Catalog lists and resolves partitions for one dataset.
type Catalog struct {
	dataset domain.Dataset
	lister  Lister
	logger  *slog.Logger
}

// New creates a Catalog over a dataset-specific lister.
func New(dataset domain.Dataset, lister Lister, logger *slog.Logger) *Catalog {
	return &Catalog{dataset: dataset, lister: lister, logger: logger}
}

// List returns the eligible partitions in ascending key order. Ties keep
// the listing's original order (stable sort). Eligible identifiers whose
// key cannot be extracted are kept with the unknown sentinel and logged.
func (c *Catalog) List(ctx context.Context) ([]Ref, error) {
	paths, err := c.lister.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list %s catalog: %w", c.dataset, err)
	}

	refs := make([]Ref, 0, len(paths))
	for _, p := range paths {
		if !eligible(c.dataset, p) {
			continue
		}
		key := ExtractKey(c.dataset, p)
		if key.Unknown() {
			c.logger.Warn("partition key extraction failed", "dataset", c.dataset, "path", p)
		}
		refs = append(refs, Ref{Dataset: c.dataset, Key: key, Path: p})
	}

	sort.SliceStable(refs, func(i, j int) bool { return refs[i].Key.Less(refs[j].Key) })
	return refs, nil
}

// Resolve finds the partition with exactly the requested key.
func (c *Catalog) Resolve(ctx context.Context, key Key) (Ref, error) {
	refs, err := c.List(ctx)
	if err != nil {
		return Ref{}, err
	}
	return resolve(refs, key)
}

// Latest returns the n highest-ranked eligible partitions, ascending.
// Unknown-key entries are never part of a latest window; n below one
// selects nothing.
func (c *Catalog) Latest(ctx context.Context, n int) ([]Ref, error) {
	refs, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	valid := refs[:0]
	for _, r := range refs {
		if !r.Key.Unknown() {
			valid = append(valid, r)
		}
	}
	if n < len(valid) {
		valid = valid[len(valid)-n:]
	}
	return valid, nil
}

func resolve(refs []Ref, key Key) (Ref, error) {
	for _, r := range refs {
		if r.Key == key {
			return r, nil
		}
	}
	return Ref{}, fmt.Errorf("%w: %s", ErrNotFound, key)
}
