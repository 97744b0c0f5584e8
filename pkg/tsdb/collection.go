package tsdb

import (
	"sort"

	"github.com/iopsystems/rezolus/pkg/metrics"
)

// labeledSeries pairs one series' label set with its raw points.
type labeledSeries[T any] struct {
	labels Labels
	points map[int64]T
}

// Collection is a set of series of the same metric, partitioned by
// label set.
type Collection[T any] struct {
	series map[string]*labeledSeries[T]
}

func NewCollection[T any]() *Collection[T] {
	return &Collection[T]{series: make(map[string]*labeledSeries[T])}
}

func (c *Collection[T]) IsEmpty() bool { return len(c.series) == 0 }

// Entry returns the points map for labels, creating it if absent.
func (c *Collection[T]) Entry(labels Labels) map[int64]T {
	key := labels.canonicalKey()
	s, ok := c.series[key]
	if !ok {
		s = &labeledSeries[T]{labels: labels.Clone(), points: make(map[int64]T)}
		c.series[key] = s
	}
	return s.points
}

// Insert records one point for the given label set.
func (c *Collection[T]) Insert(labels Labels, ts int64, value T) {
	c.Entry(labels)[ts] = value
}

// Filter returns the subset of series whose labels match filter.
func (c *Collection[T]) Filter(filter Labels) *Collection[T] {
	result := NewCollection[T]()
	for key, s := range c.series {
		if s.labels.Matches(filter) {
			result.series[key] = s
		}
	}
	return result
}

// Each invokes fn once per series in the collection.
func (c *Collection[T]) Each(fn func(labels Labels, points map[int64]T)) {
	for _, s := range c.series {
		fn(s.labels, s.points)
	}
}

// Counters holds counter (monotonic uint64) series.
type Counters = Collection[uint64]

// Gauges holds gauge (signed int64) series.
type Gauges = Collection[int64]

// Histograms holds histogram snapshot series, reusing
// metrics.HistogramValue for bucket arithmetic.
type Histograms = Collection[metrics.HistogramValue]

// Rate converts a counter collection into per-series rate-of-change
// timeseries.
func Rate(c *Counters) *Collection[float64] {
	result := NewCollection[float64]()

	c.Each(func(labels Labels, points map[int64]uint64) {
		out := result.Entry(labels)

		times := sortedKeys(points)
		for i := 1; i < len(times); i++ {
			prevTS, ts := times[i-1], times[i]
			prevV, v := points[prevTS], points[ts]

			delta := v - prevV
			if delta >= 1<<63 {
				// counter reset or overflow: skip rather than emit a
				// negative rate
				continue
			}
			durationSec := float64(ts-prevTS) / 1e9
			if durationSec <= 0 {
				continue
			}
			out[ts] = float64(delta) / durationSec
		}
	})

	return result
}

// Untyped converts a gauge collection to the float64 representation
// shared by cross-type algebra (sum, division, interpolation).
func Untyped(g *Gauges) *Collection[float64] {
	result := NewCollection[float64]()
	g.Each(func(labels Labels, points map[int64]int64) {
		out := result.Entry(labels)
		for ts, v := range points {
			out[ts] = float64(v)
		}
	})
	return result
}

// Sum flattens a float64 collection into a single Timeseries, summing
// across all label partitions at each shared timestamp.
func Sum(c *Collection[float64]) Timeseries {
	result := NewTimeseries()
	c.Each(func(_ Labels, points map[int64]float64) {
		for ts, v := range points {
			result.Points[ts] += v
		}
	})
	return result
}

// ByName groups a float64 collection's series by their "name" label,
// summing within each group. Feeds the per-cgroup breakdown panels.
func ByName(c *Collection[float64]) map[string]Timeseries {
	byName := make(map[string]*Collection[float64])

	c.Each(func(labels Labels, points map[int64]float64) {
		name, ok := labels["name"]
		if !ok {
			return
		}
		sub, ok := byName[name]
		if !ok {
			sub = NewCollection[float64]()
			byName[name] = sub
		}
		out := sub.Entry(labels)
		for ts, v := range points {
			out[ts] = v
		}
	})

	result := make(map[string]Timeseries, len(byName))
	for name, sub := range byName {
		result[name] = Sum(sub)
	}
	return result
}

func sortedKeys(m map[int64]uint64) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
