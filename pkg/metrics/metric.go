// Package metrics implements the process-wide metric registry: atomic
// counters, gauges, exponential histograms, and their dense "group"
// variants used by samplers that track many identically-shaped entities
// (per-CPU, per-cgroup, per-NIC).
package metrics

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
)

// Labels is an unordered set of key/value string pairs describing a
// metric instance. A nil Labels is valid and equivalent to an empty set.
type Labels map[string]string

// Clone returns a shallow copy safe to mutate independently.
func (l Labels) Clone() Labels {
	if l == nil {
		return nil
	}
	out := make(Labels, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// Merge returns a new Labels containing l's pairs overridden by extra's.
func (l Labels) Merge(extra Labels) Labels {
	if len(extra) == 0 {
		return l.Clone()
	}
	out := make(Labels, len(l)+len(extra))
	for k, v := range l {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// GaugeEmptySentinel marks a gauge group slot as "no value".
const GaugeEmptySentinel = math.MinInt64

// Counter is a monotonic (modulo 2^64) word-atomic counter.
type Counter struct {
	name  string
	value atomic.Uint64
	meta  Labels
}

// NewCounter constructs an unregistered Counter. Use Registry.Counter to
// register one against the process-wide registry.
func NewCounter(name string, meta Labels) *Counter {
	return &Counter{name: name, meta: meta}
}

func (c *Counter) Name() string { return c.name }
func (c *Counter) Metadata() Labels { return c.meta }

// Add increments the counter by delta.
func (c *Counter) Add(delta uint64) { c.value.Add(delta) }

// Incr increments the counter by one.
func (c *Counter) Incr() { c.value.Add(1) }

// Set forces the counter to an absolute value; used by samplers that
// drain kernel-provided absolute counts rather than accumulating deltas
// themselves (e.g. BPF map readers).
func (c *Counter) Set(value uint64) { c.value.Store(value) }

// Value returns the current reading.
func (c *Counter) Value() uint64 { return c.value.Load() }

// Gauge is a word-atomic signed integer reading.
type Gauge struct {
	name  string
	value atomic.Int64
	meta  Labels
}

func NewGauge(name string, meta Labels) *Gauge {
	g := &Gauge{name: name, meta: meta}
	g.value.Store(GaugeEmptySentinel)
	return g
}

func (g *Gauge) Name() string     { return g.name }
func (g *Gauge) Metadata() Labels { return g.meta }
func (g *Gauge) Set(v int64)      { g.value.Store(v) }
func (g *Gauge) Add(delta int64)  { g.value.Add(delta) }
func (g *Gauge) Value() int64     { return g.value.Load() }

// Clear resets the gauge to the "no value" sentinel.
func (g *Gauge) Clear() { g.value.Store(GaugeEmptySentinel) }

// IsEmpty reports whether the gauge currently holds the sentinel value.
func (g *Gauge) IsEmpty() bool { return g.value.Load() == GaugeEmptySentinel }

// HistogramConfig parameterizes an exponential histogram: values below
// 2^GroupingPower fall into linear unit buckets, and each doubling range
// up to 2^MaxValuePower is subdivided into 2^GroupingPower buckets.
type HistogramConfig struct {
	GroupingPower  uint8
	MaxValuePower  uint8
}

// BucketCount returns N(g,n) = (n - g + 1) * 2^g, the deterministic
// bucket count for this configuration.
func (c HistogramConfig) BucketCount() int {
	if c.MaxValuePower < c.GroupingPower {
		return 0
	}
	ranges := int(c.MaxValuePower-c.GroupingPower) + 1
	return ranges * (1 << c.GroupingPower)
}

// Histogram is a fixed-config exponential bucket histogram. The zero
// value is not usable; construct with NewHistogram.
type Histogram struct {
	name    string
	cfg     HistogramConfig
	meta    Labels
	mu      sync.Mutex
	buckets []uint64
}

func NewHistogram(name string, cfg HistogramConfig, meta Labels) *Histogram {
	return &Histogram{
		name:    name,
		cfg:     cfg,
		meta:    meta,
		buckets: make([]uint64, cfg.BucketCount()),
	}
}

func (h *Histogram) Name() string          { return h.name }
func (h *Histogram) Metadata() Labels      { return h.meta }
func (h *Histogram) Config() HistogramConfig { return h.cfg }

// bucketIndex maps a raw observed value to its bucket index, following
// the layout documented on HistogramConfig.
func (c HistogramConfig) bucketIndex(value uint64) int {
	g := uint(c.GroupingPower)
	n := uint(c.MaxValuePower)
	width := uint64(1) << g

	if value>>g == 0 {
		// below the first doubling boundary: linear buckets of width 1
		return int(value)
	}

	// find the power-of-two range [2^k, 2^(k+1)) containing value, k >= g
	k := uint(63 - leadingZeros64(value))
	if k > n {
		k = n
	}
	rangeStart := uint64(1) << k
	// sub-bucket width within this range
	subWidth := rangeStart / width
	if subWidth == 0 {
		subWidth = 1
	}
	offset := (value - rangeStart) / subWidth
	if offset >= width {
		offset = width - 1
	}
	rangeIdx := k - g
	return int(width) + int(rangeIdx)*int(width) + int(offset)
}

func leadingZeros64(v uint64) int {
	n := 0
	for i := 63; i >= 0; i-- {
		if v&(1<<uint(i)) != 0 {
			return 63 - i
		}
		n++
	}
	return n
}

// BucketUpperBound returns the exclusive upper bound of the bucket at
// idx: one past the largest value the bucket holds.
func (c HistogramConfig) BucketUpperBound(idx int) uint64 {
	g := uint(c.GroupingPower)
	width := uint64(1) << g
	if uint64(idx) < width {
		return uint64(idx) + 1
	}
	rem := idx - int(width)
	rangeIdx := uint(rem / int(width))
	offset := uint64(rem % int(width))
	k := g + rangeIdx
	rangeStart := uint64(1) << k
	subWidth := rangeStart / width
	if subWidth == 0 {
		subWidth = 1
	}
	return rangeStart + (offset+1)*subWidth
}

// Record adds one observation of value to the histogram.
func (h *Histogram) Record(value uint64) {
	idx := h.cfg.bucketIndex(value)
	if idx < 0 {
		idx = 0
	}
	if idx >= len(h.buckets) {
		idx = len(h.buckets) - 1
	}
	h.mu.Lock()
	h.buckets[idx]++
	h.mu.Unlock()
}

// LoadBuckets replaces the full bucket array with counts maintained
// elsewhere (a kernel-side BPF histogram, typically). The slice length
// must match the config's bucket count.
func (h *Histogram) LoadBuckets(buckets []uint64) error {
	if len(buckets) != len(h.buckets) {
		return fmt.Errorf("metrics: histogram %q expects %d buckets, got %d", h.name, len(h.buckets), len(buckets))
	}
	h.mu.Lock()
	copy(h.buckets, buckets)
	h.mu.Unlock()
	return nil
}

// Snapshot returns a point-in-time copy of the bucket counts.
func (h *Histogram) Snapshot() []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]uint64, len(h.buckets))
	copy(out, h.buckets)
	return out
}

// HistogramValue is a detached copy of a histogram's bucket counts,
// addable and subtractable across snapshots of the same metric.
type HistogramValue struct {
	Config  HistogramConfig
	Buckets []uint64
}

// SnapshotValue captures a HistogramValue from the live histogram.
func (h *Histogram) SnapshotValue() HistogramValue {
	return HistogramValue{Config: h.cfg, Buckets: h.Snapshot()}
}

// Add returns the bucket-wise sum of two histograms of identical config.
// Panics on config mismatch; callers only combine same-metric
// histograms, which always share a config.
func (v HistogramValue) Add(other HistogramValue) HistogramValue {
	if v.Config != other.Config {
		panic("metrics: histogram config mismatch in Add")
	}
	out := make([]uint64, len(v.Buckets))
	for i := range out {
		out[i] = v.Buckets[i] + other.Buckets[i]
	}
	return HistogramValue{Config: v.Config, Buckets: out}
}

// Sub returns the bucket-wise difference v-other ("delta histogram").
// Saturates at zero per bucket to tolerate a torn read producing a
// transient, discardable anomaly rather than wrapping.
func (v HistogramValue) Sub(other HistogramValue) HistogramValue {
	if v.Config != other.Config {
		panic("metrics: histogram config mismatch in Sub")
	}
	out := make([]uint64, len(v.Buckets))
	for i := range out {
		if v.Buckets[i] >= other.Buckets[i] {
			out[i] = v.Buckets[i] - other.Buckets[i]
		}
	}
	return HistogramValue{Config: v.Config, Buckets: out}
}

// Downsample reduces the grouping power to toG by merging adjacent
// sub-buckets, trading resolution for size. Panics if toG exceeds the
// current grouping power.
func (v HistogramValue) Downsample(toG uint8) HistogramValue {
	if toG > v.Config.GroupingPower {
		panic("metrics: cannot downsample to a higher grouping power")
	}
	if toG == v.Config.GroupingPower {
		return HistogramValue{Config: v.Config, Buckets: append([]uint64(nil), v.Buckets...)}
	}

	cfg := HistogramConfig{GroupingPower: toG, MaxValuePower: v.Config.MaxValuePower}
	out := make([]uint64, cfg.BucketCount())
	for i, count := range v.Buckets {
		if count == 0 {
			continue
		}
		// re-bucket by the old bucket's upper bound minus one, which
		// lies inside the old bucket's range
		value := v.Config.BucketUpperBound(i) - 1
		idx := cfg.bucketIndex(value)
		if idx >= len(out) {
			idx = len(out) - 1
		}
		out[idx] += count
	}
	return HistogramValue{Config: cfg, Buckets: out}
}

// Total returns the sum of all bucket counts.
func (v HistogramValue) Total() uint64 {
	var total uint64
	for _, b := range v.Buckets {
		total += b
	}
	return total
}

// Percentile returns the value at the q-th percentile (0..100) using
// the upper bound of the first bucket whose cumulative count reaches
// the target rank.
func (v HistogramValue) Percentile(q float64) uint64 {
	total := v.Total()
	if total == 0 {
		return 0
	}
	target := uint64(math.Ceil(q / 100.0 * float64(total)))
	if target == 0 {
		target = 1
	}
	var cum uint64
	for i, c := range v.Buckets {
		cum += c
		if cum >= target {
			return v.Config.BucketUpperBound(i)
		}
	}
	return v.Config.BucketUpperBound(len(v.Buckets) - 1)
}

// Percentiles evaluates multiple percentiles in one bucket pass.
func (v HistogramValue) Percentiles(qs []float64) []uint64 {
	out := make([]uint64, len(qs))
	total := v.Total()
	if total == 0 {
		return out
	}
	targets := make([]uint64, len(qs))
	for i, q := range qs {
		t := uint64(math.Ceil(q / 100.0 * float64(total)))
		if t == 0 {
			t = 1
		}
		targets[i] = t
	}
	var cum uint64
	done := make([]bool, len(qs))
	remaining := len(qs)
	for bi, c := range v.Buckets {
		cum += c
		for i, t := range targets {
			if !done[i] && cum >= t {
				out[i] = v.Config.BucketUpperBound(bi)
				done[i] = true
				remaining--
			}
		}
		if remaining == 0 {
			break
		}
	}
	for i := range out {
		if !done[i] {
			out[i] = v.Config.BucketUpperBound(len(v.Buckets) - 1)
		}
	}
	return out
}
