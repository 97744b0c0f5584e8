package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistogramBucketCount(t *testing.T) {
	cases := []struct {
		g, n uint8
		want int
	}{
		{g: 5, n: 64, want: (64 - 5 + 1) * 32},
		{g: 3, n: 64, want: (64 - 3 + 1) * 8},
		{g: 0, n: 0, want: 1},
	}
	for _, tc := range cases {
		cfg := HistogramConfig{GroupingPower: tc.g, MaxValuePower: tc.n}
		assert.Equal(t, tc.want, cfg.BucketCount())
	}
}

func TestHistogramRecordAndPercentile(t *testing.T) {
	cfg := HistogramConfig{GroupingPower: 5, MaxValuePower: 20}
	h := NewHistogram("test", cfg, nil)
	for i := 0; i < 100; i++ {
		h.Record(uint64(i))
	}
	v := h.SnapshotValue()
	require.Equal(t, uint64(100), v.Total())

	p0 := v.Percentile(0)
	p50 := v.Percentile(50)
	p100 := v.Percentile(100)
	assert.LessOrEqual(t, p0, p50)
	assert.LessOrEqual(t, p50, p100)
}

func TestHistogramAddSubIdentity(t *testing.T) {
	cfg := HistogramConfig{GroupingPower: 4, MaxValuePower: 10}
	h1 := NewHistogram("a", cfg, nil)
	h2 := NewHistogram("a", cfg, nil)
	for i := 0; i < 50; i++ {
		h1.Record(uint64(i))
	}
	for i := 0; i < 10; i++ {
		h2.Record(uint64(i))
	}
	v1 := h1.SnapshotValue()
	v2 := h2.SnapshotValue()

	sum := v1.Add(v2)
	back := sum.Sub(v2)
	assert.Equal(t, v1.Buckets, back.Buckets)
}

func TestHistogramAddPanicsOnConfigMismatch(t *testing.T) {
	v1 := HistogramValue{Config: HistogramConfig{GroupingPower: 3, MaxValuePower: 10}, Buckets: []uint64{1}}
	v2 := HistogramValue{Config: HistogramConfig{GroupingPower: 4, MaxValuePower: 10}, Buckets: []uint64{1}}
	assert.Panics(t, func() { v1.Add(v2) })
}

func TestGaugeSentinel(t *testing.T) {
	g := NewGauge("x", nil)
	assert.True(t, g.IsEmpty())
	g.Set(42)
	assert.False(t, g.IsEmpty())
	g.Clear()
	assert.True(t, g.IsEmpty())
}

func TestGaugeGroupEmptySlotsSkipped(t *testing.T) {
	gg := NewGaugeGroup("cgroup_cpu", 4)
	gg.Set(1, 10)
	for i := 0; i < gg.Len(); i++ {
		if i == 1 {
			assert.False(t, gg.IsEmpty(i))
		} else {
			assert.True(t, gg.IsEmpty(i))
		}
	}
}

func TestRegistryAppendOnlyIDs(t *testing.T) {
	r := NewRegistry()
	c1 := r.Counter("a", nil)
	c2 := r.Counter("b", nil)
	c1Again := r.Counter("a", nil)
	assert.Same(t, c1, c1Again)
	assert.NotEqual(t, c1, c2)

	entries := r.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, uint32(0), entries[0].ID)
	assert.Equal(t, uint32(1), entries[1].ID)
}

func TestRegistryHistogramConfigMismatchPanics(t *testing.T) {
	r := NewRegistry()
	r.Histogram("h", HistogramConfig{GroupingPower: 3, MaxValuePower: 10}, nil)
	assert.Panics(t, func() {
		r.Histogram("h", HistogramConfig{GroupingPower: 4, MaxValuePower: 10}, nil)
	})
}

func TestHistogramLoadBuckets(t *testing.T) {
	cfg := HistogramConfig{GroupingPower: 3, MaxValuePower: 10}
	h := NewHistogram("runqlat", cfg, nil)

	buckets := make([]uint64, cfg.BucketCount())
	buckets[2] = 7
	require.NoError(t, h.LoadBuckets(buckets))
	assert.Equal(t, buckets, h.Snapshot())

	assert.Error(t, h.LoadBuckets(make([]uint64, 3)))
}

func TestPercentileInvariantUnderDownsample(t *testing.T) {
	cfg := HistogramConfig{GroupingPower: 5, MaxValuePower: 64}
	h := NewHistogram("lat", cfg, nil)
	for i := 0; i < 10000; i++ {
		h.Record(uint64(i * 37 % 100000))
	}
	v := h.SnapshotValue()
	down := v.Downsample(3)

	assert.Equal(t, v.Total(), down.Total())

	p99 := v.Percentile(99)
	p99Down := down.Percentile(99)
	// downsampled percentile lands within one coarse bucket width
	idx := down.Config.bucketIndex(p99)
	low := uint64(0)
	if idx > 0 {
		low = down.Config.BucketUpperBound(idx - 1)
	}
	high := down.Config.BucketUpperBound(idx)
	width := high - low
	assert.InDelta(t, float64(p99), float64(p99Down), float64(width)+1)
}
