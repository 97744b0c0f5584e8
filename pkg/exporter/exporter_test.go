package exporter

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/iopsystems/rezolus/pkg/metrics"
	"github.com/iopsystems/rezolus/pkg/snapshot"
)

func gather(t *testing.T, col *Collector) map[string]*dto.MetricFamily {
	t.Helper()
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(col))
	families, err := reg.Gather()
	require.NoError(t, err)

	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func staticSource(snaps ...snapshot.Snapshot) Source {
	i := 0
	return func(context.Context) (snapshot.Snapshot, error) {
		s := snaps[i]
		if i < len(snaps)-1 {
			i++
		}
		return s, nil
	}
}

func TestCollectorExposesCountersAndGauges(t *testing.T) {
	snap := snapshot.Snapshot{
		SystemTime: time.Now(),
		Counters: []snapshot.Counter{
			{Name: "0", Value: 1234, Metadata: map[string]string{"metric": "cpu_cycles", "id": "0"}},
		},
		Gauges: []snapshot.Gauge{
			{Name: "1", Value: -7, Metadata: map[string]string{"metric": "cpu_cores"}},
		},
	}

	col := NewCollector(zaptest.NewLogger(t), staticSource(snap), nil)
	families := gather(t, col)

	cycles, ok := families["cpu_cycles"]
	require.True(t, ok)
	assert.Equal(t, dto.MetricType_COUNTER, cycles.GetType())
	assert.Equal(t, float64(1234), cycles.GetMetric()[0].GetCounter().GetValue())

	cores, ok := families["cpu_cores"]
	require.True(t, ok)
	assert.Equal(t, float64(-7), cores.GetMetric()[0].GetGauge().GetValue())
}

func TestCollectorDerivesPercentilesFromDelta(t *testing.T) {
	cfg := metrics.HistogramConfig{GroupingPower: 3, MaxValuePower: 10}
	base := make([]uint64, cfg.BucketCount())
	grown := make([]uint64, cfg.BucketCount())
	copy(grown, base)
	grown[4] = 100 // all new observations land in one bucket

	mkSnap := func(buckets []uint64) snapshot.Snapshot {
		return snapshot.Snapshot{
			SystemTime: time.Now(),
			Histograms: []snapshot.Histogram{{
				Name: "2",
				Value: snapshot.HistogramWireValue{
					Config:  snapshot.HistogramWireConfig{GroupingPower: 3, MaxValuePower: 10},
					Buckets: buckets,
				},
				Metadata: map[string]string{"metric": "request_latency"},
			}},
		}
	}

	col := NewCollector(zaptest.NewLogger(t), staticSource(mkSnap(base), mkSnap(grown)), nil)

	// first scrape primes the previous-histogram state; no percentiles yet
	families := gather(t, col)
	_, ok := families["request_latency"]
	assert.False(t, ok)

	families = gather(t, col)
	lat, ok := families["request_latency"]
	require.True(t, ok)

	// every delta observation is in bucket 4, so all percentiles
	// collapse to that bucket's upper bound
	want := float64(cfg.BucketUpperBound(4))
	seen := map[string]bool{}
	for _, m := range lat.GetMetric() {
		assert.Equal(t, want, m.GetGauge().GetValue())
		for _, l := range m.GetLabel() {
			if l.GetName() == "percentile" {
				seen[l.GetValue()] = true
			}
		}
	}
	assert.Equal(t, map[string]bool{"p50": true, "p90": true, "p99": true, "p99.9": true}, seen)
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "cpu_usage", sanitizeName("cpu_usage"))
	assert.Equal(t, "cpu_usage_user", sanitizeName("cpu/usage.user"))
	assert.Equal(t, "_9lives", sanitizeName("9lives"))
	assert.Equal(t, "", sanitizeName(""))
}
