package promql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iopsystems/rezolus/pkg/metrics"
	"github.com/iopsystems/rezolus/pkg/tsdb"
)

func testStore() *tsdb.Store {
	store := tsdb.NewStore()

	counters := tsdb.NewCollection[uint64]()
	// two CPUs, counting at 100/s and 200/s respectively
	for i := int64(0); i < 5; i++ {
		counters.Insert(tsdb.Labels{"id": "0"}, i*1e9, uint64(i*100))
		counters.Insert(tsdb.Labels{"id": "1"}, i*1e9, uint64(i*200))
	}
	store.Counters["cpu_cycles"] = counters

	gauges := tsdb.NewCollection[int64]()
	for i := int64(0); i < 5; i++ {
		gauges.Insert(tsdb.Labels{}, i*1e9, 4)
	}
	store.Gauges["cpu_cores"] = gauges

	cfg := metrics.HistogramConfig{GroupingPower: 3, MaxValuePower: 10}
	hists := tsdb.NewCollection[metrics.HistogramValue]()
	for i := int64(0); i < 3; i++ {
		buckets := make([]uint64, cfg.BucketCount())
		buckets[4] = uint64(i * 10) // cumulative observations in one bucket
		hists.Insert(tsdb.Labels{}, i*1e9, metrics.HistogramValue{Config: cfg, Buckets: buckets})
	}
	store.Histograms["latency"] = hists

	return store
}

func TestSelectorWithMatcher(t *testing.T) {
	eng := NewEngine(testStore())
	res, err := eng.Query(`cpu_cycles{id="0"}`)
	require.NoError(t, err)
	require.Len(t, res.Series, 1)
	assert.Equal(t, float64(300), res.Series[0].Values.Points[3e9])
}

func TestSelectorNoOverlapIsEmpty(t *testing.T) {
	eng := NewEngine(testStore())
	res, err := eng.Query(`cpu_cycles{id="99"}`)
	require.NoError(t, err)
	assert.Empty(t, res.Series)

	res, err = eng.Query(`no_such_metric`)
	require.NoError(t, err)
	assert.Empty(t, res.Series)
}

func TestRate(t *testing.T) {
	eng := NewEngine(testStore())
	res, err := eng.Query(`rate(cpu_cycles{id="0"}[1m])`)
	require.NoError(t, err)
	require.Len(t, res.Series, 1)
	for _, v := range res.Series[0].Values.Points {
		assert.InDelta(t, 100.0, v, 0.001)
	}
}

func TestSumOfRates(t *testing.T) {
	eng := NewEngine(testStore())
	res, err := eng.Query(`sum(rate(cpu_cycles[1m]))`)
	require.NoError(t, err)
	require.Len(t, res.Series, 1)
	for _, v := range res.Series[0].Values.Points {
		assert.InDelta(t, 300.0, v, 0.001)
	}
}

func TestSumBy(t *testing.T) {
	eng := NewEngine(testStore())
	res, err := eng.Query(`sum by(id)(rate(cpu_cycles[1m]))`)
	require.NoError(t, err)
	require.Len(t, res.Series, 2)
	assert.Equal(t, "id=0,", labelKey(res.Series[0].Labels))
	assert.Equal(t, "id=1,", labelKey(res.Series[1].Labels))
}

func TestScalarArithmetic(t *testing.T) {
	eng := NewEngine(testStore())

	res, err := eng.Query(`sum(rate(cpu_cycles[1m])) / cpu_cores`)
	require.NoError(t, err)
	require.Len(t, res.Series, 1)
	for _, v := range res.Series[0].Values.Points {
		assert.InDelta(t, 75.0, v, 0.001)
	}

	res, err = eng.Query(`2 * 3 + 1`)
	require.NoError(t, err)
	assert.True(t, res.IsScalar)
	assert.Equal(t, 7.0, res.Scalar)
}

func TestHistogramQuantile(t *testing.T) {
	eng := NewEngine(testStore())
	res, err := eng.Query(`histogram_quantile(0.99, latency)`)
	require.NoError(t, err)
	require.Len(t, res.Series, 1)
	// deltas put every observation in bucket 4
	cfg := metrics.HistogramConfig{GroupingPower: 3, MaxValuePower: 10}
	want := float64(cfg.BucketUpperBound(4))
	require.NotEmpty(t, res.Series[0].Values.Points)
	for _, v := range res.Series[0].Values.Points {
		assert.Equal(t, want, v)
	}
}

func TestCounterResetProducesNoNegativeRate(t *testing.T) {
	store := tsdb.NewStore()
	counters := tsdb.NewCollection[uint64]()
	counters.Insert(tsdb.Labels{}, 0, 1e12)
	counters.Insert(tsdb.Labels{}, 1e9, 1e3) // reset
	counters.Insert(tsdb.Labels{}, 2e9, 2e3)
	store.Counters["cpu_cycles"] = counters

	eng := NewEngine(store)
	res, err := eng.Query(`rate(cpu_cycles[1m])`)
	require.NoError(t, err)
	require.Len(t, res.Series, 1)
	// the reset instant is absent, not negative
	_, present := res.Series[0].Values.Points[int64(1e9)]
	assert.False(t, present)
	assert.InDelta(t, 1000.0, res.Series[0].Values.Points[int64(2e9)], 0.001)
}

func TestParseErrors(t *testing.T) {
	eng := NewEngine(testStore())
	for _, q := range []string{
		`rate(cpu_cycles)`,       // missing range
		`cpu_cycles{id="0"`,      // unclosed matcher
		`sum(`,                   // unclosed paren
		`histogram_quantile(2, latency)`, // quantile out of range
		`cpu_cycles @ 5`,         // stray character
	} {
		_, err := eng.Query(q)
		assert.Error(t, err, "query %q should fail", q)
	}
}
