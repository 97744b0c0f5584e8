package parquetio

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iopsystems/rezolus/pkg/metrics"
	"github.com/iopsystems/rezolus/pkg/snapshot"
	"github.com/iopsystems/rezolus/pkg/tsdb"
)

func buildStream(t *testing.T, snaps ...snapshot.Snapshot) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	for _, s := range snaps {
		data, err := snapshot.EncodeMsgPack(s)
		require.NoError(t, err)
		buf.Write(data)
	}
	return &buf
}

func TestConvertRoundTripsThroughTsdb(t *testing.T) {
	base := time.Unix(1700000000, 0).UTC()

	var snaps []snapshot.Snapshot
	for i := 0; i < 3; i++ {
		snaps = append(snaps, snapshot.Snapshot{
			SystemTime: base.Add(time.Duration(i) * time.Second),
			Metadata:   map[string]string{"source": "test"},
			Counters: []snapshot.Counter{
				{Name: "0", Value: uint64(100 * (i + 1)), Metadata: map[string]string{"metric": "cpu_cycles", "id": "0"}},
			},
			Gauges: []snapshot.Gauge{
				{Name: "1", Value: int64(4), Metadata: map[string]string{"metric": "cpu_cores"}},
			},
			Histograms: []snapshot.Histogram{
				{
					Name: "2",
					Value: snapshot.HistogramWireValue{
						Config:  snapshot.HistogramWireConfig{GroupingPower: 3, MaxValuePower: 10},
						Buckets: []uint64{0, uint64(i * 10), 0, 0, 0, 0, 0, 0},
					},
					Metadata: map[string]string{"metric": "latency"},
				},
			},
		})
	}

	path := filepath.Join(t.TempDir(), "rec.parquet")
	out, err := os.Create(path)
	require.NoError(t, err)

	rows, err := Convert(buildStream(t, snaps...), out, Options{SamplingIntervalMS: 1000})
	require.NoError(t, err)
	require.NoError(t, out.Close())
	assert.Equal(t, int64(9), rows) // 3 snapshots x 3 readings

	store, err := tsdb.LoadParquet(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), store.SamplingIntervalMS)

	counters := store.QueryCounters("cpu_cycles", nil)
	require.NotNil(t, counters)
	counters.Each(func(labels tsdb.Labels, points map[int64]uint64) {
		require.Len(t, points, 3)
		assert.Equal(t, "0", labels["id"])
		for i := 0; i < 3; i++ {
			ts := base.Add(time.Duration(i) * time.Second).UnixNano()
			assert.Equal(t, uint64(100*(i+1)), points[ts])
		}
	})

	gauges := store.QueryGauges("cpu_cores", nil)
	require.NotNil(t, gauges)

	hists := store.QueryHistograms("latency", nil)
	require.NotNil(t, hists)
	hists.Each(func(_ tsdb.Labels, points map[int64]metrics.HistogramValue) {
		require.Len(t, points, 3)
		for ts, hv := range points {
			assert.Equal(t, uint8(3), hv.Config.GroupingPower)
			assert.Equal(t, uint8(10), hv.Config.MaxValuePower)
			i := int((ts - base.UnixNano()) / 1e9)
			assert.Equal(t, uint64(i*10), hv.Buckets[1])
		}
	})
}

func TestConvertEmptyStream(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.parquet")
	out, err := os.Create(path)
	require.NoError(t, err)
	rows, err := Convert(bytes.NewReader(nil), out, Options{})
	require.NoError(t, err)
	require.NoError(t, out.Close())
	assert.Equal(t, int64(0), rows)
}

func TestConvertRejectsCorruptStream(t *testing.T) {
	var out bytes.Buffer
	_, err := Convert(bytes.NewReader([]byte{0xc1, 0xff, 0x00}), &out, Options{})
	assert.Error(t, err)
}
