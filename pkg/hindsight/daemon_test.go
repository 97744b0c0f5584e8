package hindsight

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/iopsystems/rezolus/pkg/snapshot"
	"github.com/iopsystems/rezolus/pkg/tsdb"
)

// encodedSnapshot builds a minimal valid MsgPack snapshot payload for
// tests that exercise the dump transcode path.
func encodedSnapshot(t *testing.T) []byte {
	t.Helper()
	data, err := snapshot.EncodeMsgPack(snapshot.Snapshot{
		SystemTime: time.Now(),
		Metadata:   map[string]string{"source": "test"},
		Counters: []snapshot.Counter{
			{Name: "0", Value: 42, Metadata: map[string]string{"metric": "cpu_cycles"}},
		},
	})
	require.NoError(t, err)
	return data
}

func testUpstream(t *testing.T, payload []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestDaemon(t *testing.T, upstream string) (*Daemon, *SharedState, *RingFile) {
	t.Helper()
	state := &SharedState{SnapshotLen: 4096, SnapshotCount: 4, Interval: 20 * time.Millisecond, Duration: 60 * time.Millisecond}
	ring, err := OpenRingFile(filepath.Join(t.TempDir(), "ring"), state)
	require.NoError(t, err)
	t.Cleanup(func() { ring.Close() })

	d := NewDaemon(zaptest.NewLogger(t), http.DefaultClient, upstream, state, ring, t.TempDir(), nil)
	return d, state, ring
}

func TestCheckRateCompatibleAcceptsFastUpstream(t *testing.T) {
	srv := testUpstream(t, []byte("snap"))
	d, _, _ := newTestDaemon(t, srv.URL)
	assert.NoError(t, d.CheckRateCompatible(context.Background()))
}

func TestTickWritesSlotAndAdvancesIdx(t *testing.T) {
	srv := testUpstream(t, []byte("snapshot-payload"))
	d, state, ring := newTestDaemon(t, srv.URL)

	require.NoError(t, d.tick(context.Background()))
	assert.Equal(t, uint64(1), state.Idx())

	payload, ok, err := ring.ReadSlot(0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "snapshot-payload", string(payload))
}

func TestRunStopsOnContextCancel(t *testing.T) {
	srv := testUpstream(t, []byte("x"))
	d, _, _ := newTestDaemon(t, srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := d.Run(ctx)
	assert.NoError(t, err)
}

func TestDumpRequestReturnsResultThroughSelectLoop(t *testing.T) {
	srv := testUpstream(t, encodedSnapshot(t))
	d, _, _ := newTestDaemon(t, srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	// give the loop a couple ticks so the ring has data
	time.Sleep(60 * time.Millisecond)

	result := d.RequestDumpToFile(TimeRange{})
	require.NoError(t, result.Err)
	require.NotEmpty(t, result.Path)
	assert.True(t, strings.HasSuffix(result.Path, ".parquet"))
	assert.Greater(t, result.Snapshots, uint64(0))

	// the dump file is a Parquet transcode of the captured snapshots
	store, err := tsdb.LoadParquet(result.Path)
	require.NoError(t, err)
	assert.NotNil(t, store.QueryCounters("cpu_cycles", nil))

	<-done
}

func TestSecondInterruptForcesTermination(t *testing.T) {
	srv := testUpstream(t, []byte("x"))
	d, _, _ := newTestDaemon(t, srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	d.interrupts <- osSignalStub{}
	// first interrupt triggers a synchronous full dump inline, so give it
	// a moment before sending the second
	time.Sleep(30 * time.Millisecond)
	d.interrupts <- osSignalStub{}

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(900 * time.Millisecond):
		t.Fatal("daemon did not terminate after second interrupt")
	}
}

type osSignalStub struct{}

func (osSignalStub) String() string { return "stub" }
func (osSignalStub) Signal()        {}
