package agenthttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/iopsystems/rezolus/pkg/metrics"
	"github.com/iopsystems/rezolus/pkg/snapshot"
)

func testCache(t *testing.T) *snapshot.Cache {
	reg := metrics.NewRegistry()
	reg.Counter("test/counter", nil).Add(7)
	return snapshot.NewCache(time.Second,
		func(ctx context.Context) error { return nil },
		func() snapshot.Snapshot { return snapshot.Build(reg, snapshot.BuilderMetadata{Source: "agent"}) },
	)
}

func TestHandleBinaryRoundTrips(t *testing.T) {
	log := zaptest.NewLogger(t)
	s := NewServer(log, testCache(t), nil)
	srv := httptest.NewServer(s)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics/binary")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/msgpack", resp.Header.Get("Content-Type"))

	data, err := FetchSnapshot(context.Background(), http.DefaultClient, srv.URL+"/metrics/binary")
	require.NoError(t, err)

	snap, err := snapshot.DecodeMsgPack(data)
	require.NoError(t, err)
	require.Len(t, snap.Counters, 1)
	assert.Equal(t, uint64(7), snap.Counters[0].Value)
}

func TestHandleJSON(t *testing.T) {
	log := zaptest.NewLogger(t)
	s := NewServer(log, testCache(t), nil)
	srv := httptest.NewServer(s)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics/json")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}
