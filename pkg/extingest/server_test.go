package extingest

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	store := newTestStore(t)
	path := filepath.Join(t.TempDir(), "ingest.sock")
	srv := NewServer(zaptest.NewLogger(t), store, path, ProtocolAuto, 8, 1000)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return srv, path
}

func waitForActive(t *testing.T, store *Store, want int) []Metric {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if active := store.Active(); len(active) >= want {
			return active
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d active metrics", want)
	return nil
}

func TestServerAutoDetectsLineProtocol(t *testing.T) {
	srv, path := startTestServer(t)

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("requests{service=\"api\"} counter:7\n"))
	require.NoError(t, err)

	active := waitForActive(t, srv.store, 1)
	assert.Equal(t, "requests", active[0].Name)
	assert.Equal(t, uint64(7), active[0].Value.Counter)
}

func TestServerAutoDetectsBinaryProtocol(t *testing.T) {
	srv, path := startTestServer(t)

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()

	msg := buildMessage(t, 1, counterRecord("binreq", 99))
	_, err = conn.Write(msg)
	require.NoError(t, err)

	active := waitForActive(t, srv.store, 1)
	assert.Equal(t, "binreq", active[0].Name)
	assert.Equal(t, uint64(99), active[0].Value.Counter)
}

func TestServerParseErrorOnOneConnectionKeepsOthers(t *testing.T) {
	srv, path := startTestServer(t)

	good, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer good.Close()
	_, err = good.Write([]byte("kept counter:1\n"))
	require.NoError(t, err)
	waitForActive(t, srv.store, 1)

	bad, err := net.Dial("unix", path)
	require.NoError(t, err)
	_, err = bad.Write([]byte("broken{ counter:1\n"))
	require.NoError(t, err)
	bad.Close()

	time.Sleep(50 * time.Millisecond)
	active := srv.store.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "kept", active[0].Name)
	assert.GreaterOrEqual(t, srv.store.Stats().ParseErrors, uint64(1))
}
