package network

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/iopsystems/rezolus/pkg/metrics"
)

func writeIface(t *testing.T, root, name string, counters map[string]string) {
	t.Helper()
	dir := filepath.Join(root, name, "statistics")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for file, value := range counters {
		require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(value+"\n"), 0o644))
	}
}

func TestRefreshReadsInterfaceCounters(t *testing.T) {
	root := t.TempDir()
	writeIface(t, root, "eth0", map[string]string{"rx_bytes": "1000", "tx_bytes": "2000"})

	reg := metrics.NewRegistry()
	s, err := newWithRoot(zaptest.NewLogger(t), reg, root)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Refresh(context.Background()))

	n := s.(*network)
	idx := n.slots["eth0"]
	assert.Equal(t, uint64(1000), n.groups[0].Value(idx))
	assert.Equal(t, uint64(2000), n.groups[1].Value(idx))
	assert.Equal(t, metrics.Labels{"interface": "eth0"}, n.groups[0].Metadata(idx))
}

func TestHotplugAssignsNewSlot(t *testing.T) {
	root := t.TempDir()
	writeIface(t, root, "eth0", map[string]string{"rx_bytes": "1"})

	reg := metrics.NewRegistry()
	s, err := newWithRoot(zaptest.NewLogger(t), reg, root)
	require.NoError(t, err)
	defer s.Close()

	n := s.(*network)
	writeIface(t, root, "eth1", map[string]string{"rx_bytes": "5"})

	require.Eventually(t, func() bool {
		n.mu.Lock()
		defer n.mu.Unlock()
		_, ok := n.slots["eth1"]
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Refresh(context.Background()))
	assert.Equal(t, uint64(5), n.groups[0].Value(n.slots["eth1"]))
	// slot assignment is append-only; eth0 keeps slot 0
	assert.Equal(t, 0, n.slots["eth0"])
}

func TestMissingStatFileSkipsCounter(t *testing.T) {
	root := t.TempDir()
	writeIface(t, root, "eth0", map[string]string{"rx_bytes": "7"})

	reg := metrics.NewRegistry()
	s, err := newWithRoot(zaptest.NewLogger(t), reg, root)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Refresh(context.Background()))
	n := s.(*network)
	assert.Equal(t, uint64(7), n.groups[0].Value(0))
	assert.Equal(t, uint64(0), n.groups[1].Value(0)) // tx_bytes absent
}
