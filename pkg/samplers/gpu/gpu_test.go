package gpu

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/iopsystems/rezolus/pkg/metrics"
	"github.com/iopsystems/rezolus/pkg/sampler"
)

func writeGPU(t *testing.T, root, busID string, files map[string]string) {
	t.Helper()
	dir := filepath.Join(root, busID)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
}

func TestNoDevicesIsUnsupported(t *testing.T) {
	reg := metrics.NewRegistry()
	_, err := newWithRoot(zaptest.NewLogger(t), reg, filepath.Join(t.TempDir(), "missing"))
	assert.True(t, errors.Is(err, sampler.ErrUnsupported))
}

func TestRefreshReadsMemory(t *testing.T) {
	root := t.TempDir()
	writeGPU(t, root, "0000:01:00.0", map[string]string{
		"information":     "Model: \t Tesla T4\nIRQ: 100\n",
		"fb_memory_total": "15360 MiB\n",
		"fb_memory_used":  "1024 MiB\n",
	})

	reg := metrics.NewRegistry()
	s, err := newWithRoot(zaptest.NewLogger(t), reg, root)
	require.NoError(t, err)

	require.NoError(t, s.Refresh(context.Background()))

	g := s.(*gpuSampler)
	assert.Equal(t, int64(15360)<<20, g.memTotal.Value(0))
	assert.Equal(t, int64(1024)<<20, g.memUsed.Value(0))
	assert.Equal(t, int64(1), g.count.Value())
	assert.Equal(t, "Tesla T4", g.memTotal.Metadata(0)["model"])
}

func TestUnreadableDeviceClearsGauges(t *testing.T) {
	root := t.TempDir()
	writeGPU(t, root, "0000:01:00.0", map[string]string{
		"fb_memory_total": "15360 MiB\n",
		"fb_memory_used":  "1024 MiB\n",
	})

	reg := metrics.NewRegistry()
	s, err := newWithRoot(zaptest.NewLogger(t), reg, root)
	require.NoError(t, err)
	require.NoError(t, s.Refresh(context.Background()))

	g := s.(*gpuSampler)
	require.False(t, g.memUsed.IsEmpty(0))

	// device files vanish mid-run (driver unload); gauges go back to
	// the empty sentinel instead of reporting stale values
	require.NoError(t, os.Remove(filepath.Join(root, "0000:01:00.0", "fb_memory_used")))
	require.NoError(t, s.Refresh(context.Background()))
	assert.True(t, g.memUsed.IsEmpty(0))
	assert.True(t, g.memTotal.IsEmpty(0))
}
