// Package gpu samples NVIDIA GPU gauges. The sampler contract mirrors
// the management-library shape: probe at init, omit the sampler when
// no driver is present, and tolerate individual readings going missing
// on any tick.
package gpu

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/iopsystems/rezolus/pkg/metrics"
	"github.com/iopsystems/rezolus/pkg/sampler"
)

const nvidiaProcRoot = "/proc/driver/nvidia/gpus"

// maxGPUs bounds the GPU slot space.
const maxGPUs = 32

// MetricNames returns the registry names this sampler owns.
func MetricNames() []string {
	return []string{"gpu_memory_total", "gpu_memory_used", "gpu_count"}
}

type gpuSampler struct {
	log  *zap.Logger
	root string

	memTotal *metrics.GaugeGroup
	memUsed  *metrics.GaugeGroup
	count    *metrics.Gauge

	devices []string // bus ids, slot index = position
}

// New returns the sampler factory. Hosts without the NVIDIA driver are
// omitted; an init failure here is a capability gap, not an error.
func New(log *zap.Logger) sampler.Factory {
	return func(reg *metrics.Registry) (sampler.Sampler, error) {
		return newWithRoot(log, reg, nvidiaProcRoot)
	}
}

func newWithRoot(log *zap.Logger, reg *metrics.Registry, root string) (sampler.Sampler, error) {
	entries, err := os.ReadDir(root)
	if err != nil || len(entries) == 0 {
		return nil, fmt.Errorf("gpu: no nvidia devices found: %w", sampler.ErrUnsupported)
	}

	s := &gpuSampler{
		log:      log,
		root:     root,
		memTotal: reg.GaugeGroup("gpu_memory_total", maxGPUs, nil),
		memUsed:  reg.GaugeGroup("gpu_memory_used", maxGPUs, nil),
		count:    reg.Gauge("gpu_count", nil),
	}

	for i, e := range entries {
		if i >= maxGPUs {
			break
		}
		s.devices = append(s.devices, e.Name())
		meta := metrics.Labels{"bus_id": e.Name()}
		if model := readInformationField(filepath.Join(root, e.Name(), "information"), "Model"); model != "" {
			meta["model"] = model
		}
		s.memTotal.SetMetadata(i, meta)
		s.memUsed.SetMetadata(i, meta)
	}
	s.count.Set(int64(len(s.devices)))

	return s, nil
}

func (s *gpuSampler) Name() string { return "gpu" }

// Refresh re-reads each device's memory figures. A device whose files
// are unreadable this tick keeps its gauges cleared rather than stale.
func (s *gpuSampler) Refresh(ctx context.Context) error {
	for i, busID := range s.devices {
		infoDir := filepath.Join(s.root, busID)

		total, terr := readMemoryMiB(filepath.Join(infoDir, "fb_memory_total"))
		used, uerr := readMemoryMiB(filepath.Join(infoDir, "fb_memory_used"))
		if terr != nil || uerr != nil {
			s.memTotal.Clear(i)
			s.memUsed.Clear(i)
			continue
		}
		s.memTotal.Set(i, total)
		s.memUsed.Set(i, used)
	}
	return nil
}

func (s *gpuSampler) Close() error { return nil }

// readInformationField pulls one "Key: value" line out of a device
// information file.
func readInformationField(path, key string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		if rest, ok := strings.CutPrefix(line, key+":"); ok {
			return strings.TrimSpace(rest)
		}
	}
	return ""
}

// readMemoryMiB parses a "12345 MiB"-style value into bytes.
func readMemoryMiB(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, fmt.Errorf("gpu: empty memory file %s", path)
	}
	mib, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("gpu: parse %s: %w", path, err)
	}
	return mib * 1024 * 1024, nil
}
