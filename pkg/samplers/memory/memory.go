// Package memory samples system memory utilization gauges.
package memory

import (
	"context"
	"fmt"

	"github.com/DataDog/gopsutil/mem"
	"go.uber.org/zap"

	"github.com/iopsystems/rezolus/pkg/metrics"
	"github.com/iopsystems/rezolus/pkg/sampler"
)

// MetricNames returns the registry names this sampler owns.
func MetricNames() []string {
	return []string{
		"memory_total", "memory_free", "memory_available",
		"memory_cached", "memory_buffers",
	}
}

type memSampler struct {
	log       *zap.Logger
	total     *metrics.Gauge
	free      *metrics.Gauge
	available *metrics.Gauge
	cached    *metrics.Gauge
	buffers   *metrics.Gauge
}

// New returns the sampler factory. A host where the memory statistics
// cannot be read at all is reported as unsupported.
func New(log *zap.Logger) sampler.Factory {
	return func(reg *metrics.Registry) (sampler.Sampler, error) {
		if _, err := mem.VirtualMemory(); err != nil {
			return nil, fmt.Errorf("memory: virtual memory stats unavailable: %w", sampler.ErrUnsupported)
		}
		return &memSampler{
			log:       log,
			total:     reg.Gauge("memory_total", nil),
			free:      reg.Gauge("memory_free", nil),
			available: reg.Gauge("memory_available", nil),
			cached:    reg.Gauge("memory_cached", nil),
			buffers:   reg.Gauge("memory_buffers", nil),
		}, nil
	}
}

func (s *memSampler) Name() string { return "memory" }

func (s *memSampler) Refresh(ctx context.Context) error {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return fmt.Errorf("memory: read stats: %w", err)
	}
	s.total.Set(int64(vm.Total))
	s.free.Set(int64(vm.Free))
	s.available.Set(int64(vm.Available))
	s.cached.Set(int64(vm.Cached))
	s.buffers.Set(int64(vm.Buffers))
	return nil
}

func (s *memSampler) Close() error { return nil }
