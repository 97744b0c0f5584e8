//go:build linux

package cpubranch

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/iopsystems/rezolus/pkg/metrics"
	"github.com/iopsystems/rezolus/pkg/perfgroup"
	"github.com/iopsystems/rezolus/pkg/sampler"
)

type cpuBranch struct {
	log      *zap.Logger
	driver   *perfgroup.Driver
	cpus     []int
	branches *metrics.CounterGroup
	misses   *metrics.CounterGroup
}

// New returns the sampler factory; hosts whose PMU does not expose the
// branch events are omitted.
func New(log *zap.Logger) sampler.Factory {
	return func(reg *metrics.Registry) (sampler.Sampler, error) {
		specs := []perfgroup.EventSpec{
			{Name: "branches", Type: unix.PERF_TYPE_HARDWARE, Config: unix.PERF_COUNT_HW_BRANCH_INSTRUCTIONS},
			{Name: "branch-misses", Type: unix.PERF_TYPE_HARDWARE, Config: unix.PERF_COUNT_HW_BRANCH_MISSES},
		}

		n := perfgroup.NumCPU()
		cpus := make([]int, n)
		for i := range cpus {
			cpus[i] = i
		}

		driver, err := perfgroup.NewDriver(perfgroup.BareMetal, cpus, specs)
		if err != nil {
			return nil, fmt.Errorf("cpubranch: open perf groups: %w", sampler.ErrUnsupported)
		}
		if err := driver.WaitReady(context.Background()); err != nil {
			driver.Close()
			return nil, err
		}

		return &cpuBranch{
			log:      log,
			driver:   driver,
			cpus:     cpus,
			branches: reg.CounterGroup("cpu_branches", metrics.MaxCPUs, nil),
			misses:   reg.CounterGroup("cpu_branch_misses", metrics.MaxCPUs, nil),
		}, nil
	}
}

func (s *cpuBranch) Name() string { return "cpu_branch" }

func (s *cpuBranch) Refresh(ctx context.Context) error {
	results, err := s.driver.ReadAll(ctx)
	if err != nil {
		return fmt.Errorf("cpubranch: group read: %w", err)
	}

	for i, res := range results {
		if i >= len(s.cpus) || len(res.Readings) == 0 || !res.Pinned() {
			continue
		}
		cpu := s.cpus[i]
		if r, ok := res.ByName("branches"); ok && r.Present {
			s.branches.Set(cpu, r.Value)
		}
		if r, ok := res.ByName("branch-misses"); ok && r.Present {
			s.misses.Set(cpu, r.Value)
		}
	}
	return nil
}

func (s *cpuBranch) Close() error { return s.driver.Close() }
