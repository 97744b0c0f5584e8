//go:build linux

package cpufreq

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/DataDog/gopsutil/host"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/iopsystems/rezolus/pkg/metrics"
	"github.com/iopsystems/rezolus/pkg/perfgroup"
	"github.com/iopsystems/rezolus/pkg/sampler"
)

const msrPMUPath = "/sys/bus/event_source/devices/msr"

type cpuFreq struct {
	log    *zap.Logger
	driver *perfgroup.Driver
	cpus   []int
	groups []*metrics.CounterGroup // index matches counterNames
}

// New returns the sampler factory. Hosts without perf_event support
// are reported as unsupported and omitted.
func New(log *zap.Logger) sampler.Factory {
	return func(reg *metrics.Registry) (sampler.Sampler, error) {
		specs := eventSpecs(log)

		n := perfgroup.NumCPU()
		cpus := make([]int, n)
		for i := range cpus {
			cpus[i] = i
		}

		strategy := perfgroup.BareMetal
		if virtualized() {
			// cross-vCPU reads of a perf fd can stall on guests; pin one
			// worker per vCPU so each read stays local
			strategy = perfgroup.Virtualized
		}

		driver, err := perfgroup.NewDriver(strategy, cpus, specs)
		if err != nil {
			return nil, fmt.Errorf("cpufreq: open perf groups: %w", sampler.ErrUnsupported)
		}
		if err := driver.WaitReady(context.Background()); err != nil {
			driver.Close()
			return nil, err
		}

		s := &cpuFreq{log: log, driver: driver, cpus: cpus}
		for _, c := range counterNames {
			s.groups = append(s.groups, reg.CounterGroup(c[1], metrics.MaxCPUs, nil))
		}
		return s, nil
	}
}

// eventSpecs builds the group's event list. The MSR PMU events are
// looked up dynamically from sysfs; when absent (non-Intel hosts, old
// kernels) the hardware events still open and the MSR readings are
// simply missing from each tick.
func eventSpecs(log *zap.Logger) []perfgroup.EventSpec {
	specs := []perfgroup.EventSpec{
		{Name: "cycles", Type: unix.PERF_TYPE_HARDWARE, Config: unix.PERF_COUNT_HW_CPU_CYCLES},
		{Name: "instructions", Type: unix.PERF_TYPE_HARDWARE, Config: unix.PERF_COUNT_HW_INSTRUCTIONS},
	}

	msrType, err := readSysfsUint(msrPMUPath + "/type")
	if err != nil {
		log.Debug("cpufreq: msr pmu not present", zap.Error(err))
		return specs
	}
	for _, ev := range []string{"tsc", "aperf", "mperf"} {
		config, err := readMSREventConfig(msrPMUPath + "/events/" + ev)
		if err != nil {
			log.Debug("cpufreq: msr event missing", zap.String("event", ev), zap.Error(err))
			continue
		}
		specs = append(specs, perfgroup.EventSpec{Name: ev, Type: uint32(msrType), Config: config})
	}
	return specs
}

func (s *cpuFreq) Name() string { return "cpu_frequency" }

// Refresh fans a group read out to the worker threads and publishes
// each CPU's readings. Only groups read with time_enabled ==
// time_running are published; a multiplexed read would need scaling
// that pinned groups never require.
func (s *cpuFreq) Refresh(ctx context.Context) error {
	results, err := s.driver.ReadAll(ctx)
	if err != nil {
		return fmt.Errorf("cpufreq: group read: %w", err)
	}

	for i, res := range results {
		if i >= len(s.cpus) || len(res.Readings) == 0 || !res.Pinned() {
			continue
		}
		cpu := s.cpus[i]
		for gi, c := range counterNames {
			if r, ok := res.ByName(c[0]); ok && r.Present {
				s.groups[gi].Set(cpu, r.Value)
			}
		}
	}
	return nil
}

func (s *cpuFreq) Close() error { return s.driver.Close() }

// virtualized reports whether the host is a virtualized guest.
func virtualized() bool {
	info, err := host.Info()
	if err != nil {
		return false
	}
	return info.VirtualizationSystem != "" && info.VirtualizationRole == "guest"
}

func readSysfsUint(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
}

// readMSREventConfig parses an "event=0x00"-style sysfs event
// description.
func readMSREventConfig(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(data))
	s = strings.TrimPrefix(s, "event=")
	return strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
}
