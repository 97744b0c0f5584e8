// Package cpuusage samples per-CPU time spent in each scheduler state
// from /proc/stat, published as nanosecond counters.
package cpuusage

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/tklauser/go-sysconf"
	"go.uber.org/zap"

	"github.com/iopsystems/rezolus/pkg/metrics"
	"github.com/iopsystems/rezolus/pkg/sampler"
)

const procStatPath = "/proc/stat"

// states mirrors the column order of a /proc/stat cpu line.
var states = []string{
	"user", "nice", "system", "idle", "iowait",
	"irq", "softirq", "steal", "guest", "guest_nice",
}

// MetricNames returns the registry names this sampler owns, used to
// seed the external-ingest reserved-name set.
func MetricNames() []string {
	names := make([]string, 0, len(states)+1)
	for _, s := range states {
		names = append(names, "cpu_usage_"+s)
	}
	return append(names, "cpu_cores")
}

type cpuUsage struct {
	log     *zap.Logger
	path    string
	groups  []*metrics.CounterGroup // index matches states
	cores   *metrics.Gauge
	tickNS  uint64
}

// New returns the sampler factory. On hosts without /proc/stat the
// factory reports ErrUnsupported and the engine omits the sampler.
func New(log *zap.Logger) sampler.Factory {
	return func(reg *metrics.Registry) (sampler.Sampler, error) {
		return newWithPath(log, reg, procStatPath)
	}
}

func newWithPath(log *zap.Logger, reg *metrics.Registry, path string) (sampler.Sampler, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("cpuusage: %s not readable: %w", path, sampler.ErrUnsupported)
	}

	hz, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || hz <= 0 {
		return nil, fmt.Errorf("cpuusage: cannot determine clock tick rate: %w", sampler.ErrUnsupported)
	}

	s := &cpuUsage{
		log:    log,
		path:   path,
		cores:  reg.Gauge("cpu_cores", nil),
		tickNS: uint64(1e9 / hz),
	}
	for _, state := range states {
		g := reg.CounterGroup("cpu_usage_"+state, metrics.MaxCPUs, metrics.Labels{"state": state})
		s.groups = append(s.groups, g)
	}
	return s, nil
}

func (s *cpuUsage) Name() string { return "cpu_usage" }

func (s *cpuUsage) Refresh(ctx context.Context) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("cpuusage: open %s: %w", s.path, err)
	}
	defer f.Close()
	return s.parse(f)
}

func (s *cpuUsage) parse(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	cores := 0
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "cpu") || len(line) < 4 || line[3] == ' ' {
			// skip the aggregate "cpu " line and non-cpu rows
			continue
		}

		fields := strings.Fields(line)
		cpu, err := strconv.Atoi(strings.TrimPrefix(fields[0], "cpu"))
		if err != nil || cpu < 0 || cpu >= metrics.MaxCPUs {
			continue
		}
		cores++

		for i := 0; i < len(states) && i+1 < len(fields); i++ {
			ticks, err := strconv.ParseUint(fields[i+1], 10, 64)
			if err != nil {
				continue
			}
			s.groups[i].Set(cpu, ticks*s.tickNS)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("cpuusage: scan %s: %w", s.path, err)
	}
	s.cores.Set(int64(cores))
	return nil
}

func (s *cpuUsage) Close() error { return nil }
