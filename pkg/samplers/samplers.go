// Package samplers assembles the agent's sampler roster. Each factory
// probes its own prerequisites at init; anything the host cannot
// support is omitted from the pipeline rather than failing startup.
package samplers

import (
	"go.uber.org/zap"

	"github.com/iopsystems/rezolus/pkg/sampler"
	"github.com/iopsystems/rezolus/pkg/samplers/cpubranch"
	"github.com/iopsystems/rezolus/pkg/samplers/cpufreq"
	"github.com/iopsystems/rezolus/pkg/samplers/cpuusage"
	"github.com/iopsystems/rezolus/pkg/samplers/gpu"
	"github.com/iopsystems/rezolus/pkg/samplers/memory"
	"github.com/iopsystems/rezolus/pkg/samplers/network"
	"github.com/iopsystems/rezolus/pkg/samplers/scheduler"
	"github.com/iopsystems/rezolus/pkg/samplers/syscall"
)

// All returns every sampler factory in registration order. bpfPath is
// the directory compiled BPF objects are installed in.
func All(log *zap.Logger, bpfPath string) []sampler.Factory {
	return []sampler.Factory{
		cpuusage.New(log.Named("cpu_usage")),
		cpufreq.New(log.Named("cpu_frequency")),
		cpubranch.New(log.Named("cpu_branch")),
		memory.New(log.Named("memory")),
		network.New(log.Named("network")),
		syscall.New(log.Named("syscall"), bpfPath),
		scheduler.New(log.Named("scheduler"), bpfPath),
		gpu.New(log.Named("gpu")),
	}
}

// ReservedNames returns every internal metric name, used to reject
// colliding writes on the external-metrics ingest socket.
func ReservedNames() []string {
	var names []string
	names = append(names, cpuusage.MetricNames()...)
	names = append(names, cpufreq.MetricNames()...)
	names = append(names, cpubranch.MetricNames()...)
	names = append(names, memory.MetricNames()...)
	names = append(names, network.MetricNames()...)
	names = append(names, syscall.MetricNames()...)
	names = append(names, scheduler.MetricNames()...)
	names = append(names, gpu.MetricNames()...)
	return names
}
