// Package cpufreq samples the per-CPU counter group used to derive
// frequency and IPC: cycles, instructions, and the MSR-PMU tsc, aperf,
// and mperf counters, read as a single pinned perf event group per
// CPU.
package cpufreq

// counterNames maps group reading names onto registry metric names, in
// event-spec order.
var counterNames = [][2]string{
	{"cycles", "cpu_cycles"},
	{"instructions", "cpu_instructions"},
	{"tsc", "cpu_tsc"},
	{"aperf", "cpu_aperf"},
	{"mperf", "cpu_mperf"},
}

// MetricNames returns the registry names this sampler owns.
func MetricNames() []string {
	out := make([]string, 0, len(counterNames))
	for _, c := range counterNames {
		out = append(out, c[1])
	}
	return out
}
