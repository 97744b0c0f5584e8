// Package cpubranch samples per-CPU branch predictor counters:
// branches retired and branches mispredicted.
package cpubranch

// MetricNames returns the registry names this sampler owns.
func MetricNames() []string {
	return []string{"cpu_branches", "cpu_branch_misses"}
}
