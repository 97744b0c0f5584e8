// Package scheduler samples run queue latency: a BPF program stamps
// wakeups and measures the delay until the task is switched in, and
// the kernel-side bucket array is read as a shared-memory histogram.
package scheduler

import "github.com/iopsystems/rezolus/pkg/metrics"

// HistogramConfig is the runqlat histogram's fixed configuration; it
// must match the bucket array the BPF side maintains.
var HistogramConfig = metrics.HistogramConfig{GroupingPower: 5, MaxValuePower: 64}

// MetricNames returns the registry names this sampler owns.
func MetricNames() []string {
	return []string{"scheduler_runqueue_latency"}
}
