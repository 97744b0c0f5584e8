package tsdb

import (
	"sort"

	"github.com/iopsystems/rezolus/pkg/metrics"
)

// Percentiles aggregates every series in a histogram collection at
// each shared timestamp, takes the delta between consecutive
// snapshots, and reports the requested percentiles of each delta.
// The returned slice has len(qs)+1 rows: row 0 is the sample times in
// unix seconds, and row i+1 holds the value of qs[i] at each time.
func Percentiles(h *Histograms, qs []float64) [][]float64 {
	result := make([][]float64, len(qs)+1)

	merged := make(map[int64]metrics.HistogramValue)
	h.Each(func(_ Labels, points map[int64]metrics.HistogramValue) {
		for ts, v := range points {
			if acc, ok := merged[ts]; ok {
				merged[ts] = acc.Add(v)
			} else {
				merged[ts] = v
			}
		}
	})

	if len(merged) == 0 {
		return result
	}

	times := make([]int64, 0, len(merged))
	for ts := range merged {
		times = append(times, ts)
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })

	prev := merged[times[0]]
	for _, ts := range times[1:] {
		curr := merged[ts]
		delta := curr.Sub(prev)

		result[0] = append(result[0], float64(ts)/1e9)
		for i, p := range delta.Percentiles(qs) {
			result[i+1] = append(result[i+1], float64(p))
		}

		prev = curr
	}

	return result
}
