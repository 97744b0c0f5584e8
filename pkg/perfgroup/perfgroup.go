// Package perfgroup implements the perf_event group-read fan-out: a
// Group owns a set of hardware/MSR counters sharing a single
// leader fd, and ReadGroup() returns an atomic snapshot of all of them
// because they are read together with PERF_FORMAT_GROUP.
//
// Two scheduling strategies are supported, selected by the caller
// (typically based on whether the host is a virtualized guest):
//   - Driver drives a single worker that iterates all CPUs sequentially.
//   - Driver drives one worker per CPU, each pinned to its CPU.
// Both are built from the same Group/Worker primitives composed with
// pkg/rendezvous.
package perfgroup

import "errors"

// ErrUnsupported is returned when perf_event_open support is not
// available (missing kernel probe, insufficient privilege, or an
// unsupported platform). The sampler engine treats this as an init-time
// failure and omits the affected sampler.
var ErrUnsupported = errors.New("perfgroup: unsupported on this platform or insufficient privilege")

// EventSpec names one counter to open within a group.
type EventSpec struct {
	// Name is the display name used for diagnostics (e.g. "cycles").
	Name string
	// Type is the perf_event_attr.type value (PERF_TYPE_HARDWARE, etc).
	Type uint32
	// Config is the perf_event_attr.config value (PERF_COUNT_HW_*, etc).
	Config uint64
}

// Reading is one counter's value from a completed group read. Missing
// individual counters are tolerated by samplers — the derived metric is
// simply not published for that tick.
type Reading struct {
	Name    string
	Value   uint64
	Present bool
}

// GroupResult is the decoded output of one read_group() call: all
// counters sharing the leader fd, plus the enable/running times used to
// validate the group was scheduled as a unit before deltas are used.
type GroupResult struct {
	TimeEnabled uint64
	TimeRunning uint64
	Readings    []Reading
}

// Pinned reports whether the group was read with time_enabled ==
// time_running, meaning no multiplexing occurred and raw deltas are
// valid without scaling.
func (g GroupResult) Pinned() bool {
	return g.TimeEnabled == g.TimeRunning
}

// ByName returns the reading for name, if present.
func (g GroupResult) ByName(name string) (Reading, bool) {
	for _, r := range g.Readings {
		if r.Name == name {
			return r, true
		}
	}
	return Reading{}, false
}
