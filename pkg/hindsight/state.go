// Package hindsight implements the always-on ring buffer capture engine
//: a fixed-slot on-disk ring of Snapshots with triggered,
// time-range-filterable dumps.
package hindsight

import (
	"sync/atomic"
	"time"
)

// PageSize is the alignment unit for ring buffer slots.
const PageSize = 4096

// SharedState is the state shared between the sampling loop (the single
// writer) and HTTP handlers (many concurrent readers). Reader/writer
// exclusion on the same slot is provided by never re-entering AdvanceIdx
// while a dump is in flight — enforced by dispatching dumps through the
// same select loop as the sampling tick.
type SharedState struct {
	SnapshotLen   uint64
	SnapshotCount uint64
	Interval      time.Duration
	Duration      time.Duration

	idx              atomic.Uint64
	snapshotsWritten atomic.Uint64
}

// NewSharedState constructs ring buffer state sized so that
// snapshot_count = 1 + duration/interval.
func NewSharedState(snapshotLen uint64, interval, duration time.Duration) *SharedState {
	count := uint64(1) + uint64(duration/interval)
	return &SharedState{
		SnapshotLen:   snapshotLen,
		SnapshotCount: count,
		Interval:      interval,
		Duration:      duration,
	}
}

// Idx returns the current write index.
func (s *SharedState) Idx() uint64 { return s.idx.Load() }

// AdvanceIdx moves the write index forward by one slot, wrapping at
// SnapshotCount, and increments the total-written counter. Called by the
// sampling loop only, after a successful write.
func (s *SharedState) AdvanceIdx() {
	next := s.idx.Load() + 1
	if next >= s.SnapshotCount {
		next = 0
	}
	s.idx.Store(next)
	s.snapshotsWritten.Add(1)
}

// SnapshotsWritten returns the total number of snapshots written since
// startup, used to determine whether the buffer has wrapped.
func (s *SharedState) SnapshotsWritten() uint64 { return s.snapshotsWritten.Load() }

// BufferFilled reports whether the ring has been filled at least once.
func (s *SharedState) BufferFilled() bool { return s.SnapshotsWritten() >= s.SnapshotCount }

// ValidSnapshotCount returns how many of the ring's slots currently hold
// a valid snapshot.
func (s *SharedState) ValidSnapshotCount() uint64 {
	w := s.SnapshotsWritten()
	if w < s.SnapshotCount {
		return w
	}
	return s.SnapshotCount
}

// TimeRange optionally bounds a dump by [Start, End] wall-clock time.
type TimeRange struct {
	Start *time.Time
	End   *time.Time
}

// Contains reports whether ts falls within the range.
func (r TimeRange) Contains(ts time.Time) bool {
	if r.Start != nil && ts.Before(*r.Start) {
		return false
	}
	if r.End != nil && ts.After(*r.End) {
		return false
	}
	return true
}

// IsZero reports whether the range has no bounds set at all.
func (r TimeRange) IsZero() bool { return r.Start == nil && r.End == nil }

// SnapshotLenFor computes the smallest page-aligned slot size that fits
// one snapshot of observedSize bytes plus the 8-byte length prefix
//.
func SnapshotLenFor(observedSize int) uint64 {
	need := uint64(observedSize) + 8
	return ((need + PageSize - 1) / PageSize) * PageSize
}
