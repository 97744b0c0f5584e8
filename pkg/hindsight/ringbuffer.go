package hindsight

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// RingFile is the on-disk ring buffer: snapshot_count * snapshot_len
// bytes, pre-extended on startup, one writer (the sampling loop) and
// many concurrent readers (dump requests reading different slots)
//.
type RingFile struct {
	f     *os.File
	state *SharedState
}

// OpenRingFile opens (creating if necessary) the ring buffer file at
// path and extends it to snapshot_count*snapshot_len bytes.
func OpenRingFile(path string, state *SharedState) (*RingFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("hindsight: open ring file: %w", err)
	}
	total := int64(state.SnapshotLen * state.SnapshotCount)
	if err := f.Truncate(total); err != nil {
		f.Close()
		return nil, fmt.Errorf("hindsight: extend ring file to %d bytes: %w", total, err)
	}
	return &RingFile{f: f, state: state}, nil
}

// WriteSlot writes payload into slot idx as an 8-byte big-endian length
// prefix followed by the payload.
// The caller is responsible for calling SharedState.AdvanceIdx after a
// successful write.
func (r *RingFile) WriteSlot(idx uint64, payload []byte) error {
	offset := int64(idx * r.state.SnapshotLen)
	if uint64(len(payload))+8 > r.state.SnapshotLen {
		return fmt.Errorf("hindsight: payload (%d bytes) exceeds slot size (%d bytes)", len(payload), r.state.SnapshotLen)
	}

	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(payload)))

	if _, err := r.f.WriteAt(lenBuf[:], offset); err != nil {
		return fmt.Errorf("hindsight: write length prefix: %w", err)
	}
	if _, err := r.f.WriteAt(payload, offset+8); err != nil {
		return fmt.Errorf("hindsight: write payload: %w", err)
	}
	return nil
}

// ReadSlot reads the payload stored at slot idx. A zeroed (never
// written) slot has length 0 and ReadSlot returns a nil payload with ok
// false.
func (r *RingFile) ReadSlot(idx uint64) (payload []byte, ok bool, err error) {
	offset := int64(idx * r.state.SnapshotLen)

	var lenBuf [8]byte
	if _, err := r.f.ReadAt(lenBuf[:], offset); err != nil && err != io.EOF {
		return nil, false, fmt.Errorf("hindsight: read length prefix: %w", err)
	}
	size := binary.BigEndian.Uint64(lenBuf[:])
	if size == 0 {
		return nil, false, nil
	}

	buf := make([]byte, size)
	if _, err := r.f.ReadAt(buf, offset+8); err != nil {
		return nil, false, fmt.Errorf("hindsight: read payload: %w", err)
	}
	return buf, true, nil
}

// Flush ensures all buffered writes reach the OS.
func (r *RingFile) Flush() error { return r.f.Sync() }

// Close releases the underlying file handle.
func (r *RingFile) Close() error { return r.f.Close() }

// Dump walks the ring oldest-first in chronological order and invokes
// fn for
// each populated, in-range slot. decodeSystemTime extracts a payload's
// system_time for range filtering without a full decode when possible;
// if filter.IsZero(), decodeSystemTime is not called.
func (r *RingFile) Dump(filter TimeRange, decodeSystemTime func([]byte) (int64, error), fn func(payload []byte) error) (snapshotsWritten uint64, firstTS, lastTS int64, err error) {
	idx := r.state.Idx()

	// Walking every slot starting from the write index and skipping the
	// empty ones yields chronological order whether or not the ring has
	// wrapped: before the first wrap the slots at and past idx are still
	// zeroed, so the walk effectively starts at slot 0.
	for offset := uint64(0); offset < r.state.SnapshotCount; offset++ {
		i := idx + offset
		if i >= r.state.SnapshotCount {
			i -= r.state.SnapshotCount
		}

		payload, ok, rerr := r.ReadSlot(i)
		if rerr != nil || !ok {
			continue
		}

		if !filter.IsZero() {
			ts, terr := decodeSystemTime(payload)
			if terr != nil {
				continue
			}
			if !withinRangeNanos(filter, ts) {
				continue
			}
			if firstTS == 0 {
				firstTS = ts
			}
			lastTS = ts
		} else if decodeSystemTime != nil {
			if ts, terr := decodeSystemTime(payload); terr == nil {
				if firstTS == 0 {
					firstTS = ts
				}
				lastTS = ts
			}
		}

		if ferr := fn(payload); ferr != nil {
			return snapshotsWritten, firstTS, lastTS, ferr
		}
		snapshotsWritten++
	}

	return snapshotsWritten, firstTS, lastTS, nil
}

func withinRangeNanos(filter TimeRange, tsNanos int64) bool {
	if filter.Start != nil && tsNanos < filter.Start.UnixNano() {
		return false
	}
	if filter.End != nil && tsNanos > filter.End.UnixNano() {
		return false
	}
	return true
}
