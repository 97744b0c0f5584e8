//go:build linux

package perfgroup

import (
	"encoding/binary"
	"fmt"
	"os"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// readFormat is the PERF_FORMAT_GROUP|PERF_FORMAT_TOTAL_TIME_ENABLED|
// PERF_FORMAT_TOTAL_TIME_RUNNING layout this package always requests:
//
//	u64 nr
//	u64 time_enabled
//	u64 time_running
//	{ u64 value } * nr
const readFormat = unix.PERF_FORMAT_GROUP | unix.PERF_FORMAT_TOTAL_TIME_ENABLED | unix.PERF_FORMAT_TOTAL_TIME_RUNNING

// Group owns one perf_event leader fd and its sibling fds for a set of
// counters opened together on a single CPU, so a single read() returns
// an atomic snapshot.
type Group struct {
	cpu   int
	specs []EventSpec
	fds   []int // fds[0] is the group leader
}

// Open opens one perf_event_open group for the given CPU, covering all
// of specs. Events that fail to open are recorded as absent and simply
// excluded from future group reads — missing individual counters are
// tolerated.
func Open(cpu int, specs []EventSpec) (*Group, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("perfgroup: no events specified")
	}

	g := &Group{cpu: cpu, specs: specs}
	leaderFD := -1

	for _, spec := range specs {
		attr := &unix.PerfEventAttr{
			Type:        spec.Type,
			Config:      spec.Config,
			Size:        uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
			Read_format: readFormat,
			Bits:        unix.PerfBitDisabled | unix.PerfBitInherit,
		}
		fd, err := unix.PerfEventOpen(attr, -1, cpu, leaderFD, unix.PERF_FLAG_FD_CLOEXEC)
		if err != nil {
			// tolerate a missing counter; record -1 so ReadGroup skips it
			g.fds = append(g.fds, -1)
			continue
		}
		if leaderFD == -1 {
			leaderFD = fd
		}
		g.fds = append(g.fds, fd)
	}

	if leaderFD == -1 {
		return nil, ErrUnsupported
	}

	// enable the whole group atomically via the leader fd
	if err := unix.IoctlSetInt(leaderFD, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
		g.Close()
		return nil, fmt.Errorf("perfgroup: enable group: %w", err)
	}

	return g, nil
}

// ReadGroup performs a single atomic read of all counters in the group
// via the leader fd.
func (g *Group) ReadGroup() (GroupResult, error) {
	leaderFD := g.leaderFD()
	if leaderFD < 0 {
		return GroupResult{}, fmt.Errorf("perfgroup: group has no leader fd")
	}

	// buffer: nr, time_enabled, time_running, then nr*value
	buf := make([]byte, 8*(3+len(g.fds)))
	n, err := unix.Read(leaderFD, buf)
	if err != nil {
		return GroupResult{}, fmt.Errorf("perfgroup: read_group: %w", err)
	}
	if n < 24 {
		return GroupResult{}, fmt.Errorf("perfgroup: short read (%d bytes)", n)
	}

	nr := binary.LittleEndian.Uint64(buf[0:8])
	timeEnabled := binary.LittleEndian.Uint64(buf[8:16])
	timeRunning := binary.LittleEndian.Uint64(buf[16:24])

	result := GroupResult{TimeEnabled: timeEnabled, TimeRunning: timeRunning}

	// map values back onto the original event order; events whose fd
	// failed to open are reported as absent.
	valueIdx := 0
	off := 24
	values := make([]uint64, nr)
	for i := uint64(0); i < nr && off+8 <= n; i++ {
		values[i] = binary.LittleEndian.Uint64(buf[off : off+8])
		off += 8
	}

	for i, fd := range g.fds {
		r := Reading{Name: g.specs[i].Name}
		if fd >= 0 && valueIdx < len(values) {
			r.Value = values[valueIdx]
			r.Present = true
			valueIdx++
		}
		result.Readings = append(result.Readings, r)
	}

	return result, nil
}

func (g *Group) leaderFD() int {
	for _, fd := range g.fds {
		if fd >= 0 {
			return fd
		}
	}
	return -1
}

// Close releases all fds held by the group.
func (g *Group) Close() error {
	var firstErr error
	for _, fd := range g.fds {
		if fd < 0 {
			continue
		}
		if err := unix.Close(fd); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	g.fds = nil
	return firstErr
}

// PinCurrentThreadToCPU locks the calling goroutine to its current OS
// thread and sets that thread's CPU affinity to cpu. Intended for the
// virtualized-guest fan-out strategy, where each worker owns only
// its local counters to bound read jitter. The goroutine stays locked
// to that thread after the call returns.
func PinCurrentThreadToCPU(cpu int) error {
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}

// NumCPU returns the number of online CPUs, used to size the bare-metal
// and virtualized fan-out strategies.
func NumCPU() int {
	n, err := countOnlineCPUs()
	if err != nil || n == 0 {
		return runtime.NumCPU()
	}
	return n
}

func countOnlineCPUs() (int, error) {
	data, err := os.ReadFile("/sys/devices/system/cpu/online")
	if err != nil {
		return 0, err
	}
	return parseCPUList(string(data))
}
