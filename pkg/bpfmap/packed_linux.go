//go:build linux

package bpfmap

import (
	"fmt"
	"unsafe"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"

	"github.com/iopsystems/rezolus/pkg/metrics"
)

// PackedCounters mmaps a BPF ARRAY map whose value array is exactly
// len(counters) uint64 words wide — no per-CPU padding.
type PackedCounters struct {
	m       *ebpf.Map
	mmap    []byte
	values  []uint64 // aliases mmap's backing memory, no copy
	group   *metrics.CounterGroup
}

// NewPackedCounters mmaps m and binds it to group, whose length must
// equal the map's element count exactly. A mismatch is a fatal startup
// error.
func NewPackedCounters(m *ebpf.Map, group *metrics.CounterGroup) (*PackedCounters, error) {
	n := group.Len()
	totalBytes := n * 8

	fd := m.FD()
	data, err := unix.Mmap(fd, 0, totalBytes, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("bpfmap: mmap packed counters map: %w", err)
	}

	values := bytesToUint64Slice(data)
	if len(values) != n {
		_ = unix.Munmap(data)
		return nil, &ErrLengthMismatch{Expected: n, Actual: len(values)}
	}

	return &PackedCounters{m: m, mmap: data, values: values, group: group}, nil
}

// Refresh copies the current kernel-side values into the bound counter
// group. Reads are non-atomic word reads; a torn read yields at most one
// anomalous delta, discarded downstream by the reset check.
func (p *PackedCounters) Refresh() error {
	for i, v := range p.values {
		p.group.Set(i, v)
	}
	return nil
}

func (p *PackedCounters) Close() error {
	if p.mmap == nil {
		return nil
	}
	err := unix.Munmap(p.mmap)
	p.mmap = nil
	p.values = nil
	return err
}

// PerCpuCounters mmaps a BPF map laid out as one cacheline-padded bank
// of counters per CPU and sums across CPUs on refresh.
type PerCpuCounters struct {
	m         *ebpf.Map
	mmap      []byte
	values    []uint64
	bankWidth int // in uint64 words
	maxCPUs   int
	group     *metrics.CounterGroup
}

// NewPerCpuCounters mmaps m sized to
// ceil(nCounters*8/64)*64*maxCPUs bytes and binds it to group (one
// counter group entry per logical counter, summed across CPUs).
func NewPerCpuCounters(m *ebpf.Map, group *metrics.CounterGroup, maxCPUs int) (*PerCpuCounters, error) {
	nCounters := group.Len()
	bankCachelines := wholeCachelines(nCounters)
	bankWidth := bankCachelines * CountersPerCacheline
	totalBytes := bankCachelines * CachelineSize * maxCPUs

	fd := m.FD()
	data, err := unix.Mmap(fd, 0, totalBytes, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("bpfmap: mmap per-cpu counters map: %w", err)
	}

	values := bytesToUint64Slice(data)
	if len(values) != maxCPUs*bankWidth {
		_ = unix.Munmap(data)
		return nil, &ErrLengthMismatch{Expected: maxCPUs * bankWidth, Actual: len(values)}
	}

	return &PerCpuCounters{
		m: m, mmap: data, values: values,
		bankWidth: bankWidth, maxCPUs: maxCPUs, group: group,
	}, nil
}

// Refresh sums each logical counter across all CPU banks and stores the
// combined value into the bound counter group.
func (p *PerCpuCounters) Refresh() error {
	n := p.group.Len()
	sums := make([]uint64, n)
	for cpu := 0; cpu < p.maxCPUs; cpu++ {
		base := cpu * p.bankWidth
		for idx := 0; idx < n; idx++ {
			sums[idx] += p.values[base+idx]
		}
	}
	for idx, v := range sums {
		p.group.Set(idx, v)
	}
	return nil
}

func (p *PerCpuCounters) Close() error {
	if p.mmap == nil {
		return nil
	}
	err := unix.Munmap(p.mmap)
	p.mmap = nil
	p.values = nil
	return err
}

// PackedHistogram mmaps a BPF ARRAY map holding one bucket counter per
// element and loads it into a registry histogram on refresh. The map's
// element count must equal the histogram's bucket count.
type PackedHistogram struct {
	m      *ebpf.Map
	mmap   []byte
	values []uint64
	hist   *metrics.Histogram
}

// NewPackedHistogram mmaps m and binds it to hist.
func NewPackedHistogram(m *ebpf.Map, hist *metrics.Histogram) (*PackedHistogram, error) {
	n := hist.Config().BucketCount()
	totalBytes := n * 8

	fd := m.FD()
	data, err := unix.Mmap(fd, 0, totalBytes, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("bpfmap: mmap histogram map: %w", err)
	}

	values := bytesToUint64Slice(data)
	if len(values) != n {
		_ = unix.Munmap(data)
		return nil, &ErrLengthMismatch{Expected: n, Actual: len(values)}
	}

	return &PackedHistogram{m: m, mmap: data, values: values, hist: hist}, nil
}

// Refresh copies the kernel-side bucket counts into the histogram.
func (p *PackedHistogram) Refresh() error {
	return p.hist.LoadBuckets(p.values)
}

func (p *PackedHistogram) Close() error {
	if p.mmap == nil {
		return nil
	}
	err := unix.Munmap(p.mmap)
	p.mmap = nil
	p.values = nil
	return err
}

// bytesToUint64Slice reinterprets a byte slice backed by an mmap region
// as a []uint64 without copying.
func bytesToUint64Slice(b []byte) []uint64 {
	if len(b)%8 != 0 {
		return nil
	}
	return unsafe.Slice((*uint64)(unsafe.Pointer(&b[0])), len(b)/8)
}
