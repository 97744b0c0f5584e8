//go:build linux

package syscall

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/cilium/ebpf/ringbuf"
	"go.uber.org/zap"

	"github.com/iopsystems/rezolus/pkg/bpfmap"
	"github.com/iopsystems/rezolus/pkg/bpfprog"
	"github.com/iopsystems/rezolus/pkg/metrics"
	"github.com/iopsystems/rezolus/pkg/perfgroup"
	"github.com/iopsystems/rezolus/pkg/sampler"
)

// ObjectName is the compiled BPF object file, installed under the
// agent's bpf-path directory.
const ObjectName = "syscall.bpf.o"

type syscallSampler struct {
	log  *zap.Logger
	prog *bpfprog.Program

	counts  *bpfmap.PerCpuCounters
	cgroups *bpfmap.PackedCounters

	cgroupGroup *metrics.CounterGroup

	ringbuf *ringbuf.Reader
	done    chan struct{}
}

// New returns the sampler factory. Hosts without the compiled object,
// BPF privilege, or the required kernel features are omitted.
func New(log *zap.Logger, bpfPath string) sampler.Factory {
	return func(reg *metrics.Registry) (sampler.Sampler, error) {
		prog, err := bpfprog.Load(filepath.Join(bpfPath, ObjectName), []bpfprog.ProbeSpec{
			{FuncName: "sys_enter", Section: "raw_tracepoint/sys_enter"},
		})
		if err != nil {
			if errors.Is(err, bpfprog.ErrUnavailable) {
				return nil, fmt.Errorf("syscall: %w: %w", err, sampler.ErrUnsupported)
			}
			return nil, err
		}

		s := &syscallSampler{log: log, prog: prog, done: make(chan struct{})}

		countsMap, err := prog.Map("counters")
		if err != nil {
			prog.Close()
			return nil, err
		}
		countsGroup := reg.CounterGroup("syscall_counts", len(categories), nil)
		for i, c := range categories {
			countsGroup.SetMetadata(i, metrics.Labels{"op": c})
		}
		s.counts, err = bpfmap.NewPerCpuCounters(countsMap, countsGroup, perfgroup.NumCPU())
		if err != nil {
			prog.Close()
			return nil, fmt.Errorf("syscall: bind counts map: %w", err)
		}

		cgroupMap, err := prog.Map("cgroup_syscall_total")
		if err != nil {
			s.counts.Close()
			prog.Close()
			return nil, err
		}
		s.cgroupGroup = reg.CounterGroup("cgroup_syscall_total", metrics.MaxCgroups, nil)
		s.cgroups, err = bpfmap.NewPackedCounters(cgroupMap, s.cgroupGroup)
		if err != nil {
			s.counts.Close()
			prog.Close()
			return nil, fmt.Errorf("syscall: bind cgroup map: %w", err)
		}

		rb, err := prog.RingbufReader("cgroup_info")
		if err != nil {
			s.log.Debug("syscall: cgroup info ringbuf unavailable", zap.Error(err))
		} else {
			s.ringbuf = rb
			go s.consumeCgroupInfo()
		}

		return s, nil
	}
}

func (s *syscallSampler) Name() string { return "syscall" }

// Refresh copies the shared-memory map contents into the registry
// groups. No bpf syscall is made; these are plain memory loads.
func (s *syscallSampler) Refresh(ctx context.Context) error {
	if err := s.counts.Refresh(); err != nil {
		return fmt.Errorf("syscall: refresh counts: %w", err)
	}
	if err := s.cgroups.Refresh(); err != nil {
		return fmt.Errorf("syscall: refresh cgroup counts: %w", err)
	}
	return nil
}

// cgroupInfoRecord is the fixed-layout record the BPF side pushes when
// it sees a cgroup for the first time.
type cgroupInfoRecord struct {
	ID   uint64
	Name [192]byte
}

// consumeCgroupInfo runs on its own goroutine, blocking in the
// ringbuf read and updating slot metadata in place. Slot identities
// are never recycled; only their metadata mutates.
func (s *syscallSampler) consumeCgroupInfo() {
	for {
		record, err := s.ringbuf.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return
			}
			s.log.Debug("syscall: cgroup info read failed", zap.Error(err))
			continue
		}

		var info cgroupInfoRecord
		if err := binary.Read(bytes.NewReader(record.RawSample), binary.LittleEndian, &info); err != nil {
			s.log.Debug("syscall: malformed cgroup info record", zap.Error(err))
			continue
		}
		if info.ID >= metrics.MaxCgroups {
			continue
		}

		name := string(bytes.TrimRight(info.Name[:], "\x00"))
		s.cgroupGroup.SetMetadata(int(info.ID), metrics.Labels{"name": name})
	}
}

// Close tears down the ringbuf consumer, the shared-memory mappings,
// and the BPF attachment, in that order.
func (s *syscallSampler) Close() error {
	var firstErr error
	if s.ringbuf != nil {
		if err := s.ringbuf.Close(); err != nil {
			firstErr = err
		}
	}
	if err := s.counts.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.cgroups.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.prog.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
