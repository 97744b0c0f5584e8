//go:build linux

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/iopsystems/rezolus/pkg/bpfmap"
	"github.com/iopsystems/rezolus/pkg/bpfprog"
	"github.com/iopsystems/rezolus/pkg/metrics"
	"github.com/iopsystems/rezolus/pkg/sampler"
)

// ObjectName is the compiled BPF object file, installed under the
// agent's bpf-path directory.
const ObjectName = "scheduler.bpf.o"

type schedSampler struct {
	log     *zap.Logger
	prog    *bpfprog.Program
	runqlat *bpfmap.PackedHistogram
}

// New returns the sampler factory. Hosts without the compiled object
// or BPF privilege are omitted.
func New(log *zap.Logger, bpfPath string) sampler.Factory {
	return func(reg *metrics.Registry) (sampler.Sampler, error) {
		prog, err := bpfprog.Load(filepath.Join(bpfPath, ObjectName), []bpfprog.ProbeSpec{
			{FuncName: "sched_wakeup", Section: "raw_tracepoint/sched_wakeup"},
			{FuncName: "sched_switch", Section: "raw_tracepoint/sched_switch"},
		})
		if err != nil {
			if errors.Is(err, bpfprog.ErrUnavailable) {
				return nil, fmt.Errorf("scheduler: %w: %w", err, sampler.ErrUnsupported)
			}
			return nil, err
		}

		m, err := prog.Map("runqlat")
		if err != nil {
			prog.Close()
			return nil, err
		}

		hist := reg.Histogram("scheduler_runqueue_latency", HistogramConfig, metrics.Labels{"unit": "nanoseconds"})
		runqlat, err := bpfmap.NewPackedHistogram(m, hist)
		if err != nil {
			prog.Close()
			return nil, fmt.Errorf("scheduler: bind runqlat map: %w", err)
		}

		return &schedSampler{log: log, prog: prog, runqlat: runqlat}, nil
	}
}

func (s *schedSampler) Name() string { return "scheduler" }

func (s *schedSampler) Refresh(ctx context.Context) error {
	if err := s.runqlat.Refresh(); err != nil {
		return fmt.Errorf("scheduler: refresh runqlat: %w", err)
	}
	return nil
}

func (s *schedSampler) Close() error {
	var firstErr error
	if err := s.runqlat.Close(); err != nil {
		firstErr = err
	}
	if err := s.prog.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
