package perfgroup

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/iopsystems/rezolus/pkg/rendezvous"
)

// Strategy selects how perf-counter reads are fanned out across CPUs
//.
type Strategy int

const (
	// BareMetal uses a single worker thread that iterates all CPUs
	// sequentially, minimizing thread count.
	BareMetal Strategy = iota
	// Virtualized uses one worker thread per CPU, each pinned via
	// affinity, to bound read jitter from cross-vCPU perf fd reads.
	Virtualized
)

// Driver fans out ReadGroup() calls to one or more dedicated OS-thread
// workers using the Rendezvous primitive, and joins on all of them each
// tick.
type Driver struct {
	strategy Strategy
	groups   []*Group // one per CPU, index == cpu
	workers  []*worker
	pending  atomic.Int32
}

type worker struct {
	r       *rendezvous.Rendezvous
	cpus    []int
	groups  []*Group
	result  []GroupResult
	err     error
}

// NewDriver opens one Group per CPU in cpus (each with the same event
// specs) and starts the worker threads implied by strategy. Thread
// startup is synchronized via an atomic pending counter the caller can
// poll via WaitReady, guaranteeing all workers are pinned and parked in
// WaitTrigger before the first tick.
func NewDriver(strategy Strategy, cpus []int, specs []EventSpec) (*Driver, error) {
	d := &Driver{strategy: strategy}

	groups := make([]*Group, 0, len(cpus))
	for _, cpu := range cpus {
		g, err := Open(cpu, specs)
		if err != nil {
			// tolerate a CPU whose group failed to open; its readings
			// will simply be absent.
			groups = append(groups, nil)
			continue
		}
		groups = append(groups, g)
	}
	d.groups = groups

	switch strategy {
	case Virtualized:
		for i, cpu := range cpus {
			w := &worker{r: rendezvous.New(), cpus: []int{cpu}, groups: []*Group{groups[i]}}
			d.workers = append(d.workers, w)
			d.pending.Add(1)
			go d.runPinnedWorker(w, cpu)
		}
	default: // BareMetal
		w := &worker{r: rendezvous.New(), cpus: cpus, groups: groups}
		d.workers = append(d.workers, w)
		d.pending.Add(1)
		go d.runSequentialWorker(w)
	}

	return d, nil
}

func (d *Driver) runPinnedWorker(w *worker, cpu int) {
	if err := PinCurrentThreadToCPU(cpu); err != nil {
		// still participate in the protocol so the driver doesn't hang;
		// record the failure for the next ReadAll.
		w.err = fmt.Errorf("perfgroup: pin worker to cpu %d: %w", cpu, err)
	}
	d.pending.Add(-1)
	for {
		w.r.WaitTrigger()
		w.result = w.result[:0]
		if w.groups[0] != nil {
			res, err := w.groups[0].ReadGroup()
			if err != nil {
				w.err = err
			} else {
				w.err = nil
				w.result = append(w.result, res)
			}
		}
		w.r.Notify()
	}
}

func (d *Driver) runSequentialWorker(w *worker) {
	runtime.LockOSThread()
	d.pending.Add(-1)
	for {
		w.r.WaitTrigger()
		w.result = w.result[:0]
		w.err = nil
		for _, g := range w.groups {
			if g == nil {
				w.result = append(w.result, GroupResult{})
				continue
			}
			res, err := g.ReadGroup()
			if err != nil {
				w.err = err
				w.result = append(w.result, GroupResult{})
				continue
			}
			w.result = append(w.result, res)
		}
		w.r.Notify()
	}
}

// WaitReady blocks until all worker threads have finished startup
// (pinned and parked in WaitTrigger).
func (d *Driver) WaitReady(ctx context.Context) error {
	for d.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			runtime.Gosched()
		}
	}
	return nil
}

// ReadAll triggers every worker, awaits all notifications, and returns
// one GroupResult per CPU in d's original cpu order.
func (d *Driver) ReadAll(ctx context.Context) ([]GroupResult, error) {
	for _, w := range d.workers {
		w.r.Trigger()
	}
	for _, w := range d.workers {
		if err := w.r.WaitNotify(ctx); err != nil {
			return nil, err
		}
	}

	var out []GroupResult
	for _, w := range d.workers {
		if len(w.result) == len(w.cpus) {
			// w.result already carries empty placeholders for just the
			// CPUs whose read failed; keep the rest of the readings
			out = append(out, w.result...)
			continue
		}
		out = append(out, make([]GroupResult, len(w.cpus))...)
	}
	return out, nil
}

// Close releases all perf fds held by the driver's groups.
func (d *Driver) Close() error {
	var firstErr error
	for _, g := range d.groups {
		if g == nil {
			continue
		}
		if err := g.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
