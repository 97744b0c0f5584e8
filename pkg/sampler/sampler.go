// Package sampler implements the cooperative scheduler that drives all
// registered Samplers on a single aligned cadence.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iopsystems/rezolus/pkg/metrics"
)

// ErrUnsupported signals that a sampler's dependencies are unavailable
// (missing kernel probe, insufficient privilege, unsupported CPU). The
// engine omits the sampler entirely rather than failing startup.
var ErrUnsupported = errors.New("sampler: unsupported on this host")

// Sampler is the single capability every concrete sampler implements:
// refresh() drains whatever kernel/hardware state it owns and publishes
// into the metric registry. Implementations must be safe to call
// concurrently with HTTP readers of the registry.
type Sampler interface {
	Name() string
	Refresh(ctx context.Context) error
	// Close releases any kernel resources (BPF attachments, perf fds,
	// worker threads) held by the sampler. Called once at engine
	// shutdown.
	Close() error
}

// Factory constructs a Sampler against the shared registry, or returns
// ErrUnsupported (or any other error wrapping it) if the host does not
// support it. This models "dynamic dispatch across heterogeneous
// samplers" as a registry of factory functions rather than
// an inheritance hierarchy.
type Factory func(reg *metrics.Registry) (Sampler, error)

// Engine drives Tick-aligned refreshes of a set of Samplers.
type Engine struct {
	log      *zap.Logger
	interval time.Duration
	samplers []Sampler

	mu       sync.Mutex
	skips    map[string]uint64
	lastDur  map[string]time.Duration
	running  map[string]bool
}

// New constructs an Engine from a set of sampler factories. Factories
// that return ErrUnsupported are logged at debug and skipped
//; any other error is fatal to startup since it indicates a
// factory's own programming error rather than a host capability gap.
func New(log *zap.Logger, interval time.Duration, reg *metrics.Registry, factories []Factory) (*Engine, error) {
	e := &Engine{
		log:      log,
		interval: interval,
		skips:    make(map[string]uint64),
		lastDur:  make(map[string]time.Duration),
		running:  make(map[string]bool),
	}

	for _, f := range factories {
		s, err := f(reg)
		if err != nil {
			if errors.Is(err, ErrUnsupported) {
				log.Debug("sampler unavailable, omitting", zap.Error(err))
				continue
			}
			return nil, fmt.Errorf("sampler: factory init: %w", err)
		}
		e.samplers = append(e.samplers, s)
		log.Info("sampler registered", zap.String("sampler", s.Name()))
	}

	return e, nil
}

// Samplers returns the set of successfully initialized samplers.
func (e *Engine) Samplers() []Sampler { return e.samplers }

// nextAlignedTick returns the smallest time >= from that is a whole
// multiple of interval past the Unix epoch, so that independent hosts
// sample at the same wall-clock instants.
func nextAlignedTick(from time.Time, interval time.Duration) time.Time {
	if interval <= 0 {
		return from
	}
	unixNanos := from.UnixNano()
	intervalNanos := interval.Nanoseconds()
	rem := unixNanos % intervalNanos
	if rem == 0 {
		return from
	}
	return from.Add(time.Duration(intervalNanos - rem))
}

// Run drives the aligned tick loop until ctx is cancelled. On each tick
// it calls Refresh on every sampler concurrently via refreshWithLogging,
// which records timing and turns a sampler panic into a fatal log line
// that ends the process. A tick still running when the next is due is
// dropped silently and a skip counter is incremented — the scheduler
// does not run overlapping ticks for the same sampler.
func (e *Engine) Run(ctx context.Context) error {
	now := time.Now()
	first := nextAlignedTick(now, e.interval)
	timer := time.NewTimer(time.Until(first))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tickTime := <-timer.C:
			e.runTick(ctx, tickTime)
			if e.interval > 0 {
				// ticks that fell due while this one ran are skipped
				if missed := uint64(time.Since(tickTime) / e.interval); missed > 0 {
					e.mu.Lock()
					for _, s := range e.samplers {
						e.skips[s.Name()] += missed
					}
					e.mu.Unlock()
				}
			}
			next := nextAlignedTick(time.Now(), e.interval)
			timer.Reset(time.Until(next))
		}
	}
}

// RefreshAll performs one synchronous refresh pass outside the aligned
// schedule. The snapshot cache calls this on a TTL miss so an HTTP
// request always observes values no older than the cache TTL.
func (e *Engine) RefreshAll(ctx context.Context) error {
	e.runTick(ctx, time.Now())
	return nil
}

func (e *Engine) runTick(ctx context.Context, tickTime time.Time) {
	var wg sync.WaitGroup
	for _, s := range e.samplers {
		s := s
		e.mu.Lock()
		if e.running[s.Name()] {
			e.skips[s.Name()]++
			e.mu.Unlock()
			continue
		}
		e.running[s.Name()] = true
		e.mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				e.mu.Lock()
				e.running[s.Name()] = false
				e.mu.Unlock()
			}()
			e.refreshWithLogging(ctx, s)
		}()
	}
	wg.Wait()
}

// refreshWithLogging wraps one sampler's refresh to record timing and
// convert a panic into a fatal log line — a sampler that panics after
// successful init is a fatal operational event that terminates the
// driver, since recovering silently would mask a worker
// thread or kernel-resource leak.
func (e *Engine) refreshWithLogging(ctx context.Context, s Sampler) {
	start := time.Now()
	defer func() {
		dur := time.Since(start)
		e.mu.Lock()
		e.lastDur[s.Name()] = dur
		e.mu.Unlock()
		if r := recover(); r != nil {
			e.log.Fatal("sampler panicked during refresh; terminating",
				zap.String("sampler", s.Name()), zap.Any("panic", r))
		}
	}()

	if err := s.Refresh(ctx); err != nil {
		e.log.Debug("sampler refresh failed for this tick",
			zap.String("sampler", s.Name()), zap.Error(err))
	}
}

// SkipCount returns the number of ticks dropped for name because the
// previous tick was still running.
func (e *Engine) SkipCount(name string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.skips[name]
}

// Close releases every sampler's resources.
func (e *Engine) Close() error {
	var firstErr error
	for _, s := range e.samplers {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
