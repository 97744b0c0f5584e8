// Package rendezvous implements the two-phase driver/worker handshake
// used to drive blocking perf-counter and BPF workers from
// the cooperative sampler engine without busy-waiting.
package rendezvous

import (
	"context"
	"sync"
)

// Rendezvous is a one-driver, one-worker synchronization primitive.
// Every Trigger is paired with exactly one Notify; the driver must not
// call Trigger again before the matching WaitNotify returns. The worker
// side blocks on a condition variable (cheap for a dedicated OS thread);
// the driver side waits on a channel so it can remain inside Go's
// cooperative goroutine scheduler.
type Rendezvous struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending bool // a trigger has been issued, not yet consumed by the worker

	notifyCh chan struct{}
}

// New constructs a Rendezvous ready for use.
func New() *Rendezvous {
	r := &Rendezvous{notifyCh: make(chan struct{}, 1)}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Trigger signals the worker to start one unit of work. Non-blocking.
func (r *Rendezvous) Trigger() {
	r.mu.Lock()
	r.pending = true
	r.mu.Unlock()
	r.cond.Signal()
}

// WaitTrigger blocks the calling (worker) goroutine until a Trigger
// arrives. Intended to be called from a dedicated, LockOSThread'd
// goroutine — this is the one blocking primitive in the pipeline that is
// allowed to park an OS thread.
func (r *Rendezvous) WaitTrigger() {
	r.mu.Lock()
	for !r.pending {
		r.cond.Wait()
	}
	r.pending = false
	r.mu.Unlock()
}

// Notify signals the driver that the worker has completed its unit of
// work. Must be called exactly once per Trigger.
func (r *Rendezvous) Notify() {
	select {
	case r.notifyCh <- struct{}{}:
	default:
		// a notify is already pending consumption; this would indicate a
		// protocol violation (notify without a matching wait), but we do
		// not block the worker over it.
	}
}

// WaitNotify suspends the caller (driver) until the worker's matching
// Notify arrives, or ctx is cancelled first.
func (r *Rendezvous) WaitNotify(ctx context.Context) error {
	select {
	case <-r.notifyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
