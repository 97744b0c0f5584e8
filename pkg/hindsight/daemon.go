package hindsight

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/iopsystems/rezolus/pkg/agenthttp"
	"github.com/iopsystems/rezolus/pkg/parquetio"
)

// State is the hindsight capture state machine: RUNNING is
// the steady state; a SIGINT moves it to CAPTURING, which drains a full
// buffer dump to disk before returning to RUNNING; a second SIGINT
// received while CAPTURING moves to TERMINATING, which finishes the
// in-flight dump and then exits.
type State int

const (
	StateRunning State = iota
	StateCapturing
	StateTerminating
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCapturing:
		return "capturing"
	case StateTerminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// ExitCodeForced is returned by Daemon.Run when a second SIGINT forces
// termination mid-capture.
const ExitCodeForced = 2

// Daemon pulls snapshots from an upstream agent on an aligned interval,
// writes them into the ring buffer, and serves the HTTP dump surface.
// Dump requests are serviced through the same select loop as the
// sampling tick so a slot is never read while it is being written.
type Daemon struct {
	log    *zap.Logger
	client *http.Client
	source string

	state *SharedState
	ring  *RingFile
	phase atomic.Int32

	interrupts chan os.Signal
	dumpReqs   chan dumpRequest

	dir string

	decodeSystemTime func([]byte) (int64, error)
}

type dumpRequest struct {
	filter TimeRange
	result chan DumpToFileResult
}

// NewDaemon constructs a hindsight daemon. source is the upstream
// agent's /metrics/binary URL; dir is the directory dump-to-file writes
// land in.
func NewDaemon(log *zap.Logger, client *http.Client, source string, state *SharedState, ring *RingFile, dir string, decodeSystemTime func([]byte) (int64, error)) *Daemon {
	return &Daemon{
		log:              log,
		client:           client,
		source:           source,
		state:            state,
		ring:             ring,
		interrupts:       make(chan os.Signal, 2),
		dumpReqs:         make(chan dumpRequest, 8),
		dir:              dir,
		decodeSystemTime: decodeSystemTime,
	}
}

// Interrupts exposes the channel os/signal.Notify should be wired to.
func (d *Daemon) Interrupts() chan<- os.Signal { return d.interrupts }

// State reports the capture state machine's current phase.
func (d *Daemon) State() State { return State(d.phase.Load()) }

// CheckRateCompatible samples once, measures the round trip, and fails
// fast if the configured interval cannot keep up: the interval must be
// at least twice the observed fetch latency.
func (d *Daemon) CheckRateCompatible(ctx context.Context) error {
	start := time.Now()
	if _, err := agenthttp.FetchSnapshot(ctx, d.client, d.source); err != nil {
		return fmt.Errorf("hindsight: startup rate check failed: %w", err)
	}
	latency := time.Since(start)
	if d.state.Interval < 2*latency {
		return fmt.Errorf("hindsight: sampling interval %s too small for observed upstream latency %s", d.state.Interval, latency)
	}
	return nil
}

// Run drives the aligned sampling loop until ctx is cancelled or a
// second SIGINT forces termination, in which case it returns an error
// wrapping ExitCodeForced.
func (d *Daemon) Run(ctx context.Context) error {
	captured := false

	ticker := time.NewTicker(d.state.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-d.interrupts:
			if captured {
				// a second interrupt never re-triggers capture; it only
				// escalates to termination
				d.phase.Store(int32(StateTerminating))
				d.log.Info("hindsight received second interrupt, terminating")
				return fmt.Errorf("hindsight: forced termination (exit %d)", ExitCodeForced)
			}
			captured = true
			d.phase.Store(int32(StateCapturing))
			d.log.Info("hindsight received interrupt, capturing full buffer")
			if err := d.dumpFull(ctx); err != nil {
				d.log.Error("hindsight full-buffer dump failed", zap.Error(err))
			}
			// an interrupt that arrived while the dump was running
			// escalates immediately, finishing no further work
			select {
			case <-d.interrupts:
				d.phase.Store(int32(StateTerminating))
				d.log.Info("hindsight received second interrupt during capture, terminating")
				return fmt.Errorf("hindsight: forced termination (exit %d)", ExitCodeForced)
			default:
			}
			d.phase.Store(int32(StateRunning))

		case req := <-d.dumpReqs:
			req.result <- d.performDump(req.filter)

		case <-ticker.C:
			if err := d.tick(ctx); err != nil {
				d.log.Warn("hindsight sampling tick failed", zap.Error(err))
			}
		}
	}
}

func (d *Daemon) tick(ctx context.Context) error {
	data, err := agenthttp.FetchSnapshot(ctx, d.client, d.source)
	if err != nil {
		return err
	}
	idx := d.state.Idx()
	if err := d.ring.WriteSlot(idx, data); err != nil {
		return err
	}
	d.state.AdvanceIdx()
	return nil
}

// RequestDumpToFile is called from the HTTP handler; it dispatches the
// dump through the daemon's select loop and blocks for the result.
func (d *Daemon) RequestDumpToFile(filter TimeRange) DumpToFileResult {
	result := make(chan DumpToFileResult, 1)
	d.dumpReqs <- dumpRequest{filter: filter, result: result}
	return <-result
}

// performDump drains the in-range slots and transcodes the MsgPack
// stream to a Parquet file in the configured output directory.
func (d *Daemon) performDump(filter TimeRange) DumpToFileResult {
	path := fmt.Sprintf("%s/hindsight-dump-%d.parquet", d.dir, time.Now().UnixNano())

	var stream bytes.Buffer
	written, firstTS, lastTS, err := d.ring.Dump(filter, d.decodeSystemTime, func(payload []byte) error {
		_, werr := stream.Write(payload)
		return werr
	})
	if err != nil {
		return DumpToFileResult{Path: path, Snapshots: written, Err: err}
	}

	f, err := os.Create(path)
	if err != nil {
		return DumpToFileResult{Snapshots: written, Err: fmt.Errorf("hindsight: create dump file: %w", err)}
	}

	_, err = parquetio.Convert(&stream, f, parquetio.Options{
		SamplingIntervalMS: uint64(d.state.Interval.Milliseconds()),
	})
	if cerr := f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return DumpToFileResult{Path: path, Snapshots: written, Err: fmt.Errorf("hindsight: transcode dump to parquet: %w", err)}
	}

	result := DumpToFileResult{Path: path, Snapshots: written}
	if written > 0 {
		start := uint64(firstTS)
		end := uint64(lastTS)
		result.StartTime = &start
		result.EndTime = &end
	}
	return result
}

func (d *Daemon) dumpFull(ctx context.Context) error {
	result := d.performDump(TimeRange{})
	return result.Err
}
