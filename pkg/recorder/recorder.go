// Package recorder implements the on-demand recording pull loop: an
// aligned-interval GET of the agent's /metrics/binary appended raw to
// a temp file, finalized on stop as either the raw MsgPack stream or a
// Parquet transcode.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/iopsystems/rezolus/pkg/agenthttp"
	"github.com/iopsystems/rezolus/pkg/parquetio"
)

// Format selects the finalized output encoding.
type Format int

const (
	FormatParquet Format = iota
	FormatRaw
)

// ParseFormat maps the config string onto a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "parquet", "":
		return FormatParquet, nil
	case "raw":
		return FormatRaw, nil
	default:
		return 0, fmt.Errorf("recorder: invalid format %q", s)
	}
}

// Options configures one recording run.
type Options struct {
	Source   string // upstream /metrics/binary URL
	Output   string // final output path
	Format   Format
	Interval time.Duration
	// Duration bounds the recording; zero records until ctx cancels.
	Duration time.Duration
}

// Recorder drives one recording from start to finalized output file.
type Recorder struct {
	log    *zap.Logger
	client *http.Client
	clock  clock.Clock
	opts   Options

	snapshots uint64
}

// New constructs a Recorder. clk may be nil, selecting the wall clock;
// tests pass a mock.
func New(log *zap.Logger, client *http.Client, clk clock.Clock, opts Options) *Recorder {
	if clk == nil {
		clk = clock.New()
	}
	return &Recorder{log: log, client: client, clock: clk, opts: opts}
}

// Snapshots returns how many snapshots the run captured.
func (r *Recorder) Snapshots() uint64 { return r.snapshots }

// Run performs the recording: aligned pull loop into a temp file next
// to the output path, then finalize. It returns once the output file
// is complete. A fetch error ends the recording cleanly rather than
// leaving a gap — whatever was captured so far is finalized.
func (r *Recorder) Run(ctx context.Context) error {
	tmp, err := os.CreateTemp(filepath.Dir(r.opts.Output), ".rezolus-recording-*")
	if err != nil {
		return fmt.Errorf("recorder: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	pullErr := r.pullLoop(ctx, tmp)
	if cerr := tmp.Close(); cerr != nil && pullErr == nil {
		pullErr = fmt.Errorf("recorder: close temp file: %w", cerr)
	}

	if r.snapshots == 0 {
		if pullErr != nil {
			return pullErr
		}
		return errors.New("recorder: no snapshots captured")
	}

	if err := r.finalize(tmpPath); err != nil {
		return err
	}

	r.log.Info("recording finalized",
		zap.String("output", r.opts.Output),
		zap.Uint64("snapshots", r.snapshots))

	if pullErr != nil && !errors.Is(pullErr, context.Canceled) {
		r.log.Warn("recording ended early", zap.Error(pullErr))
	}
	return nil
}

func (r *Recorder) pullLoop(ctx context.Context, out *os.File) error {
	deadline := time.Time{}
	if r.opts.Duration > 0 {
		deadline = r.clock.Now().Add(r.opts.Duration)
	}

	timer := r.clock.Timer(untilAligned(r.clock.Now(), r.opts.Interval))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		data, err := agenthttp.FetchSnapshot(ctx, r.client, r.opts.Source)
		if err != nil {
			return fmt.Errorf("recorder: fetch snapshot: %w", err)
		}
		if _, err := out.Write(data); err != nil {
			return fmt.Errorf("recorder: append snapshot: %w", err)
		}
		r.snapshots++

		now := r.clock.Now()
		if !deadline.IsZero() && !now.Before(deadline) {
			return nil
		}
		timer.Reset(untilAligned(now, r.opts.Interval))
	}
}

// untilAligned returns the duration to the next whole multiple of
// interval past the epoch, so recordings from independent hosts sample
// at the same wall times.
func untilAligned(now time.Time, interval time.Duration) time.Duration {
	rem := time.Duration(now.UnixNano()) % interval
	if rem == 0 {
		return interval
	}
	return interval - rem
}

func (r *Recorder) finalize(tmpPath string) error {
	if r.opts.Format == FormatRaw {
		if err := os.Rename(tmpPath, r.opts.Output); err != nil {
			return fmt.Errorf("recorder: move raw recording into place: %w", err)
		}
		return nil
	}

	src, err := os.Open(tmpPath)
	if err != nil {
		return fmt.Errorf("recorder: reopen temp file: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(r.opts.Output)
	if err != nil {
		return fmt.Errorf("recorder: create output: %w", err)
	}

	_, err = parquetio.Convert(src, dst, parquetio.Options{
		SamplingIntervalMS: uint64(r.opts.Interval.Milliseconds()),
	})
	if cerr := dst.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(r.opts.Output)
		return fmt.Errorf("recorder: transcode to parquet: %w", err)
	}
	return nil
}
