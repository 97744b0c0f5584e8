// The hindsight daemon keeps a fixed-duration on-disk ring of agent
// snapshots for retroactive capture: SIGINT or an HTTP request dumps
// the buffer to disk.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iopsystems/rezolus/pkg/agenthttp"
	"github.com/iopsystems/rezolus/pkg/config"
	"github.com/iopsystems/rezolus/pkg/hindsight"
	"github.com/iopsystems/rezolus/pkg/logging"
	"github.com/iopsystems/rezolus/pkg/snapshot"
)

func main() {
	var configFile string

	cmd := &cobra.Command{
		Use:           "rezolus-hindsight",
		Short:         "retroactive capture ring buffer",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.New(cmd, configFile, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			cfg := config.HindsightFromViper(v)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cfg)
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "/etc/rezolus/hindsight.yaml", "config file path")
	cmd.Flags().String("source", "http://127.0.0.1:4242/metrics/binary", "upstream agent snapshot URL")
	cmd.Flags().String("listen", "0.0.0.0:4243", "HTTP listen address")
	cmd.Flags().String("ring-path", "/var/lib/rezolus/hindsight.ring", "ring buffer file path")
	cmd.Flags().String("output-dir", "/var/lib/rezolus", "directory dump-to-file writes land in")
	cmd.Flags().Duration("interval", time.Second, "sampling interval")
	cmd.Flags().Duration("duration", 15*time.Minute, "buffer duration")
	cmd.Flags().String("log-level", "info", "log level")
	cmd.Flags().String("log-format", "console", "log format (console or json)")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if strings.Contains(err.Error(), "forced termination") {
			os.Exit(hindsight.ExitCodeForced)
		}
		os.Exit(1)
	}
}

func run(cfg config.Hindsight) error {
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer log.Sync()

	client := &http.Client{Timeout: 10 * time.Second}

	// size slots from a real upstream snapshot, with generous headroom
	// for label growth over the buffer's lifetime
	probeCtx, probeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	probe, err := agenthttp.FetchSnapshot(probeCtx, client, cfg.Source)
	probeCancel()
	if err != nil {
		return fmt.Errorf("hindsight: cannot reach upstream agent %s: %w", cfg.Source, err)
	}
	slotLen := hindsight.SnapshotLenFor(len(probe) * 2)

	state := hindsight.NewSharedState(slotLen, cfg.Interval, cfg.Duration)
	ring, err := hindsight.OpenRingFile(cfg.RingPath, state)
	if err != nil {
		return err
	}
	defer ring.Close()

	log.Info("starting rezolus hindsight",
		zap.String("source", cfg.Source),
		zap.Uint64("snapshot_count", state.SnapshotCount),
		zap.Uint64("snapshot_len", state.SnapshotLen))

	daemon := hindsight.NewDaemon(log, client, cfg.Source, state, ring, cfg.OutputDir, snapshot.PeekSystemTime)

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = daemon.CheckRateCompatible(startupCtx)
	startupCancel()
	if err != nil {
		return err
	}

	signal.Notify(daemon.Interrupts(), syscall.SIGINT, syscall.SIGTERM)

	oldestNewest := func() (uint64, uint64, bool) {
		var oldest, newest uint64
		found := false
		_, first, last, err := ring.Dump(hindsight.TimeRange{}, snapshot.PeekSystemTime, func([]byte) error { return nil })
		if err == nil && last != 0 {
			oldest, newest, found = uint64(first), uint64(last), true
		}
		return oldest, newest, found
	}

	httpSrv := hindsight.NewServer(state, ring, snapshot.PeekSystemTime, oldestNewest, daemon.RequestDumpToFile)
	server := &http.Server{Addr: cfg.Listen, Handler: httpSrv}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return daemon.Run(ctx) })

	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		return server.Shutdown(shutCtx)
	})

	return g.Wait()
}
