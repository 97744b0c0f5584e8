// The agent samples kernel and hardware telemetry on a fixed aligned
// cadence and serves snapshots over HTTP, Prometheus text on /metrics,
// and an external-metrics ingest socket.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iopsystems/rezolus/pkg/agenthttp"
	"github.com/iopsystems/rezolus/pkg/config"
	"github.com/iopsystems/rezolus/pkg/exporter"
	"github.com/iopsystems/rezolus/pkg/extingest"
	"github.com/iopsystems/rezolus/pkg/logging"
	"github.com/iopsystems/rezolus/pkg/metrics"
	"github.com/iopsystems/rezolus/pkg/sampler"
	"github.com/iopsystems/rezolus/pkg/samplers"
	"github.com/iopsystems/rezolus/pkg/snapshot"
)

const version = "0.1.0"

func main() {
	var configFile string

	cmd := &cobra.Command{
		Use:           "rezolus-agent",
		Short:         "host telemetry sampling agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.New(cmd, configFile, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			cfg := config.AgentFromViper(v)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cfg)
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "/etc/rezolus/agent.yaml", "config file path")
	cmd.Flags().String("listen", "0.0.0.0:4242", "HTTP listen address")
	cmd.Flags().Duration("interval", time.Second, "sampling interval")
	cmd.Flags().Duration("snapshot-ttl", 100*time.Millisecond, "snapshot cache TTL")
	cmd.Flags().String("ingest-socket", "/var/run/rezolus/ingest.sock", "external metrics socket path (empty disables)")
	cmd.Flags().String("bpf-path", "/usr/lib/rezolus/bpf", "compiled BPF object directory")
	cmd.Flags().String("log-level", "info", "log level")
	cmd.Flags().String("log-format", "console", "log format (console or json)")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg config.Agent) error {
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer log.Sync()

	hostname, _ := os.Hostname()
	log.Info("starting rezolus agent",
		zap.String("version", version),
		zap.String("listen", cfg.Listen),
		zap.Duration("interval", cfg.Interval))

	reg := metrics.NewRegistry()

	engine, err := sampler.New(log.Named("sampler"), cfg.Interval, reg, samplers.All(log, cfg.BPFPath))
	if err != nil {
		return err
	}
	if len(engine.Samplers()) == 0 {
		log.Warn("no samplers available on this host; serving an empty registry")
	}

	extStore := extingest.NewStore(log.Named("extingest"), time.Minute, 4096, samplers.ReservedNames())

	cache := snapshot.NewCache(cfg.SnapshotTTL, engine.RefreshAll, func() snapshot.Snapshot {
		snap := snapshot.Build(reg, snapshot.BuilderMetadata{Source: hostname, Version: version})
		extStore.AppendTo(&snap)
		return snap
	})

	collector := exporter.NewCollector(log.Named("exporter"), cache.Get, nil)
	promHandler := exporter.NewHandler(log, collector)
	srv := agenthttp.NewServer(log.Named("http"), cache, promHandler.ServeHTTP)

	httpServer := &http.Server{Addr: cfg.Listen, Handler: srv}

	var ingest *extingest.Server
	if cfg.IngestSocket != "" {
		ingest = extingest.NewServer(log.Named("extingest"), extStore, cfg.IngestSocket, extingest.ProtocolAuto, 64, 4096)
		if err := ingest.Listen(); err != nil {
			log.Warn("external metrics socket unavailable", zap.Error(err))
			ingest = nil
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(log, cancel)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		return httpServer.Shutdown(shutCtx)
	})

	if ingest != nil {
		g.Go(func() error { return ingest.Serve(ctx) })
	}

	// housekeeping: expire stale external metrics
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if n := extStore.Cleanup(); n > 0 {
					log.Debug("expired external metrics", zap.Int("count", n))
				}
			}
		}
	})

	err = g.Wait()

	var closeErrs error
	if ingest != nil {
		closeErrs = multierr.Append(closeErrs, ingest.Close())
	}
	closeErrs = multierr.Append(closeErrs, engine.Close())
	if closeErrs != nil {
		log.Warn("shutdown cleanup reported errors", zap.Error(closeErrs))
	}

	return err
}

// handleSignals cancels on the first SIGINT/SIGTERM and force-exits
// with code 2 on the second.
func handleSignals(log *zap.Logger, cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	<-sigs
	log.Info("received signal, shutting down")
	cancel()

	<-sigs
	log.Warn("received second signal, forcing exit")
	os.Exit(2)
}
