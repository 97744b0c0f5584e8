// The exporter proxies an agent's MsgPack snapshots as Prometheus
// text, deriving percentile summaries from delta histograms.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iopsystems/rezolus/pkg/agenthttp"
	"github.com/iopsystems/rezolus/pkg/config"
	"github.com/iopsystems/rezolus/pkg/exporter"
	"github.com/iopsystems/rezolus/pkg/logging"
	"github.com/iopsystems/rezolus/pkg/snapshot"
)

func main() {
	var configFile string

	cmd := &cobra.Command{
		Use:           "rezolus-exporter",
		Short:         "Prometheus exporter for a rezolus agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.New(cmd, configFile, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			cfg := config.ExporterFromViper(v)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cfg)
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "/etc/rezolus/exporter.yaml", "config file path")
	cmd.Flags().String("source", "http://127.0.0.1:4242/metrics/binary", "upstream agent snapshot URL")
	cmd.Flags().String("listen", "0.0.0.0:4244", "HTTP listen address")
	cmd.Flags().String("log-level", "info", "log level")
	cmd.Flags().String("log-format", "console", "log format (console or json)")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg config.Exporter) error {
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer log.Sync()

	client := &http.Client{Timeout: 10 * time.Second}
	source := func(ctx context.Context) (snapshot.Snapshot, error) {
		data, err := agenthttp.FetchSnapshot(ctx, client, cfg.Source)
		if err != nil {
			return snapshot.Snapshot{}, err
		}
		return snapshot.DecodeMsgPack(data)
	}

	collector := exporter.NewCollector(log, source, nil)
	mux := http.NewServeMux()
	mux.Handle("/metrics", exporter.NewHandler(log, collector))

	server := &http.Server{Addr: cfg.Listen, Handler: mux}

	go func() {
		sigs := make(chan os.Signal, 2)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs
		log.Info("received signal, shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutCtx)
		<-sigs
		os.Exit(2)
	}()

	log.Info("starting rezolus exporter",
		zap.String("source", cfg.Source),
		zap.String("listen", cfg.Listen))

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
