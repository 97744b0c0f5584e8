// The viewer loads a Parquet recording into memory and serves the
// query API over it.
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

	"github.com/iopsystems/rezolus/pkg/config"
	"github.com/iopsystems/rezolus/pkg/logging"
	"github.com/iopsystems/rezolus/pkg/tsdb"
	"github.com/iopsystems/rezolus/pkg/viewer"
)

func main() {
	var configFile string

	cmd := &cobra.Command{
		Use:           "rezolus-viewer",
		Short:         "query API over a recorded Parquet file",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.New(cmd, configFile, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			cfg := config.ViewerFromViper(v)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cfg)
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "/etc/rezolus/viewer.yaml", "config file path")
	cmd.Flags().String("recording", "", "recorded Parquet file to load")
	cmd.Flags().String("listen", "127.0.0.1:4245", "HTTP listen address")
	cmd.Flags().String("log-level", "info", "log level")
	cmd.Flags().String("log-format", "console", "log format (console or json)")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg config.Viewer) error {
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer log.Sync()

	store, err := tsdb.LoadParquet(cfg.Recording)
	if err != nil {
		return err
	}

	log.Info("recording loaded",
		zap.String("file", cfg.Recording),
		zap.Int("counters", len(store.Counters)),
		zap.Int("gauges", len(store.Gauges)),
		zap.Int("histograms", len(store.Histograms)))

	server := &http.Server{Addr: cfg.Listen, Handler: viewer.NewServer(log, store)}

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

	log.Info("starting rezolus viewer", zap.String("listen", cfg.Listen))

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
