// The recorder pulls snapshots from an agent on an aligned interval
// and writes a Parquet (or raw MsgPack) recording.
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
	"github.com/iopsystems/rezolus/pkg/recorder"
)

func main() {
	var configFile string

	cmd := &cobra.Command{
		Use:           "rezolus-recorder",
		Short:         "record agent snapshots to a file",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.New(cmd, configFile, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			cfg := config.RecorderFromViper(v)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cfg)
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "/etc/rezolus/recorder.yaml", "config file path")
	cmd.Flags().String("source", "http://127.0.0.1:4242/metrics/binary", "upstream agent snapshot URL")
	cmd.Flags().String("output", "rezolus.parquet", "output file path")
	cmd.Flags().String("format", "parquet", "output format (parquet or raw)")
	cmd.Flags().Duration("interval", time.Second, "sampling interval")
	cmd.Flags().Duration("duration", 0, "recording duration (0 records until interrupted)")
	cmd.Flags().String("log-level", "info", "log level")
	cmd.Flags().String("log-format", "console", "log format (console or json)")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg config.Recorder) error {
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer log.Sync()

	format, err := recorder.ParseFormat(cfg.Format)
	if err != nil {
		return err
	}

	rec := recorder.New(log, &http.Client{Timeout: 10 * time.Second}, nil, recorder.Options{
		Source:   cfg.Source,
		Output:   cfg.Output,
		Format:   format,
		Interval: cfg.Interval,
		Duration: cfg.Duration,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigs := make(chan os.Signal, 2)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs
		log.Info("received signal, finalizing recording")
		cancel()
		<-sigs
		log.Warn("received second signal, forcing exit")
		os.Exit(2)
	}()

	log.Info("recording",
		zap.String("source", cfg.Source),
		zap.String("output", cfg.Output),
		zap.Duration("interval", cfg.Interval))

	return rec.Run(ctx)
}
