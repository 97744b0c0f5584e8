// Package config wires viper-backed configuration for the rezolus
// binaries: YAML config file, REZOLUS_* environment variables, and
// cobra flags, with flags taking precedence over env vars and env vars
// over the file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnvPrefix is the prefix for environment variable overrides, e.g.
// REZOLUS_LISTEN overrides the "listen" key.
const EnvPrefix = "REZOLUS"

// New builds a viper instance bound to cmd's flags. If configFile is
// non-empty the file is read immediately; a missing explicit file is an
// error, a missing default file is not.
func New(cmd *cobra.Command, configFile string, explicit bool) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("config: bind flags: %w", err)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			if explicit {
				return nil, fmt.Errorf("config: read %s: %w", configFile, err)
			}
		}
	}
	return v, nil
}

// Watch re-reads the config file on change and invokes onChange with
// the updated viper. Level changes and similar runtime-adjustable
// settings can be picked up without a restart; structural settings
// (listen addresses, ring sizing) still require one.
func Watch(v *viper.Viper, log *zap.Logger, onChange func(*viper.Viper)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Info("config file changed, reloading", zap.String("file", e.Name))
		onChange(v)
	})
	v.WatchConfig()
}

// Agent holds the agent process configuration.
type Agent struct {
	Listen       string
	Interval     time.Duration
	SnapshotTTL  time.Duration
	IngestSocket string
	LogLevel     string
	LogFormat    string

	// BPFPath is the directory compiled BPF objects are installed in.
	BPFPath string
}

// AgentFromViper extracts the agent configuration.
func AgentFromViper(v *viper.Viper) Agent {
	return Agent{
		Listen:       v.GetString("listen"),
		Interval:     v.GetDuration("interval"),
		SnapshotTTL:  v.GetDuration("snapshot-ttl"),
		IngestSocket: v.GetString("ingest-socket"),
		LogLevel:     v.GetString("log-level"),
		LogFormat:    v.GetString("log-format"),
		BPFPath:      v.GetString("bpf-path"),
	}
}

// Validate checks structural constraints that would otherwise surface
// as confusing runtime failures.
func (a Agent) Validate() error {
	if a.Interval <= 0 {
		return fmt.Errorf("config: interval must be positive, got %s", a.Interval)
	}
	if a.SnapshotTTL < 0 {
		return fmt.Errorf("config: snapshot-ttl must be non-negative, got %s", a.SnapshotTTL)
	}
	if a.Listen == "" {
		return fmt.Errorf("config: listen address is required")
	}
	return nil
}

// Hindsight holds the ring buffer daemon configuration.
type Hindsight struct {
	Source    string
	Listen    string
	RingPath  string
	OutputDir string
	Interval  time.Duration
	Duration  time.Duration
	LogLevel  string
	LogFormat string
}

func HindsightFromViper(v *viper.Viper) Hindsight {
	return Hindsight{
		Source:    v.GetString("source"),
		Listen:    v.GetString("listen"),
		RingPath:  v.GetString("ring-path"),
		OutputDir: v.GetString("output-dir"),
		Interval:  v.GetDuration("interval"),
		Duration:  v.GetDuration("duration"),
		LogLevel:  v.GetString("log-level"),
		LogFormat: v.GetString("log-format"),
	}
}

func (h Hindsight) Validate() error {
	if h.Source == "" {
		return fmt.Errorf("config: source URL is required")
	}
	if h.Interval <= 0 {
		return fmt.Errorf("config: interval must be positive, got %s", h.Interval)
	}
	if h.Duration < h.Interval {
		return fmt.Errorf("config: duration %s must be at least one interval %s", h.Duration, h.Interval)
	}
	if h.RingPath == "" {
		return fmt.Errorf("config: ring-path is required")
	}
	return nil
}

// Recorder holds the pull-loop recorder configuration.
type Recorder struct {
	Source    string
	Output    string
	Format    string // "parquet" or "raw"
	Interval  time.Duration
	Duration  time.Duration // 0 means record until interrupted
	LogLevel  string
	LogFormat string
}

func RecorderFromViper(v *viper.Viper) Recorder {
	return Recorder{
		Source:    v.GetString("source"),
		Output:    v.GetString("output"),
		Format:    v.GetString("format"),
		Interval:  v.GetDuration("interval"),
		Duration:  v.GetDuration("duration"),
		LogLevel:  v.GetString("log-level"),
		LogFormat: v.GetString("log-format"),
	}
}

func (r Recorder) Validate() error {
	if r.Source == "" {
		return fmt.Errorf("config: source URL is required")
	}
	if r.Output == "" {
		return fmt.Errorf("config: output path is required")
	}
	if r.Format != "parquet" && r.Format != "raw" {
		return fmt.Errorf("config: format must be parquet or raw, got %q", r.Format)
	}
	if r.Interval <= 0 {
		return fmt.Errorf("config: interval must be positive, got %s", r.Interval)
	}
	return nil
}

// Exporter holds the standalone Prometheus exporter configuration.
type Exporter struct {
	Source    string
	Listen    string
	LogLevel  string
	LogFormat string
}

func ExporterFromViper(v *viper.Viper) Exporter {
	return Exporter{
		Source:    v.GetString("source"),
		Listen:    v.GetString("listen"),
		LogLevel:  v.GetString("log-level"),
		LogFormat: v.GetString("log-format"),
	}
}

func (e Exporter) Validate() error {
	if e.Source == "" {
		return fmt.Errorf("config: source URL is required")
	}
	if e.Listen == "" {
		return fmt.Errorf("config: listen address is required")
	}
	return nil
}

// Viewer holds the recording viewer configuration.
type Viewer struct {
	Recording string
	Listen    string
	LogLevel  string
	LogFormat string
}

func ViewerFromViper(v *viper.Viper) Viewer {
	return Viewer{
		Recording: v.GetString("recording"),
		Listen:    v.GetString("listen"),
		LogLevel:  v.GetString("log-level"),
		LogFormat: v.GetString("log-format"),
	}
}

func (vc Viewer) Validate() error {
	if vc.Recording == "" {
		return fmt.Errorf("config: recording path is required")
	}
	if vc.Listen == "" {
		return fmt.Errorf("config: listen address is required")
	}
	return nil
}
