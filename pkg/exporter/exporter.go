// Package exporter derives Prometheus exposition from rezolus
// snapshots: counters and gauges are exposed directly, histograms as
// percentile-labeled gauges computed from the delta between the two
// most recent snapshots.
package exporter

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/iopsystems/rezolus/pkg/metrics"
	"github.com/iopsystems/rezolus/pkg/snapshot"
)

// DefaultPercentiles are the summary percentiles derived from each
// delta histogram.
var DefaultPercentiles = []float64{50, 90, 99, 99.9}

// Source produces the snapshot a Collect pass exposes. In the agent it
// is the TTL cache; in the standalone exporter it is an HTTP fetch
// from an upstream agent's /metrics/binary.
type Source func(ctx context.Context) (snapshot.Snapshot, error)

// Collector translates snapshots into Prometheus metrics on every
// scrape.
type Collector struct {
	log         *zap.Logger
	source      Source
	percentiles []float64

	mu        sync.Mutex
	prevHists map[string]metrics.HistogramValue
}

// NewCollector constructs a Collector over source. Passing nil
// percentiles selects DefaultPercentiles.
func NewCollector(log *zap.Logger, source Source, percentiles []float64) *Collector {
	if percentiles == nil {
		percentiles = DefaultPercentiles
	}
	return &Collector{
		log:         log,
		source:      source,
		percentiles: percentiles,
		prevHists:   make(map[string]metrics.HistogramValue),
	}
}

// Describe implements prometheus.Collector. The metric set varies with
// the live snapshot, so the collector is unchecked.
func (c *Collector) Describe(chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	snap, err := c.source(ctx)
	if err != nil {
		c.log.Warn("exporter: snapshot fetch failed", zap.Error(err))
		return
	}

	for _, m := range snap.Counters {
		c.emit(ch, m.Metadata, prometheus.CounterValue, float64(m.Value), nil)
	}
	for _, m := range snap.Gauges {
		c.emit(ch, m.Metadata, prometheus.GaugeValue, float64(m.Value), nil)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range snap.Histograms {
		curr := metrics.HistogramValue{
			Config: metrics.HistogramConfig{
				GroupingPower: m.Value.Config.GroupingPower,
				MaxValuePower: m.Value.Config.MaxValuePower,
			},
			Buckets: m.Value.Buckets,
		}

		prev, havePrev := c.prevHists[m.Name]
		c.prevHists[m.Name] = curr
		if !havePrev || prev.Config != curr.Config {
			continue
		}

		delta := curr.Sub(prev)
		if delta.Total() == 0 {
			continue
		}
		values := delta.Percentiles(c.percentiles)
		for i, q := range c.percentiles {
			c.emit(ch, m.Metadata, prometheus.GaugeValue, float64(values[i]),
				map[string]string{"percentile": formatPercentile(q)})
		}
	}
}

// emit builds one const metric from a snapshot record's metadata. The
// display name lives in metadata["metric"]; every other metadata pair
// except the histogram config keys becomes a label.
func (c *Collector) emit(ch chan<- prometheus.Metric, meta map[string]string, vt prometheus.ValueType, value float64, extra map[string]string) {
	name := sanitizeName(meta["metric"])
	if name == "" {
		return
	}

	keys := make([]string, 0, len(meta)+len(extra))
	vals := make([]string, 0, len(meta)+len(extra))
	for k, v := range meta {
		switch k {
		case "metric", "grouping_power", "max_value_power", "group_id":
			continue
		}
		keys = append(keys, sanitizeName(k))
		vals = append(vals, v)
	}
	for k, v := range extra {
		keys = append(keys, k)
		vals = append(vals, v)
	}

	desc := prometheus.NewDesc(name, "", keys, nil)
	m, err := prometheus.NewConstMetric(desc, vt, value, vals...)
	if err != nil {
		c.log.Debug("exporter: skipping metric", zap.String("metric", name), zap.Error(err))
		return
	}
	ch <- m
}

// formatPercentile renders 99.9 as "p99.9" and 50 as "p50".
func formatPercentile(q float64) string {
	return "p" + strconv.FormatFloat(q, 'f', -1, 64)
}

// sanitizeName maps arbitrary metric/label names onto the Prometheus
// charset [a-zA-Z_][a-zA-Z0-9_]*.
func sanitizeName(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	for i, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
			b.WriteRune(c)
		case c >= '0' && c <= '9' && i > 0:
			b.WriteRune(c)
		case c >= '0' && c <= '9':
			b.WriteByte('_')
			b.WriteRune(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// NewHandler builds the /metrics HTTP handler for a collector.
func NewHandler(log *zap.Logger, col *Collector) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(col)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog: zap.NewStdLog(log),
	})
}
