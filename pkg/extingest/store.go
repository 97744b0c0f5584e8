// Package extingest implements the external-metrics ingest socket: a
// Unix-domain socket accepting a line protocol or a binary protocol
// (auto-detected by the "REZL" magic bytes), feeding a TTL-expiring
// store that the agent merges into every snapshot.
package extingest

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/iopsystems/rezolus/pkg/metrics"
	"github.com/iopsystems/rezolus/pkg/snapshot"
)

// Value is one externally-supplied metric reading. Exactly one of the
// variants is set, indicated by Kind.
type Value struct {
	Kind      Kind
	Counter   uint64
	Gauge     int64
	Histogram metrics.HistogramValue
}

type Kind int

const (
	KindCounter Kind = iota
	KindGauge
	KindHistogram
)

// Metric is a stored external metric with its last-update time, used
// for TTL expiry.
type Metric struct {
	Name        string
	Labels      map[string]string
	Value       Value
	LastUpdated time.Time
}

// Stats are the store's self-monitoring counters. Parse errors and
// collisions never affect other connections; they only tick these.
type Stats struct {
	Count             int
	Received          uint64
	ParseErrors       uint64
	Expired           uint64
	CollisionsBlocked uint64
}

// Store holds external metrics keyed by (name, labels) with TTL-based
// expiration and reserved-name collision rejection.
type Store struct {
	log           *zap.Logger
	ttl           time.Duration
	maxMetrics    int
	reservedNames map[string]struct{}

	mu      sync.RWMutex
	metrics map[string]*Metric

	received          atomic.Uint64
	parseErrors       atomic.Uint64
	expired           atomic.Uint64
	collisionsBlocked atomic.Uint64
}

// NewStore constructs a store. reservedNames is the set of metric names
// owned by internal samplers; external writes to them are rejected.
func NewStore(log *zap.Logger, ttl time.Duration, maxMetrics int, reservedNames []string) *Store {
	reserved := make(map[string]struct{}, len(reservedNames))
	for _, n := range reservedNames {
		reserved[n] = struct{}{}
	}
	return &Store{
		log:           log,
		ttl:           ttl,
		maxMetrics:    maxMetrics,
		reservedNames: reserved,
		metrics:       make(map[string]*Metric),
	}
}

// Upsert inserts or updates a metric, returning false if it was
// rejected (reserved-name collision or store at capacity).
func (s *Store) Upsert(name string, labels map[string]string, value Value) bool {
	if _, reserved := s.reservedNames[name]; reserved {
		s.log.Warn("external metric rejected: collides with internal metric", zap.String("metric", name))
		s.collisionsBlocked.Add(1)
		return false
	}

	key := metricKey(name, labels)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.metrics[key]; !exists && len(s.metrics) >= s.maxMetrics {
		return false
	}

	s.metrics[key] = &Metric{
		Name:        name,
		Labels:      labels,
		Value:       value,
		LastUpdated: time.Now(),
	}
	s.received.Add(1)
	return true
}

// Active returns all non-expired metrics.
func (s *Store) Active() []Metric {
	now := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Metric, 0, len(s.metrics))
	for _, m := range s.metrics {
		if now.Sub(m.LastUpdated) <= s.ttl {
			out = append(out, *m)
		}
	}
	return out
}

// Cleanup drops expired metrics, returning the number removed. Run
// periodically from the agent's housekeeping loop.
func (s *Store) Cleanup() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, m := range s.metrics {
		if now.Sub(m.LastUpdated) > s.ttl {
			delete(s.metrics, key)
			removed++
		}
	}
	if removed > 0 {
		s.expired.Add(uint64(removed))
	}
	return removed
}

// RecordParseError ticks the parse-error self-monitoring counter.
func (s *Store) RecordParseError() { s.parseErrors.Add(1) }

// Stats returns the current self-monitoring counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	count := len(s.metrics)
	s.mu.RUnlock()
	return Stats{
		Count:             count,
		Received:          s.received.Load(),
		ParseErrors:       s.parseErrors.Load(),
		Expired:           s.expired.Load(),
		CollisionsBlocked: s.collisionsBlocked.Load(),
	}
}

// AppendTo merges the store's active metrics into snap. External
// metric wire names live in an "e"-prefixed id space so they can never
// collide with the registry's numeric ids.
func (s *Store) AppendTo(snap *snapshot.Snapshot) {
	active := s.Active()
	sort.Slice(active, func(i, j int) bool {
		if active[i].Name != active[j].Name {
			return active[i].Name < active[j].Name
		}
		return metricKey("", active[i].Labels) < metricKey("", active[j].Labels)
	})

	for i, m := range active {
		meta := make(map[string]string, len(m.Labels)+2)
		for k, v := range m.Labels {
			meta[k] = v
		}
		meta["metric"] = m.Name
		meta["source"] = "external"
		wireName := fmt.Sprintf("e%d", i)

		switch m.Value.Kind {
		case KindCounter:
			snap.Counters = append(snap.Counters, snapshot.Counter{Name: wireName, Value: m.Value.Counter, Metadata: meta})
		case KindGauge:
			snap.Gauges = append(snap.Gauges, snapshot.Gauge{Name: wireName, Value: m.Value.Gauge, Metadata: meta})
		case KindHistogram:
			hv := m.Value.Histogram
			meta["grouping_power"] = fmt.Sprintf("%d", hv.Config.GroupingPower)
			meta["max_value_power"] = fmt.Sprintf("%d", hv.Config.MaxValuePower)
			snap.Histograms = append(snap.Histograms, snapshot.Histogram{
				Name: wireName,
				Value: snapshot.HistogramWireValue{
					Config: snapshot.HistogramWireConfig{
						GroupingPower: hv.Config.GroupingPower,
						MaxValuePower: hv.Config.MaxValuePower,
					},
					Buckets: hv.Buckets,
				},
				Metadata: meta,
			})
		}
	}
}

// metricKey produces a stable map key from a name and unordered labels.
func metricKey(name string, labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}
