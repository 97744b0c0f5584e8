// Package snapshot implements the wire-format Snapshot: a
// self-describing record of all live metric values at one instant,
// encoded as MsgPack or JSON, plus the builder that assembles one from
// the process-wide metric registry and the TTL cache that fronts it.
package snapshot

import (
	"fmt"
	"time"

	"github.com/iopsystems/rezolus/pkg/metrics"
)

// HistogramWireValue is the on-wire representation of one histogram
// reading: its (g,n) config plus the bucket array.
type HistogramWireValue struct {
	Config  HistogramWireConfig `msgpack:"config" json:"config"`
	Buckets []uint64            `msgpack:"buckets" json:"buckets"`
}

type HistogramWireConfig struct {
	GroupingPower uint8 `msgpack:"grouping_power" json:"grouping_power"`
	MaxValuePower uint8 `msgpack:"max_value_power" json:"max_value_power"`
}

// Counter, Gauge, and Histogram are the three wire record variants.
// Name carries the stable opaque numeric id ("{metric_id}" or
// "{metric_id}x{slot_id}"); the human name lives in metadata["metric"].
type Counter struct {
	Name     string            `msgpack:"name" json:"name"`
	Value    uint64            `msgpack:"value" json:"value"`
	Metadata map[string]string `msgpack:"metadata" json:"metadata"`
}

type Gauge struct {
	Name     string            `msgpack:"name" json:"name"`
	Value    int64             `msgpack:"value" json:"value"`
	Metadata map[string]string `msgpack:"metadata" json:"metadata"`
}

type Histogram struct {
	Name     string              `msgpack:"name" json:"name"`
	Value    HistogramWireValue  `msgpack:"value" json:"value"`
	Metadata map[string]string   `msgpack:"metadata" json:"metadata"`
}

// Snapshot is the top-level wire record.
type Snapshot struct {
	SystemTime time.Time         `msgpack:"system_time" json:"system_time"`
	Duration   time.Duration     `msgpack:"duration" json:"duration"`
	Metadata   map[string]string `msgpack:"metadata" json:"metadata"`
	Counters   []Counter         `msgpack:"counters" json:"counters"`
	Gauges     []Gauge           `msgpack:"gauges" json:"gauges"`
	Histograms []Histogram       `msgpack:"histograms" json:"histograms"`
}

// BuilderMetadata is static snapshot-level metadata stamped on every
// build.
type BuilderMetadata struct {
	Source  string
	Version string
}

// Build assembles a Snapshot from the current state of reg:
//   - iterate every registered metric by stable numeric id
//   - for scalar metrics, emit one record with name = "{metric_id}"
//   - for group metrics, emit one record per populated slot with
//     name = "{metric_id}x{slot_id}", merging per-slot metadata
//   - slots whose value equals the empty sentinel are skipped
func Build(reg *metrics.Registry, meta BuilderMetadata) Snapshot {
	s := Snapshot{
		SystemTime: time.Now(),
		Metadata: map[string]string{
			"source":  meta.Source,
			"version": meta.Version,
		},
	}

	for _, e := range reg.Entries() {
		baseMeta := map[string]string{"metric": e.Name}
		for k, v := range e.StaticMeta {
			baseMeta[k] = v
		}

		switch {
		case e.Counter != nil:
			s.Counters = append(s.Counters, Counter{
				Name:     fmt.Sprintf("%d", e.ID),
				Value:    e.Counter.Value(),
				Metadata: cloneMap(baseMeta),
			})
		case e.Gauge != nil:
			if e.Gauge.IsEmpty() {
				continue
			}
			s.Gauges = append(s.Gauges, Gauge{
				Name:     fmt.Sprintf("%d", e.ID),
				Value:    e.Gauge.Value(),
				Metadata: cloneMap(baseMeta),
			})
		case e.Histogram != nil:
			v := e.Histogram.SnapshotValue()
			m := cloneMap(baseMeta)
			m["grouping_power"] = fmt.Sprintf("%d", v.Config.GroupingPower)
			m["max_value_power"] = fmt.Sprintf("%d", v.Config.MaxValuePower)
			s.Histograms = append(s.Histograms, Histogram{
				Name:  fmt.Sprintf("%d", e.ID),
				Value: HistogramWireValue{
					Config:  HistogramWireConfig{GroupingPower: v.Config.GroupingPower, MaxValuePower: v.Config.MaxValuePower},
					Buckets: v.Buckets,
				},
				Metadata: m,
			})
		case e.CounterGroup != nil:
			for idx := 0; idx < e.CounterGroup.Len(); idx++ {
				val := e.CounterGroup.Value(idx)
				if val == 0 {
					continue
				}
				m := cloneMap(baseMeta)
				m["id"] = fmt.Sprintf("%d", idx)
				m["group_id"] = fmt.Sprintf("%d", e.ID)
				for k, v := range e.CounterGroup.Metadata(idx) {
					m[k] = v
				}
				s.Counters = append(s.Counters, Counter{
					Name:     fmt.Sprintf("%dx%d", e.ID, idx),
					Value:    val,
					Metadata: m,
				})
			}
		case e.GaugeGroup != nil:
			for idx := 0; idx < e.GaugeGroup.Len(); idx++ {
				if e.GaugeGroup.IsEmpty(idx) {
					continue
				}
				m := cloneMap(baseMeta)
				m["id"] = fmt.Sprintf("%d", idx)
				m["group_id"] = fmt.Sprintf("%d", e.ID)
				for k, v := range e.GaugeGroup.Metadata(idx) {
					m[k] = v
				}
				s.Gauges = append(s.Gauges, Gauge{
					Name:     fmt.Sprintf("%dx%d", e.ID, idx),
					Value:    e.GaugeGroup.Value(idx),
					Metadata: m,
				})
			}
		}
	}

	return s
}

func cloneMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
