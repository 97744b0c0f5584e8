package tsdb

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/apache/arrow/go/v16/arrow"
	"github.com/apache/arrow/go/v16/arrow/array"
	"github.com/apache/arrow/go/v16/parquet/file"
	"github.com/apache/arrow/go/v16/parquet/pqarrow"

	"github.com/iopsystems/rezolus/pkg/metrics"
)

// LoadParquet reads a Parquet file written by pkg/parquetio and
// rebuilds a Store from its rows.
func LoadParquet(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tsdb: open %s: %w", path, err)
	}
	defer f.Close()

	reader, err := file.NewParquetReader(f)
	if err != nil {
		return nil, fmt.Errorf("tsdb: open parquet reader: %w", err)
	}
	defer reader.Close()

	fr, err := pqarrow.NewFileReader(reader, pqarrow.ArrowReadProperties{}, nil)
	if err != nil {
		return nil, fmt.Errorf("tsdb: open arrow reader: %w", err)
	}

	schema, err := fr.Schema()
	if err != nil {
		return nil, fmt.Errorf("tsdb: read schema: %w", err)
	}

	store := NewStore()
	if v, ok := schema.Metadata().GetValue("sampling_interval_ms"); ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			store.SamplingIntervalMS = n
		}
	}

	table, err := fr.ReadTable(nil)
	if err != nil {
		return nil, fmt.Errorf("tsdb: read table: %w", err)
	}
	defer table.Release()

	tr := array.NewTableReader(table, table.NumRows())
	defer tr.Release()

	for tr.Next() {
		if err := ingestRecord(store, tr.Record()); err != nil {
			return nil, err
		}
	}

	return store, nil
}

func ingestRecord(store *Store, rec arrow.Record) error {
	schema := rec.Schema()
	col := func(name string) arrow.Array {
		idx := schema.FieldIndices(name)
		if len(idx) == 0 {
			return nil
		}
		return rec.Column(idx[0])
	}

	sysTime := col("system_time_ns").(*array.Int64)
	kindCol := col("kind").(*array.String)
	nameCol := col("name").(*array.String)
	metricCol := col("metric").(*array.String)
	valueCol := col("value").(*array.Int64)
	bucketsCol := col("buckets").(*array.List)
	bucketsValues, _ := bucketsCol.ListValues().(*array.Uint64)
	gpCol := col("grouping_power").(*array.Uint8)
	mvpCol := col("max_value_power").(*array.Uint8)
	labelsCol := col("labels_json").(*array.String)

	n := int(rec.NumRows())
	for i := 0; i < n; i++ {
		ts := sysTime.Value(i)
		kind := kindCol.Value(i)
		name := nameCol.Value(i)
		metric := metricCol.Value(i)

		labels := Labels{}
		if !labelsCol.IsNull(i) {
			labels = parseLabelsJSON(labelsCol.Value(i))
		}
		labels["name"] = name

		switch kind {
		case "counter":
			if valueCol.IsNull(i) {
				continue
			}
			store.counters(metric).Insert(labels, ts, uint64(valueCol.Value(i)))
		case "gauge":
			if valueCol.IsNull(i) {
				continue
			}
			store.gauges(metric).Insert(labels, ts, valueCol.Value(i))
		case "histogram":
			if bucketsCol.IsNull(i) || gpCol.IsNull(i) || mvpCol.IsNull(i) {
				continue
			}
			start, end := bucketsCol.ValueOffsets(i)
			buckets := make([]uint64, end-start)
			for j := range buckets {
				buckets[j] = bucketsValues.Value(int(start) + j)
			}
			cfg := metrics.HistogramConfig{GroupingPower: gpCol.Value(i), MaxValuePower: mvpCol.Value(i)}
			store.histograms(metric).Insert(labels, ts, metrics.HistogramValue{Config: cfg, Buckets: buckets})
		}
	}
	return nil
}

func parseLabelsJSON(s string) Labels {
	labels := Labels{}
	if s == "" {
		return labels
	}
	if err := json.Unmarshal([]byte(s), &labels); err != nil {
		return Labels{}
	}
	return labels
}
