// Package parquetio transcodes the recorder's raw MsgPack snapshot
// stream into Parquet. Reading the files back into the viewer's time
// series store is done by tsdb.LoadParquet.
package parquetio

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/apache/arrow/go/v16/arrow"
	"github.com/apache/arrow/go/v16/arrow/array"
	"github.com/apache/arrow/go/v16/arrow/memory"
	"github.com/apache/arrow/go/v16/parquet"
	"github.com/apache/arrow/go/v16/parquet/compress"
	"github.com/apache/arrow/go/v16/parquet/pqarrow"

	"github.com/iopsystems/rezolus/pkg/snapshot"
)

// one row per metric reading per snapshot: a long/narrow layout rather
// than one column per metric, traded off against the recorder's
// observed schema (a column per distinct metric identity) for a schema
// that doesn't need a first pass over the whole stream to discover.
var schemaFields = []arrow.Field{
	{Name: "system_time_ns", Type: arrow.PrimitiveTypes.Int64},
	{Name: "duration_ns", Type: arrow.PrimitiveTypes.Int64},
	{Name: "kind", Type: arrow.BinaryTypes.String},
	{Name: "name", Type: arrow.BinaryTypes.String},
	{Name: "metric", Type: arrow.BinaryTypes.String},
	{Name: "value", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	{Name: "buckets", Type: arrow.ListOf(arrow.PrimitiveTypes.Uint64), Nullable: true},
	{Name: "grouping_power", Type: arrow.PrimitiveTypes.Uint8, Nullable: true},
	{Name: "max_value_power", Type: arrow.PrimitiveTypes.Uint8, Nullable: true},
	{Name: "labels_json", Type: arrow.BinaryTypes.String, Nullable: true},
}

// Options configures a MsgPack->Parquet transcode.
type Options struct {
	// SamplingIntervalMS is recorded as file-level schema metadata, so
	// the viewer can recover the recording's native resolution.
	SamplingIntervalMS uint64
}

// Convert reads a back-to-back MsgPack snapshot stream from src and
// writes an equivalent Parquet file to dst, returning the number of
// metric-reading rows written.
func Convert(src io.Reader, dst io.Writer, opts Options) (int64, error) {
	mem := memory.NewGoAllocator()

	meta := arrow.NewMetadata([]string{"sampling_interval_ms"}, []string{fmt.Sprintf("%d", opts.SamplingIntervalMS)})
	schema := arrow.NewSchema(schemaFields, &meta)

	props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy))
	arrProps := pqarrow.DefaultWriterProps()

	// dst is wrapped so that closing the Parquet writer, which writes the
	// footer, leaves dst open for the caller to close.
	fw, err := pqarrow.NewFileWriter(schema, struct{ io.Writer }{dst}, props, arrProps)
	if err != nil {
		return 0, fmt.Errorf("parquetio: open writer: %w", err)
	}
	defer fw.Close()

	dec := snapshot.NewStreamDecoder(src)

	var rows int64
	for {
		snap, derr := dec.Next()
		if derr == io.EOF {
			break
		}
		if derr != nil {
			return rows, fmt.Errorf("parquetio: decode snapshot: %w", derr)
		}

		rec := buildRecord(mem, schema, snap)
		werr := fw.Write(rec)
		n := rec.NumRows()
		rec.Release()
		if werr != nil {
			return rows, fmt.Errorf("parquetio: write record batch: %w", werr)
		}
		rows += n
	}

	return rows, nil
}

func buildRecord(mem memory.Allocator, schema *arrow.Schema, snap snapshot.Snapshot) arrow.Record {
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	sysNS := snap.SystemTime.UnixNano()
	durNS := snap.Duration.Nanoseconds()

	appendRow := func(kind, name, metric string, value *int64, buckets []uint64, gp, mvp *uint8, labels map[string]string) {
		b.Field(0).(*array.Int64Builder).Append(sysNS)
		b.Field(1).(*array.Int64Builder).Append(durNS)
		b.Field(2).(*array.StringBuilder).Append(kind)
		b.Field(3).(*array.StringBuilder).Append(name)
		b.Field(4).(*array.StringBuilder).Append(metric)

		vb := b.Field(5).(*array.Int64Builder)
		if value != nil {
			vb.Append(*value)
		} else {
			vb.AppendNull()
		}

		lb := b.Field(6).(*array.ListBuilder)
		if buckets != nil {
			lb.Append(true)
			vbld := lb.ValueBuilder().(*array.Uint64Builder)
			for _, v := range buckets {
				vbld.Append(v)
			}
		} else {
			lb.AppendNull()
		}

		gpb := b.Field(7).(*array.Uint8Builder)
		if gp != nil {
			gpb.Append(*gp)
		} else {
			gpb.AppendNull()
		}

		mvb := b.Field(8).(*array.Uint8Builder)
		if mvp != nil {
			mvb.Append(*mvp)
		} else {
			mvb.AppendNull()
		}

		ljb := b.Field(9).(*array.StringBuilder)
		if len(labels) > 0 {
			data, _ := json.Marshal(labels)
			ljb.Append(string(data))
		} else {
			ljb.AppendNull()
		}
	}

	for _, c := range snap.Counters {
		v := int64(c.Value)
		appendRow("counter", c.Name, c.Metadata["metric"], &v, nil, nil, nil, extraLabels(c.Metadata))
	}
	for _, g := range snap.Gauges {
		v := g.Value
		appendRow("gauge", g.Name, g.Metadata["metric"], &v, nil, nil, nil, extraLabels(g.Metadata))
	}
	for _, h := range snap.Histograms {
		gp := h.Value.Config.GroupingPower
		mvp := h.Value.Config.MaxValuePower
		appendRow("histogram", h.Name, h.Metadata["metric"], nil, h.Value.Buckets, &gp, &mvp, extraLabels(h.Metadata))
	}

	return b.NewRecord()
}

// extraLabels drops the well-known keys that already have a dedicated
// column so labels_json only carries cgroup/device/cpu-style tags.
func extraLabels(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch k {
		case "metric", "grouping_power", "max_value_power":
			continue
		default:
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
