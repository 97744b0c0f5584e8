package extingest

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildMessage assembles a full binary-protocol message from a set of
// pre-encoded records.
func buildMessage(t *testing.T, metricCount int, records ...[]byte) []byte {
	t.Helper()
	payload := bytes.Join(records, nil)

	var buf bytes.Buffer
	buf.Write(Magic[:])
	buf.WriteByte(VersionMajor)
	buf.WriteByte(VersionMinor)
	binary.Write(&buf, binary.LittleEndian, uint16(metricCount))
	binary.Write(&buf, binary.LittleEndian, uint32(len(payload)))
	buf.Write(payload)
	return buf.Bytes()
}

func encodeLabels(labels map[string][2]string, ordered []string) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint16(len(ordered)))
	for _, k := range ordered {
		kv := labels[k]
		buf.WriteByte(byte(len(kv[0])))
		buf.WriteString(kv[0])
		buf.WriteByte(byte(len(kv[1])))
		buf.WriteString(kv[1])
	}
	return buf.Bytes()
}

func counterRecord(name string, value uint64, labelPairs ...string) []byte {
	var buf bytes.Buffer
	buf.WriteByte(msgTypeCounter)
	binary.Write(&buf, binary.LittleEndian, value)
	binary.Write(&buf, binary.LittleEndian, uint16(len(name)))
	buf.WriteString(name)
	binary.Write(&buf, binary.LittleEndian, uint16(len(labelPairs)/2))
	for i := 0; i < len(labelPairs); i += 2 {
		buf.WriteByte(byte(len(labelPairs[i])))
		buf.WriteString(labelPairs[i])
		buf.WriteByte(byte(len(labelPairs[i+1])))
		buf.WriteString(labelPairs[i+1])
	}
	return buf.Bytes()
}

func TestBinaryHeaderValidation(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		msg := buildMessage(t, 0)
		count, size, err := parseBinaryHeader(msg)
		require.NoError(t, err)
		assert.Equal(t, 0, count)
		assert.Equal(t, 0, size)
	})

	t.Run("bad magic", func(t *testing.T) {
		msg := buildMessage(t, 0)
		msg[0] = 'X'
		_, _, err := parseBinaryHeader(msg)
		assert.ErrorIs(t, err, errInvalidMagic)
	})

	t.Run("truncated", func(t *testing.T) {
		_, _, err := parseBinaryHeader(Magic[:])
		assert.ErrorIs(t, err, errTruncatedHeader)
	})

	t.Run("unsupported version", func(t *testing.T) {
		msg := buildMessage(t, 0)
		msg[4] = 9
		_, _, err := parseBinaryHeader(msg)
		assert.Error(t, err)
	})
}

func TestBinaryCounterIngest(t *testing.T) {
	store := newTestStore(t)
	ctx := &connContext{}

	rec := counterRecord("requests", 42, "service", "api")
	msg := buildMessage(t, 1, rec)

	count, size, err := parseBinaryHeader(msg)
	require.NoError(t, err)
	ingested, err := parseBinaryPayload(msg[headerSize:headerSize+size], count, store, ctx, 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, ingested)

	active := store.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "requests", active[0].Name)
	assert.Equal(t, uint64(42), active[0].Value.Counter)
	assert.Equal(t, map[string]string{"service": "api"}, active[0].Labels)
}

func TestBinarySessionRecordSetsLabels(t *testing.T) {
	store := newTestStore(t)
	ctx := &connContext{}

	var session bytes.Buffer
	session.WriteByte(msgTypeSession)
	session.Write(encodeLabels(map[string][2]string{"h": {"host", "web1"}}, []string{"h"}))

	rec := counterRecord("m", 1)
	msg := buildMessage(t, 2, session.Bytes(), rec)

	count, size, err := parseBinaryHeader(msg)
	require.NoError(t, err)
	_, err = parseBinaryPayload(msg[headerSize:headerSize+size], count, store, ctx, 1000)
	require.NoError(t, err)

	active := store.Active()
	require.Len(t, active, 1)
	assert.Equal(t, map[string]string{"host": "web1"}, active[0].Labels)
}

func TestBinaryHistogramIngest(t *testing.T) {
	store := newTestStore(t)
	ctx := &connContext{}

	var rec bytes.Buffer
	rec.WriteByte(msgTypeHistogram)
	rec.WriteByte(3) // grouping_power
	rec.WriteByte(7) // max_value_power
	binary.Write(&rec, binary.LittleEndian, uint16(3))
	for _, b := range []uint64{10, 20, 30} {
		binary.Write(&rec, binary.LittleEndian, b)
	}
	binary.Write(&rec, binary.LittleEndian, uint16(len("lat")))
	rec.WriteString("lat")
	binary.Write(&rec, binary.LittleEndian, uint16(0))

	msg := buildMessage(t, 1, rec.Bytes())
	count, size, err := parseBinaryHeader(msg)
	require.NoError(t, err)
	_, err = parseBinaryPayload(msg[headerSize:headerSize+size], count, store, ctx, 1000)
	require.NoError(t, err)

	active := store.Active()
	require.Len(t, active, 1)
	assert.Equal(t, []uint64{10, 20, 30}, active[0].Value.Histogram.Buckets)
}

func TestBinaryInvalidHistogramConfigRejected(t *testing.T) {
	var rec bytes.Buffer
	rec.WriteByte(7) // grouping_power == max_value_power
	rec.WriteByte(7)
	binary.Write(&rec, binary.LittleEndian, uint16(0))

	_, _, err := parseBinaryHistogram(rec.Bytes())
	assert.ErrorIs(t, err, errInvalidHistConfig)
}

func TestBinaryTruncatedMetricRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := &connContext{}

	rec := counterRecord("requests", 42)
	truncated := rec[:len(rec)-1]
	_, err := parseBinaryPayload(truncated, 1, store, ctx, 1000)
	assert.Error(t, err)
	assert.Empty(t, store.Active())
}
