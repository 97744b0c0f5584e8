package snapshot

import (
	"bytes"
	"encoding/json"
	"io"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// EncodeMsgPack encodes s as a MsgPack Snapshot v2 payload.
func EncodeMsgPack(s Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("msgpack")
	enc.SetSortMapKeys(true)
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeMsgPack decodes a MsgPack Snapshot v2 payload.
func DecodeMsgPack(data []byte) (Snapshot, error) {
	var s Snapshot
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("msgpack")
	if err := dec.Decode(&s); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

// EncodeJSON encodes s as the JSON Snapshot variant served at
// /metrics/json — same content as the MsgPack payload.
func EncodeJSON(s Snapshot) ([]byte, error) {
	return json.Marshal(s)
}

// PeekSystemTime extracts only the system_time field from a MsgPack
// Snapshot payload without decoding the full record. Used by the
// hindsight ring buffer's time-filtered dump path, which must check
// many slots cheaply.
func PeekSystemTime(data []byte) (int64, error) {
	var hdr struct {
		SystemTime time.Time `msgpack:"system_time"`
	}
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("msgpack")
	if err := dec.Decode(&hdr); err != nil {
		return 0, err
	}
	return hdr.SystemTime.UnixNano(), nil
}

// StreamDecoder decodes a sequence of back-to-back MsgPack Snapshot
// values from a reader, such as the unframed concatenation produced by
// the hindsight /dump endpoint and the recorder's raw output file.
type StreamDecoder struct {
	dec *msgpack.Decoder
}

// NewStreamDecoder wraps r for sequential snapshot decoding.
func NewStreamDecoder(r io.Reader) *StreamDecoder {
	dec := msgpack.NewDecoder(r)
	dec.SetCustomStructTag("msgpack")
	return &StreamDecoder{dec: dec}
}

// Next decodes the next snapshot, returning io.EOF once the stream is
// exhausted.
func (d *StreamDecoder) Next() (Snapshot, error) {
	var s Snapshot
	if err := d.dec.Decode(&s); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}
