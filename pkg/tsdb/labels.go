// Package tsdb implements the viewer's in-memory time series store: a
// typed, label-partitioned collection of counter/gauge/histogram
// series loaded from a recorded Parquet file.
package tsdb

import (
	"sort"
	"strings"
)

// Labels is an immutable-by-convention label set attached to one
// series within a collection.
type Labels map[string]string

// Matches reports whether l carries every key/value pair in filter —
// an empty filter matches everything.
func (l Labels) Matches(filter Labels) bool {
	for k, v := range filter {
		if l[k] != v {
			return false
		}
	}
	return true
}

func (l Labels) Clone() Labels {
	out := make(Labels, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// canonicalKey produces a stable string key for use as a map key,
// since Go label maps aren't themselves comparable.
func (l Labels) canonicalKey() string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(l[k])
		b.WriteByte(',')
	}
	return b.String()
}
