package metrics

import "sync"

// Well-known group sizes.
const (
	MaxCPUs     = 1024
	MaxCgroups  = 4096
)

// slotMeta tracks per-index metadata for a group metric. The index ->
// metadata map is append-only for the process lifetime: once assigned an
// index is never recycled, though its metadata may be updated in place
//.
type slotMeta struct {
	mu   sync.RWMutex
	meta []Labels
}

func newSlotMeta(n int) *slotMeta {
	return &slotMeta{meta: make([]Labels, n)}
}

func (s *slotMeta) set(idx int, meta Labels) {
	s.mu.Lock()
	s.meta[idx] = meta
	s.mu.Unlock()
}

func (s *slotMeta) get(idx int) Labels {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta[idx]
}

// CounterGroup is a dense array of N word-atomic counters, each with
// optional metadata. It amortizes per-entity allocation for metrics like
// per-CPU or per-cgroup counts and gives a stable address for lock-free
// writes.
type CounterGroup struct {
	name    string
	values  []Counter
	meta    *slotMeta
}

func NewCounterGroup(name string, n int) *CounterGroup {
	return &CounterGroup{
		name:   name,
		values: make([]Counter, n),
		meta:   newSlotMeta(n),
	}
}

func (g *CounterGroup) Name() string { return g.name }
func (g *CounterGroup) Len() int     { return len(g.values) }

func (g *CounterGroup) Set(idx int, value uint64) { g.values[idx].Set(value) }
func (g *CounterGroup) Add(idx int, delta uint64)  { g.values[idx].Add(delta) }
func (g *CounterGroup) Value(idx int) uint64       { return g.values[idx].Value() }

// SetMetadata assigns (or updates) the metadata for a slot index.
func (g *CounterGroup) SetMetadata(idx int, meta Labels) { g.meta.set(idx, meta) }
func (g *CounterGroup) Metadata(idx int) Labels           { return g.meta.get(idx) }

// GaugeGroup is the gauge analogue of CounterGroup; empty slots carry the
// GaugeEmptySentinel value and are skipped by the snapshot builder.
type GaugeGroup struct {
	name   string
	values []Gauge
	meta   *slotMeta
}

func NewGaugeGroup(name string, n int) *GaugeGroup {
	g := &GaugeGroup{
		name:   name,
		values: make([]Gauge, n),
		meta:   newSlotMeta(n),
	}
	for i := range g.values {
		g.values[i].value.Store(GaugeEmptySentinel)
	}
	return g
}

func (g *GaugeGroup) Name() string { return g.name }
func (g *GaugeGroup) Len() int     { return len(g.values) }

func (g *GaugeGroup) Set(idx int, value int64) { g.values[idx].Set(value) }
func (g *GaugeGroup) Clear(idx int)            { g.values[idx].Clear() }
func (g *GaugeGroup) Value(idx int) int64      { return g.values[idx].Value() }
func (g *GaugeGroup) IsEmpty(idx int) bool     { return g.values[idx].IsEmpty() }

func (g *GaugeGroup) SetMetadata(idx int, meta Labels) { g.meta.set(idx, meta) }
func (g *GaugeGroup) Metadata(idx int) Labels           { return g.meta.get(idx) }
