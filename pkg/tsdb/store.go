package tsdb

import "github.com/iopsystems/rezolus/pkg/metrics"

// Store is the viewer's loaded recording: every counter, gauge, and
// histogram series keyed by metric name.
type Store struct {
	Counters   map[string]*Counters
	Gauges     map[string]*Gauges
	Histograms map[string]*Histograms

	SamplingIntervalMS uint64
}

func NewStore() *Store {
	return &Store{
		Counters:   make(map[string]*Counters),
		Gauges:     make(map[string]*Gauges),
		Histograms: make(map[string]*Histograms),
	}
}

func (s *Store) counters(name string) *Counters {
	c, ok := s.Counters[name]
	if !ok {
		c = NewCollection[uint64]()
		s.Counters[name] = c
	}
	return c
}

func (s *Store) gauges(name string) *Gauges {
	g, ok := s.Gauges[name]
	if !ok {
		g = NewCollection[int64]()
		s.Gauges[name] = g
	}
	return g
}

func (s *Store) histograms(name string) *Histograms {
	h, ok := s.Histograms[name]
	if !ok {
		h = NewCollection[metrics.HistogramValue]()
		s.Histograms[name] = h
	}
	return h
}

// QueryCounters returns the counter series for name matching labels,
// or nil if none are present.
func (s *Store) QueryCounters(name string, labels Labels) *Counters {
	c, ok := s.Counters[name]
	if !ok {
		return nil
	}
	filtered := c.Filter(labels)
	if filtered.IsEmpty() {
		return nil
	}
	return filtered
}

// QueryGauges returns the gauge series for name matching labels, or
// nil if none are present.
func (s *Store) QueryGauges(name string, labels Labels) *Gauges {
	g, ok := s.Gauges[name]
	if !ok {
		return nil
	}
	filtered := g.Filter(labels)
	if filtered.IsEmpty() {
		return nil
	}
	return filtered
}

// QueryHistograms returns the histogram series for name matching
// labels, or nil if none are present.
func (s *Store) QueryHistograms(name string, labels Labels) *Histograms {
	h, ok := s.Histograms[name]
	if !ok {
		return nil
	}
	filtered := h.Filter(labels)
	if filtered.IsEmpty() {
		return nil
	}
	return filtered
}

// CPUAverage computes the average per-core utilization of a counter
// metric, normalizing its summed rate by the number of CPU cores
// observed in the "cpu_cores" gauge.
func (s *Store) CPUAverage(name string, labels Labels) (Timeseries, bool) {
	cores := s.QueryGauges("cpu_cores", nil)
	if cores == nil {
		return Timeseries{}, false
	}
	counters := s.QueryCounters(name, labels)
	if counters == nil {
		return Timeseries{}, false
	}

	coreSum := Sum(Untyped(cores))
	rateSum := Sum(Rate(counters))
	return rateSum.Div(coreSum), true
}
