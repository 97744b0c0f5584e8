package promql

import (
	"fmt"
	"sort"
	"strings"

	"github.com/iopsystems/rezolus/pkg/tsdb"
)

// Series is one output series: its identifying labels and values.
type Series struct {
	Labels tsdb.Labels
	Values tsdb.Timeseries
}

// Result is the evaluated form of a query: either a scalar or a vector
// of series.
type Result struct {
	Scalar   float64
	IsScalar bool
	Series   []Series
}

// Engine evaluates parsed queries against one loaded recording.
type Engine struct {
	store *tsdb.Store
}

func NewEngine(store *tsdb.Store) *Engine {
	return &Engine{store: store}
}

// Query parses and evaluates one expression.
func (e *Engine) Query(input string) (Result, error) {
	expr, err := Parse(input)
	if err != nil {
		return Result{}, err
	}
	return e.eval(expr)
}

func (e *Engine) eval(n node) (Result, error) {
	switch n := n.(type) {
	case numberNode:
		return Result{Scalar: n.value, IsScalar: true}, nil

	case selectorNode:
		return e.evalSelector(n)

	case rateNode:
		return e.evalRate(n)

	case sumNode:
		return e.evalSum(n)

	case quantileNode:
		return e.evalQuantile(n)

	case binaryNode:
		return e.evalBinary(n)
	}
	return Result{}, fmt.Errorf("promql: unhandled expression")
}

// evalSelector returns the raw sample values of a counter or gauge
// metric as float series. Series with no overlap with the recording
// simply produce an empty result, not an error.
func (e *Engine) evalSelector(sel selectorNode) (Result, error) {
	filter := tsdb.Labels(sel.matchers)

	if counters := e.store.QueryCounters(sel.metric, filter); counters != nil {
		var out []Series
		counters.Each(func(labels tsdb.Labels, points map[int64]uint64) {
			ts := tsdb.NewTimeseries()
			for t, v := range points {
				ts.Points[t] = float64(v)
			}
			out = append(out, Series{Labels: labels, Values: ts})
		})
		return vectorResult(out), nil
	}

	if gauges := e.store.QueryGauges(sel.metric, filter); gauges != nil {
		var out []Series
		gauges.Each(func(labels tsdb.Labels, points map[int64]int64) {
			ts := tsdb.NewTimeseries()
			for t, v := range points {
				ts.Points[t] = float64(v)
			}
			out = append(out, Series{Labels: labels, Values: ts})
		})
		return vectorResult(out), nil
	}

	return Result{}, nil
}

// evalRate computes per-series rate-of-change for a counter metric.
// The range window is accepted for syntax compatibility; the sample
// grid of the recording determines the effective window.
func (e *Engine) evalRate(n rateNode) (Result, error) {
	counters := e.store.QueryCounters(n.selector.metric, tsdb.Labels(n.selector.matchers))
	if counters == nil {
		return Result{}, nil
	}

	var out []Series
	tsdb.Rate(counters).Each(func(labels tsdb.Labels, points map[int64]float64) {
		ts := tsdb.NewTimeseries()
		for t, v := range points {
			ts.Points[t] = v
		}
		out = append(out, Series{Labels: labels, Values: ts})
	})
	return vectorResult(out), nil
}

func (e *Engine) evalSum(n sumNode) (Result, error) {
	inner, err := e.eval(n.expr)
	if err != nil {
		return Result{}, err
	}
	if inner.IsScalar {
		return inner, nil
	}

	groups := make(map[string][]Series)
	groupLabels := make(map[string]tsdb.Labels)
	for _, s := range inner.Series {
		key, kept := groupKey(s.Labels, n.by)
		groups[key] = append(groups[key], s)
		groupLabels[key] = kept
	}

	var out []Series
	for key, members := range groups {
		acc := tsdb.NewTimeseries()
		for _, m := range members {
			acc = acc.Add(m.Values)
		}
		out = append(out, Series{Labels: groupLabels[key], Values: acc})
	}
	return vectorResult(out), nil
}

func (e *Engine) evalQuantile(n quantileNode) (Result, error) {
	hists := e.store.QueryHistograms(n.selector.metric, tsdb.Labels(n.selector.matchers))
	if hists == nil {
		return Result{}, nil
	}

	rows := tsdb.Percentiles(hists, []float64{n.q * 100})
	if len(rows) < 2 || len(rows[0]) == 0 {
		return Result{}, nil
	}

	ts := tsdb.NewTimeseries()
	for i, sec := range rows[0] {
		ts.Points[int64(sec*1e9)] = rows[1][i]
	}
	labels := tsdb.Labels{"quantile": fmt.Sprintf("%g", n.q)}
	return vectorResult([]Series{{Labels: labels, Values: ts}}), nil
}

func (e *Engine) evalBinary(n binaryNode) (Result, error) {
	left, err := e.eval(n.left)
	if err != nil {
		return Result{}, err
	}
	right, err := e.eval(n.right)
	if err != nil {
		return Result{}, err
	}

	switch {
	case left.IsScalar && right.IsScalar:
		v, err := scalarOp(n.op, left.Scalar, right.Scalar)
		return Result{Scalar: v, IsScalar: true}, err

	case left.IsScalar:
		return mapSeries(right, func(ts tsdb.Timeseries) tsdb.Timeseries {
			return ts.MapScalar(func(v float64) float64 { r, _ := scalarOp(n.op, left.Scalar, v); return r })
		}), nil

	case right.IsScalar:
		return mapSeries(left, func(ts tsdb.Timeseries) tsdb.Timeseries {
			return ts.MapScalar(func(v float64) float64 { r, _ := scalarOp(n.op, v, right.Scalar); return r })
		}), nil
	}

	return vectorOp(n.op, left, right)
}

// vectorOp applies op pairwise between series with identical label
// sets; series with no partner on the other side are dropped, and two
// single-series vectors always pair regardless of labels.
func vectorOp(op byte, left, right Result) (Result, error) {
	if len(left.Series) == 1 && len(right.Series) == 1 {
		ts := seriesOp(op, left.Series[0].Values, right.Series[0].Values)
		return vectorResult([]Series{{Labels: left.Series[0].Labels, Values: ts}}), nil
	}

	rightByKey := make(map[string]Series, len(right.Series))
	for _, s := range right.Series {
		rightByKey[labelKey(s.Labels)] = s
	}

	var out []Series
	for _, l := range left.Series {
		r, ok := rightByKey[labelKey(l.Labels)]
		if !ok {
			continue
		}
		out = append(out, Series{Labels: l.Labels, Values: seriesOp(op, l.Values, r.Values)})
	}
	return vectorResult(out), nil
}

func seriesOp(op byte, a, b tsdb.Timeseries) tsdb.Timeseries {
	switch op {
	case '+':
		return a.Add(b)
	case '-':
		return a.Sub(b)
	case '*':
		return a.Mul(b)
	default:
		return a.Div(b)
	}
}

func scalarOp(op byte, a, b float64) (float64, error) {
	switch op {
	case '+':
		return a + b, nil
	case '-':
		return a - b, nil
	case '*':
		return a * b, nil
	case '/':
		if b == 0 {
			return 0, fmt.Errorf("promql: division by zero")
		}
		return a / b, nil
	}
	return 0, fmt.Errorf("promql: unknown operator %q", op)
}

func mapSeries(r Result, fn func(tsdb.Timeseries) tsdb.Timeseries) Result {
	out := make([]Series, 0, len(r.Series))
	for _, s := range r.Series {
		out = append(out, Series{Labels: s.Labels, Values: fn(s.Values)})
	}
	return vectorResult(out)
}

// vectorResult sorts series by label key for deterministic output.
func vectorResult(series []Series) Result {
	sort.Slice(series, func(i, j int) bool {
		return labelKey(series[i].Labels) < labelKey(series[j].Labels)
	})
	return Result{Series: series}
}

func groupKey(labels tsdb.Labels, by []string) (string, tsdb.Labels) {
	kept := tsdb.Labels{}
	for _, k := range by {
		if v, ok := labels[k]; ok {
			kept[k] = v
		}
	}
	return labelKey(kept), kept
}

func labelKey(labels tsdb.Labels) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
		b.WriteByte(',')
	}
	return b.String()
}
