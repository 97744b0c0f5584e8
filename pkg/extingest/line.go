package extingest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/iopsystems/rezolus/pkg/metrics"
)

// Line protocol:
//
//	metric_name{label="value",other='v 2'} counter:12345
//	metric_name gauge:-42
//	metric_name histogram:3,7:0 0 100 250 50
//
// A `# SESSION key="value",...` directive sets per-connection labels
// merged into every subsequent metric on the same connection
// (metric-specific labels win). Other comment lines are skipped.

var (
	errEmptyName         = errors.New("extingest: empty metric name")
	errMissingValue      = errors.New("extingest: missing value")
	errInvalidTypePrefix = errors.New("extingest: invalid value type prefix")
	errInvalidHistogram  = errors.New("extingest: invalid histogram format")
	errUnclosedLabels    = errors.New("extingest: unclosed labels")
	errInvalidLabel      = errors.New("extingest: invalid label format")
	errConnLimit         = errors.New("extingest: per-connection metric limit exceeded")
)

// connContext carries per-connection state: session labels and the
// count of metrics this connection has ingested, checked against the
// per-connection quota.
type connContext struct {
	sessionLabels map[string]string
	metricCount   int
}

// parseOutcome distinguishes skipped/ingested/rejected lines for the
// server's bookkeeping.
type parseOutcome int

const (
	outcomeSkipped parseOutcome = iota
	outcomeSessionSet
	outcomeIngested
	outcomeRejected
)

// labelCache memoizes parsed label-set strings. Emitters typically
// send the same label block on every line of a connection, so parsing
// it once per distinct string saves the split-and-unquote work on the
// hot path. Cached maps are cloned before session-label merging.
type labelCache struct {
	c *lru.Cache[string, map[string]string]
}

func newLabelCache(size int) *labelCache {
	c, _ := lru.New[string, map[string]string](size)
	return &labelCache{c: c}
}

func (lc *labelCache) parse(s string) (map[string]string, error) {
	if cached, ok := lc.c.Get(s); ok {
		return cloneLabels(cached), nil
	}
	labels, err := parseLabels(s)
	if err != nil {
		return nil, err
	}
	lc.c.Add(s, cloneLabels(labels))
	return labels, nil
}

func cloneLabels(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// parseLine parses one line and ingests it into store. maxPerConn is
// the per-connection metric quota.
func parseLine(line string, store *Store, ctx *connContext, cache *labelCache, maxPerConn int) (parseOutcome, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return outcomeSkipped, nil
	}

	if rest, ok := strings.CutPrefix(line, "# SESSION "); ok {
		labels, err := cache.parse(strings.TrimSpace(rest))
		if err != nil {
			return outcomeSkipped, err
		}
		ctx.sessionLabels = labels
		return outcomeSessionSet, nil
	}
	if strings.HasPrefix(line, "#") {
		return outcomeSkipped, nil
	}

	if ctx.metricCount >= maxPerConn {
		return outcomeRejected, errConnLimit
	}

	nameLabels, valueStr, err := splitNameValue(line)
	if err != nil {
		return outcomeRejected, err
	}

	name, labels, err := parseNameLabels(nameLabels, cache)
	if err != nil {
		return outcomeRejected, err
	}

	for k, v := range ctx.sessionLabels {
		if _, present := labels[k]; !present {
			labels[k] = v
		}
	}

	value, err := parseValue(valueStr)
	if err != nil {
		return outcomeRejected, err
	}

	if store.Upsert(name, labels, value) {
		ctx.metricCount++
		return outcomeIngested, nil
	}
	return outcomeRejected, nil
}

// splitNameValue finds the space separating name+labels from the typed
// value, respecting spaces inside quoted label values and braces.
func splitNameValue(line string) (string, string, error) {
	var quote rune
	inBraces := false
	for i, c := range line {
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '{':
			inBraces = true
		case c == '}':
			inBraces = false
		case c == ' ' && !inBraces:
			return line[:i], strings.TrimSpace(line[i+1:]), nil
		}
	}
	return "", "", errMissingValue
}

func parseNameLabels(s string, cache *labelCache) (string, map[string]string, error) {
	braceStart := strings.IndexByte(s, '{')
	if braceStart < 0 {
		name := strings.TrimSpace(s)
		if name == "" {
			return "", nil, errEmptyName
		}
		return name, map[string]string{}, nil
	}

	name := strings.TrimSpace(s[:braceStart])
	if name == "" {
		return "", nil, errEmptyName
	}
	braceEnd := strings.LastIndexByte(s, '}')
	if braceEnd <= braceStart {
		return "", nil, errUnclosedLabels
	}

	labels, err := cache.parse(s[braceStart+1 : braceEnd])
	if err != nil {
		return "", nil, err
	}
	return name, labels, nil
}

// parseLabels splits `k="v",k2='v 2'` on commas outside quotes. Label
// order does not matter; the resulting set is identical either way.
func parseLabels(s string) (map[string]string, error) {
	labels := make(map[string]string)
	s = strings.TrimSpace(s)
	if s == "" {
		return labels, nil
	}

	var current strings.Builder
	var quote rune
	flush := func() error {
		if current.Len() == 0 {
			return nil
		}
		k, v, err := parseSingleLabel(current.String())
		if err != nil {
			return err
		}
		labels[k] = v
		current.Reset()
		return nil
	}

	for _, c := range s {
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
			current.WriteRune(c)
		case c == '"' || c == '\'':
			quote = c
			current.WriteRune(c)
		case c == ',':
			if err := flush(); err != nil {
				return nil, err
			}
		default:
			current.WriteRune(c)
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return labels, nil
}

func parseSingleLabel(s string) (string, string, error) {
	eq := strings.IndexByte(s, '=')
	if eq < 0 {
		return "", "", errInvalidLabel
	}
	key := strings.TrimSpace(s[:eq])
	value := strings.TrimSpace(s[eq+1:])

	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			value = value[1 : len(value)-1]
		}
	}
	if key == "" {
		return "", "", errInvalidLabel
	}
	return key, value, nil
}

func parseValue(s string) (Value, error) {
	colon := strings.IndexByte(s, ':')
	if colon < 0 {
		return Value{}, errInvalidTypePrefix
	}
	prefix, rest := s[:colon], s[colon+1:]

	switch prefix {
	case "counter":
		v, err := strconv.ParseUint(strings.TrimSpace(rest), 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("extingest: invalid counter value %q: %w", rest, err)
		}
		return Value{Kind: KindCounter, Counter: v}, nil
	case "gauge":
		v, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("extingest: invalid gauge value %q: %w", rest, err)
		}
		return Value{Kind: KindGauge, Gauge: v}, nil
	case "histogram":
		return parseHistogramValue(rest)
	default:
		return Value{}, errInvalidTypePrefix
	}
}

// parseHistogramValue parses `gp,mvp:bucket0 bucket1 ...`. A config
// with grouping_power >= max_value_power or max_value_power > 64 is
// rejected.
func parseHistogramValue(s string) (Value, error) {
	colon := strings.IndexByte(s, ':')
	if colon < 0 {
		return Value{}, errInvalidHistogram
	}
	configPart, bucketsPart := s[:colon], s[colon+1:]

	configParts := strings.Split(configPart, ",")
	if len(configParts) != 2 {
		return Value{}, errInvalidHistogram
	}
	gp, err := strconv.ParseUint(strings.TrimSpace(configParts[0]), 10, 8)
	if err != nil {
		return Value{}, errInvalidHistogram
	}
	mvp, err := strconv.ParseUint(strings.TrimSpace(configParts[1]), 10, 8)
	if err != nil {
		return Value{}, errInvalidHistogram
	}
	if gp >= mvp || mvp > 64 {
		return Value{}, errInvalidHistogram
	}

	fields := strings.Fields(bucketsPart)
	buckets := make([]uint64, 0, len(fields))
	for _, f := range fields {
		b, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return Value{}, errInvalidHistogram
		}
		buckets = append(buckets, b)
	}

	return Value{
		Kind: KindHistogram,
		Histogram: metrics.HistogramValue{
			Config:  metrics.HistogramConfig{GroupingPower: uint8(gp), MaxValuePower: uint8(mvp)},
			Buckets: buckets,
		},
	}, nil
}
