package sampler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/iopsystems/rezolus/pkg/metrics"
)

func TestNextAlignedTick(t *testing.T) {
	interval := 100 * time.Millisecond
	from := time.UnixMilli(1000) // already aligned
	assert.Equal(t, from, nextAlignedTick(from, interval))

	from2 := time.UnixMilli(1050)
	want := time.UnixMilli(1100)
	assert.Equal(t, want, nextAlignedTick(from2, interval))
}

type countingSampler struct {
	name  string
	count atomic.Int64
	fail  bool
}

func (c *countingSampler) Name() string { return c.name }
func (c *countingSampler) Refresh(ctx context.Context) error {
	c.count.Add(1)
	if c.fail {
		return errors.New("boom")
	}
	return nil
}
func (c *countingSampler) Close() error { return nil }

func TestEngineOmitsUnsupportedSampler(t *testing.T) {
	reg := metrics.NewRegistry()
	log := zaptest.NewLogger(t)

	factories := []Factory{
		func(r *metrics.Registry) (Sampler, error) { return nil, ErrUnsupported },
		func(r *metrics.Registry) (Sampler, error) { return &countingSampler{name: "ok"}, nil },
	}

	e, err := New(log, 10*time.Millisecond, reg, factories)
	require.NoError(t, err)
	assert.Len(t, e.Samplers(), 1)
	assert.Equal(t, "ok", e.Samplers()[0].Name())
}

func TestEngineFactoryErrorIsFatal(t *testing.T) {
	reg := metrics.NewRegistry()
	log := zaptest.NewLogger(t)

	factories := []Factory{
		func(r *metrics.Registry) (Sampler, error) { return nil, errors.New("broken factory") },
	}

	_, err := New(log, 10*time.Millisecond, reg, factories)
	assert.Error(t, err)
}

func TestRunTickRefreshesAllSamplers(t *testing.T) {
	reg := metrics.NewRegistry()
	log := zap.NewNop()
	s1 := &countingSampler{name: "a"}
	s2 := &countingSampler{name: "b", fail: true}

	e, err := New(log, time.Millisecond, reg, []Factory{
		func(r *metrics.Registry) (Sampler, error) { return s1, nil },
		func(r *metrics.Registry) (Sampler, error) { return s2, nil },
	})
	require.NoError(t, err)

	e.runTick(context.Background(), time.Now())

	assert.Equal(t, int64(1), s1.count.Load())
	assert.Equal(t, int64(1), s2.count.Load())
}
