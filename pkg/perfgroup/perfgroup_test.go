package perfgroup

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGroupResultPinned(t *testing.T) {
	g := GroupResult{TimeEnabled: 100, TimeRunning: 100}
	assert.True(t, g.Pinned())

	g2 := GroupResult{TimeEnabled: 100, TimeRunning: 80}
	assert.False(t, g2.Pinned())
}

func TestGroupResultByName(t *testing.T) {
	g := GroupResult{Readings: []Reading{
		{Name: "cycles", Value: 10, Present: true},
		{Name: "instructions", Present: false},
	}}

	r, ok := g.ByName("cycles")
	assert.True(t, ok)
	assert.Equal(t, uint64(10), r.Value)

	_, ok = g.ByName("missing")
	assert.False(t, ok)

	r2, ok := g.ByName("instructions")
	assert.True(t, ok)
	assert.False(t, r2.Present)
}
