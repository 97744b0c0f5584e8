package hindsight

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewSharedStateComputesSnapshotCount(t *testing.T) {
	s := NewSharedState(4096, time.Second, 10*time.Second)
	assert.Equal(t, uint64(11), s.SnapshotCount)
}

func TestAdvanceIdxWraps(t *testing.T) {
	s := NewSharedState(4096, time.Second, 2*time.Second)
	assert.Equal(t, uint64(3), s.SnapshotCount)

	assert.Equal(t, uint64(0), s.Idx())
	s.AdvanceIdx()
	assert.Equal(t, uint64(1), s.Idx())
	s.AdvanceIdx()
	assert.Equal(t, uint64(2), s.Idx())
	s.AdvanceIdx()
	assert.Equal(t, uint64(0), s.Idx())
	assert.Equal(t, uint64(3), s.SnapshotsWritten())
}

func TestValidSnapshotCountSaturates(t *testing.T) {
	s := NewSharedState(4096, time.Second, 2*time.Second)
	assert.Equal(t, uint64(0), s.ValidSnapshotCount())
	s.AdvanceIdx()
	assert.Equal(t, uint64(1), s.ValidSnapshotCount())
	s.AdvanceIdx()
	s.AdvanceIdx()
	s.AdvanceIdx()
	s.AdvanceIdx()
	assert.Equal(t, s.SnapshotCount, s.ValidSnapshotCount())
	assert.True(t, s.BufferFilled())
}

func TestTimeRangeContainsAndIsZero(t *testing.T) {
	now := time.Now()
	start := now.Add(-time.Minute)
	end := now.Add(time.Minute)

	r := TimeRange{Start: &start, End: &end}
	assert.False(t, r.IsZero())
	assert.True(t, r.Contains(now))
	assert.False(t, r.Contains(now.Add(-time.Hour)))
	assert.False(t, r.Contains(now.Add(time.Hour)))

	assert.True(t, TimeRange{}.IsZero())
}

func TestSnapshotLenForPageAligns(t *testing.T) {
	assert.Equal(t, uint64(4096), SnapshotLenFor(100))
	assert.Equal(t, uint64(4096), SnapshotLenFor(4088))
	assert.Equal(t, uint64(8192), SnapshotLenFor(4089))
}
