package hindsight

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveTimeRangeLastTakesPrecedence(t *testing.T) {
	now := time.Now()
	p := DumpParams{Last: "5m", Start: "0", End: "1"}
	r, err := p.ResolveTimeRange(now)
	require.NoError(t, err)
	require.NotNil(t, r.Start)
	require.NotNil(t, r.End)
	assert.WithinDuration(t, now.Add(-5*time.Minute), *r.Start, time.Second)
	assert.Equal(t, now, *r.End)
}

func TestResolveTimeRangeParsesUnixAndRFC3339(t *testing.T) {
	p := DumpParams{Start: "1700000000", End: "2023-11-14T22:13:20Z"}
	r, err := p.ResolveTimeRange(time.Now())
	require.NoError(t, err)
	require.NotNil(t, r.Start)
	require.NotNil(t, r.End)
	assert.Equal(t, r.Start.Unix(), r.End.Unix())
}

func TestResolveTimeRangeRejectsInvertedRange(t *testing.T) {
	p := DumpParams{Start: "2000", End: "1000"}
	_, err := p.ResolveTimeRange(time.Now())
	assert.Error(t, err)
}

func TestHandleStatusReportsBufferState(t *testing.T) {
	state := &SharedState{SnapshotLen: 64, SnapshotCount: 4, Interval: time.Second, Duration: 3 * time.Second}
	s := NewServer(state, nil, nil,
		func() (uint64, uint64, bool) { return 0, 0, false },
		func(TimeRange) DumpToFileResult { return DumpToFileResult{} },
	)
	srv := httptest.NewServer(s)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var status StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, uint64(4), status.SnapshotCount)
	assert.Equal(t, uint64(1000), status.SamplingIntervalMS)
	assert.Nil(t, status.OldestTimestamp)
}

func TestHandleDumpToFileReturnsJSONEnvelope(t *testing.T) {
	state := &SharedState{SnapshotLen: 64, SnapshotCount: 4, Interval: time.Second, Duration: 3 * time.Second}
	start, end := uint64(1), uint64(2)
	s := NewServer(state, nil, nil,
		func() (uint64, uint64, bool) { return 0, 0, false },
		func(TimeRange) DumpToFileResult {
			return DumpToFileResult{Path: "/tmp/dump", Snapshots: 5, StartTime: &start, EndTime: &end}
		},
	)
	srv := httptest.NewServer(s)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/dump/file", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out DumpFileResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "/tmp/dump", out.Path)
	assert.Equal(t, uint64(5), out.Snapshots)
	require.NotNil(t, out.TimeRange)
	assert.Equal(t, uint64(1), out.TimeRange.Start)
}

func TestHandleDumpRejectsBadParams(t *testing.T) {
	state := &SharedState{SnapshotLen: 64, SnapshotCount: 4, Interval: time.Second, Duration: 3 * time.Second}
	s := NewServer(state, nil, nil,
		func() (uint64, uint64, bool) { return 0, 0, false },
		func(TimeRange) DumpToFileResult { return DumpToFileResult{} },
	)
	srv := httptest.NewServer(s)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/dump?last=not-a-duration")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
