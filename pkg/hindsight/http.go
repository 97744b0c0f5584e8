package hindsight

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
)

// DumpParams mirrors the query parameters accepted by /dump and
// /dump/file: start/end accept Unix seconds or RFC3339;
// last takes precedence over start/end.
type DumpParams struct {
	Start string
	End   string
	Last  string
}

// ResolveTimeRange applies the precedence and parsing rules for the
// dump time parameters.
func (p DumpParams) ResolveTimeRange(now time.Time) (TimeRange, error) {
	if p.Last != "" {
		d, err := time.ParseDuration(p.Last)
		if err != nil {
			return TimeRange{}, fmt.Errorf("invalid duration %q: %w", p.Last, err)
		}
		start := now.Add(-d)
		return TimeRange{Start: &start, End: &now}, nil
	}

	var start, end *time.Time
	if p.Start != "" {
		t, err := parseTimestamp(p.Start)
		if err != nil {
			return TimeRange{}, err
		}
		start = &t
	}
	if p.End != "" {
		t, err := parseTimestamp(p.End)
		if err != nil {
			return TimeRange{}, err
		}
		end = &t
	}
	if start != nil && end != nil && start.After(*end) {
		return TimeRange{}, fmt.Errorf("start time must be before end time")
	}
	return TimeRange{Start: start, End: end}, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: expected Unix seconds or RFC3339: %w", s, err)
	}
	return t, nil
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	BufferDurationSecs uint64  `json:"buffer_duration_secs"`
	SamplingIntervalMS uint64  `json:"sampling_interval_ms"`
	SnapshotCount      uint64  `json:"snapshot_count"`
	SnapshotsWritten   uint64  `json:"snapshots_written"`
	OldestTimestamp    *uint64 `json:"oldest_timestamp"`
	NewestTimestamp    *uint64 `json:"newest_timestamp"`
	BufferUtilization  float64 `json:"buffer_utilization"`
}

// DumpFileResponse is the body of POST /dump/file.
type DumpFileResponse struct {
	Path      string              `json:"path"`
	Snapshots uint64              `json:"snapshots"`
	TimeRange *DumpTimeRangeWire  `json:"time_range,omitempty"`
	Error     string              `json:"error,omitempty"`
}

type DumpTimeRangeWire struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// Server hosts the hindsight HTTP routes.
type Server struct {
	state   *SharedState
	ring    *RingFile
	oldest  func() (uint64, bool)
	newest  func() (uint64, bool)
	decodeTS func([]byte) (int64, error)
	dumpFile func(TimeRange) DumpToFileResult
	router  *mux.Router
}

// DumpToFileResult is returned by the daemon's dump-to-file operation,
// dispatched atomically with respect to the sampling tick.
type DumpToFileResult struct {
	Path      string
	Snapshots uint64
	StartTime *uint64
	EndTime   *uint64
	Err       error
}

// NewServer builds the hindsight HTTP router.
func NewServer(state *SharedState, ring *RingFile, decodeTS func([]byte) (int64, error),
	oldestNewest func() (oldest, newest uint64, ok bool),
	dumpFile func(TimeRange) DumpToFileResult,
) *Server {
	s := &Server{state: state, ring: ring, decodeTS: decodeTS, dumpFile: dumpFile}
	s.oldest = func() (uint64, bool) { o, _, ok := oldestNewest(); return o, ok }
	s.newest = func() (uint64, bool) { _, n, ok := oldestNewest(); return n, ok }

	r := mux.NewRouter()
	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/dump", s.handleDump).Methods(http.MethodGet)
	r.HandleFunc("/dump/file", s.handleDumpToFile).Methods(http.MethodPost)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "rezolus hindsight — ring buffer capture daemon\n")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var oldestPtr, newestPtr *uint64
	if o, ok := s.oldest(); ok {
		oldestPtr = &o
	}
	if n, ok := s.newest(); ok {
		newestPtr = &n
	}

	util := float64(s.state.ValidSnapshotCount()) / float64(s.state.SnapshotCount)

	resp := StatusResponse{
		BufferDurationSecs: uint64(s.state.Duration.Seconds()),
		SamplingIntervalMS: uint64(s.state.Interval.Milliseconds()),
		SnapshotCount:      s.state.SnapshotCount,
		SnapshotsWritten:   s.state.SnapshotsWritten(),
		OldestTimestamp:    oldestPtr,
		NewestTimestamp:    newestPtr,
		BufferUtilization:  util,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDump(w http.ResponseWriter, r *http.Request) {
	params := DumpParams{Start: r.URL.Query().Get("start"), End: r.URL.Query().Get("end"), Last: r.URL.Query().Get("last")}
	filter, err := params.ResolveTimeRange(time.Now())
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)

	// The stream is concatenated MsgPack without framing; downstream
	// consumers decode incrementally.
	_, _, _, _ = s.ring.Dump(filter, s.decodeTS, func(payload []byte) error {
		_, werr := w.Write(payload)
		return werr
	})
}

func (s *Server) handleDumpToFile(w http.ResponseWriter, r *http.Request) {
	params := DumpParams{Start: r.URL.Query().Get("start"), End: r.URL.Query().Get("end"), Last: r.URL.Query().Get("last")}
	filter, err := params.ResolveTimeRange(time.Now())
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	result := s.dumpFile(filter)

	resp := DumpFileResponse{Path: result.Path, Snapshots: result.Snapshots}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}
	if result.StartTime != nil && result.EndTime != nil {
		resp.TimeRange = &DumpTimeRangeWire{Start: *result.StartTime, End: *result.EndTime}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errEnvelope struct {
	Status    string `json:"status"`
	Error     string `json:"error"`
	ErrorType string `json:"errorType"`
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errEnvelope{Status: "error", Error: err.Error(), ErrorType: "bad_data"})
}
