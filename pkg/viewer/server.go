// Package viewer serves the query API over a loaded Parquet recording:
// a small PromQL subset evaluated against the in-memory time series
// store.
package viewer

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/iopsystems/rezolus/pkg/promql"
	"github.com/iopsystems/rezolus/pkg/tsdb"
)

// Server hosts the viewer's HTTP routes.
type Server struct {
	log    *zap.Logger
	store  *tsdb.Store
	engine *promql.Engine
	router *mux.Router
}

// NewServer builds the viewer router over a loaded store.
func NewServer(log *zap.Logger, store *tsdb.Store) *Server {
	s := &Server{log: log, store: store, engine: promql.NewEngine(store)}

	r := mux.NewRouter()
	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/api/metrics", s.handleMetrics).Methods(http.MethodGet)
	r.HandleFunc("/api/query", s.handleQuery).Methods(http.MethodGet)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "rezolus viewer — recording query API\n")
}

// handleMetrics lists the metric names present in the recording.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var names []string
	for n := range s.store.Counters {
		names = append(names, n)
	}
	for n := range s.store.Gauges {
		names = append(names, n)
	}
	for n := range s.store.Histograms {
		names = append(names, n)
	}
	sort.Strings(names)
	writeSuccess(w, names)
}

// queryData is the success payload of /api/query, shaped like the
// Prometheus range-query response so existing dashboards can consume
// it.
type queryData struct {
	ResultType string        `json:"resultType"`
	Result     []queryResult `json:"result"`
}

type queryResult struct {
	Metric map[string]string `json:"metric"`
	Values [][2]interface{}  `json:"values"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("query")
	if q == "" {
		writeError(w, http.StatusBadRequest, "bad_data", fmt.Errorf("missing query parameter"))
		return
	}

	result, err := s.engine.Query(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_data", err)
		return
	}

	if result.IsScalar {
		writeSuccess(w, queryData{
			ResultType: "scalar",
			Result: []queryResult{{
				Metric: map[string]string{},
				Values: [][2]interface{}{{0.0, formatValue(result.Scalar)}},
			}},
		})
		return
	}

	data := queryData{ResultType: "matrix", Result: []queryResult{}}
	for _, series := range result.Series {
		rows := series.Values.AsData()
		values := make([][2]interface{}, len(rows[0]))
		for i := range rows[0] {
			values[i] = [2]interface{}{rows[0][i], formatValue(rows[1][i])}
		}
		data.Result = append(data.Result, queryResult{
			Metric: series.Labels,
			Values: values,
		})
	}
	writeSuccess(w, data)
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

type envelope struct {
	Status    string      `json:"status"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	ErrorType string      `json:"errorType,omitempty"`
}

func writeSuccess(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(envelope{Status: "success", Data: data})
}

func writeError(w http.ResponseWriter, code int, errType string, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(envelope{Status: "error", Error: err.Error(), ErrorType: errType})
}
