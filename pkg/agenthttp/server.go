// Package agenthttp implements the agent's snapshot HTTP surface:
// /metrics/binary (MsgPack), /metrics/json, and /metrics
// (Prometheus text, delegated to pkg/exporter).
package agenthttp

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/iopsystems/rezolus/pkg/snapshot"
)

// PrometheusHandler renders the current registry state as Prometheus
// text exposition format. Implemented by pkg/exporter; passed in here to
// avoid a pkg/exporter -> pkg/agenthttp import cycle.
type PrometheusHandler func(w http.ResponseWriter, r *http.Request)

// Server hosts the agent's HTTP routes atop a shared snapshot.Cache.
type Server struct {
	log        *zap.Logger
	cache      *snapshot.Cache
	prometheus PrometheusHandler
	router     *mux.Router
}

// NewServer builds the router for all agent HTTP routes.
func NewServer(log *zap.Logger, cache *snapshot.Cache, prom PrometheusHandler) *Server {
	s := &Server{log: log, cache: cache, prometheus: prom}
	r := mux.NewRouter()
	r.HandleFunc("/metrics/binary", s.handleBinary).Methods(http.MethodGet)
	r.HandleFunc("/metrics/json", s.handleJSON).Methods(http.MethodGet)
	if prom != nil {
		r.HandleFunc("/metrics", prom).Methods(http.MethodGet)
	}
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) handleBinary(w http.ResponseWriter, r *http.Request) {
	snap, err := s.cache.Get(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err)
		return
	}

	data, err := snapshot.EncodeMsgPack(snap)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err)
		return
	}

	w.Header().Set("Content-Type", "application/msgpack")
	if clientAcceptsGzip(r) {
		w.Header().Set("Content-Encoding", "gzip")
		w.WriteHeader(http.StatusOK)
		gz := gzip.NewWriter(w)
		defer gz.Close()
		_, _ = gz.Write(data)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap, err := s.cache.Get(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err)
		return
	}

	data, err := snapshot.EncodeJSON(snap)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func clientAcceptsGzip(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
}

// errorEnvelope is the machine-readable error body carried on 4xx/5xx
// query-API responses.
type errorEnvelope struct {
	Status    string `json:"status"`
	Error     string `json:"error"`
	ErrorType string `json:"errorType"`
}

func writeError(w http.ResponseWriter, code int, errType string, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	env := errorEnvelope{Status: "error", Error: err.Error(), ErrorType: errType}
	data, _ := json.Marshal(env)
	_, _ = w.Write(data)
}

// FetchSnapshot is a small helper used by the recorder and hindsight
// pull-loops to GET /metrics/binary from a running agent.
func FetchSnapshot(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		return io.ReadAll(gz)
	}
	return io.ReadAll(resp.Body)
}
