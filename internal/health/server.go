package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/remediator/internal/core/domain"
	"github.com/vietddude/remediator/internal/infra/storage"
)

// RunLister is the read side of the state store served on /runs.
type RunLister interface {
	ListRuns(ctx context.Context, filter storage.RunFilter) ([]*domain.RunRecord, error)
}

// Server exposes health, run state and Prometheus metrics over HTTP.
type Server struct {
	monitor *Monitor
	runs    RunLister
	server  *http.Server
}

// NewServer creates a health server. runs may be nil, which disables /runs.
func NewServer(monitor *Monitor, runs RunLister, port int) *Server {
	s := &Server{
		monitor: monitor,
		runs:    runs,
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/detailed", s.handleDetailed)
	if s.runs != nil {
		mux.HandleFunc("GET /runs", s.handleRuns)
	}
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := Worst(s.monitor.CheckHealth(r.Context()))

	code := http.StatusOK
	if status == StatusCritical {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": string(status)})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.Report(r.Context()))
}

type runView struct {
	RunID       string    `json:"run_id"`
	PipelineID  string    `json:"pipeline_id"`
	RetryCount  int       `json:"retry_count"`
	Status      string    `json:"status"`
	LastUpdated time.Time `json:"last_updated"`
	ParentRunID string    `json:"parent_run_id,omitempty"`
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	filter := storage.RunFilter{Limit: 50}
	if v := r.URL.Query().Get("status"); v != "" {
		st := domain.RunStatus(v)
		if !st.Valid() {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown status " + v})
			return
		}
		filter.Status = st
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		filter.Limit = n
	}

	recs, err := s.runs.ListRuns(r.Context(), filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	out := make([]runView, len(recs))
	for i, rec := range recs {
		out[i] = runView{
			RunID:       rec.RunID,
			PipelineID:  rec.PipelineID,
			RetryCount:  rec.RetryCount,
			Status:      string(rec.Status),
			LastUpdated: rec.LastUpdated,
			ParentRunID: rec.ParentRunID,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
