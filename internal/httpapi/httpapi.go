// Package httpapi implements the thin HTTP query surface of spec §6.4: a
// net/http ServeMux over the ingest pipeline and the query.Service
// aggregator, with the envelope and status mapping of spec §7.
//
// Grounded on the teacher's lack of a networked server (the teacher is a
// CLI tool), so the transport shape is instead grounded on the
// matgreaves-rig example's server.Server: an http.ServeMux built with Go
// 1.22 method-and-path patterns, registered in one NewServer constructor,
// with shared writeJSON/writeError helpers.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"causalityengine/internal/ingest"
	"causalityengine/internal/propagation"
	"causalityengine/internal/query"
	"causalityengine/internal/resources"
	"causalityengine/internal/xerrors"
	"causalityengine/internal/xlog"
)

// Server is the causality engine's HTTP query surface.
type Server struct {
	mux      *http.ServeMux
	pipeline *ingest.Pipeline
	svc      *query.Service
	monitor  *resources.Monitor
	started  time.Time
}

// NewServer builds a Server and registers every route of spec §6.4.
func NewServer(p *ingest.Pipeline, svc *query.Service, monitor *resources.Monitor) *Server {
	s := &Server{
		mux:      http.NewServeMux(),
		pipeline: p,
		svc:      svc,
		monitor:  monitor,
		started:  time.Now(),
	}

	s.mux.HandleFunc("POST /events", s.handleIngest)
	s.mux.HandleFunc("POST /propagation/next", s.handlePropagationNext)

	s.mux.HandleFunc("GET /traces", s.handleListTraces)
	s.mux.HandleFunc("GET /traces/{id}", s.handleGetTrace)
	s.mux.HandleFunc("GET /traces/{id}/analyze", s.handleAnalyze)
	s.mux.HandleFunc("GET /traces/{id}/critical-path", s.handleCriticalPath)
	s.mux.HandleFunc("GET /traces/{id}/anomalies", s.handleAnomalies)
	s.mux.HandleFunc("GET /traces/{id}/dependencies", s.handleDependencies)
	s.mux.HandleFunc("GET /traces/{id}/audit-trail/{variable}", s.handleAuditTrail)

	s.mux.HandleFunc("GET /analyze/global", s.handleAnalyzeGlobal)

	s.mux.HandleFunc("GET /services", s.handleServiceCatalog)
	s.mux.HandleFunc("GET /services/{name}/traces", s.handleServiceTraces)
	s.mux.HandleFunc("GET /services/{name}/dependencies", s.handleServiceDependencies)

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /status", s.handleStatus)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeSuccess wraps data in the {success, data} envelope of spec §6.4.
func writeSuccess(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": data})
}

// writeErr wraps err in the {success, error} envelope of spec §7, mapping
// its taxonomy Kind to an HTTP status.
func writeErr(w http.ResponseWriter, err error) {
	kind := xerrors.KindOf(err)
	status := xerrors.HTTPStatus(kind)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   string(kind) + ": " + err.Error(),
	})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErr(w, xerrors.Wrap(xerrors.MalformedEvent, "failed to read request body", err))
		return
	}

	var req struct {
		Events []json.RawMessage `json:"events"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeErr(w, xerrors.Wrap(xerrors.MalformedEvent, "malformed ingest request", err))
		return
	}

	raws := make([][]byte, len(req.Events))
	for i, e := range req.Events {
		raws[i] = e
	}

	result, err := s.pipeline.Accept(r.Context(), raws)
	if err != nil {
		writeErr(w, err)
		return
	}

	// Query-cache invalidation is wired through the store's own
	// invalidation hook (see cmd/causalityd/main.go), not here: the
	// pipeline's workers call store.Put directly, so the hook fires
	// exactly once per newly-accepted event regardless of which endpoint
	// triggered the write.
	writeJSON(w, http.StatusOK, map[string]any{
		"accepted": result.Accepted,
		"rejected": result.Rejected,
		"errors":   result.Results,
	})
}

// handlePropagationNext is a convenience surface for producer SDKs that
// don't carry their own vector-clock math (spec §6.3): given the inbound
// traceparent/x-raceway-clock headers of a request and the caller's own
// service:instance key, it returns the trace id and the headers the caller
// should attach to its own outbound call.
func (s *Server) handlePropagationNext(w http.ResponseWriter, r *http.Request) {
	selfKey := r.URL.Query().Get("self")
	if selfKey == "" {
		writeErr(w, xerrors.New(xerrors.MalformedEvent, "missing required query parameter: self"))
		return
	}

	in := propagation.ParseIncoming(r.Header, selfKey)
	out := propagation.BuildOutbound(in.TraceID, in.ClockVector, selfKey, in.TraceState)

	writeSuccess(w, map[string]any{
		"trace_id":    in.TraceID,
		"distributed": in.Distributed,
		"headers":     out.Headers,
	})
}

func (s *Server) handleListTraces(w http.ResponseWriter, r *http.Request) {
	pageSize := 20
	if raw := r.URL.Query().Get("page_size"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			pageSize = n
		}
	}
	cursor := r.URL.Query().Get("cursor")

	page, err := s.svc.ListTraces(pageSize, cursor)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeSuccess(w, map[string]any{
		"traces":      page.Traces,
		"total":       page.Total,
		"next_cursor": page.NextCursor,
	})
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	events, err := s.svc.GetTrace(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeSuccess(w, events)
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	findings, err := s.svc.Analyze(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeSuccess(w, findings)
}

func (s *Server) handleAnalyzeGlobal(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, s.svc.AnalyzeGlobal())
}

func (s *Server) handleCriticalPath(w http.ResponseWriter, r *http.Request) {
	result, err := s.svc.CriticalPath(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeSuccess(w, result)
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	anomalies, err := s.svc.Anomalies(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeSuccess(w, anomalies)
}

func (s *Server) handleDependencies(w http.ResponseWriter, r *http.Request) {
	graph, err := s.svc.Dependencies(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeSuccess(w, graph)
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	trail, err := s.svc.AuditTrail(r.PathValue("id"), r.PathValue("variable"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeSuccess(w, trail)
}

func (s *Server) handleServiceCatalog(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, s.svc.ServiceCatalog())
}

func (s *Server) handleServiceTraces(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, s.svc.ServiceTraces(r.PathValue("name")))
}

func (s *Server) handleServiceDependencies(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, s.svc.ServiceDependencies(r.PathValue("name")))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	errs, timeouts := xlog.Counts()
	body := map[string]any{
		"uptime_seconds":  time.Since(s.started).Seconds(),
		"logged_errors":   errs,
		"logged_timeouts": timeouts,
	}
	if s.monitor != nil {
		body["under_memory_pressure"] = s.monitor.Pressure()
	}
	if snap, err := resources.Sample(); err == nil {
		body["memory"] = snap
	}
	writeJSON(w, http.StatusOK, body)
}
