// Package api provides the HTTP surface of the monitor.
//
// # Endpoints
//
// Mounted under the base path (default /api/system-monitoring):
//   - GET  /metrics - Resource metrics of the current snapshot
//   - GET  /services - Service results of the current snapshot
//   - POST /refresh[?class=a,b] - Refresh now and return the new snapshot
//   - GET  /snapshot - Full current snapshot
//   - GET  /changes - Status transitions since the previous snapshot
//   - GET  /classes - Refresh class statuses
//   - GET  /legend - Status presentation hints
//   - GET  /runs - Refresh journal (requires a database)
//   - GET  /health - Liveness and dependency pings
//
// Telemetry:
//   - GET /telemetry - Prometheus exposition
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/pilot-net/portal-health/monitor/internal/classify"
	"github.com/pilot-net/portal-health/monitor/internal/snapshot"
	"github.com/pilot-net/portal-health/monitor/internal/store"
	"github.com/pilot-net/portal-health/pkg/types"
)

const healthCheckTimeout = 2 * time.Second

// SnapshotSource is the snapshot server as seen by the API.
type SnapshotSource interface {
	Current() (*types.Snapshot, bool)
	Previous() (*types.Snapshot, bool)
	Refresh(ctx context.Context, classes ...string) (*types.Snapshot, error)
	ClassStatuses() []snapshot.ClassStatus
}

// RunLister reads the refresh journal.
type RunLister interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]types.RefreshRun, error)
}

// Pinger checks a backing dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures the server. Runs, Telemetry and Dependencies are
// optional.
type Options struct {
	BasePath     string
	CORSOrigins  []string // empty allows any origin
	RefreshRate  float64  // POST /refresh calls per second
	RefreshBurst int
	Runs         RunLister
	Telemetry    http.Handler
	Dependencies map[string]Pinger // reported by /health
}

// Server is the HTTP API server.
type Server struct {
	source    SnapshotSource
	runs      RunLister
	deps      map[string]Pinger
	limiter   *rate.Limiter
	origins   map[string]bool
	basePath  string
	logger    *slog.Logger
	mux       *http.ServeMux
	startedAt time.Time
}

// NewServer creates a new API server.
func NewServer(source SnapshotSource, opts Options, logger *slog.Logger) *Server {
	if opts.BasePath == "" {
		opts.BasePath = "/api/system-monitoring"
	}
	if opts.RefreshRate <= 0 {
		opts.RefreshRate = 1
	}
	if opts.RefreshBurst <= 0 {
		opts.RefreshBurst = 1
	}

	s := &Server{
		source:    source,
		runs:      opts.Runs,
		deps:      opts.Dependencies,
		limiter:   rate.NewLimiter(rate.Limit(opts.RefreshRate), opts.RefreshBurst),
		basePath:  strings.TrimRight(opts.BasePath, "/"),
		logger:    logger.With("component", "api"),
		mux:       http.NewServeMux(),
		startedAt: time.Now(),
	}
	if len(opts.CORSOrigins) > 0 {
		s.origins = make(map[string]bool, len(opts.CORSOrigins))
		for _, o := range opts.CORSOrigins {
			s.origins[o] = true
		}
	}

	s.registerRoutes()
	if opts.Telemetry != nil {
		s.mux.Handle("GET /telemetry", opts.Telemetry)
	}
	return s
}

// Mux returns the underlying ServeMux for registering additional routes.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.setCORSHeaders(w, r)

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	start := time.Now()
	s.mux.ServeHTTP(w, r)
	s.logger.Debug("request",
		"method", r.Method,
		"path", r.URL.Path,
		"duration", time.Since(start))
}

func (s *Server) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	origin := "*"
	if s.origins != nil {
		origin = r.Header.Get("Origin")
		if !s.origins[origin] {
			return
		}
		w.Header().Add("Vary", "Origin")
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}

func (s *Server) registerRoutes() {
	// Snapshot reads
	s.mux.HandleFunc("GET "+s.basePath+"/metrics", s.handleMetrics)
	s.mux.HandleFunc("GET "+s.basePath+"/services", s.handleServices)
	s.mux.HandleFunc("GET "+s.basePath+"/snapshot", s.handleSnapshot)
	s.mux.HandleFunc("GET "+s.basePath+"/changes", s.handleChanges)

	// Refresh
	s.mux.HandleFunc("POST "+s.basePath+"/refresh", s.handleRefresh)

	// Operations
	s.mux.HandleFunc("GET "+s.basePath+"/classes", s.handleClasses)
	s.mux.HandleFunc("GET "+s.basePath+"/legend", s.handleLegend)
	s.mux.HandleFunc("GET "+s.basePath+"/runs", s.handleRuns)
	s.mux.HandleFunc("GET "+s.basePath+"/health", s.handleHealth)
}

// =============================================================================
// SNAPSHOT READS
// =============================================================================

type metricsResponse struct {
	Metrics     []types.MetricResult `json:"metrics"`
	Sequence    uint64               `json:"sequence"`
	GeneratedAt time.Time            `json:"generatedAt"`
	Stale       bool                 `json:"stale,omitempty"`
}

type servicesResponse struct {
	Services    []types.ServiceResult `json:"services"`
	Sequence    uint64                `json:"sequence"`
	GeneratedAt time.Time             `json:"generatedAt"`
	Stale       bool                  `json:"stale,omitempty"`
}

// current returns the published snapshot, refreshing once on a cold start.
// On failure it writes the error response and returns false.
func (s *Server) current(w http.ResponseWriter, r *http.Request) (*types.Snapshot, bool) {
	if snap, ok := s.source.Current(); ok {
		return snap, true
	}

	snap, err := s.source.Refresh(r.Context())
	if snap == nil {
		if err == nil {
			err = snapshot.ErrNotInitialized
		}
		s.logger.Error("cold start refresh failed", "path", r.URL.Path, "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if err != nil {
		s.logger.Warn("cold start refresh partially failed", "error", err)
	}
	return snap, true
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.current(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, metricsResponse{
		Metrics:     nonNil(snap.Metrics),
		Sequence:    snap.Sequence,
		GeneratedAt: snap.GeneratedAt,
		Stale:       snap.Stale,
	})
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.current(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, servicesResponse{
		Services:    nonNil(snap.Services),
		Sequence:    snap.Sequence,
		GeneratedAt: snap.GeneratedAt,
		Stale:       snap.Stale,
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.current(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	cur, ok := s.current(w, r)
	if !ok {
		return
	}

	resp := map[string]any{"sequence": cur.Sequence}
	prev, ok := s.source.Previous()
	if ok {
		resp["previousSequence"] = prev.Sequence
	}
	changes := types.Changes(prev, cur)
	if changes == nil {
		changes = []types.StatusChange{}
	}
	resp["changes"] = changes
	s.writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// REFRESH
// =============================================================================

type refreshResponse struct {
	Snapshot  *types.Snapshot `json:"snapshot"`
	Stale     bool            `json:"stale"`
	Throttled bool            `json:"throttled,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	classes := parseClasses(r.URL.Query().Get("class"))

	if !s.limiter.Allow() {
		snap, ok := s.source.Current()
		if !ok {
			s.writeError(w, http.StatusTooManyRequests, "refresh throttled")
			return
		}
		s.writeJSON(w, http.StatusOK, refreshResponse{Snapshot: snap, Stale: snap.Stale, Throttled: true})
		return
	}

	snap, err := s.source.Refresh(r.Context(), classes...)
	if errors.Is(err, snapshot.ErrUnknownClass) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		if snap == nil {
			s.logger.Error("refresh failed with no snapshot to fall back on", "error", err)
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.logger.Warn("refresh failed, serving previous snapshot", "sequence", snap.Sequence, "error", err)
		s.writeJSON(w, http.StatusOK, refreshResponse{Snapshot: snap, Stale: true, Error: err.Error()})
		return
	}

	s.writeJSON(w, http.StatusOK, refreshResponse{Snapshot: snap, Stale: snap.Stale})
}

func parseClasses(raw string) []string {
	var classes []string
	for _, c := range strings.Split(raw, ",") {
		if c = strings.TrimSpace(c); c != "" {
			classes = append(classes, c)
		}
	}
	return classes
}

// =============================================================================
// OPERATIONS
// =============================================================================

func (s *Server) handleClasses(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"classes": s.source.ClassStatuses(),
	})
}

func (s *Server) handleLegend(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"legend": classify.Legend(),
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.writeError(w, http.StatusServiceUnavailable, "refresh journal not configured")
		return
	}

	filter, err := parseRunFilter(r, time.Now())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	runs, err := s.runs.ListRuns(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list refresh runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list refresh runs")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"runs":  nonNil(runs),
		"count": len(runs),
	})
}

// parseRunFilter reads class, failed, since (RFC 3339 or a duration such as
// 1h) and limit.
func parseRunFilter(r *http.Request, now time.Time) (store.RunFilter, error) {
	q := r.URL.Query()
	filter := store.RunFilter{Class: q.Get("class")}

	if v := q.Get("failed"); v != "" {
		failed, err := strconv.ParseBool(v)
		if err != nil {
			return filter, errors.New("failed must be a boolean")
		}
		filter.FailedOnly = failed
	}

	if v := q.Get("since"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			filter.Since = now.Add(-d)
		} else if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.Since = t
		} else {
			return filter, errors.New("since must be RFC 3339 or a duration")
		}
	}

	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return filter, errors.New("limit must be a non-negative integer")
		}
		filter.Limit = limit
	}
	return filter, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	}
	if snap, ok := s.source.Current(); ok {
		resp["sequence"] = snap.Sequence
		resp["generatedAt"] = snap.GeneratedAt
	}

	status := http.StatusOK
	if len(s.deps) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		deps := make(map[string]string, len(s.deps))
		for name, p := range s.deps {
			if err := p.Ping(ctx); err != nil {
				deps[name] = err.Error()
				resp["status"] = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			deps[name] = "ok"
		}
		resp["dependencies"] = deps
	}
	s.writeJSON(w, status, resp)
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
