package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"

	"TradeAudit/internal/audit"
	"TradeAudit/internal/observability"
	"TradeAudit/internal/pool"
	"TradeAudit/internal/query"
)

// HTTPServer is the HTTP/JSON query surface over the audit trail.
type HTTPServer struct {
	httpServer *http.Server
	addr       string
	logger     zerolog.Logger
}

// HTTPDeps holds everything the HTTP handlers need.
type HTTPDeps struct {
	Query    *query.Service
	Pools    *pool.Manager
	Database string
	Health   *observability.HealthChecker
	Metrics  *observability.Metrics
}

// NewHTTPServer builds the gateway mux and wraps it with health probes.
func NewHTTPServer(addr string, deps *HTTPDeps, logger zerolog.Logger) (*HTTPServer, error) {
	mux := runtime.NewServeMux()
	h := &handlers{deps: deps, logger: logger}

	routes := []struct {
		method  string
		pattern string
		fn      runtime.HandlerFunc
	}{
		{http.MethodGet, "/v1/audit/entries", h.listEntries},
		{http.MethodGet, "/v1/audit/entries/{id}", h.getEntry},
		{http.MethodGet, "/v1/audit/stats", h.stats},
		{http.MethodGet, "/v1/audit/pool", h.poolStats},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.fn); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if deps.Health != nil {
		httpMux.HandleFunc("/healthz", deps.Health.LivenessHandler)
		httpMux.HandleFunc("/readyz", deps.Health.ReadinessHandler)
	}
	httpMux.Handle("/", mux)

	return &HTTPServer{
		httpServer: &http.Server{Addr: addr, Handler: httpMux},
		addr:       addr,
		logger:     logger,
	}, nil
}

// Start runs the HTTP server until ctx is cancelled (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ============================================================================
// Handlers
// ============================================================================

type handlers struct {
	deps   *HTTPDeps
	logger zerolog.Logger
}

func (h *handlers) listEntries(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	start := time.Now()
	q := r.URL.Query()

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.writeError(w, "entries", http.StatusBadRequest, fmt.Sprintf("invalid limit: %q", raw))
			return
		}
		limit = n
	}

	action, err := normalizeAction(q.Get("action"))
	if err != nil {
		h.writeError(w, "entries", http.StatusBadRequest, err.Error())
		return
	}
	outcome, err := normalizeOutcome(q.Get("outcome"))
	if err != nil {
		h.writeError(w, "entries", http.StatusBadRequest, err.Error())
		return
	}

	filter := query.Filter{
		Actor:      q.Get("actor"),
		Action:     action,
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
		Outcome:    outcome,
		FromDate:   q.Get("from"),
		ToDate:     q.Get("to"),
		Limit:      limit,
	}

	records, err := h.deps.Query.List(r.Context(), filter)
	if err != nil {
		h.logger.Error().Err(err).Msg("list audit entries")
		h.writeError(w, "entries", http.StatusInternalServerError, "query failed")
		return
	}
	if records == nil {
		records = []query.EntryRecord{}
	}

	h.writeJSON(w, "entries", start, map[string]interface{}{"entries": records})
}

func (h *handlers) getEntry(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	start := time.Now()
	id := pathParams["id"]
	if _, err := uuid.Parse(id); err != nil {
		h.writeError(w, "entry", http.StatusBadRequest, fmt.Sprintf("invalid entry id: %q", id))
		return
	}

	record, err := h.deps.Query.GetEntry(r.Context(), id)
	if err != nil {
		h.logger.Error().Err(err).Str("id", id).Msg("get audit entry")
		h.writeError(w, "entry", http.StatusInternalServerError, "query failed")
		return
	}
	if record == nil {
		h.writeError(w, "entry", http.StatusNotFound, "entry not found")
		return
	}

	h.writeJSON(w, "entry", start, record)
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	start := time.Now()
	q := r.URL.Query()

	resp, err := h.deps.Query.Stats(r.Context(), q.Get("from"), q.Get("to"))
	if err != nil {
		h.logger.Error().Err(err).Msg("audit stats")
		h.writeError(w, "stats", http.StatusInternalServerError, "query failed")
		return
	}

	h.writeJSON(w, "stats", start, resp)
}

func (h *handlers) poolStats(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	start := time.Now()
	stats := h.deps.Pools.Get(h.deps.Database).Stats()
	h.writeJSON(w, "pool", start, map[string]interface{}{
		"database":  stats.Database,
		"live":      stats.Live,
		"idle":      stats.Idle,
		"in_use":    stats.InUse,
		"max_conns": stats.MaxConns,
	})
}

func (h *handlers) writeJSON(w http.ResponseWriter, endpoint string, start time.Time, payload interface{}) {
	if m := h.deps.Metrics; m != nil {
		m.QueryRequests.WithLabelValues(endpoint, "ok").Inc()
		m.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(payload)
}

// normalizeAction maps a wire-format action ("approve") onto the stored
// capitalized form ("Approve"). Empty means no filter.
func normalizeAction(raw string) (string, error) {
	if raw == "" {
		return "", nil
	}
	a, err := audit.ParseAction(strings.ToLower(raw))
	if err != nil {
		return "", err
	}
	return a.String(), nil
}

// normalizeOutcome does the same for the outcome filter.
func normalizeOutcome(raw string) (string, error) {
	switch strings.ToLower(raw) {
	case "":
		return "", nil
	case "success":
		return audit.OutcomeSuccess.String(), nil
	case "failure":
		return audit.OutcomeFailure.String(), nil
	default:
		return "", fmt.Errorf("unknown outcome: %q", raw)
	}
}

func (h *handlers) writeError(w http.ResponseWriter, endpoint string, code int, msg string) {
	if m := h.deps.Metrics; m != nil {
		m.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
