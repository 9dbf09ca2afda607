package server

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"TradeAudit/internal/audit"
)

// Recorder is the audit sink the middleware writes into.
type Recorder interface {
	Record(ctx context.Context, entry audit.Entry) error
}

// AuditMiddleware records one audit entry per mutating request on the
// wrapped handler. Reads (GET/HEAD/OPTIONS) are not audited. Recording
// failures are logged and never fail the request itself.
//
// The actor is taken from the X-Actor header the authenticating proxy
// sets; requests without one are recorded as "anonymous".
func AuditMiddleware(recorder Recorder, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			entry := entryFromRequest(r, sw.status, time.Now())
			if err := recorder.Record(r.Context(), entry); err != nil {
				logger.Error().Err(err).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Msg("audit record failed")
			}
		})
	}
}

// entryFromRequest maps a finished HTTP exchange onto an audit entry.
func entryFromRequest(r *http.Request, status int, completedAt time.Time) audit.Entry {
	actor := r.Header.Get("X-Actor")
	if actor == "" {
		actor = "anonymous"
	}

	entityType, entityID := splitEntityPath(r.URL.Path)

	entry := audit.NewEntry(actor, actionForMethod(r.Method), entityType, entityID, completedAt)
	entry.Request = audit.RequestMeta{
		Method:    r.Method,
		Path:      r.URL.Path,
		RemoteIP:  remoteIP(r),
		UserAgent: r.UserAgent(),
	}
	if status >= http.StatusBadRequest {
		entry.Outcome = audit.OutcomeFailure
		entry.Message = http.StatusText(status)
	}
	return entry
}

func actionForMethod(method string) audit.Action {
	switch method {
	case http.MethodPost:
		return audit.ActionCreate
	case http.MethodPut, http.MethodPatch:
		return audit.ActionUpdate
	case http.MethodDelete:
		return audit.ActionDelete
	default:
		return audit.ActionUpdate
	}
}

// splitEntityPath reads "/orders/ORD-1" style paths as entity type plus
// ID. A bare collection path yields an empty ID.
func splitEntityPath(path string) (entityType, entityID string) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		return "unknown", ""
	}
	entityType = parts[0]
	if len(parts) > 1 {
		entityID = parts[1]
	}
	return entityType, entityID
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
