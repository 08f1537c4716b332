// Package server implements the HTTP handlers and routing for the sharecore service.
// It exposes share link management, anonymous share access, public stats and
// the admin dashboard, with JWT authentication, schema validation and
// per-request logging, tracing and metrics.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/givebridge/sharecore/internal/aggregate"
	"github.com/givebridge/sharecore/internal/auth"
	"github.com/givebridge/sharecore/internal/dashboard"
	errordefs "github.com/givebridge/sharecore/internal/errors"
	"github.com/givebridge/sharecore/internal/event"
	"github.com/givebridge/sharecore/internal/metrics"
	"github.com/givebridge/sharecore/internal/model"
	"github.com/givebridge/sharecore/internal/schema"
	"github.com/givebridge/sharecore/internal/share"
	"github.com/givebridge/sharecore/internal/storage"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

const (
	// ContextKeyCorrelationID stores the request tracking id
	ContextKeyCorrelationID ContextKey = "correlationId"

	// maxBodyBytes bounds JSON request bodies
	maxBodyBytes = 1 << 20
)

// Deps are the collaborators the HTTP layer dispatches to.
type Deps struct {
	Store     storage.Store       // Used by /readyz
	Shares    *share.Service      // Share link lifecycle and anonymous access
	Dashboard *dashboard.Composer // Snapshots, stats, reports and rollups
	Exporter  *dashboard.Exporter // Nil disables dashboard export
	Auth      *auth.Authenticator // Bearer token verification
	Validator *schema.Validator   // Rollup request schema

	// CORS configuration
	CORSAllowedOrigins []string // Allowed origins for CORS (empty means deny all)
}

// Mux handles HTTP requests for the sharecore service.
type Mux struct {
	mux     *http.ServeMux
	deps    Deps
	metrics *metrics.Metrics
}

// NewMux registers every route and returns the root handler.
func NewMux(d Deps) http.Handler {
	m := &Mux{
		mux:     http.NewServeMux(),
		deps:    d,
		metrics: metrics.NewMetrics(),
	}

	// Health endpoints
	m.mux.HandleFunc("GET /healthz", m.handleHealthz)
	m.mux.HandleFunc("GET /readyz", m.handleReadyz)
	m.mux.Handle("GET /metrics", promhttp.Handler())

	// Owner endpoints
	m.handle("POST /v1/shares", "createShare", m.authenticated(m.handleCreateShare))
	m.handle("GET /v1/shares", "listShares", m.authenticated(m.handleListShares))
	m.handle("POST /v1/shares/{token}/deactivate", "deactivateShare", m.authenticated(m.handleDeactivateShare))
	m.handle("PUT /v1/shares/{token}/design", "updateShareDesign", m.authenticated(m.handleUpdateDesign))

	// Anonymous endpoints
	m.handle("GET /v1/public/share/{token}", "accessShare", m.handleAccessShare)
	m.handle("GET /v1/public/share/{resourceType}/{token}", "accessTypedShare", m.handleAccessTypedShare)
	m.handle("GET /v1/public/stats", "publicStats", m.handlePublicStats)

	// Admin endpoints
	m.handle("GET /v1/admin/dashboard", "dashboard", m.admin(m.handleDashboard))
	m.handle("POST /v1/admin/dashboard/export", "dashboardExport", m.admin(m.handleExport))
	m.handle("GET /v1/admin/reports/{kind}", "report", m.admin(m.handleReport))
	m.handle("POST /v1/admin/rollups", "rollup", m.admin(m.handleRollup))

	return m.withCORS(m.mux)
}

// handle registers h under pattern with correlation, logging and metrics.
func (m *Mux) handle(pattern, route string, h http.HandlerFunc) {
	m.mux.HandleFunc(pattern, m.withMiddleware(route, h))
}

// statusRecorder captures what a handler wrote for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	err     error
	subject string
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// withCORS answers preflights and tags allowed origins. It wraps the whole
// mux so OPTIONS never reaches the method-scoped patterns.
func (m *Mux) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := origin != "" && (slices.Contains(m.deps.CORSAllowedOrigins, "*") || slices.Contains(m.deps.CORSAllowedOrigins, origin))
		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			if allowed {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Correlation-Id")
				w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withMiddleware applies correlation id, tracing, logging and metrics.
func (m *Mux) withMiddleware(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), ContextKeyCorrelationID, correlationID)
		ctx = event.WithCorrelationID(ctx, correlationID)
		w.Header().Set("X-Correlation-Id", correlationID)

		ctx, span := otel.Tracer("sharecore").Start(ctx, route, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()
		span.SetAttributes(attribute.String("http.method", r.Method), attribute.String("http.route", route))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		r = r.WithContext(ctx)
		h(rec, r)

		if rec.err != nil {
			span.SetStatus(codes.Error, rec.err.Error())
		}
		status := strconv.Itoa(rec.status)
		elapsed := time.Since(start)
		m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, route, status).Inc()
		m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(elapsed.Seconds())
		m.logRequest(r, rec, elapsed, correlationID)
	}
}

// authenticated requires a valid bearer token and stores the principal.
func (m *Mux) authenticated(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := m.deps.Auth.Authenticate(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			m.writeErr(w, r, err)
			return
		}
		if rec, ok := w.(*statusRecorder); ok {
			rec.subject = p.Subject
		}
		h(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	}
}

// admin is authenticated plus the admin capability.
func (m *Mux) admin(h http.HandlerFunc) http.HandlerFunc {
	return m.authenticated(func(w http.ResponseWriter, r *http.Request) {
		if p, _ := auth.FromContext(r.Context()); !p.Admin {
			m.writeErr(w, r, errordefs.New(errordefs.AUTHZ, "admin capability required", ""))
			return
		}
		h(w, r)
	})
}

func correlationID(r *http.Request) string {
	id, _ := r.Context().Value(ContextKeyCorrelationID).(string)
	return id
}

func principal(r *http.Request) auth.Principal {
	p, _ := auth.FromContext(r.Context())
	return p
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(r *http.Request, w http.ResponseWriter, v interface{}) error {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return errordefs.New(errordefs.BAD_REQUEST, "request body too large or unreadable", "")
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return errordefs.New(errordefs.INVALID_INPUT, "invalid JSON", "")
	}
	return nil
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
}

// writeErr converts err to the error envelope. Anything that is not an
// *errordefs.Error is reported as INTERNAL without its message.
func (m *Mux) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := errordefs.As(err)
	if !ok {
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			e = errordefs.Wrap(errordefs.UNAVAILABLE, "request cancelled", err)
		default:
			e = errordefs.Wrap(errordefs.INTERNAL, "internal error", err)
		}
	}
	e = e.WithCorrelationID(correlationID(r))
	if rec, ok := w.(*statusRecorder); ok {
		rec.err = err
	}

	body := map[string]interface{}{
		"code":          string(e.Code),
		"message":       e.Message,
		"correlationId": e.CorrelationID,
	}
	if e.Details != nil {
		body["details"] = e.Details
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": body})
}

// logRequest logs request details. Faults go out at error level,
// client mistakes at info.
func (m *Mux) logRequest(r *http.Request, rec *statusRecorder, duration time.Duration, correlationID string) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", rec.status),
		slog.Duration("duration", duration),
		slog.String("user_agent", r.UserAgent()),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("correlation_id", correlationID),
	}
	if rec.subject != "" {
		attrs = append(attrs, slog.String("subject", rec.subject))
	}

	if rec.err == nil {
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
		return
	}
	attrs = append(attrs, slog.String("error", rec.err.Error()))
	level := slog.LevelInfo
	if e, ok := errordefs.As(rec.err); !ok || e.IsFault() {
		level = slog.LevelError
	}
	slog.LogAttrs(r.Context(), level, "request completed with error", attrs...)
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports whether the store answers.
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := m.deps.Store.Ping(ctx); err != nil {
		slog.WarnContext(ctx, "readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleCreateShare handles POST /v1/shares
func (m *Mux) handleCreateShare(w http.ResponseWriter, r *http.Request) {
	var req model.CreateShareLinkRequest
	if err := decodeJSON(r, w, &req); err != nil {
		m.writeErr(w, r, err)
		return
	}
	data, err := m.deps.Shares.Create(r.Context(), principal(r), req)
	if err != nil {
		m.writeErr(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusCreated, data)
}

// handleListShares handles GET /v1/shares
func (m *Mux) handleListShares(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := model.ListShareLinksQuery{
		CreatedBy:    q.Get("createdBy"),
		ResourceType: model.ResourceType(q.Get("resourceType")),
		ResourceID:   q.Get("resourceId"),
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			m.writeErr(w, r, errordefs.New(errordefs.INVALID_INPUT, "limit must be a non-negative integer", ""))
			return
		}
		query.Limit = n
	}

	links, err := m.deps.Shares.List(r.Context(), principal(r), query)
	if err != nil {
		m.writeErr(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, map[string]interface{}{"shareLinks": links})
}

// handleDeactivateShare handles POST /v1/shares/{token}/deactivate
func (m *Mux) handleDeactivateShare(w http.ResponseWriter, r *http.Request) {
	link, err := m.deps.Shares.Deactivate(r.Context(), principal(r), r.PathValue("token"))
	if err != nil {
		m.writeErr(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, link)
}

// handleUpdateDesign handles PUT /v1/shares/{token}/design
func (m *Mux) handleUpdateDesign(w http.ResponseWriter, r *http.Request) {
	var req model.UpdateDesignRequest
	if err := decodeJSON(r, w, &req); err != nil {
		m.writeErr(w, r, err)
		return
	}
	link, err := m.deps.Shares.Customize(r.Context(), principal(r), r.PathValue("token"), req.CustomDesign)
	if err != nil {
		m.writeErr(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, link)
}

// handleAccessShare handles GET /v1/public/share/{token}
func (m *Mux) handleAccessShare(w http.ResponseWriter, r *http.Request) {
	data, err := m.deps.Shares.Access(r.Context(), r.PathValue("token"))
	if err != nil {
		m.writeErr(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, data)
}

// handleAccessTypedShare handles GET /v1/public/share/{resourceType}/{token}
func (m *Mux) handleAccessTypedShare(w http.ResponseWriter, r *http.Request) {
	rt := model.ResourceType(r.PathValue("resourceType"))
	data, err := m.deps.Shares.AccessTyped(r.Context(), rt, r.PathValue("token"))
	if err != nil {
		m.writeErr(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, data)
}

func (m *Mux) handlePublicStats(w http.ResponseWriter, r *http.Request) {
	stats, err := m.deps.Dashboard.PublicStats(r.Context())
	if err != nil {
		m.writeErr(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, stats)
}

func (m *Mux) snapshot(r *http.Request) (*dashboard.Snapshot, error) {
	gran, err := dashboard.ParseGranularity(r.URL.Query().Get("granularity"))
	if err != nil {
		return nil, err
	}
	return m.deps.Dashboard.Compose(r.Context(), gran)
}

// handleDashboard handles GET /v1/admin/dashboard?granularity=
func (m *Mux) handleDashboard(w http.ResponseWriter, r *http.Request) {
	snap, err := m.snapshot(r)
	if err != nil {
		m.writeErr(w, r, err)
		return
	}
	if failed := snap.Unavailable(); len(failed) > 0 {
		slog.WarnContext(r.Context(), "dashboard served with unavailable sections", "sections", failed)
	}
	m.writeSuccess(w, http.StatusOK, snap)
}

// handleExport handles POST /v1/admin/dashboard/export?format=&granularity=
func (m *Mux) handleExport(w http.ResponseWriter, r *http.Request) {
	if m.deps.Exporter == nil {
		m.writeErr(w, r, errordefs.New(errordefs.UNAVAILABLE, "export storage not configured", ""))
		return
	}
	snap, err := m.snapshot(r)
	if err != nil {
		m.writeErr(w, r, err)
		return
	}
	res, err := m.deps.Exporter.Export(r.Context(), snap, r.URL.Query().Get("format"))
	if err != nil {
		m.writeErr(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, res)
}

// handleReport handles GET /v1/admin/reports/{kind}
func (m *Mux) handleReport(w http.ResponseWriter, r *http.Request) {
	data, err := m.deps.Dashboard.Reports(r.Context(), r.PathValue("kind"))
	if err != nil {
		m.writeErr(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, data)
}

// handleRollup handles POST /v1/admin/rollups. The body is checked against
// the rollup schema before it is decoded into a request.
func (m *Mux) handleRollup(w http.ResponseWriter, r *http.Request) {
	var raw map[string]interface{}
	if err := decodeJSON(r, w, &raw); err != nil {
		m.writeErr(w, r, err)
		return
	}
	if err := m.deps.Validator.Validate(schema.RollupRequest, raw); err != nil {
		var verr *schema.ValidationError
		if errors.As(err, &verr) {
			m.writeErr(w, r, errordefs.NewWithDetails(errordefs.INVALID_INPUT, "rollup request failed validation", "", verr.Problems))
			return
		}
		m.writeErr(w, r, errordefs.Wrap(errordefs.INTERNAL, "failed to validate rollup request", err))
		return
	}

	b, err := json.Marshal(raw)
	if err != nil {
		m.writeErr(w, r, errordefs.Wrap(errordefs.INTERNAL, "failed to encode rollup request", err))
		return
	}
	var req aggregate.Request
	if err := json.Unmarshal(b, &req); err != nil {
		m.writeErr(w, r, errordefs.New(errordefs.INVALID_INPUT, fmt.Sprintf("invalid rollup request: %v", err), ""))
		return
	}

	res, err := m.deps.Dashboard.Rollup(r.Context(), req)
	if err != nil {
		m.writeErr(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, res)
}
