// Package server implements the FMAA HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/fmaa-ecosystem/fmaa/internal/auth"
	"github.com/fmaa-ecosystem/fmaa/internal/ctxutil"
	"github.com/fmaa-ecosystem/fmaa/internal/model"
	"github.com/fmaa-ecosystem/fmaa/internal/service/inference"
	"github.com/fmaa-ecosystem/fmaa/internal/service/lifecycle"
	"github.com/fmaa-ecosystem/fmaa/internal/storage"
	"github.com/fmaa-ecosystem/fmaa/internal/telemetry"
)

// Paths served without a bearer token.
var publicPaths = map[string]bool{
	"/health":     true,
	"/auth/token": true,
}

// requestState lets inner middleware report the caller back to the
// logging middleware, which runs outside auth.
type requestState struct {
	tenantID uuid.UUID
	userID   uuid.UUID
	known    bool
}

type stateKey struct{}

func stateFromContext(ctx context.Context) *requestState {
	s, _ := ctx.Value(stateKey{}).(*requestState)
	return s
}

// requestIDMiddleware assigns a unique request ID to each request.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" || len(reqID) > 128 {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctxutil.WithRequestID(r.Context(), reqID)))
	})
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware answers preflight requests and echoes allowed origins.
// A "*" entry allows any origin.
func corsMiddleware(allowed []string, next http.Handler) http.Handler {
	wildcard := slices.Contains(allowed, "*")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (wildcard || slices.Contains(allowed, origin)) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			h.Set("Access-Control-Max-Age", "600")
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.statusCode = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

// Flush lets streaming handlers (MCP) flush through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// httpInstruments are created once per server.
type httpInstruments struct {
	requests otelmetric.Int64Counter
	duration otelmetric.Float64Histogram
}

func newHTTPInstruments() httpInstruments {
	meter := telemetry.Meter("fmaa/http")
	var ins httpInstruments
	ins.requests, _ = meter.Int64Counter("http.server.request_count")
	ins.duration, _ = meter.Float64Histogram("http.server.duration", otelmetric.WithUnit("ms"))
	return ins
}

// tracingMiddleware creates an OTEL span for each HTTP request, joining any
// incoming trace context, and records request count and duration.
func tracingMiddleware(ins httpInstruments, next http.Handler) http.Handler {
	tracer := telemetry.Tracer("fmaa/http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := telemetry.ExtractHeaders(r.Context(), r.Header)
		ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.url", r.URL.Path),
				attribute.String("http.request_id", ctxutil.RequestIDFromContext(ctx)),
			),
		)
		defer span.End()

		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", wrapped.statusCode))
		attrs := otelmetric.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.URL.Path),
			attribute.String("http.status_code", strconv.Itoa(wrapped.statusCode)),
		)
		if ins.requests != nil {
			ins.requests.Add(ctx, 1, attrs)
		}
		if ins.duration != nil {
			ins.duration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
		}
	})
}

// loggingMiddleware logs each request with structured fields.
func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		state := &requestState{}
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r.WithContext(context.WithValue(r.Context(), stateKey{}, state)))

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", ctxutil.RequestIDFromContext(r.Context()),
		}
		if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
			attrs = append(attrs, "trace_id", sc.TraceID().String())
		}
		if state.known {
			attrs = append(attrs, "tenant_id", state.tenantID, "user_id", state.userID)
		}

		level := slog.LevelInfo
		if wrapped.statusCode >= 500 {
			level = slog.LevelError
		} else if wrapped.statusCode >= 400 {
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, "http request", attrs...)
	})
}

// authMiddleware verifies the bearer token, resolves the caller's tenant and
// stores the resulting scope in the context.
func authMiddleware(ids auth.IdentityProvider, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "Access token required")
			return
		}
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid authorization format")
			return
		}

		id, err := ids.VerifyToken(r.Context(), token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "Invalid or expired token")
			return
		}
		tenantID, err := ids.TenantForUser(r.Context(), id.UserID)
		if errors.Is(err, auth.ErrUnauthorized) {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "Invalid or expired token")
			return
		}
		if err != nil {
			logger.Error("auth: resolve tenant", "error", err, "user_id", id.UserID)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
			return
		}

		if state := stateFromContext(r.Context()); state != nil {
			state.tenantID, state.userID, state.known = tenantID, id.UserID, true
		}
		ctx := ctxutil.WithScope(r.Context(), ctxutil.Scope{TenantID: tenantID, UserID: id.UserID, Role: id.Role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAction returns middleware that rejects callers whose role does not
// grant action.
func requireAction(action model.Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scope, ok := ctxutil.ScopeFromContext(r.Context())
			if !ok {
				writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "Access token required")
				return
			}
			if !scope.Allows(action) {
				writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "Insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// recoveryMiddleware turns handler panics into 500 responses.
func recoveryMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("panic in handler",
					"panic", fmt.Sprint(rec),
					"path", r.URL.Path,
					"request_id", ctxutil.RequestIDFromContext(r.Context()),
					"stack", string(debug.Stack()),
				)
				writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// writeJSON writes data inside the success envelope.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeEnvelope(w, r, status, model.APIResponse{Data: data})
}

// writeEnvelope writes a success envelope carrying optional message,
// pagination or statistics.
func writeEnvelope(w http.ResponseWriter, _ *http.Request, status int, resp model.APIResponse) {
	resp.Success = true
	writeRaw(w, status, resp)
}

func writeRaw(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError writes a JSON error response with the standard envelope.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeErrorDetail(w, r, status, code, message, nil)
}

func writeErrorDetail(w http.ResponseWriter, r *http.Request, status int, code, message string, taskID *uuid.UUID) {
	writeRaw(w, status, model.APIError{
		Error: message,
		Details: model.ErrorDetail{
			Code:      code,
			TaskID:    taskID,
			RequestID: ctxutil.RequestIDFromContext(r.Context()),
			Timestamp: time.Now().UTC(),
		},
	})
}

// writeServiceError maps the service error taxonomy onto HTTP responses.
// Errors raised after a task was created carry its id in details.task_id.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var (
		bookErr *lifecycle.BookkeepingError
		failErr *lifecycle.TaskFailedError
		valErr  *model.ValidationError
		upErr   *inference.UpstreamError
	)
	switch {
	case errors.As(err, &bookErr):
		logger.Error("task bookkeeping failed", "error", err, "step", bookErr.Step, "task_id", bookErr.TaskID,
			"request_id", ctxutil.RequestIDFromContext(r.Context()))
		writeErrorDetail(w, r, http.StatusInternalServerError, model.ErrCodeBookkeeping, "failed to record task outcome", taskRef(bookErr.TaskID))
	case errors.As(err, &failErr):
		id := taskRef(failErr.TaskID)
		switch {
		case errors.As(err, &valErr):
			writeErrorDetail(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, valErr.Error(), id)
		case errors.As(err, &upErr):
			logger.Warn("inference call failed", "error", err, "task_id", failErr.TaskID)
			writeErrorDetail(w, r, http.StatusBadGateway, model.ErrCodeUpstream, "inference provider error: "+upErr.Error(), id)
		default:
			logger.Error("task failed", "error", err, "task_id", failErr.TaskID)
			writeErrorDetail(w, r, http.StatusInternalServerError, model.ErrCodeTaskFailed, failErr.Err.Error(), id)
		}
	case errors.As(err, &valErr):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, valErr.Error())
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, lifecycle.ErrNoScope):
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "Access token required")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "Access denied")
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "Agent not found")
	default:
		logger.Error("request failed", "error", err, "path", r.URL.Path,
			"request_id", ctxutil.RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
	}
}

func taskRef(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

// decodeJSON decodes a size-limited JSON request body into target.
func decodeJSON(w http.ResponseWriter, r *http.Request, target any, maxBytes int64) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func handleDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput, "request body too large")
		return
	}
	writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
}
