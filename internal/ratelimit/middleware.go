package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/fmaa-ecosystem/fmaa/internal/ctxutil"
	"github.com/fmaa-ecosystem/fmaa/internal/model"
)

// KeyFunc extracts the rate limit key from a request.
// Returns empty string to skip rate limiting for this request.
type KeyFunc func(r *http.Request) string

// Middleware returns HTTP middleware that rejects requests over the limit
// with 429. Limiter errors are logged and the request is let through.
func Middleware(limiter Limiter, keyFunc KeyFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			ok, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limiter unavailable, allowing request", "error", err, "key", key)
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				writeRateLimitError(w, ctxutil.RequestIDFromContext(r.Context()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeRateLimitError(w http.ResponseWriter, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: "Too many requests from this client, please try again later.",
		Details: model.ErrorDetail{
			Code:      model.ErrCodeRateLimited,
			RequestID: requestID,
			Timestamp: time.Now().UTC(),
		},
	})
}

// UserKey keys authenticated requests by user and falls back to the client
// address for anonymous ones.
func UserKey(trustProxy bool) KeyFunc {
	ip := IPKey(trustProxy)
	return func(r *http.Request) string {
		if scope, ok := ctxutil.ScopeFromContext(r.Context()); ok {
			return "user:" + scope.UserID.String()
		}
		return ip(r)
	}
}

// IPKey keys requests by client address. X-Forwarded-For is only honoured
// when trustProxy is set, since any client can forge it.
func IPKey(trustProxy bool) KeyFunc {
	return func(r *http.Request) string {
		return "ip:" + ClientIP(r, trustProxy)
	}
}

// ClientIP returns the caller's address: the first X-Forwarded-For hop when
// trustProxy is set and the header is present, otherwise RemoteAddr
// without its port.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
