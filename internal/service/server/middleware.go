package server

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// LoggingMiddleware logs each request with its chi route pattern, so that
// /offline/downloads/{id} stays one log key regardless of the id
func LoggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
			}
			if status >= http.StatusInternalServerError {
				logger.Warn("admin request failed", fields...)
				return
			}
			logger.Debug("admin request", fields...)
		})
	}
}

// BasicAuthMiddleware protects destructive routes with HTTP Basic Auth.
// An empty username disables the check.
func BasicAuthMiddleware(username, password string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if username == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok {
				w.Header().Set("WWW-Authenticate", `Basic realm="Admin Access"`)
				http.Error(w, "Authentication required", http.StatusUnauthorized)
				return
			}

			validUser := subtle.ConstantTimeCompare([]byte(user), []byte(username)) == 1
			validPass := subtle.ConstantTimeCompare([]byte(pass), []byte(password)) == 1

			if !validUser || !validPass {
				w.Header().Set("WWW-Authenticate", `Basic realm="Admin Access"`)
				http.Error(w, "Invalid credentials", http.StatusUnauthorized)
				logger.Warn("failed admin authentication attempt",
					zap.String("username", user),
					zap.String("remote_addr", r.RemoteAddr))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
