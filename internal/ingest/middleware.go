package ingest

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"golang.org/x/crypto/bcrypt"

	"threatlens/internal/config"
)

// openPaths are reachable without an API key so probes and scrapers
// keep working when auth is enabled.
var openPaths = map[string]bool{
	"/healthz": true,
	"/metrics": true,
}

// WithMiddleware wraps the handler with recovery, request logging,
// rate limiting, and API key auth, outermost first.
func WithMiddleware(next http.Handler, cfg *config.Config, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := next
	if cfg.Auth.Enabled {
		h = authMiddleware(h, cfg.Auth, logger)
	}
	if cfg.RateLimit.Enabled {
		h = rateLimitMiddleware(h, cfg.RateLimit, logger)
	}
	h = securityHeadersMiddleware(h)
	h = loggingMiddleware(h, logger)
	h = recoveryMiddleware(h, logger)
	return h
}

// securityHeadersMiddleware sets the response headers appropriate for
// a JSON API that is never rendered in a browser.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// responseWriter captures the status code for logging.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

func recoveryMiddleware(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("panic in request handler",
					"panic", rec,
					"path", r.URL.Path,
					"method", r.Method,
					"stack", string(debug.Stack()),
				)
				respondError(w, http.StatusInternalServerError, "internal server error", "")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote", r.RemoteAddr,
		)
	})
}

// authMiddleware checks the API key header against the configured
// bcrypt hashes. Key material never appears in config or logs.
func authMiddleware(next http.Handler, cfg config.AuthConfig, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if openPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get(cfg.APIKeyHeader)
		if key == "" {
			respondError(w, http.StatusUnauthorized, "missing API key", "")
			return
		}

		for _, hash := range cfg.APIKeyHashes {
			if bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil {
				next.ServeHTTP(w, r)
				return
			}
		}

		logger.Warn("rejected request with invalid API key",
			"path", r.URL.Path, "remote", r.RemoteAddr)
		respondError(w, http.StatusUnauthorized, "invalid API key", "")
	})
}
