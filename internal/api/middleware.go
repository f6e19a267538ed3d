package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"bytes", ww.BytesWritten(),
			"remote_addr", r.RemoteAddr,
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// bodyLimitMiddleware caps request bodies at the configured size
func (s *Server) bodyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.MaxBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware checks API key authentication
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return s.requireSecret(s.config.APIKey, next)
}

// webhookAuthMiddleware checks the webhook secret, falling back to the API key
func (s *Server) webhookAuthMiddleware(next http.Handler) http.Handler {
	secret := s.config.WebhookSecret
	if secret == "" {
		secret = s.config.APIKey
	}
	return s.requireSecret(secret, next)
}

func (s *Server) requireSecret(secret string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if secret == "" {
			// No key configured, allow all
			next.ServeHTTP(w, r)
			return
		}

		if subtle.ConstantTimeCompare([]byte(requestToken(r)), []byte(secret)) != 1 {
			s.logger.Warn("unauthorized API request",
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path,
			)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requestToken reads the Authorization, X-API-Key or X-Webhook-Secret header
func requestToken(r *http.Request) string {
	token := r.Header.Get("Authorization")
	if token == "" {
		token = r.Header.Get("X-API-Key")
	}
	if token == "" {
		token = r.Header.Get("X-Webhook-Secret")
	}
	return strings.TrimPrefix(token, "Bearer ")
}
