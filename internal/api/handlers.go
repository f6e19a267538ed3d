package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/foxzi/sendgate/internal/auth"
	"github.com/foxzi/sendgate/internal/presend"
	"github.com/foxzi/sendgate/internal/ratelimit"
	"github.com/foxzi/sendgate/internal/spam"
)

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// SpamScoreRequest is the request body for POST /spam/score. When
// HasUnsubscribeLink is omitted it is detected from the content.
type SpamScoreRequest struct {
	Subject            string `json:"subject"`
	HTML               string `json:"html"`
	Text               string `json:"text"`
	HasUnsubscribeLink *bool  `json:"has_unsubscribe_link,omitempty"`
}

// LoginRequest is the request body for POST /auth/login
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: s.svc.Version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	})
}

// handlePreSend handles POST /api/v1/presend. The decision is returned
// with 200 whether or not the send is allowed.
func (s *Server) handlePreSend(w http.ResponseWriter, r *http.Request) {
	var req presend.Request
	if !s.decode(w, r, &req) {
		return
	}

	d, err := s.svc.Checker.Run(r.Context(), &req)
	if err != nil {
		s.logger.Error("pre-send check failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Pre-send check failed")
		return
	}
	s.sendJSON(w, http.StatusOK, d)
}

// handleAdmit handles POST /api/v1/presend/admit
func (s *Server) handleAdmit(w http.ResponseWriter, r *http.Request) {
	var req presend.Request
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.svc.Gate.Admit(r.Context(), &req)
	if err != nil {
		s.logger.Error("admission failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Admission failed")
		return
	}

	status := http.StatusOK
	switch {
	case res.Quota != nil && !res.Quota.Allowed:
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(res.Quota.RetryAfter)))
		status = http.StatusTooManyRequests
	case !res.Admitted:
		status = http.StatusUnprocessableEntity
	}
	s.sendJSON(w, status, res)
}

// handleSpamScore handles POST /api/v1/spam/score
func (s *Server) handleSpamScore(w http.ResponseWriter, r *http.Request) {
	var req SpamScoreRequest
	if !s.decode(w, r, &req) {
		return
	}

	text := req.Text
	if text == "" {
		text = spam.ExtractText(req.HTML)
	}
	hasUnsub := presend.HasUnsubscribe(req.HTML) || presend.HasUnsubscribe(text)
	if req.HasUnsubscribeLink != nil {
		hasUnsub = *req.HasUnsubscribeLink
	}

	s.sendJSON(w, http.StatusOK, spam.Score(req.Subject, req.HTML, text, hasUnsub))
}

// handleLogin handles POST /api/v1/auth/login
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.svc.Auth == nil {
		s.sendError(w, http.StatusNotImplemented, "Login is not configured")
		return
	}

	var req LoginRequest
	if !s.decode(w, r, &req) {
		return
	}

	ip := ""
	if clientIP := s.filter.ClientIP(r); clientIP != nil {
		ip = clientIP.String()
	}

	err := s.svc.Auth.Login(r.Context(), req.Email, req.Password, ip)
	var locked *ratelimit.LockedError
	switch {
	case err == nil:
		s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.As(err, &locked):
		secs := retryAfterSeconds(locked.RetryAfter)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		s.sendJSON(w, http.StatusTooManyRequests, ErrorResponse{
			Error:      "Too many login attempts",
			RetryAfter: secs,
		})
	case errors.Is(err, auth.ErrInvalidCredentials):
		s.sendError(w, http.StatusUnauthorized, "Invalid email or password")
	default:
		s.logger.Error("login failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Login failed")
	}
}

// decode reads a JSON body into v, answering 400 on failure
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.sendError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return false
		}
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// retryAfterSeconds rounds d up to whole seconds, at least one
func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
