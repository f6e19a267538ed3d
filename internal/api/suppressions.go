package api

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/sendgate/internal/suppression"
)

// SuppressionRequest is the request body for POST /suppressions
type SuppressionRequest struct {
	TenantID string            `json:"tenant_id"`
	Email    string            `json:"email"`
	Reason   string            `json:"reason"`
	Details  map[string]string `json:"details,omitempty"`
}

// SuppressionCheckRequest is the request body for POST /suppressions/check
type SuppressionCheckRequest struct {
	TenantID string   `json:"tenant_id"`
	Emails   []string `json:"emails"`
}

// SuppressionListResponse is the response for GET /suppressions
type SuppressionListResponse struct {
	Entries []*suppression.Entry `json:"entries"`
	Count   int                  `json:"count"`
}

const maxListLimit = 1000

// handleSuppressionsList handles GET /api/v1/suppressions
func (s *Server) handleSuppressionsList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := suppression.EntryQuery{
		TenantID: q.Get("tenant_id"),
		Limit:    100,
	}
	if reason := q.Get("reason"); reason != "" {
		parsed, err := suppression.ParseReason(reason)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, err.Error())
			return
		}
		query.Reason = parsed
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxListLimit {
			s.sendError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		query.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.sendError(w, http.StatusBadRequest, "offset must not be negative")
			return
		}
		query.Offset = n
	}

	entries, err := s.svc.Suppressions.List(r.Context(), query)
	if err != nil {
		s.logger.Error("failed to list suppressions", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list suppressions")
		return
	}
	if entries == nil {
		entries = []*suppression.Entry{}
	}
	s.sendJSON(w, http.StatusOK, SuppressionListResponse{Entries: entries, Count: len(entries)})
}

// handleSuppressionsAdd handles POST /api/v1/suppressions
func (s *Server) handleSuppressionsAdd(w http.ResponseWriter, r *http.Request) {
	var req SuppressionRequest
	if !s.decode(w, r, &req) {
		return
	}

	entry, err := s.svc.Suppressions.Add(r.Context(), req.TenantID, req.Email,
		suppression.Reason(req.Reason), req.Details)
	if err != nil {
		if isSuppressionInputError(err) {
			s.sendError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("failed to add suppression", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to add suppression")
		return
	}
	s.sendJSON(w, http.StatusCreated, entry)
}

// handleSuppressionsCheck handles POST /api/v1/suppressions/check
func (s *Server) handleSuppressionsCheck(w http.ResponseWriter, r *http.Request) {
	var req SuppressionCheckRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Emails) == 0 {
		s.sendError(w, http.StatusBadRequest, "emails is required")
		return
	}

	statuses, err := s.svc.Suppressions.Check(r.Context(), req.TenantID, req.Emails)
	if err != nil {
		s.logger.Error("failed to check suppressions", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to check suppressions")
		return
	}
	s.sendJSON(w, http.StatusOK, statuses)
}

// handleSuppressionsRemove handles DELETE /api/v1/suppressions/{tenant}/{email}
func (s *Server) handleSuppressionsRemove(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	addr, err := url.PathUnescape(chi.URLParam(r, "email"))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid email")
		return
	}

	err = s.svc.Suppressions.Remove(r.Context(), tenant, addr)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, suppression.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "Suppression not found")
	case isSuppressionInputError(err):
		s.sendError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("failed to remove suppression", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to remove suppression")
	}
}

func isSuppressionInputError(err error) bool {
	return errors.Is(err, suppression.ErrTenantRequired) ||
		errors.Is(err, suppression.ErrInvalidReason) ||
		errors.Is(err, suppression.ErrInvalidEmail)
}
