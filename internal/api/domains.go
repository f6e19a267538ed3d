package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/sendgate/internal/dnscheck"
	"github.com/foxzi/sendgate/internal/health"
	"github.com/foxzi/sendgate/internal/quota"
	"github.com/foxzi/sendgate/internal/warmup"
)

// QuotaCheckRequest is the request body for POST /quota/{domain}
type QuotaCheckRequest struct {
	TenantID string `json:"tenant_id"`
	Count    int    `json:"count"`
}

// loadDomain fetches the domain named by the id URL parameter, answering
// 404 or 500 itself when it cannot
func (s *Server) loadDomain(w http.ResponseWriter, r *http.Request) (*health.Domain, bool) {
	id := chi.URLParam(r, "id")
	d, err := s.svc.Domains.Get(r.Context(), id)
	if errors.Is(err, health.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "Domain not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("failed to get domain", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get domain")
		return nil, false
	}
	return d, true
}

// handleDomainGet handles GET /api/v1/domains/{id}
func (s *Server) handleDomainGet(w http.ResponseWriter, r *http.Request) {
	d, ok := s.loadDomain(w, r)
	if !ok {
		return
	}
	s.sendJSON(w, http.StatusOK, health.NewReport(d))
}

// handleDomainWarmup handles GET /api/v1/domains/{id}/warmup
func (s *Server) handleDomainWarmup(w http.ResponseWriter, r *http.Request) {
	d, ok := s.loadDomain(w, r)
	if !ok {
		return
	}
	s.sendJSON(w, http.StatusOK, warmup.Check(d, s.now()))
}

// handleDomainVerify handles POST /api/v1/domains/{id}/verify
func (s *Server) handleDomainVerify(w http.ResponseWriter, r *http.Request) {
	if s.svc.DNS == nil {
		s.sendError(w, http.StatusNotImplemented, "DNS verification is not configured")
		return
	}
	d, ok := s.loadDomain(w, r)
	if !ok {
		return
	}

	selector := r.URL.Query().Get("selector")
	if selector == "" {
		selector = s.svc.DKIMSelector
	}

	result, err := s.svc.DNS.Verify(r.Context(), s.svc.Domains, d, selector)
	if err != nil {
		if errors.Is(err, dnscheck.ErrInvalidDomain) || errors.Is(err, dnscheck.ErrInvalidSelector) {
			s.sendError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("domain verification failed", "id", d.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Domain verification failed")
		return
	}

	s.logger.Info("domain verified",
		"id", d.ID,
		"domain", d.Name,
		"ok", result.Summary.OK,
		"errors", result.Summary.Errors,
	)
	s.sendJSON(w, http.StatusOK, result)
}

// handleDomainUnsuspend handles POST /api/v1/domains/{id}/unsuspend
func (s *Server) handleDomainUnsuspend(w http.ResponseWriter, r *http.Request) {
	d, ok := s.loadDomain(w, r)
	if !ok {
		return
	}

	if err := s.svc.Domains.SetSuspended(r.Context(), d.ID, false, "", s.now()); err != nil {
		s.logger.Error("failed to unsuspend domain", "id", d.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to unsuspend domain")
		return
	}
	s.logger.Info("domain unsuspended", "id", d.ID, "domain", d.Name)

	d, ok = s.loadDomain(w, r)
	if !ok {
		return
	}
	s.sendJSON(w, http.StatusOK, health.NewReport(d))
}

// handleQuotaCheck handles POST /api/v1/quota/{domain}. Nothing is charged.
func (s *Server) handleQuotaCheck(w http.ResponseWriter, r *http.Request) {
	if s.svc.Quotas == nil {
		s.sendError(w, http.StatusNotImplemented, "Quotas are not configured")
		return
	}

	var req QuotaCheckRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Count < 0 {
		s.sendError(w, http.StatusBadRequest, "count must not be negative")
		return
	}

	res, err := s.svc.Quotas.Check(r.Context(), &quota.Request{
		TenantID: req.TenantID,
		Domain:   chi.URLParam(r, "domain"),
		Count:    req.Count,
	})
	if err != nil {
		s.logger.Error("quota check failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Quota check failed")
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}

// handleQuotaStats handles GET /api/v1/quota/{level}/{key}
func (s *Server) handleQuotaStats(w http.ResponseWriter, r *http.Request) {
	if s.svc.Quotas == nil {
		s.sendError(w, http.StatusNotImplemented, "Quotas are not configured")
		return
	}

	level := quota.Level(chi.URLParam(r, "level"))
	switch level {
	case quota.LevelGlobal, quota.LevelTenant, quota.LevelDomain:
	default:
		s.sendError(w, http.StatusBadRequest, "level must be global, tenant or domain")
		return
	}

	stats, err := s.svc.Quotas.GetStats(r.Context(), level, chi.URLParam(r, "key"))
	if err != nil {
		s.logger.Error("failed to get quota stats", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get quota stats")
		return
	}
	s.sendJSON(w, http.StatusOK, stats)
}
