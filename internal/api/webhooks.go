package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/foxzi/sendgate/internal/events"
)

// handleWebhookEvent handles POST /api/v1/webhooks/events. Event types we
// do not track are acknowledged and dropped so the provider stops retrying.
func (s *Server) handleWebhookEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.sendError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		s.sendError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	ev, err := events.ParseWebhook(body)
	if errors.Is(err, events.ErrUnknownType) {
		s.logger.Debug("ignoring webhook event", "error", err)
		s.sendJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.svc.Events.Apply(r.Context(), ev); err != nil {
		s.logger.Error("failed to apply event", "kind", ev.Kind(), "id", ev.Meta().ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to process event")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok", "kind": ev.Kind()})
}
