package handlers

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"kejanet.app/hotspot/internal/entitlement"
	"kejanet.app/hotspot/internal/logger"
)

// CancelEntitlement is the out-of-band admin transition; it carries
// the same revoke obligation as expiry.
func (s *Server) CancelEntitlement(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("X-Admin-Token")
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.AdminToken)) != 1 {
		writeErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	id := chi.URLParam(r, "id")
	e, err := s.Service.Cancel(r.Context(), id)
	if err != nil {
		if errors.Is(err, entitlement.ErrNotFound) {
			writeErrorResponse(w, http.StatusNotFound, "Entitlement not found")
			return
		}
		logger.Error("Failed to cancel entitlement", map[string]interface{}{
			"error":          err.Error(),
			"entitlement_id": id,
		})
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to cancel entitlement")
		return
	}

	writeJSON(w, http.StatusOK, newEntitlementResponse(e))
}
