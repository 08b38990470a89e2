package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"kejanet.app/hotspot/internal/entitlement"
	"kejanet.app/hotspot/internal/logger"
)

type ReconnectRequest struct {
	DeviceKey string `json:"device_key"`
	Address   string `json:"address"`
}

type ReconnectResponse struct {
	Granted     bool                 `json:"granted"`
	Message     string               `json:"message,omitempty"`
	Entitlement *EntitlementResponse `json:"entitlement,omitempty"`
}

// Reconnect handles the captive-portal redirect for a returning
// device. A valid window always produces a fresh grant call, which is
// how devices with a failed or ambiguous earlier grant self-heal.
func (s *Server) Reconnect(w http.ResponseWriter, r *http.Request) {
	var req ReconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	e, err := s.Service.Reconnect(r.Context(), req.DeviceKey, req.Address)
	if err != nil {
		switch {
		case errors.Is(err, entitlement.ErrInvalidInput):
			writeErrorResponse(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, entitlement.ErrNoActiveEntitlement):
			writeJSON(w, http.StatusForbidden, ReconnectResponse{
				Granted: false,
				Message: "No active entitlement, purchase or claim required",
			})
		default:
			logger.Error("Reconnect grant failed", map[string]interface{}{
				"error":      err.Error(),
				"device_key": req.DeviceKey,
			})
			writeJSON(w, http.StatusBadGateway, ReconnectResponse{
				Granted: false,
				Message: "Access controller unavailable, retry shortly",
			})
		}
		return
	}

	resp := newEntitlementResponse(e)
	writeJSON(w, http.StatusOK, ReconnectResponse{Granted: true, Entitlement: &resp})
}

// DeviceStatus lets the portal poll remaining time for its countdown.
func (s *Server) DeviceStatus(w http.ResponseWriter, r *http.Request) {
	deviceKey := chi.URLParam(r, "deviceKey")

	e, err := s.Service.ActiveFor(r.Context(), deviceKey)
	if err != nil {
		switch {
		case errors.Is(err, entitlement.ErrInvalidInput):
			writeErrorResponse(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, entitlement.ErrNoActiveEntitlement):
			writeErrorResponse(w, http.StatusNotFound, "No active entitlement")
		default:
			writeErrorResponse(w, http.StatusInternalServerError, "Failed to look up status")
		}
		return
	}

	writeJSON(w, http.StatusOK, newEntitlementResponse(e))
}
