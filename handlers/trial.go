package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"kejanet.app/hotspot/internal/entitlement"
	"kejanet.app/hotspot/internal/logger"
)

type TrialClaimRequest struct {
	DeviceKey string `json:"device_key"`
	Address   string `json:"address"`
}

func (s *Server) ClaimTrial(w http.ResponseWriter, r *http.Request) {
	if !s.Limiter.Allow(r.RemoteAddr) {
		writeErrorResponse(w, http.StatusTooManyRequests, "Too many requests")
		return
	}

	var req TrialClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	e, err := s.Service.ClaimTrial(r.Context(), req.DeviceKey, req.Address)
	if err != nil {
		switch {
		case errors.Is(err, entitlement.ErrInvalidInput):
			writeErrorResponse(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, entitlement.ErrTrialAlreadyClaimed):
			writeErrorResponse(w, http.StatusConflict, "Free trial already claimed")
		default:
			logger.Error("Failed to claim trial", map[string]interface{}{
				"error":      err.Error(),
				"device_key": req.DeviceKey,
			})
			writeErrorResponse(w, http.StatusInternalServerError, "Failed to claim trial")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entitlement": newEntitlementResponse(e),
	})
}
