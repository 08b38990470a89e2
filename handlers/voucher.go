package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"kejanet.app/hotspot/internal/entitlement"
	"kejanet.app/hotspot/internal/logger"
)

type VoucherRedeemRequest struct {
	Code      string `json:"code"`
	DeviceKey string `json:"device_key"`
	Address   string `json:"address"`
}

func (s *Server) RedeemVoucher(w http.ResponseWriter, r *http.Request) {
	if !s.Limiter.Allow(r.RemoteAddr) {
		writeErrorResponse(w, http.StatusTooManyRequests, "Too many requests")
		return
	}

	var req VoucherRedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.Code == "" {
		writeErrorResponse(w, http.StatusBadRequest, "code required")
		return
	}

	e, err := s.Service.RedeemVoucher(r.Context(), req.Code, req.DeviceKey, req.Address)
	if err != nil {
		switch {
		case errors.Is(err, entitlement.ErrInvalidInput):
			writeErrorResponse(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, entitlement.ErrVoucherNotFound):
			writeErrorResponse(w, http.StatusNotFound, "Voucher not found")
		case errors.Is(err, entitlement.ErrVoucherExhausted):
			writeErrorResponse(w, http.StatusGone, "Voucher already used")
		default:
			logger.Error("Failed to redeem voucher", map[string]interface{}{
				"error":      err.Error(),
				"device_key": req.DeviceKey,
			})
			writeErrorResponse(w, http.StatusInternalServerError, "Failed to redeem voucher")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entitlement": newEntitlementResponse(e),
	})
}
