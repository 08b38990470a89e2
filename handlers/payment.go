package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"kejanet.app/hotspot/internal/entitlement"
	"kejanet.app/hotspot/internal/logger"
	"kejanet.app/hotspot/models"
)

// PaymentCallbackRequest is the gateway's settlement notification.
// The gateway protocol itself lives outside this service; the portal
// stashes device context in the checkout so the callback carries
// everything needed here.
type PaymentCallbackRequest struct {
	ResultCode   int    `json:"result_code"`
	CheckoutRef  string `json:"checkout_ref"`
	Amount       int64  `json:"amount"`
	DeviceKey    string `json:"device_key"`
	Address      string `json:"address"`
	DurationSecs int64  `json:"duration_secs"`
	OwnerID      string `json:"owner_id"`
}

func (s *Server) PaymentCallback(w http.ResponseWriter, r *http.Request) {
	var req PaymentCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.CheckoutRef == "" {
		writeErrorResponse(w, http.StatusBadRequest, "checkout_ref required")
		return
	}

	logger.Info("Payment callback received", map[string]interface{}{
		"checkout_ref": req.CheckoutRef,
		"result_code":  req.ResultCode,
		"amount":       req.Amount,
		"device_key":   req.DeviceKey,
	})

	// gateways retry on non-2xx; a failed payment is acknowledged, not errored
	if req.ResultCode != 0 {
		logger.Info("Payment not successful, no entitlement created", map[string]interface{}{
			"checkout_ref": req.CheckoutRef,
			"result_code":  req.ResultCode,
		})
		writeJSON(w, http.StatusOK, map[string]interface{}{"received": true})
		return
	}

	e, err := s.Service.Activate(r.Context(), entitlement.ActivationInput{
		Source:    models.SourcePayment,
		SourceRef: req.CheckoutRef,
		DeviceKey: req.DeviceKey,
		Address:   req.Address,
		OwnerID:   req.OwnerID,
		Duration:  time.Duration(req.DurationSecs) * time.Second,
	})
	if err != nil {
		if errors.Is(err, entitlement.ErrInvalidInput) {
			writeErrorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		logger.Error("Failed to activate entitlement from payment", map[string]interface{}{
			"error":        err.Error(),
			"checkout_ref": req.CheckoutRef,
		})
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to activate entitlement")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"received":    true,
		"entitlement": newEntitlementResponse(e),
	})
}
