package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"kejanet.app/hotspot/internal/entitlement"
	"kejanet.app/hotspot/internal/ratelimit"
	"kejanet.app/hotspot/models"
	"kejanet.app/hotspot/storage"
)

type Server struct {
	Mux        *chi.Mux
	Service    *entitlement.Service
	Storage    storage.Store
	Limiter    ratelimit.RateLimit
	AdminToken string
	Version    string
}

func NewHTTPServer(svc *entitlement.Service, store storage.Store, limiter ratelimit.RateLimit, adminToken, version string, portalOrigins []string) *Server {
	mux := chi.NewRouter()

	s := &Server{
		Mux:        mux,
		Service:    svc,
		Storage:    store,
		Limiter:    limiter,
		AdminToken: adminToken,
		Version:    version,
	}

	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: portalOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Admin-Token"},
	}))

	mux.Get("/health", s.Health)
	mux.Route("/api/v1", func(r chi.Router) {
		r.Post("/callbacks/payment", s.PaymentCallback)
		r.Post("/vouchers/redeem", s.RedeemVoucher)
		r.Post("/trials/claim", s.ClaimTrial)
		r.Post("/portal/reconnect", s.Reconnect)
		r.Get("/devices/{deviceKey}/status", s.DeviceStatus)
		r.Post("/admin/entitlements/{id}/cancel", s.CancelEntitlement)
	})

	return s
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Version:   s.Version,
		Timestamp: time.Now(),
	})
}

type EntitlementResponse struct {
	ID            string    `json:"id"`
	DeviceKey     string    `json:"device_key"`
	Source        string    `json:"source"`
	Status        string    `json:"status"`
	AccessState   string    `json:"access_state"`
	StartAt       time.Time `json:"start_at"`
	EndAt         time.Time `json:"end_at"`
	RemainingSecs int64     `json:"remaining_secs"`
}

func newEntitlementResponse(e *models.Entitlement) EntitlementResponse {
	remaining := int64(time.Until(e.EndAt).Seconds())
	if remaining < 0 || e.Status != models.StatusActive {
		remaining = 0
	}
	return EntitlementResponse{
		ID:            e.ID,
		DeviceKey:     e.DeviceKey,
		Source:        e.Source,
		Status:        e.Status,
		AccessState:   e.AccessState,
		StartAt:       e.StartAt,
		EndAt:         e.EndAt,
		RemainingSecs: remaining,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
