package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"kejanet.app/hotspot/internal/entitlement"
	"kejanet.app/hotspot/internal/ratelimit"
	"kejanet.app/hotspot/internal/router"
	"kejanet.app/hotspot/models"
	"kejanet.app/hotspot/storage"
)

const (
	testDevice     = "AA:BB:CC:DD:EE:FF"
	testAdminToken = "test-admin-token"
)

func newTestServer(t *testing.T, limit int) (*Server, *storage.MemoryStore, *router.Fake) {
	t.Helper()

	store := storage.NewMemoryStore()
	fake := router.NewFake()
	svc := entitlement.NewService(store, fake, 5*time.Second, 15*time.Minute)
	server := NewHTTPServer(svc, store, ratelimit.New(limit, time.Minute), testAdminToken, "test", []string{"*"})
	return server, store, fake
}

func postJSON(t *testing.T, server *Server, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBuffer(payload))
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	server.Mux.ServeHTTP(w, req)
	return w
}

func decodeEntitlement(t *testing.T, w *httptest.ResponseRecorder) EntitlementResponse {
	t.Helper()

	var resp struct {
		Entitlement EntitlementResponse `json:"entitlement"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return resp.Entitlement
}

func TestHealth(t *testing.T) {
	server, _, _ := newTestServer(t, 100)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	server.Mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Status != "healthy" || resp.Version != "test" {
		t.Errorf("Unexpected health response: %+v", resp)
	}
}

func TestPaymentCallbackCreatesEntitlement(t *testing.T) {
	server, _, fake := newTestServer(t, 100)

	w := postJSON(t, server, "/api/v1/callbacks/payment", PaymentCallbackRequest{
		ResultCode:   0,
		CheckoutRef:  "chk_1",
		Amount:       5000,
		DeviceKey:    testDevice,
		Address:      "10.0.0.5",
		DurationSecs: 3600,
	})

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	e := decodeEntitlement(t, w)
	if e.Status != models.StatusActive {
		t.Errorf("Expected status active, got %s", e.Status)
	}
	if e.AccessState != models.AccessGranted {
		t.Errorf("Expected access state granted, got %s", e.AccessState)
	}
	if _, ok := fake.Entry(testDevice); !ok {
		t.Errorf("Expected controller entry for device")
	}
}

func TestPaymentCallbackDuplicateReturnsSameEntitlement(t *testing.T) {
	server, store, _ := newTestServer(t, 100)

	req := PaymentCallbackRequest{
		CheckoutRef:  "chk_1",
		DeviceKey:    testDevice,
		DurationSecs: 3600,
	}

	first := decodeEntitlement(t, postJSON(t, server, "/api/v1/callbacks/payment", req))
	second := decodeEntitlement(t, postJSON(t, server, "/api/v1/callbacks/payment", req))

	if first.ID != second.ID {
		t.Errorf("Expected duplicate callback to return the same entitlement, got %s and %s", first.ID, second.ID)
	}
	if len(store.Entitlements) != 1 {
		t.Errorf("Expected 1 entitlement, got %d", len(store.Entitlements))
	}
}

func TestPaymentCallbackFailedPayment(t *testing.T) {
	server, store, fake := newTestServer(t, 100)

	w := postJSON(t, server, "/api/v1/callbacks/payment", PaymentCallbackRequest{
		ResultCode:   1032, // user cancelled at the gateway
		CheckoutRef:  "chk_1",
		DeviceKey:    testDevice,
		DurationSecs: 3600,
	})

	if w.Code != http.StatusOK {
		t.Fatalf("Expected failed payment to be acknowledged with 200, got %d", w.Code)
	}
	if len(store.Entitlements) != 0 {
		t.Errorf("Expected no entitlement for failed payment, got %d", len(store.Entitlements))
	}
	if fake.GrantCalls != 0 {
		t.Errorf("Expected no grant calls, got %d", fake.GrantCalls)
	}
}

func TestPaymentCallbackValidation(t *testing.T) {
	server, _, _ := newTestServer(t, 100)

	tests := []struct {
		name string
		body PaymentCallbackRequest
	}{
		{
			name: "missing checkout ref",
			body: PaymentCallbackRequest{DeviceKey: testDevice, DurationSecs: 3600},
		},
		{
			name: "missing device key",
			body: PaymentCallbackRequest{CheckoutRef: "chk_1", DurationSecs: 3600},
		},
		{
			name: "zero duration",
			body: PaymentCallbackRequest{CheckoutRef: "chk_1", DeviceKey: testDevice},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postJSON(t, server, "/api/v1/callbacks/payment", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", w.Code)
			}
		})
	}
}

func TestRedeemVoucherEndpoint(t *testing.T) {
	server, store, _ := newTestServer(t, 100)

	v := &models.Voucher{ID: "v1", Code: "WIFI-123", DurationSecs: 1800, MaxUses: 1}
	if err := store.SaveVoucher(context.Background(), v); err != nil {
		t.Fatalf("Failed to save voucher: %v", err)
	}

	w := postJSON(t, server, "/api/v1/vouchers/redeem", VoucherRedeemRequest{
		Code:      "WIFI-123",
		DeviceKey: testDevice,
		Address:   "10.0.0.5",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	e := decodeEntitlement(t, w)
	if e.Source != models.SourceVoucher {
		t.Errorf("Expected source voucher, got %s", e.Source)
	}
}

func TestRedeemVoucherUnknownCode(t *testing.T) {
	server, _, _ := newTestServer(t, 100)

	w := postJSON(t, server, "/api/v1/vouchers/redeem", VoucherRedeemRequest{
		Code:      "NOPE",
		DeviceKey: testDevice,
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestRedeemVoucherRateLimited(t *testing.T) {
	server, _, _ := newTestServer(t, 2)

	body := VoucherRedeemRequest{Code: "NOPE", DeviceKey: testDevice}
	postJSON(t, server, "/api/v1/vouchers/redeem", body)
	postJSON(t, server, "/api/v1/vouchers/redeem", body)

	w := postJSON(t, server, "/api/v1/vouchers/redeem", body)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected status 429, got %d", w.Code)
	}
}

func TestClaimTrialEndpoint(t *testing.T) {
	server, _, _ := newTestServer(t, 100)

	w := postJSON(t, server, "/api/v1/trials/claim", TrialClaimRequest{
		DeviceKey: testDevice,
		Address:   "10.0.0.5",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	e := decodeEntitlement(t, w)
	if e.Source != models.SourceFreeTrial {
		t.Errorf("Expected source free_trial, got %s", e.Source)
	}

	again := postJSON(t, server, "/api/v1/trials/claim", TrialClaimRequest{DeviceKey: testDevice})
	if again.Code != http.StatusConflict {
		t.Errorf("Expected status 409 for second claim, got %d", again.Code)
	}
}

func TestReconnectEndpoint(t *testing.T) {
	server, _, fake := newTestServer(t, 100)

	// no entitlement yet: denied
	w := postJSON(t, server, "/api/v1/portal/reconnect", ReconnectRequest{
		DeviceKey: testDevice,
		Address:   "10.0.0.5",
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("Expected status 403 for unentitled device, got %d", w.Code)
	}

	postJSON(t, server, "/api/v1/callbacks/payment", PaymentCallbackRequest{
		CheckoutRef:  "chk_1",
		DeviceKey:    testDevice,
		DurationSecs: 3600,
	})

	w = postJSON(t, server, "/api/v1/portal/reconnect", ReconnectRequest{
		DeviceKey: testDevice,
		Address:   "10.0.0.6",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp ReconnectResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !resp.Granted {
		t.Errorf("Expected granted=true")
	}
	if resp.Entitlement == nil || resp.Entitlement.AccessState != models.AccessGranted {
		t.Errorf("Expected granted entitlement in response, got %+v", resp.Entitlement)
	}
	if entry, ok := fake.Entry(testDevice); !ok || entry.Address != "10.0.0.6" {
		t.Errorf("Expected controller entry refreshed with new address, got %+v", entry)
	}
}

func TestDeviceStatusEndpoint(t *testing.T) {
	server, _, _ := newTestServer(t, 100)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices/"+testDevice+"/status", nil)
	w := httptest.NewRecorder()
	server.Mux.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected status 404 before purchase, got %d", w.Code)
	}

	postJSON(t, server, "/api/v1/callbacks/payment", PaymentCallbackRequest{
		CheckoutRef:  "chk_1",
		DeviceKey:    testDevice,
		DurationSecs: 3600,
	})

	req = httptest.NewRequest(http.MethodGet, "/api/v1/devices/"+testDevice+"/status", nil)
	w = httptest.NewRecorder()
	server.Mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var resp EntitlementResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.RemainingSecs <= 0 || resp.RemainingSecs > 3600 {
		t.Errorf("Expected remaining seconds within (0, 3600], got %d", resp.RemainingSecs)
	}
}

func TestCancelEntitlementRequiresToken(t *testing.T) {
	server, store, fake := newTestServer(t, 100)

	created := decodeEntitlement(t, postJSON(t, server, "/api/v1/callbacks/payment", PaymentCallbackRequest{
		CheckoutRef:  "chk_1",
		DeviceKey:    testDevice,
		DurationSecs: 3600,
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/entitlements/"+created.ID+"/cancel", nil)
	w := httptest.NewRecorder()
	server.Mux.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected status 401 without token, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/admin/entitlements/"+created.ID+"/cancel", nil)
	req.Header.Set("X-Admin-Token", testAdminToken)
	w = httptest.NewRecorder()
	server.Mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 with token, got %d: %s", w.Code, w.Body.String())
	}

	saved, _ := store.GetEntitlement(context.Background(), created.ID)
	if saved.Status != models.StatusCancelled {
		t.Errorf("Expected status cancelled, got %s", saved.Status)
	}
	if _, ok := fake.Entry(testDevice); ok {
		t.Errorf("Expected controller entry removed after cancel")
	}
}

func TestCancelUnknownEntitlement(t *testing.T) {
	server, _, _ := newTestServer(t, 100)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/entitlements/nope/cancel", nil)
	req.Header.Set("X-Admin-Token", testAdminToken)
	w := httptest.NewRecorder()
	server.Mux.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}
