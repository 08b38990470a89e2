package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"kejanet.app/hotspot/models"
)

func testEntitlement(id, deviceKey string, endAt time.Time) *models.Entitlement {
	now := time.Now().UTC()
	return &models.Entitlement{
		ID:          id,
		DeviceKey:   deviceKey,
		StartAt:     now.Add(-time.Minute),
		EndAt:       endAt,
		Status:      models.StatusActive,
		Source:      models.SourcePayment,
		SourceRef:   "pay_" + id,
		AccessState: models.AccessNotGranted,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open sqlite store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Failed to close store: %v", err)
		}
	})
	return store
}

func runStoreTests(t *testing.T, store Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("EntitlementLifecycle", func(t *testing.T) {
		e := testEntitlement("ent1", "AA:BB:CC:DD:EE:01", now.Add(time.Hour))
		if err := store.SaveEntitlement(ctx, e); err != nil {
			t.Fatalf("Failed to save entitlement: %v", err)
		}

		got, err := store.GetEntitlement(ctx, "ent1")
		if err != nil {
			t.Fatalf("Failed to get entitlement: %v", err)
		}
		if got == nil {
			t.Fatalf("Expected entitlement, got nil")
		}
		if got.DeviceKey != "AA:BB:CC:DD:EE:01" {
			t.Errorf("Expected device key AA:BB:CC:DD:EE:01, got %s", got.DeviceKey)
		}
		if got.Status != models.StatusActive {
			t.Errorf("Expected status active, got %s", got.Status)
		}

		got.AccessState = models.AccessGranted
		if err := store.SaveEntitlement(ctx, got); err != nil {
			t.Fatalf("Failed to update entitlement: %v", err)
		}
		updated, err := store.GetEntitlement(ctx, "ent1")
		if err != nil {
			t.Fatalf("Failed to reload entitlement: %v", err)
		}
		if updated.AccessState != models.AccessGranted {
			t.Errorf("Expected access state granted, got %s", updated.AccessState)
		}

		missing, err := store.GetEntitlement(ctx, "nope")
		if err != nil {
			t.Errorf("Expected no error for missing entitlement, got %v", err)
		}
		if missing != nil {
			t.Errorf("Expected nil for missing entitlement, got %v", missing)
		}
	})

	t.Run("FindBySource", func(t *testing.T) {
		e := testEntitlement("ent2", "AA:BB:CC:DD:EE:02", now.Add(time.Hour))
		if err := store.SaveEntitlement(ctx, e); err != nil {
			t.Fatalf("Failed to save entitlement: %v", err)
		}

		found, err := store.FindEntitlementBySource(ctx, models.SourcePayment, "pay_ent2")
		if err != nil {
			t.Fatalf("Failed to find by source: %v", err)
		}
		if found == nil || found.ID != "ent2" {
			t.Fatalf("Expected ent2, got %v", found)
		}

		missing, err := store.FindEntitlementBySource(ctx, models.SourceVoucher, "pay_ent2")
		if err != nil {
			t.Errorf("Expected no error, got %v", err)
		}
		if missing != nil {
			t.Errorf("Expected nil for wrong source, got %v", missing)
		}
	})

	t.Run("FindActivePicksLatest", func(t *testing.T) {
		device := "AA:BB:CC:DD:EE:03"

		older := testEntitlement("ent3a", device, now.Add(time.Hour))
		older.CreatedAt = now.Add(-2 * time.Hour)
		newer := testEntitlement("ent3b", device, now.Add(2*time.Hour))
		newer.CreatedAt = now.Add(-time.Hour)
		expired := testEntitlement("ent3c", device, now.Add(-time.Hour))
		expired.CreatedAt = now

		for _, e := range []*models.Entitlement{older, newer, expired} {
			if err := store.SaveEntitlement(ctx, e); err != nil {
				t.Fatalf("Failed to save entitlement %s: %v", e.ID, err)
			}
		}

		got, err := store.FindActiveEntitlement(ctx, device, now)
		if err != nil {
			t.Fatalf("Failed to find active entitlement: %v", err)
		}
		if got == nil {
			t.Fatalf("Expected active entitlement, got nil")
		}
		if got.ID != "ent3b" {
			t.Errorf("Expected most recent active entitlement ent3b, got %s", got.ID)
		}

		none, err := store.FindActiveEntitlement(ctx, "AA:BB:CC:DD:EE:99", now)
		if err != nil {
			t.Errorf("Expected no error, got %v", err)
		}
		if none != nil {
			t.Errorf("Expected nil for unknown device, got %v", none)
		}
	})

	t.Run("FindRevokables", func(t *testing.T) {
		expired := testEntitlement("ent4a", "AA:BB:CC:DD:EE:04", now.Add(-time.Minute))
		future := testEntitlement("ent4b", "AA:BB:CC:DD:EE:05", now.Add(time.Hour))
		cancelled := testEntitlement("ent4c", "AA:BB:CC:DD:EE:06", now.Add(time.Hour))
		cancelled.Status = models.StatusCancelled
		cancelled.AccessState = models.AccessRevokePending
		closed := testEntitlement("ent4d", "AA:BB:CC:DD:EE:07", now.Add(-time.Hour))
		closed.Status = models.StatusExpired
		closed.AccessState = models.AccessRevoked

		for _, e := range []*models.Entitlement{expired, future, cancelled, closed} {
			if err := store.SaveEntitlement(ctx, e); err != nil {
				t.Fatalf("Failed to save entitlement %s: %v", e.ID, err)
			}
		}

		got, err := store.FindRevokables(ctx, now, 50)
		if err != nil {
			t.Fatalf("Failed to find revokables: %v", err)
		}

		ids := make(map[string]bool)
		for _, e := range got {
			ids[e.ID] = true
		}
		if !ids["ent4a"] {
			t.Errorf("Expected expired entitlement ent4a in revokables")
		}
		if !ids["ent4c"] {
			t.Errorf("Expected cancelled entitlement ent4c in revokables")
		}
		if ids["ent4b"] {
			t.Errorf("Entitlement with open window must not be revokable")
		}
		if ids["ent4d"] {
			t.Errorf("Already closed entitlement must not be revokable")
		}

		capped, err := store.FindRevokables(ctx, now, 1)
		if err != nil {
			t.Fatalf("Failed to find revokables with limit: %v", err)
		}
		if len(capped) != 1 {
			t.Errorf("Expected 1 revokable with limit 1, got %d", len(capped))
		}
	})

	t.Run("DeviceOperations", func(t *testing.T) {
		d := &models.Device{DeviceKey: "AA:BB:CC:DD:EE:10", Address: "10.0.0.9", LastSeen: now}
		if err := store.SaveDevice(ctx, d); err != nil {
			t.Fatalf("Failed to save device: %v", err)
		}

		got, err := store.GetDevice(ctx, "AA:BB:CC:DD:EE:10")
		if err != nil {
			t.Fatalf("Failed to get device: %v", err)
		}
		if got == nil || got.Address != "10.0.0.9" {
			t.Errorf("Expected device with address 10.0.0.9, got %v", got)
		}

		missing, err := store.GetDevice(ctx, "AA:BB:CC:DD:EE:11")
		if err != nil {
			t.Errorf("Expected no error, got %v", err)
		}
		if missing != nil {
			t.Errorf("Expected nil for unknown device, got %v", missing)
		}
	})

	t.Run("VoucherConsumption", func(t *testing.T) {
		v := &models.Voucher{
			ID:           "v1",
			Code:         "WIFI-123",
			DurationSecs: 3600,
			MaxUses:      2,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := store.SaveVoucher(ctx, v); err != nil {
			t.Fatalf("Failed to save voucher: %v", err)
		}

		found, err := store.FindVoucherByCode(ctx, "WIFI-123")
		if err != nil {
			t.Fatalf("Failed to find voucher: %v", err)
		}
		if found == nil || found.ID != "v1" {
			t.Fatalf("Expected voucher v1, got %v", found)
		}

		for i := 0; i < 2; i++ {
			ok, err := store.ConsumeVoucherUse(ctx, "v1")
			if err != nil {
				t.Fatalf("Failed to consume voucher use: %v", err)
			}
			if !ok {
				t.Fatalf("Expected use %d to succeed", i+1)
			}
		}

		ok, err := store.ConsumeVoucherUse(ctx, "v1")
		if err != nil {
			t.Fatalf("Failed on exhausted consume: %v", err)
		}
		if ok {
			t.Errorf("Expected consume on exhausted voucher to fail")
		}

		missing, err := store.FindVoucherByCode(ctx, "NOPE")
		if err != nil {
			t.Errorf("Expected no error, got %v", err)
		}
		if missing != nil {
			t.Errorf("Expected nil for unknown code, got %v", missing)
		}
	})

	t.Run("TrialClaims", func(t *testing.T) {
		claimed, err := store.HasTrialClaim(ctx, "AA:BB:CC:DD:EE:20")
		if err != nil {
			t.Fatalf("Failed to check trial claim: %v", err)
		}
		if claimed {
			t.Errorf("Expected no claim for fresh device")
		}

		claim := &models.TrialClaim{DeviceKey: "AA:BB:CC:DD:EE:20", ClaimedAt: now}
		if err := store.SaveTrialClaim(ctx, claim); err != nil {
			t.Fatalf("Failed to save trial claim: %v", err)
		}

		claimed, err = store.HasTrialClaim(ctx, "AA:BB:CC:DD:EE:20")
		if err != nil {
			t.Fatalf("Failed to re-check trial claim: %v", err)
		}
		if !claimed {
			t.Errorf("Expected claim to be recorded")
		}
	})

	t.Run("AccessAudit", func(t *testing.T) {
		rec := &models.AccessAudit{
			ID:        "audit1",
			DeviceKey: "AA:BB:CC:DD:EE:30",
			Op:        models.AuditOpGrant,
			Outcome:   models.AuditOutcomeOK,
			Attempt:   1,
			LatencyMs: 12,
			CreatedAt: now,
		}
		if err := store.AppendAccessAudit(ctx, rec); err != nil {
			t.Errorf("Failed to append access audit: %v", err)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreTests(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	runStoreTests(t, newSQLiteStore(t))
}

func TestSQLiteStoreMigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Failed to close store: %v", err)
	}

	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	if err := reopened.Close(); err != nil {
		t.Fatalf("Failed to close reopened store: %v", err)
	}
}
