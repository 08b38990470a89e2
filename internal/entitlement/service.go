package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"kejanet.app/hotspot/internal/logger"
	"kejanet.app/hotspot/internal/router"
	"kejanet.app/hotspot/models"
	"kejanet.app/hotspot/storage"
)

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrNotFound            = errors.New("entitlement not found")
	ErrNoActiveEntitlement = errors.New("no active entitlement")
	ErrVoucherNotFound     = errors.New("voucher not found")
	ErrVoucherExhausted    = errors.New("voucher exhausted")
	ErrTrialAlreadyClaimed = errors.New("free trial already claimed")
)

// Service turns payment, voucher and free-trial events into
// entitlements and keeps the controller's access list converging on
// what the ledger says. The ledger's time window is the source of
// intent; the controller is an actuator that gets re-synced.
type Service struct {
	store         storage.Store
	ctrl          router.AccessController
	locks         *keyMutex
	opTimeout     time.Duration
	trialDuration time.Duration

	now func() time.Time
}

func NewService(store storage.Store, ctrl router.AccessController, opTimeout, trialDuration time.Duration) *Service {
	return &Service{
		store:         store,
		ctrl:          ctrl,
		locks:         newKeyMutex(),
		opTimeout:     opTimeout,
		trialDuration: trialDuration,
		now:           time.Now,
	}
}

type ActivationInput struct {
	Source    string
	SourceRef string
	DeviceKey string
	Address   string
	OwnerID   string
	Duration  time.Duration
}

// Activate converts one successful external event into exactly one
// entitlement plus an initial grant. Repeated events with the same
// (source, sourceRef) return the existing record. A failed grant does
// not fail the activation: the paid benefit is persisted and the next
// reconnect re-triggers the grant.
func (s *Service) Activate(ctx context.Context, in ActivationInput) (*models.Entitlement, error) {
	if !models.ValidSource(in.Source) {
		return nil, fmt.Errorf("%w: unknown source %q", ErrInvalidInput, in.Source)
	}
	if in.SourceRef == "" {
		return nil, fmt.Errorf("%w: source ref required", ErrInvalidInput)
	}
	if in.Duration <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", ErrInvalidInput)
	}
	deviceKey, err := models.NormalizeDeviceKey(in.DeviceKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	unlock := s.locks.lock(deviceKey)
	defer unlock()

	existing, err := s.store.FindEntitlementBySource(ctx, in.Source, in.SourceRef)
	if err != nil {
		return nil, fmt.Errorf("failed to check for duplicate activation: %w", err)
	}
	if existing != nil {
		logger.Info("Duplicate activation event, returning existing entitlement", map[string]interface{}{
			"entitlement_id": existing.ID,
			"source":         in.Source,
			"source_ref":     in.SourceRef,
		})
		return existing, nil
	}

	now := s.now()
	e := &models.Entitlement{
		ID:          uuid.Must(uuid.NewRandom()).String(),
		DeviceKey:   deviceKey,
		OwnerID:     in.OwnerID,
		StartAt:     now,
		EndAt:       now.Add(in.Duration),
		Status:      models.StatusActive,
		Source:      in.Source,
		SourceRef:   in.SourceRef,
		AccessState: models.AccessNotGranted,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// intent is persisted before the controller is touched
	if err := s.store.SaveEntitlement(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to save entitlement: %w", err)
	}
	s.touchDevice(ctx, deviceKey, in.Address)

	logger.Info("Entitlement activated", map[string]interface{}{
		"entitlement_id": e.ID,
		"device_key":     deviceKey,
		"source":         in.Source,
		"source_ref":     in.SourceRef,
		"end_at":         e.EndAt,
	})

	if err := s.grant(ctx, deviceKey, in.Address, e.EndAt); err != nil {
		logger.Warn("Initial grant failed, entitlement kept for reconciliation", map[string]interface{}{
			"error":          err.Error(),
			"entitlement_id": e.ID,
			"device_key":     deviceKey,
		})
		return e, nil
	}

	e.AccessState = models.AccessGranted
	e.UpdatedAt = s.now()
	if err := s.store.SaveEntitlement(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to record grant: %w", err)
	}
	return e, nil
}

// Reconnect handles a device reappearing on the captive portal. The
// stored access state is not trusted: if a valid window exists the
// grant is reissued unconditionally, which corrects earlier failed or
// ambiguous controller calls.
func (s *Service) Reconnect(ctx context.Context, rawKey, address string) (*models.Entitlement, error) {
	deviceKey, err := models.NormalizeDeviceKey(rawKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	unlock := s.locks.lock(deviceKey)
	defer unlock()

	e, err := s.store.FindActiveEntitlement(ctx, deviceKey, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to look up entitlement: %w", err)
	}
	if e == nil {
		return nil, ErrNoActiveEntitlement
	}

	s.touchDevice(ctx, deviceKey, address)

	if err := s.grant(ctx, deviceKey, address, e.EndAt); err != nil {
		return e, fmt.Errorf("failed to re-grant access for %s: %w", deviceKey, err)
	}

	e.AccessState = models.AccessGranted
	e.UpdatedAt = s.now()
	if err := s.store.SaveEntitlement(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to record grant: %w", err)
	}

	logger.Info("Access re-granted on reconnect", map[string]interface{}{
		"entitlement_id": e.ID,
		"device_key":     deviceKey,
		"end_at":         e.EndAt,
	})
	return e, nil
}

// ActiveFor returns the current valid entitlement for a device without
// touching the controller.
func (s *Service) ActiveFor(ctx context.Context, rawKey string) (*models.Entitlement, error) {
	deviceKey, err := models.NormalizeDeviceKey(rawKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	e, err := s.store.FindActiveEntitlement(ctx, deviceKey, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to look up entitlement: %w", err)
	}
	if e == nil {
		return nil, ErrNoActiveEntitlement
	}
	return e, nil
}

// Cancel is the out-of-band admin transition. The cancelled status is
// persisted before the revoke attempt; a failed revoke leaves the
// record in revoke_pending for the sweeper to finish.
func (s *Service) Cancel(ctx context.Context, id string) (*models.Entitlement, error) {
	e, err := s.store.GetEntitlement(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load entitlement: %w", err)
	}
	if e == nil {
		return nil, ErrNotFound
	}
	if e.Status != models.StatusActive {
		return e, nil
	}

	unlock := s.locks.lock(e.DeviceKey)
	defer unlock()

	e.Status = models.StatusCancelled
	e.UpdatedAt = s.now()
	if err := s.store.SaveEntitlement(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to save cancellation: %w", err)
	}

	if err := s.revoke(ctx, e.DeviceKey); err != nil {
		logger.Warn("Revoke after cancellation failed, sweeper will retry", map[string]interface{}{
			"error":          err.Error(),
			"entitlement_id": e.ID,
			"device_key":     e.DeviceKey,
		})
		e.AccessState = models.AccessRevokePending
	} else {
		e.AccessState = models.AccessRevoked
	}
	e.UpdatedAt = s.now()
	if err := s.store.SaveEntitlement(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to record revoke state: %w", err)
	}

	logger.Info("Entitlement cancelled", map[string]interface{}{
		"entitlement_id": e.ID,
		"device_key":     e.DeviceKey,
		"access_state":   e.AccessState,
	})
	return e, nil
}

// RedeemVoucher consumes one voucher use and activates an entitlement
// for the device. Redeeming the same voucher twice from the same
// device returns the original entitlement without burning a second use.
func (s *Service) RedeemVoucher(ctx context.Context, code, rawKey, address string) (*models.Entitlement, error) {
	deviceKey, err := models.NormalizeDeviceKey(rawKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	v, err := s.store.FindVoucherByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to look up voucher: %w", err)
	}
	if v == nil {
		return nil, ErrVoucherNotFound
	}

	sourceRef := v.ID + ":" + deviceKey
	existing, err := s.store.FindEntitlementBySource(ctx, models.SourceVoucher, sourceRef)
	if err != nil {
		return nil, fmt.Errorf("failed to check voucher redemption: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	ok, err := s.store.ConsumeVoucherUse(ctx, v.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to consume voucher use: %w", err)
	}
	if !ok {
		return nil, ErrVoucherExhausted
	}

	return s.Activate(ctx, ActivationInput{
		Source:    models.SourceVoucher,
		SourceRef: sourceRef,
		DeviceKey: deviceKey,
		Address:   address,
		Duration:  v.Duration(),
	})
}

// ClaimTrial grants the one-time free trial for a device.
func (s *Service) ClaimTrial(ctx context.Context, rawKey, address string) (*models.Entitlement, error) {
	deviceKey, err := models.NormalizeDeviceKey(rawKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	claimed, err := s.store.HasTrialClaim(ctx, deviceKey)
	if err != nil {
		return nil, fmt.Errorf("failed to check trial claim: %w", err)
	}
	if claimed {
		return nil, ErrTrialAlreadyClaimed
	}

	claim := &models.TrialClaim{DeviceKey: deviceKey, ClaimedAt: s.now()}
	if err := s.store.SaveTrialClaim(ctx, claim); err != nil {
		return nil, fmt.Errorf("failed to save trial claim: %w", err)
	}

	return s.Activate(ctx, ActivationInput{
		Source:    models.SourceFreeTrial,
		SourceRef: deviceKey,
		DeviceKey: deviceKey,
		Address:   address,
		Duration:  s.trialDuration,
	})
}

func (s *Service) grant(ctx context.Context, deviceKey, address string, until time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	return s.ctrl.Grant(ctx, deviceKey, address, until)
}

func (s *Service) revoke(ctx context.Context, deviceKey string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	return s.ctrl.Revoke(ctx, deviceKey)
}

func (s *Service) touchDevice(ctx context.Context, deviceKey, address string) {
	d := &models.Device{DeviceKey: deviceKey, Address: address, LastSeen: s.now()}
	if err := s.store.SaveDevice(ctx, d); err != nil {
		logger.Warn("Failed to update device record", map[string]interface{}{
			"error":      err.Error(),
			"device_key": deviceKey,
		})
	}
}
