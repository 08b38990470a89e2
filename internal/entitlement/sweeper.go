package entitlement

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/atomic"

	"kejanet.app/hotspot/internal/logger"
	"kejanet.app/hotspot/models"
)

// Alerter notifies an operator about ledger/controller inconsistencies
// the engine could not resolve on its own.
type Alerter interface {
	Alert(subject, body string) error
}

// Sweeper is the only path by which active entitlements close due to
// time. Each pass revokes access for entitlements whose window has
// passed and finishes revokes that cancellation left pending. Failures
// are per-candidate; a slow or broken controller never aborts a pass.
type Sweeper struct {
	svc         *Service
	interval    time.Duration
	batch       int
	maxFailures int
	alerter     Alerter

	running atomic.Bool
}

// NewSweeper configures the sweep loop. batch bounds one pass,
// maxFailures is the consecutive-revoke-failure budget per entitlement
// before it is force-closed, alerter may be nil.
func NewSweeper(svc *Service, interval time.Duration, batch, maxFailures int, alerter Alerter) *Sweeper {
	return &Sweeper{
		svc:         svc,
		interval:    interval,
		batch:       batch,
		maxFailures: maxFailures,
		alerter:     alerter,
	}
}

// Run ticks until ctx is cancelled. A tick that fires while the
// previous pass is still running is skipped.
func (s *Sweeper) Run(ctx context.Context) {
	logger.Info("Expiry sweeper started", map[string]interface{}{
		"interval": s.interval.String(),
		"batch":    s.batch,
	})

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Expiry sweeper stopped")
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				logger.Warn("Sweep pass finished with failures", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}

// Sweep executes one bounded pass.
func (s *Sweeper) Sweep(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		logger.Debug("Sweep pass still running, skipping tick")
		return nil
	}
	defer s.running.Store(false)

	candidates, err := s.svc.store.FindRevokables(ctx, s.svc.now(), s.batch)
	if err != nil {
		return fmt.Errorf("failed to query revokable entitlements: %w", err)
	}

	var errs *multierror.Error
	for _, candidate := range candidates {
		if err := s.sweepOne(ctx, candidate.ID, candidate.DeviceKey); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (s *Sweeper) sweepOne(ctx context.Context, id, deviceKey string) error {
	svc := s.svc

	unlock := svc.locks.lock(deviceKey)
	defer unlock()

	// re-read under the device lock; a reconnect or cancel may have
	// raced the candidate query
	e, err := svc.store.GetEntitlement(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to reload entitlement %s: %w", id, err)
	}
	if e == nil {
		return nil
	}

	now := svc.now()
	expired := e.ExpiredAt(now)
	cancelled := e.Status == models.StatusCancelled && e.AccessState != models.AccessRevoked
	if !expired && !cancelled {
		// window still open, nothing owed
		return nil
	}

	if err := svc.revoke(ctx, e.DeviceKey); err != nil {
		return s.handleRevokeFailure(ctx, e, err)
	}

	if expired {
		e.Status = models.StatusExpired
	}
	e.AccessState = models.AccessRevoked
	e.RevokeFailures = 0
	e.UpdatedAt = svc.now()
	if err := svc.store.SaveEntitlement(ctx, e); err != nil {
		return fmt.Errorf("failed to close entitlement %s: %w", e.ID, err)
	}

	logger.Info("Entitlement swept", map[string]interface{}{
		"entitlement_id": e.ID,
		"device_key":     e.DeviceKey,
		"status":         e.Status,
	})
	return nil
}

func (s *Sweeper) handleRevokeFailure(ctx context.Context, e *models.Entitlement, revokeErr error) error {
	svc := s.svc

	e.RevokeFailures++
	e.AccessState = models.AccessRevokePending
	e.UpdatedAt = svc.now()

	if e.RevokeFailures >= s.maxFailures {
		// the ledger must not carry permanently un-closeable rows; close
		// it and flag the possible controller leak to the operator
		if e.Status == models.StatusActive {
			e.Status = models.StatusExpired
		}
		e.AccessState = models.AccessRevoked

		logger.Error("Forcing entitlement closed with unconfirmed revoke", map[string]interface{}{
			"entitlement_id":  e.ID,
			"device_key":      e.DeviceKey,
			"revoke_failures": e.RevokeFailures,
			"error":           revokeErr.Error(),
		})
		if s.alerter != nil {
			body := fmt.Sprintf(
				"Entitlement %s for device %s was closed after %d failed revoke attempts.\n"+
					"The controller may still hold an access-list entry for this device.\n\nLast error: %v\n",
				e.ID, e.DeviceKey, e.RevokeFailures, revokeErr)
			if err := s.alerter.Alert("Unconfirmed revoke for "+e.DeviceKey, body); err != nil {
				logger.Warn("Failed to send inconsistency alert", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}

		if err := svc.store.SaveEntitlement(ctx, e); err != nil {
			return fmt.Errorf("failed to force-close entitlement %s: %w", e.ID, err)
		}
		return nil
	}

	if err := svc.store.SaveEntitlement(ctx, e); err != nil {
		return fmt.Errorf("failed to record revoke failure for %s: %w", e.ID, err)
	}

	logger.Warn("Revoke failed, will retry next pass", map[string]interface{}{
		"entitlement_id":  e.ID,
		"device_key":      e.DeviceKey,
		"revoke_failures": e.RevokeFailures,
		"error":           revokeErr.Error(),
	})
	return fmt.Errorf("revoke for %s (entitlement %s): %w", e.DeviceKey, e.ID, revokeErr)
}
