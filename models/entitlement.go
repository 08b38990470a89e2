package models

import "time"

const (
	StatusActive    = "active"
	StatusExpired   = "expired"
	StatusCancelled = "cancelled"
)

const (
	SourcePayment   = "payment"
	SourceVoucher   = "voucher"
	SourceFreeTrial = "free_trial"
)

const (
	AccessNotGranted    = "not_granted"
	AccessGranted       = "granted"
	AccessRevokePending = "revoke_pending"
	AccessRevoked       = "revoked"
)

// Entitlement is a time-bounded right to network access for one device.
// Status tracks the logical window, AccessState tracks the last known
// controller-side state; the two drift apart under failure and are
// re-converged by the sweeper and the reconciler.
type Entitlement struct {
	ID             string
	DeviceKey      string
	OwnerID        string // empty for anonymous voucher/trial entitlements
	StartAt        time.Time
	EndAt          time.Time
	Status         string
	Source         string
	SourceRef      string
	AccessState    string
	RevokeFailures int // consecutive failed revoke attempts, reset on success
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ActiveAt reports whether the entitlement's window is open at t.
func (e *Entitlement) ActiveAt(t time.Time) bool {
	return e.Status == StatusActive && e.EndAt.After(t)
}

// ExpiredAt reports whether an active entitlement's window has closed at t.
func (e *Entitlement) ExpiredAt(t time.Time) bool {
	return e.Status == StatusActive && !e.EndAt.After(t)
}

func ValidSource(source string) bool {
	switch source {
	case SourcePayment, SourceVoucher, SourceFreeTrial:
		return true
	}
	return false
}
