package models

import "time"

// Voucher lifecycle is owned by the voucher collaborator; the engine
// only reads the derived duration and consumes uses.
type Voucher struct {
	ID           string
	Code         string
	DurationSecs int64
	MaxUses      int
	Uses         int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (v *Voucher) Exhausted() bool {
	return v.Uses >= v.MaxUses
}

func (v *Voucher) Duration() time.Duration {
	return time.Duration(v.DurationSecs) * time.Second
}

// TrialClaim records the one-time free-trial use for a device.
type TrialClaim struct {
	DeviceKey string
	ClaimedAt time.Time
}
