package models

import "time"

const (
	AuditOpGrant  = "grant"
	AuditOpRevoke = "revoke"
)

const (
	AuditOutcomeOK        = "ok"
	AuditOutcomeTransient = "transient_error"
	AuditOutcomeProtocol  = "protocol_error"
)

// AccessAudit is one row per controller attempt. Append-only; the admin
// dashboard reads these, the engine never does.
type AccessAudit struct {
	ID        string
	DeviceKey string
	Op        string
	Outcome   string
	Attempt   int
	LatencyMs int64
	Detail    string
	CreatedAt time.Time
}
