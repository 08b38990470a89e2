// Package router wraps the external network access-controller. The
// controller is an unreliable actuator: calls can time out after the
// side effect landed, so callers treat the entitlement store as the
// source of intent and use Grant/Revoke as idempotent corrections.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Entry is one access-list row on the controller.
type Entry struct {
	ID        string    `json:".id"`
	DeviceKey string    `json:"device"`
	Address   string    `json:"address"`
	Until     time.Time `json:"until"`
}

// AccessController issues grant/revoke commands. Both operations are
// idempotent from the caller's point of view: Grant replaces any
// existing entry for the device, Revoke of a missing entry succeeds.
type AccessController interface {
	Grant(ctx context.Context, deviceKey, address string, until time.Time) error
	Revoke(ctx context.Context, deviceKey string) error
	List(ctx context.Context) ([]Entry, error)
}

type Kind int

const (
	// KindTransient covers timeouts, refused connections and 5xx
	// responses; retryable.
	KindTransient Kind = iota
	// KindProtocol covers malformed responses and explicit rejections;
	// retrying cannot help.
	KindProtocol
)

// Error tags a controller failure with its retry classification.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func TransientError(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

func ProtocolError(op string, err error) *Error {
	return &Error{Kind: KindProtocol, Op: op, Err: err}
}

// IsTransient reports whether err is (or wraps) a retryable
// controller failure.
func IsTransient(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == KindTransient
}
