package models

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// Device is a weak binding owned by the captive portal's device registry.
// The engine only updates Address and LastSeen.
type Device struct {
	DeviceKey string
	Address   string // last-known network address
	LastSeen  time.Time
}

// NormalizeDeviceKey canonicalizes a MAC address to upper-case
// colon-separated form. Portal redirects deliver MACs in whatever
// format the router is configured with, so every entry point funnels
// through this before touching the store.
func NormalizeDeviceKey(raw string) (string, error) {
	hw, err := net.ParseMAC(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid device key %q: %w", raw, err)
	}
	if len(hw) != 6 {
		return "", fmt.Errorf("invalid device key %q: not a 48-bit address", raw)
	}
	return strings.ToUpper(hw.String()), nil
}
