package entitlement

import "sync"

// keyMutex serializes grant/revoke/activation work per device key.
// Operations on different devices proceed in parallel; two operations
// on the same device never interleave their controller calls.
//
// Entries are never freed; the table is bounded by the device
// population of one hotspot site.
type keyMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyMutex() *keyMutex {
	return &keyMutex{locks: make(map[string]*sync.Mutex)}
}

// lock blocks until the key's mutex is held and returns the unlock.
func (k *keyMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
