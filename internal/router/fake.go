package router

import (
	"context"
	"sync"
	"time"
)

// Fake is an in-memory controller for tests. Failures are scripted per
// call: each Grant/Revoke pops the next queued error before touching
// the entry table.
type Fake struct {
	mu          sync.Mutex
	entries     map[string]Entry
	grantErrs   []error
	revokeErrs  []error
	GrantCalls  int
	RevokeCalls int
}

func NewFake() *Fake {
	return &Fake{entries: make(map[string]Entry)}
}

// FailGrants queues errors returned by the next Grant calls, in order.
func (f *Fake) FailGrants(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grantErrs = append(f.grantErrs, errs...)
}

// FailRevokes queues errors returned by the next Revoke calls, in order.
func (f *Fake) FailRevokes(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revokeErrs = append(f.revokeErrs, errs...)
}

func (f *Fake) Grant(ctx context.Context, deviceKey, address string, until time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.GrantCalls++
	if len(f.grantErrs) > 0 {
		err := f.grantErrs[0]
		f.grantErrs = f.grantErrs[1:]
		if err != nil {
			return err
		}
	}

	f.entries[deviceKey] = Entry{
		ID:        deviceKey,
		DeviceKey: deviceKey,
		Address:   address,
		Until:     until,
	}
	return nil
}

func (f *Fake) Revoke(ctx context.Context, deviceKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.RevokeCalls++
	if len(f.revokeErrs) > 0 {
		err := f.revokeErrs[0]
		f.revokeErrs = f.revokeErrs[1:]
		if err != nil {
			return err
		}
	}

	// removing a missing entry is the idempotent no-op the contract asks for
	delete(f.entries, deviceKey)
	return nil
}

func (f *Fake) List(ctx context.Context) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries := make([]Entry, 0, len(f.entries))
	for _, e := range f.entries {
		entries = append(entries, e)
	}
	return entries, nil
}

// Entry returns the current access-list entry for deviceKey, if any.
func (f *Fake) Entry(deviceKey string) (Entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.entries[deviceKey]
	return e, ok
}
