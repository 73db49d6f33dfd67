package harvest

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors surfaced by the store and registry.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStoreBusy indicates lock contention persisted past the bounded
	// retry budget. The write was not applied.
	ErrStoreBusy = errors.New("store busy")
	// ErrNoActiveDevices indicates no device is currently in ACTIVE state.
	ErrNoActiveDevices = errors.New("no active devices")
	// ErrNoEligibleDevices is fatal for a run: every known device is
	// DISABLED and the harvest loop must halt.
	ErrNoEligibleDevices = errors.New("no eligible devices")
)

// CooldownError is returned by device selection when no device is ACTIVE but
// at least one is COOLING_DOWN. Until is the earliest cooldown expiry, so the
// caller can wait instead of busy-polling.
type CooldownError struct {
	Until time.Time
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("no device available until %s", e.Until.UTC().Format(time.RFC3339))
}

// AsCooldown unwraps err into a CooldownError if there is one in the chain.
func AsCooldown(err error) (*CooldownError, bool) {
	var ce *CooldownError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
