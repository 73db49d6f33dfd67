// Package rotation implements the device registry and rotation state
// machine: which identity performs the next unit of work, and how throttled
// identities cool down, recover, or get disabled. All state lives in the
// store; the registry holds only policy.
package rotation

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/project5001/harvestd/internal/harvest"
)

// Registry arbitrates device selection and rotation transitions.
type Registry struct {
	store  harvest.Store
	policy Policy
	clock  harvest.Clock
	logger *zap.Logger
}

// New constructs a Registry.
func New(store harvest.Store, policy Policy, clock harvest.Clock, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{store: store, policy: policy, clock: clock, logger: logger}
}

// Register adds a device to the rotation pool in ACTIVE state. Registering an
// already-known identity is a no-op.
func (r *Registry) Register(ctx context.Context, id, name string, role harvest.DeviceRole) error {
	dev := harvest.Device{
		ID:           id,
		Name:         name,
		Role:         role,
		State:        harvest.DeviceActive,
		RegisteredAt: r.clock.Now(),
	}
	if err := r.store.RegisterDevice(ctx, dev); err != nil {
		return fmt.Errorf("register device %s: %w", id, err)
	}
	r.logger.Info("device registered", zap.String("device_id", id), zap.String("role", string(role)))
	return nil
}

// Select picks the least-recently-used ACTIVE device, promoting any expired
// cooldowns first. When nothing is ACTIVE it reports either a CooldownError
// carrying the earliest expiry, or the fatal harvest.ErrNoEligibleDevices
// when every device is DISABLED (or none exist).
func (r *Registry) Select(ctx context.Context) (harvest.Device, error) {
	dev, err := r.store.AcquireDevice(ctx, r.clock.Now())
	if err == nil {
		return dev, nil
	}
	if !errors.Is(err, harvest.ErrNoActiveDevices) {
		return harvest.Device{}, fmt.Errorf("acquire device: %w", err)
	}

	until, any, expErr := r.store.EarliestCooldownExpiry(ctx)
	if expErr != nil {
		return harvest.Device{}, fmt.Errorf("earliest cooldown expiry: %w", expErr)
	}
	if any {
		return harvest.Device{}, &harvest.CooldownError{Until: until}
	}
	return harvest.Device{}, harvest.ErrNoEligibleDevices
}

// MarkRateLimited records a throttle for the device and applies the cooldown
// or disable transition. It reports whether this call performed the
// transition; when several workers observe the same throttle concurrently,
// only the first one does.
func (r *Registry) MarkRateLimited(
	ctx context.Context,
	deviceID string,
	signal harvest.Signal,
	detail string,
) (bool, error) {
	now := r.clock.Now()
	event := harvest.RateLimitEvent{
		DeviceID:   deviceID,
		DetectedAt: now,
		Signal:     signal,
		Detail:     detail,
	}
	applied, err := r.store.RateLimitDevice(ctx, event, r.policy.Window, r.policy.Decide(now))
	if err != nil {
		return false, fmt.Errorf("rate limit device %s: %w", deviceID, err)
	}
	if applied {
		r.logger.Warn("device rate limited",
			zap.String("device_id", deviceID),
			zap.String("signal", string(signal)),
		)
	}
	return applied, nil
}

// Reactivate is the explicit operator action that returns a DISABLED (or
// cooling) device to ACTIVE.
func (r *Registry) Reactivate(ctx context.Context, deviceID string) error {
	if err := r.store.ReactivateDevice(ctx, deviceID); err != nil {
		return fmt.Errorf("reactivate device %s: %w", deviceID, err)
	}
	r.logger.Info("device reactivated", zap.String("device_id", deviceID))
	return nil
}

// Disable is the manual override that takes a device out of rotation
// indefinitely.
func (r *Registry) Disable(ctx context.Context, deviceID string) error {
	if err := r.store.DisableDevice(ctx, deviceID); err != nil {
		return fmt.Errorf("disable device %s: %w", deviceID, err)
	}
	r.logger.Info("device disabled", zap.String("device_id", deviceID))
	return nil
}

// RecordSuccess stamps the device's last activity and success counter after a
// completed fetch.
func (r *Registry) RecordSuccess(ctx context.Context, deviceID string) error {
	if err := r.store.RecordSuccess(ctx, deviceID, r.clock.Now()); err != nil {
		return fmt.Errorf("record success for %s: %w", deviceID, err)
	}
	return nil
}

// RecordFailure stamps the device's last activity and failure counter after a
// non-throttle failure.
func (r *Registry) RecordFailure(ctx context.Context, deviceID string) error {
	if err := r.store.RecordFailure(ctx, deviceID, r.clock.Now()); err != nil {
		return fmt.Errorf("record failure for %s: %w", deviceID, err)
	}
	return nil
}
