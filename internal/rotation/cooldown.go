package rotation

import (
	"time"

	"github.com/project5001/harvestd/internal/harvest"
)

// Policy computes cooldown transitions for throttled devices. Cooldowns grow
// exponentially with the number of events in the trailing window, per device,
// so an identity that keeps getting throttled is not immediately re-selected.
type Policy struct {
	// BaseCooldown is the cooldown for the first event in an empty window.
	BaseCooldown time.Duration
	// MaxCooldown caps the exponential growth.
	MaxCooldown time.Duration
	// Window is the trailing period over which events are counted.
	Window time.Duration
	// DisableThreshold disables a device once the window holds more than
	// this many events. Manual reactivation required afterwards.
	DisableThreshold int64
}

// CooldownFor returns the cooldown duration applied after the (k+1)-th event,
// where priorEvents is the number already inside the window. Monotonically
// non-decreasing in priorEvents and capped at MaxCooldown.
func (p Policy) CooldownFor(priorEvents int64) time.Duration {
	d := p.BaseCooldown
	for i := int64(0); i < priorEvents; i++ {
		d *= 2
		if d >= p.MaxCooldown {
			return p.MaxCooldown
		}
	}
	if d > p.MaxCooldown {
		return p.MaxCooldown
	}
	return d
}

// Decide is the harvest.DecideFunc handed to the store: it runs inside the
// transaction that applies the transition. recentEvents excludes the event
// being recorded.
func (p Policy) Decide(now time.Time) harvest.DecideFunc {
	return func(_ harvest.Device, recentEvents int64) harvest.Decision {
		if recentEvents+1 > p.DisableThreshold {
			return harvest.Decision{State: harvest.DeviceDisabled}
		}
		return harvest.Decision{
			State:         harvest.DeviceCoolingDown,
			CooldownUntil: now.Add(p.CooldownFor(recentEvents)),
		}
	}
}
