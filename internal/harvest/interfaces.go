package harvest

import (
	"context"
	"time"
)

// Decision is what the rotation policy returns for a freshly detected
// throttle: the state the device should move to and, for COOLING_DOWN, when
// it becomes eligible again.
type Decision struct {
	State         DeviceState
	CooldownUntil time.Time
}

// DecideFunc computes the rotation decision for a throttled device. It runs
// inside the store transaction that applies the transition, so recentEvents
// (throttles in the trailing window, excluding the one being recorded) is
// read under the same serialization as the write.
type DecideFunc func(dev Device, recentEvents int64) Decision

// Store is the sole source of truth for catalogue entries, devices, and
// rate-limit events. Implementations must be safe for concurrent use and
// keep every multi-step operation atomic.
type Store interface {
	// UpsertCatalogueEntry inserts the entry if its source ID is absent.
	// It reports inserted=false, with no write performed, when the ID is
	// already present; a duplicate is a normal outcome.
	UpsertCatalogueEntry(ctx context.Context, entry CatalogueEntry) (inserted bool, err error)
	GetCatalogueEntry(ctx context.Context, sourceID string) (CatalogueEntry, error)
	CatalogueStats(ctx context.Context, recentSince time.Time) (CatalogueStats, error)

	RegisterDevice(ctx context.Context, dev Device) error
	GetDevice(ctx context.Context, id string) (Device, error)
	ListDevices(ctx context.Context, states ...DeviceState) ([]Device, error)

	// AcquireDevice promotes expired cooldowns back to ACTIVE, claims the
	// least-recently-used ACTIVE device by stamping its last-activity, and
	// returns it. All of that happens in one transaction so two racing
	// workers never claim the same stale row. Returns ErrNoActiveDevices
	// when nothing is ACTIVE after promotion.
	AcquireDevice(ctx context.Context, now time.Time) (Device, error)

	// RateLimitDevice appends the audit event and, if the device is still
	// ACTIVE, applies the transition computed by decide. It reports whether
	// this call performed the transition; under N concurrent detections for
	// one device exactly one caller sees applied=true.
	RateLimitDevice(ctx context.Context, event RateLimitEvent, window time.Duration, decide DecideFunc) (applied bool, err error)

	RecordSuccess(ctx context.Context, deviceID string, at time.Time) error
	RecordFailure(ctx context.Context, deviceID string, at time.Time) error

	// ReactivateDevice is the explicit operator path out of DISABLED (and
	// clears a pending cooldown). DisableDevice is the manual override in
	// the other direction.
	ReactivateDevice(ctx context.Context, id string) error
	DisableDevice(ctx context.Context, id string) error

	EarliestCooldownExpiry(ctx context.Context) (time.Time, bool, error)
	RecentRateLimitCounts(ctx context.Context, since time.Time) (map[string]int64, error)

	Close() error
}

// Downloader is the external capability that fetches one source at a
// requested quality using a given device identity. Failures come back inside
// FetchResult so the classifier can inspect status codes and tool output.
type Downloader interface {
	Fetch(ctx context.Context, req FetchRequest) FetchResult
	ListCollection(ctx context.Context, originURL string) ([]RemoteTrack, error)
}

// Notifier tells the mesh replication layer that new files landed. Calls are
// fire-and-forget; the coordinator never blocks on the result.
type Notifier interface {
	NotifyHarvested(ctx context.Context, sourceIDs []string) error
	Close() error
}

// Archiver persists a copy of a harvested artifact outside the harvest
// directory. Archival failures never fail the unit.
type Archiver interface {
	Archive(ctx context.Context, name string, data []byte) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
