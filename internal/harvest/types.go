package harvest

import "time"

// DeviceState represents the rotation eligibility of a device identity.
type DeviceState string

// Device rotation states persisted in the store.
const (
	// DeviceActive devices are eligible for work.
	DeviceActive DeviceState = "ACTIVE"
	// DeviceCoolingDown devices are ineligible until their cooldown expires.
	DeviceCoolingDown DeviceState = "COOLING_DOWN"
	// DeviceDisabled devices are ineligible until an operator reactivates them.
	DeviceDisabled DeviceState = "DISABLED"
)

// DeviceRole describes what a cooperating node is allowed to do. Roles are
// metadata only; eligibility for fetch work is governed by DeviceState.
type DeviceRole string

// Device roles persisted in the store.
const (
	RolePrimary   DeviceRole = "primary-coordinator"
	RoleSecondary DeviceRole = "secondary"
	RoleReadOnly  DeviceRole = "read-only"
)

// Device is one cooperating identity in the rotation pool. A physical machine
// may hold several identities.
type Device struct {
	ID             string
	Name           string
	Role           DeviceRole
	State          DeviceState
	CooldownUntil  *time.Time
	RateLimitCount int64
	SuccessCount   int64
	FailureCount   int64
	LastActivity   *time.Time
	RegisteredAt   time.Time
}

// CatalogueEntry is the durable record of one successfully harvested item.
// The source ID is globally unique; re-harvesting an existing ID is a no-op.
type CatalogueEntry struct {
	SourceID    string
	Title       string
	Artist      string
	Quality     string
	StoragePath string
	AcquiredAt  time.Time
	DeviceID    string
}

// Signal classifies what kind of throttle was observed on a fetch attempt.
type Signal string

// Throttle signals recorded with rate-limit events.
const (
	SignalHTTP429       Signal = "http_429"
	SignalHTTP403       Signal = "http_403"
	SignalHTTP503       Signal = "http_503"
	SignalQuotaExceeded Signal = "quota_exceeded"
)

// RateLimitEvent is an append-only audit record of a detected throttle. The
// trailing-window count of these events per device drives the adaptive
// cooldown duration and the disable threshold.
type RateLimitEvent struct {
	ID         int64
	DeviceID   string
	DetectedAt time.Time
	Signal     Signal
	Detail     string
}

// MaxEventDetail bounds the raw diagnostic text stored with an event.
const MaxEventDetail = 500

// Outcome is the classification of one fetch attempt.
type Outcome string

// Fetch attempt outcomes.
const (
	OutcomeSuccess Outcome = "SUCCESS"
	// OutcomeTransient is retried on the same device with a small budget.
	OutcomeTransient Outcome = "TRANSIENT_FAILURE"
	// OutcomeRateLimited rotates the device and requeues the unit.
	OutcomeRateLimited Outcome = "RATE_LIMITED"
	// OutcomePermanent abandons the unit for this cycle.
	OutcomePermanent Outcome = "PERMANENT_FAILURE"
	// OutcomeQualityUnavailable steps down the quality ladder.
	OutcomeQualityUnavailable Outcome = "QUALITY_UNAVAILABLE"
	// OutcomeSkipped marks units the run abandoned rather than fetched,
	// either past the rotation bound or left over after a halt.
	OutcomeSkipped Outcome = "SKIPPED"
)

// WorkUnit is one catalogue source identifier queued for fetch-and-persist.
type WorkUnit struct {
	SourceID string
	Title    string
	Uploader string
	Origin   string
	// Target is the allocated library path. It travels with the unit across
	// requeues so a rotated unit keeps its sequence number.
	Target string
	// Rotations counts how many devices already gave up on this unit.
	Rotations int
}

// FetchRequest is handed to the downloader capability for one attempt.
type FetchRequest struct {
	SourceID   string
	DeviceID   string
	Quality    string
	TargetPath string
}

// FetchResult reports a finished fetch attempt. On failure Err is set and
// HTTPStatus/Output carry whatever diagnostics the tool emitted.
type FetchResult struct {
	Path       string
	Bytes      int64
	Duration   time.Duration
	ExitCode   int
	HTTPStatus int
	Output     string
	Err        error
}

// RemoteTrack is one item discovered when listing an upstream collection.
type RemoteTrack struct {
	SourceID string
	Title    string
	Uploader string
	Duration int64
}

// Tally summarises a coordinator run. Every queued unit lands in exactly one
// bucket.
type Tally struct {
	Succeeded        int
	AlreadyPresent   int
	PermanentFailure int
	Skipped          int
}

// Total returns the number of units accounted for.
func (t Tally) Total() int {
	return t.Succeeded + t.AlreadyPresent + t.PermanentFailure + t.Skipped
}

// DeviceSummary is the read-only per-device view served to status consumers.
type DeviceSummary struct {
	Device
	RecentRateLimits int64
	InCooldown       bool
}

// CatalogueStats aggregates catalogue counters for status consumers.
type CatalogueStats struct {
	TotalEntries  int64
	RecentEntries int64
	Since         time.Time
}
