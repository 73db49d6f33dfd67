// Package progress provides the event primitives and non-blocking hub that
// harvest workers use to report what happened to each unit. Events are
// batched on a background goroutine and fanned out to pluggable sinks such as
// structured logs or Prometheus metrics.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/project5001/harvestd/internal/harvest"
)

// Stage denotes the milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart    Stage = "RUN_START"
	StageRunDone     Stage = "RUN_DONE"
	StageUnitStart   Stage = "UNIT_START"
	StageUnitDone    Stage = "UNIT_DONE"
	StageFetchDone   Stage = "FETCH_DONE"
	StageRateLimited Stage = "RATE_LIMITED"
)

// Event captures a single milestone of a harvest run.
type Event struct {
	// RunID identifies the coordinator run this event belongs to.
	RunID uuid.UUID
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// SourceID scopes unit and fetch events to one catalogue item.
	SourceID string
	// DeviceID is the identity that performed the attempt, when one applies.
	DeviceID string
	// Quality is the ladder rung the attempt used.
	Quality string
	// Outcome classifies a finished fetch or unit.
	Outcome harvest.Outcome
	// Signal is set on RATE_LIMITED events.
	Signal harvest.Signal
	// Bytes carries the artifact size for successful fetches.
	Bytes int64
	// Dur is the attempt latency for fetches and the total for RUN_DONE.
	Dur time.Duration
	// Note carries low-volume context such as truncated error text.
	Note string
}

// Validate performs coarse validation before an event enters the hub.
func (e Event) Validate() error {
	if e.RunID == uuid.Nil {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone:
	case StageUnitStart:
		if e.SourceID == "" {
			return errors.New("unit start requires source id")
		}
	case StageUnitDone:
		if e.SourceID == "" {
			return errors.New("unit done requires source id")
		}
		if e.Outcome == "" {
			return errors.New("unit done requires outcome")
		}
	case StageFetchDone:
		if e.SourceID == "" || e.DeviceID == "" {
			return errors.New("fetch done requires source and device ids")
		}
		if e.Outcome == "" {
			return errors.New("fetch done requires outcome")
		}
	case StageRateLimited:
		if e.DeviceID == "" {
			return errors.New("rate limited requires device id")
		}
		if e.Signal == "" {
			return errors.New("rate limited requires signal")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
