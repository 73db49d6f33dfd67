package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/project5001/harvestd/internal/harvest"
)

const deviceColumns = `id, name, role, state, cooldown_until, rate_limit_count,
	success_count, failure_count, last_activity, registered_at`

func scanDevice(row interface{ Scan(...any) error }) (harvest.Device, error) {
	var dev harvest.Device
	var cooldown, activity sql.NullInt64
	var registered int64
	err := row.Scan(&dev.ID, &dev.Name, &dev.Role, &dev.State, &cooldown,
		&dev.RateLimitCount, &dev.SuccessCount, &dev.FailureCount,
		&activity, &registered)
	if err != nil {
		return harvest.Device{}, err
	}
	dev.CooldownUntil = fromNullMillis(cooldown)
	dev.LastActivity = fromNullMillis(activity)
	dev.RegisteredAt = fromMillis(registered)
	return dev, nil
}

// RegisterDevice inserts the device. A device that is already present keeps
// its state and counters; only name and role are refreshed.
func (s *Store) RegisterDevice(ctx context.Context, dev harvest.Device) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO devices (id, name, role, state, cooldown_until, registered_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET name = excluded.name, role = excluded.role`,
			dev.ID, dev.Name, dev.Role, dev.State,
			toNullMillis(dev.CooldownUntil), toMillis(dev.RegisteredAt),
		)
		if err != nil {
			return fmt.Errorf("register device %s: %w", dev.ID, err)
		}
		return nil
	})
}

// GetDevice returns the device or harvest.ErrNotFound.
func (s *Store) GetDevice(ctx context.Context, id string) (harvest.Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id)
	dev, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return harvest.Device{}, harvest.ErrNotFound
	}
	if err != nil {
		return harvest.Device{}, fmt.Errorf("get device %s: %w", id, err)
	}
	return dev, nil
}

// ListDevices returns all devices, optionally filtered by state, ordered by
// registration.
func (s *Store) ListDevices(ctx context.Context, states ...harvest.DeviceState) ([]harvest.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices`
	args := make([]any, 0, len(states))
	if len(states) > 0 {
		placeholders := make([]string, len(states))
		for i, st := range states {
			placeholders[i] = "?"
			args = append(args, st)
		}
		query += ` WHERE state IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY registered_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []harvest.Device
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, dev)
	}
	return devices, rows.Err()
}

// AcquireDevice promotes expired cooldowns, claims the least-recently-used
// ACTIVE device, and stamps its last activity, all in one transaction. A
// device that has never worked sorts first.
func (s *Store) AcquireDevice(ctx context.Context, now time.Time) (harvest.Device, error) {
	var dev harvest.Device
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE devices SET state = ?, cooldown_until = NULL
			WHERE state = ? AND cooldown_until IS NOT NULL AND cooldown_until <= ?`,
			harvest.DeviceActive, harvest.DeviceCoolingDown, toMillis(now),
		)
		if err != nil {
			return fmt.Errorf("promote expired cooldowns: %w", err)
		}

		row := tx.QueryRowContext(ctx, `
			SELECT `+deviceColumns+` FROM devices
			WHERE state = ?
			ORDER BY last_activity IS NOT NULL, last_activity, id
			LIMIT 1`, harvest.DeviceActive,
		)
		dev, err = scanDevice(row)
		if errors.Is(err, sql.ErrNoRows) {
			return harvest.ErrNoActiveDevices
		}
		if err != nil {
			return fmt.Errorf("select lru device: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE devices SET last_activity = ? WHERE id = ?`,
			toMillis(now), dev.ID,
		)
		if err != nil {
			return fmt.Errorf("stamp device %s: %w", dev.ID, err)
		}
		t := now
		dev.LastActivity = &t
		return nil
	})
	if err != nil {
		return harvest.Device{}, err
	}
	return dev, nil
}

// RateLimitDevice appends the audit event and, when the device is still
// ACTIVE, applies the transition decide computes from the trailing-window
// event count. The state guard on the UPDATE makes racing detections
// harmless: whoever runs first flips the row, later callers see applied=false.
func (s *Store) RateLimitDevice(
	ctx context.Context,
	event harvest.RateLimitEvent,
	window time.Duration,
	decide harvest.DecideFunc,
) (bool, error) {
	if len(event.Detail) > harvest.MaxEventDetail {
		event.Detail = event.Detail[:harvest.MaxEventDetail]
	}
	var applied bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		applied = false

		row := tx.QueryRowContext(ctx,
			`SELECT `+deviceColumns+` FROM devices WHERE id = ?`, event.DeviceID)
		dev, err := scanDevice(row)
		if errors.Is(err, sql.ErrNoRows) {
			return harvest.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load device %s: %w", event.DeviceID, err)
		}

		var recent int64
		err = tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM rate_limit_events
			WHERE device_id = ? AND detected_at >= ?`,
			event.DeviceID, toMillis(event.DetectedAt.Add(-window)),
		).Scan(&recent)
		if err != nil {
			return fmt.Errorf("count recent events: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO rate_limit_events (device_id, detected_at, signal, detail)
			VALUES (?, ?, ?, ?)`,
			event.DeviceID, toMillis(event.DetectedAt), event.Signal, event.Detail,
		)
		if err != nil {
			return fmt.Errorf("insert rate limit event: %w", err)
		}

		if dev.State != harvest.DeviceActive {
			return nil
		}

		decision := decide(dev, recent)
		var cooldown sql.NullInt64
		if decision.State == harvest.DeviceCoolingDown {
			cooldown = sql.NullInt64{Int64: toMillis(decision.CooldownUntil), Valid: true}
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE devices
			SET state = ?, cooldown_until = ?, rate_limit_count = rate_limit_count + 1
			WHERE id = ? AND state = ?`,
			decision.State, cooldown, event.DeviceID, harvest.DeviceActive,
		)
		if err != nil {
			return fmt.Errorf("apply transition for %s: %w", event.DeviceID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		applied = n > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// RecordSuccess bumps the success counter and last activity.
func (s *Store) RecordSuccess(ctx context.Context, deviceID string, at time.Time) error {
	return s.bumpCounter(ctx, deviceID, "success_count", at)
}

// RecordFailure bumps the failure counter and last activity.
func (s *Store) RecordFailure(ctx context.Context, deviceID string, at time.Time) error {
	return s.bumpCounter(ctx, deviceID, "failure_count", at)
}

func (s *Store) bumpCounter(ctx context.Context, deviceID, column string, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE devices SET `+column+` = `+column+` + 1, last_activity = ? WHERE id = ?`,
			toMillis(at), deviceID,
		)
		if err != nil {
			return fmt.Errorf("update %s for %s: %w", column, deviceID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return harvest.ErrNotFound
		}
		return nil
	})
}

// ReactivateDevice returns the device to ACTIVE and clears any cooldown.
func (s *Store) ReactivateDevice(ctx context.Context, id string) error {
	return s.setState(ctx, id, harvest.DeviceActive)
}

// DisableDevice takes the device out of rotation until reactivated.
func (s *Store) DisableDevice(ctx context.Context, id string) error {
	return s.setState(ctx, id, harvest.DeviceDisabled)
}

func (s *Store) setState(ctx context.Context, id string, state harvest.DeviceState) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE devices SET state = ?, cooldown_until = NULL WHERE id = ?`,
			state, id,
		)
		if err != nil {
			return fmt.Errorf("set device %s state: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return harvest.ErrNotFound
		}
		return nil
	})
}

// EarliestCooldownExpiry returns the soonest cooldown_until among
// COOLING_DOWN devices. The second return is false when no device is cooling.
func (s *Store) EarliestCooldownExpiry(ctx context.Context) (time.Time, bool, error) {
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(cooldown_until) FROM devices
		WHERE state = ? AND cooldown_until IS NOT NULL`,
		harvest.DeviceCoolingDown,
	).Scan(&ms)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("earliest cooldown expiry: %w", err)
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return fromMillis(ms.Int64), true, nil
}
