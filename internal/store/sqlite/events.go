package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/project5001/harvestd/internal/harvest"
)

// RecentRateLimitCounts returns, per device, the number of rate-limit events
// detected at or after since. Devices with no recent events are absent from
// the map.
func (s *Store) RecentRateLimitCounts(ctx context.Context, since time.Time) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, COUNT(*) FROM rate_limit_events
		WHERE detected_at >= ?
		GROUP BY device_id`, toMillis(since),
	)
	if err != nil {
		return nil, fmt.Errorf("recent rate limit counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var id string
		var n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scan rate limit count: %w", err)
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// RecentRateLimitEvents returns up to limit events detected at or after
// since, newest first. Served by the status API.
func (s *Store) RecentRateLimitEvents(ctx context.Context, since time.Time, limit int) ([]harvest.RateLimitEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, detected_at, signal, detail FROM rate_limit_events
		WHERE detected_at >= ?
		ORDER BY detected_at DESC, id DESC
		LIMIT ?`, toMillis(since), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent rate limit events: %w", err)
	}
	defer rows.Close()

	var events []harvest.RateLimitEvent
	for rows.Next() {
		var ev harvest.RateLimitEvent
		var detected int64
		if err := rows.Scan(&ev.ID, &ev.DeviceID, &detected, &ev.Signal, &ev.Detail); err != nil {
			return nil, fmt.Errorf("scan rate limit event: %w", err)
		}
		ev.DetectedAt = fromMillis(detected)
		events = append(events, ev)
	}
	return events, rows.Err()
}
