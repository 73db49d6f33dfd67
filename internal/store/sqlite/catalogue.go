package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/project5001/harvestd/internal/harvest"
)

// UpsertCatalogueEntry inserts the entry unless its source ID already exists.
// ON CONFLICT DO NOTHING keeps the existing row untouched, so the first
// writer wins and everyone else learns the item was already present.
func (s *Store) UpsertCatalogueEntry(ctx context.Context, entry harvest.CatalogueEntry) (bool, error) {
	var inserted bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO catalogue (source_id, title, artist, quality, storage_path, acquired_at, device_id)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (source_id) DO NOTHING`,
			entry.SourceID, entry.Title, entry.Artist, entry.Quality,
			entry.StoragePath, toMillis(entry.AcquiredAt), entry.DeviceID,
		)
		if err != nil {
			return fmt.Errorf("insert catalogue entry: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		inserted = n > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// GetCatalogueEntry returns the entry for sourceID or harvest.ErrNotFound.
func (s *Store) GetCatalogueEntry(ctx context.Context, sourceID string) (harvest.CatalogueEntry, error) {
	var entry harvest.CatalogueEntry
	var acquired int64
	err := s.db.QueryRowContext(ctx, `
		SELECT source_id, title, artist, quality, storage_path, acquired_at, device_id
		FROM catalogue WHERE source_id = ?`, sourceID,
	).Scan(&entry.SourceID, &entry.Title, &entry.Artist, &entry.Quality,
		&entry.StoragePath, &acquired, &entry.DeviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return harvest.CatalogueEntry{}, harvest.ErrNotFound
	}
	if err != nil {
		return harvest.CatalogueEntry{}, fmt.Errorf("get catalogue entry %s: %w", sourceID, err)
	}
	entry.AcquiredAt = fromMillis(acquired)
	return entry, nil
}

// CatalogueStats counts total entries and those acquired since recentSince.
func (s *Store) CatalogueStats(ctx context.Context, recentSince time.Time) (harvest.CatalogueStats, error) {
	stats := harvest.CatalogueStats{Since: recentSince}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN acquired_at >= ? THEN 1 ELSE 0 END), 0)
		FROM catalogue`, toMillis(recentSince),
	).Scan(&stats.TotalEntries, &stats.RecentEntries)
	if err != nil {
		return harvest.CatalogueStats{}, fmt.Errorf("catalogue stats: %w", err)
	}
	return stats, nil
}
