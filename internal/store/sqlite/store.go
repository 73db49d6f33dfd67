// Package sqlite is the embedded implementation of harvest.Store. Everything
// the daemon knows about the catalogue, the device pool, and rate-limit
// history lives in a single database file next to the harvest directory, so
// a node can be rebuilt from that one file plus the media it already holds.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"github.com/project5001/harvestd/internal/harvest"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	defaultBusyMaxRetries = 5
	defaultBusyBackoff    = 50 * time.Millisecond
)

// Options tunes the retry loop around SQLITE_BUSY before the error is
// surfaced as harvest.ErrStoreBusy. Zero values pick the defaults above.
type Options struct {
	BusyMaxRetries int
	BusyBackoff    time.Duration
}

// Store implements harvest.Store on an embedded SQLite database. The
// connection pool is capped at one writer by SQLite itself; WAL mode plus the
// busy timeout keep concurrent workers from tripping over each other.
type Store struct {
	db             *sql.DB
	busyMaxRetries int
	busyBackoff    time.Duration
	logger         *zap.Logger
}

var _ harvest.Store = (*Store)(nil)

// Open opens (or creates) the database at path and applies any pending
// migrations.
func Open(path string, opts Options, logger *zap.Logger) (*Store, error) {
	if opts.BusyMaxRetries <= 0 {
		opts.BusyMaxRetries = defaultBusyMaxRetries
	}
	if opts.BusyBackoff <= 0 {
		opts.BusyBackoff = defaultBusyBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %s: %w", path, err)
	}

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	logger.Info("store opened", zap.String("path", path))
	return &Store{
		db:             db,
		busyMaxRetries: opts.BusyMaxRetries,
		busyBackoff:    opts.BusyBackoff,
		logger:         logger,
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func isBusy(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == sqlitelib.SQLITE_BUSY || code == sqlitelib.SQLITE_LOCKED
	}
	return false
}

// withTx runs fn inside a transaction, retrying the whole transaction a
// bounded number of times when the database is busy. After the last attempt
// the caller sees harvest.ErrStoreBusy.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < s.busyMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.busyBackoff):
			}
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			if isBusy(err) {
				lastErr = err
				continue
			}
			return fmt.Errorf("begin transaction: %w", err)
		}
		err = fn(tx)
		if err != nil {
			tx.Rollback()
			if isBusy(err) {
				lastErr = err
				continue
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			if isBusy(err) {
				lastErr = err
				continue
			}
			return fmt.Errorf("commit transaction: %w", err)
		}
		return nil
	}
	return fmt.Errorf("%w: %v", harvest.ErrStoreBusy, lastErr)
}

// Times are stored as unix milliseconds so the schema never depends on a
// particular text format.

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func toNullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
