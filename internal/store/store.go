package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mattn/go-sqlite3"

	"github.com/tim-projects/not-the-news-sub001/internal/clock"
	"github.com/tim-projects/not-the-news-sub001/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on pending_operations.affected_key and marks ordering
const currentSchemaVersion = 1

var (
	// ErrCapacity is returned when a write would grow the database past its
	// page quota (SQLITE_FULL). It is never retried by the store.
	ErrCapacity = errors.New("local store is full")

	// ErrNotFound is returned by single-entry reads when no entry exists.
	ErrNotFound = errors.New("not found")
)

// Store is the durable local copy of feed content and user state.
// Uses SQLite with WAL mode and a single connection, so all writes are
// serialised.
type Store struct {
	queries
	db     *sql.DB
	clock  clock.Clock
	logger *slog.Logger
}

// Option configures Open.
type Option func(*options)

type options struct {
	maxPages int
	clock    clock.Clock
	logger   *slog.Logger
}

// WithMaxPages caps the database size at n pages (PRAGMA max_page_count).
// Writes beyond the cap fail with ErrCapacity. Zero means unlimited.
func WithMaxPages(n int) Option {
	return func(o *options) { o.maxPages = n }
}

// WithClock sets the clock used to timestamp migrated legacy entries.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger for migration diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically, then converts any
// legacy mark lists to structured entries before returning, so no reader
// ever observes the legacy form.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections.
	// Per-connection pragmas (max_page_count) rely on this too.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db, o.maxPages); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{
		queries: queries{q: db, db: db},
		db:      db,
		clock:   clock.Or(o.clock),
		logger:  o.logger,
	}

	if err := s.drainLegacyMarks(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate legacy marks: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Tx is an atomic group of store operations. It exposes the same read and
// write methods as Store; nothing is visible to other readers until the
// enclosing Batch returns nil.
type Tx struct {
	queries
}

// Batch runs fn inside a single transaction. If fn returns an error the
// transaction is rolled back and no partial write is ever visible.
func (s *Store) Batch(ctx context.Context, fn func(tx *Tx) error) error {
	return s.atomic(ctx, func(q queries) error {
		return fn(&Tx{queries: q})
	})
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB, maxPages int) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	if maxPages > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA max_page_count = %d", maxPages))
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds the lookup indexes used by the race guard and by ordered
// mark reads.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_pending_affected_key
		ON pending_operations(affected_key);
		CREATE INDEX IF NOT EXISTS idx_marks_collection_position
		ON marks(collection, position, id);
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// drainLegacyMarks rewrites every legacy mark list into structured marks and
// deletes the legacy rows, in one transaction. Legacy entries get the
// current time as their timestamp. Entries already present in structured
// form are kept as they are.
func (s *Store) drainLegacyMarks(ctx context.Context) error {
	return s.atomic(ctx, func(q queries) error {
		rows, err := q.q.QueryContext(ctx, `SELECT collection, payload FROM legacy_marks ORDER BY collection`)
		if err != nil {
			return fmt.Errorf("query legacy marks: %w", err)
		}
		type legacy struct {
			collection string
			payload    string
		}
		var pending []legacy
		for rows.Next() {
			var l legacy
			if err := rows.Scan(&l.collection, &l.payload); err != nil {
				rows.Close()
				return fmt.Errorf("scan legacy marks: %w", err)
			}
			pending = append(pending, l)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate legacy marks: %w", err)
		}

		now := s.clock.Now()
		for _, l := range pending {
			marks, err := model.DecodeMarks([]byte(l.payload), now)
			if err != nil {
				s.logger.Warn("dropping undecodable legacy mark list",
					"collection", l.collection, "error", err)
				marks = nil
			}
			for _, m := range marks {
				if err := q.insertMarkIfAbsent(ctx, l.collection, m); err != nil {
					return err
				}
			}
			if _, err := q.q.ExecContext(ctx, `DELETE FROM legacy_marks WHERE collection = ?`, l.collection); err != nil {
				return wrapErr("delete legacy marks", err)
			}
			s.logger.Info("migrated legacy marks", "collection", l.collection, "entries", len(marks))
		}
		return nil
	})
}

// wrapErr annotates err with op and maps SQLITE_FULL to ErrCapacity.
func wrapErr(op string, err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrFull {
		return fmt.Errorf("%s: %w: %v", op, ErrCapacity, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
