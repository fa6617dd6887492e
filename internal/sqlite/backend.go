// Package sqlite implements the authoritative store for splitsync on SQLite.
//
// The backend owns the ledger (expenses, settlements), the symmetric
// friendship edges, the outbox of writes waiting to be mirrored, persisted
// conflict records, and the stored balance snapshot. Every ledger or
// friendship write inserts its outbox rows in the same transaction, so a
// committed write is always queued for mirroring.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mesh-intelligence/splitsync/pkg/types"
)

// DBFileName is the database file created inside Config.DataDir.
const DBFileName = "splitsync.db"

// currentSchemaVersion is stored in PRAGMA user_version.
// 1 - initial schema
// 2 - conflicts.user_id and balances table
const currentSchemaVersion = 3

// Backend is the SQLite store. It is safe for concurrent use; SQLite
// serializes writers and the pool is limited to one connection.
type Backend struct {
	mu       sync.RWMutex
	attached bool
	db       *sql.DB
	logger   *slog.Logger
	now      func() time.Time

	mirroring        bool // enqueue outbox rows on writes
	outboxMaxRetries int
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// WithClock replaces time.Now. Tests use it to control version stamps and
// outbox scheduling.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// WithoutMirroring disables outbox enqueueing on writes.
func WithoutMirroring() Option {
	return func(b *Backend) { b.mirroring = false }
}

// NewBackend creates a new SQLite backend instance.
// The backend is not attached; call Attach with a Config to initialize.
func NewBackend(opts ...Option) *Backend {
	b := &Backend{
		logger:           slog.Default(),
		now:              time.Now,
		mirroring:        true,
		outboxMaxRetries: types.DefaultOutboxMaxRetries,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(slog.String("component", "sqlite"))
	return b
}

// Attach opens (or creates) the database inside config.DataDir, applies
// pragmas and migrations. Returns ErrAlreadyAttached if called twice.
func (b *Backend) Attach(config types.Config) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.attached {
		return types.ErrAlreadyAttached
	}

	dataDir := config.DataDir
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dataDir, DBFileName))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("connecting to database: %w", err)
	}

	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return err
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return err
	}

	if config.Outbox.MaxRetries > 0 {
		b.outboxMaxRetries = config.Outbox.MaxRetries
	}
	b.db = db
	b.attached = true
	b.logger.Debug("attached", slog.String("data_dir", dataDir))
	return nil
}

// Detach closes the database. Idempotent.
func (b *Backend) Detach() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.attached {
		return nil
	}
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	b.db = nil
	b.attached = false
	return nil
}

// DB returns the underlying handle. Mirrors and tests use it; prefer the
// typed methods.
func (b *Backend) DB() *sql.DB {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.db
}

// conn returns the database handle or ErrDetached.
func (b *Backend) conn() (*sql.DB, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.attached {
		return nil, types.ErrDetached
	}
	return b.db, nil
}

// withTx runs fn inside a transaction, committing on nil error.
func (b *Backend) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db, err := b.conn()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (b *Backend) clock() time.Time {
	return b.now().UTC()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("executing %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates missing tables and runs migrations keyed on
// PRAGMA user_version. Idempotent.
func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("reading user_version: %w", err)
	}

	if version < 1 {
		for _, stmt := range schemaV1 {
			if _, err := db.Exec(stmt); err != nil {
				return fmt.Errorf("applying schema v1: %w", err)
			}
		}
	}
	if version < 2 {
		for _, stmt := range schemaV2 {
			if _, err := db.Exec(stmt); err != nil {
				return fmt.Errorf("applying schema v2: %w", err)
			}
		}
	}
	if version < 3 {
		for _, stmt := range schemaV3 {
			if _, err := db.Exec(stmt); err != nil {
				return fmt.Errorf("applying schema v3: %w", err)
			}
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("setting user_version: %w", err)
	}
	return nil
}
