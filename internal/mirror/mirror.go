// Package mirror delivers outbox writes to the secondary store.
//
// Every target applies upsert-by-primary-key and delete-by-primary-key, so
// delivering the same item twice leaves the target unchanged.
package mirror

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"

	_ "github.com/lib/pq"

	"github.com/mesh-intelligence/splitsync/pkg/types"
)

// Mirror is a secondary store.
type Mirror interface {
	// Upsert stores payload as the record (table, recordID).
	Upsert(ctx context.Context, table, recordID string, payload []byte) error
	// Delete removes the record. Deleting a missing record succeeds.
	Delete(ctx context.Context, table, recordID string) error
	Close() error
}

// Discard accepts every write. It backs MirrorNone.
type Discard struct{}

func (Discard) Upsert(context.Context, string, string, []byte) error { return nil }
func (Discard) Delete(context.Context, string, string) error         { return nil }
func (Discard) Close() error                                         { return nil }

// Open builds the mirror named by cfg.Mirror.Kind.
func Open(ctx context.Context, cfg types.Config, logger *slog.Logger) (Mirror, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Mirror.Kind {
	case types.MirrorNone, "":
		return Discard{}, nil
	case types.MirrorJSONL:
		dir := cfg.Mirror.Dir
		if dir == "" {
			dir = filepath.Join(cfg.DataDir, "mirror")
		}
		return NewJSONL(dir)
	case types.MirrorPostgres:
		db, err := sql.Open("postgres", cfg.Mirror.DSN)
		if err != nil {
			return nil, fmt.Errorf("opening postgres mirror: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("connecting to postgres mirror: %w", err)
		}
		return NewSQL(ctx, db, DialectPostgres)
	case types.MirrorMongo:
		return OpenMongo(ctx, cfg.Mirror.DSN, cfg.Mirror.Database, logger)
	default:
		return nil, fmt.Errorf("%w: %q", types.ErrUnsupportedMirror, cfg.Mirror.Kind)
	}
}
