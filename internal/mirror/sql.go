package mirror

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mesh-intelligence/splitsync/pkg/types"
)

// Dialect selects placeholder and DDL syntax.
type Dialect int

const (
	// DialectPostgres uses $n placeholders and JSONB payloads (lib/pq).
	DialectPostgres Dialect = iota
	// DialectSQLite uses ? placeholders and TEXT payloads (modernc.org/sqlite).
	DialectSQLite
)

// SQL mirrors every table into one relational table keyed by
// (table_name, record_id).
type SQL struct {
	db      *sql.DB
	dialect Dialect

	upsertSQL string
	deleteSQL string
}

// NewSQL creates the mirror table if needed. The SQL mirror owns db and
// closes it on Close.
func NewSQL(ctx context.Context, db *sql.DB, dialect Dialect) (*SQL, error) {
	m := &SQL{db: db, dialect: dialect}
	var ddl string
	switch dialect {
	case DialectPostgres:
		ddl = `CREATE TABLE IF NOT EXISTS mirror_records (
			table_name TEXT NOT NULL,
			record_id TEXT NOT NULL,
			payload JSONB NOT NULL,
			mirrored_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (table_name, record_id)
		)`
		m.upsertSQL = `INSERT INTO mirror_records (table_name, record_id, payload, mirrored_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (table_name, record_id) DO UPDATE SET
				payload = EXCLUDED.payload,
				mirrored_at = EXCLUDED.mirrored_at`
		m.deleteSQL = `DELETE FROM mirror_records WHERE table_name = $1 AND record_id = $2`
	case DialectSQLite:
		ddl = `CREATE TABLE IF NOT EXISTS mirror_records (
			table_name TEXT NOT NULL,
			record_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			mirrored_at TEXT NOT NULL,
			PRIMARY KEY (table_name, record_id)
		)`
		m.upsertSQL = `INSERT INTO mirror_records (table_name, record_id, payload, mirrored_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (table_name, record_id) DO UPDATE SET
				payload = excluded.payload,
				mirrored_at = excluded.mirrored_at`
		m.deleteSQL = `DELETE FROM mirror_records WHERE table_name = ? AND record_id = ?`
	default:
		return nil, types.ErrUnsupportedMirror
	}
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("creating mirror_records: %w", err)
	}
	return m, nil
}

func (m *SQL) Upsert(ctx context.Context, table, recordID string, payload []byte) error {
	if !json.Valid(payload) {
		return types.ErrInvalidData
	}
	var mirroredAt any = time.Now().UTC()
	if m.dialect == DialectSQLite {
		mirroredAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if _, err := m.db.ExecContext(ctx, m.upsertSQL, table, recordID, string(payload), mirroredAt); err != nil {
		return fmt.Errorf("mirroring %s/%s: %w", table, recordID, err)
	}
	return nil
}

func (m *SQL) Delete(ctx context.Context, table, recordID string) error {
	if _, err := m.db.ExecContext(ctx, m.deleteSQL, table, recordID); err != nil {
		return fmt.Errorf("deleting mirror %s/%s: %w", table, recordID, err)
	}
	return nil
}

func (m *SQL) Close() error {
	return m.db.Close()
}

// Payload returns the mirrored payload of a record.
func (m *SQL) Payload(ctx context.Context, table, recordID string) ([]byte, error) {
	q := `SELECT payload FROM mirror_records WHERE table_name = $1 AND record_id = $2`
	if m.dialect == DialectSQLite {
		q = `SELECT payload FROM mirror_records WHERE table_name = ? AND record_id = ?`
	}
	var payload string
	err := m.db.QueryRowContext(ctx, q, table, recordID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading mirror %s/%s: %w", table, recordID, err)
	}
	return []byte(payload), nil
}

// Count returns the number of mirrored records of table.
func (m *SQL) Count(ctx context.Context, table string) (int, error) {
	q := `SELECT COUNT(*) FROM mirror_records WHERE table_name = $1`
	if m.dialect == DialectSQLite {
		q = `SELECT COUNT(*) FROM mirror_records WHERE table_name = ?`
	}
	var n int
	if err := m.db.QueryRowContext(ctx, q, table).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting mirror %s: %w", table, err)
	}
	return n, nil
}
