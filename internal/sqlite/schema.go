package sqlite

import "time"

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// Schema DDL, version 1.
var schemaV1 = []string{
	`CREATE TABLE IF NOT EXISTS expenses (
    expense_id TEXT PRIMARY KEY,
    group_id TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL,
    amount_cents INTEGER NOT NULL,
    currency TEXT NOT NULL,
    category TEXT NOT NULL DEFAULT '',
    expense_date TEXT NOT NULL,
    notes TEXT NOT NULL DEFAULT '',
    paid_by TEXT NOT NULL,
    deleted INTEGER NOT NULL DEFAULT 0,
    version INTEGER NOT NULL,
    last_modified TEXT NOT NULL,
    modified_by TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
)`,

	`CREATE TABLE IF NOT EXISTS expense_participants (
    expense_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    paid_cents INTEGER NOT NULL,
    owed_cents INTEGER NOT NULL,
    ordinal INTEGER NOT NULL,
    PRIMARY KEY (expense_id, user_id),
    FOREIGN KEY (expense_id) REFERENCES expenses(expense_id) ON DELETE CASCADE
)`,

	`CREATE INDEX IF NOT EXISTS idx_expense_participants_user ON expense_participants(user_id)`,

	`CREATE TABLE IF NOT EXISTS settlements (
    settlement_id TEXT PRIMARY KEY,
    group_id TEXT NOT NULL DEFAULT '',
    from_user_id TEXT NOT NULL,
    to_user_id TEXT NOT NULL,
    amount_cents INTEGER NOT NULL,
    currency TEXT NOT NULL,
    settlement_date TEXT NOT NULL,
    notes TEXT NOT NULL DEFAULT '',
    deleted INTEGER NOT NULL DEFAULT 0,
    version INTEGER NOT NULL,
    last_modified TEXT NOT NULL,
    modified_by TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
)`,

	`CREATE INDEX IF NOT EXISTS idx_settlements_from ON settlements(from_user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_settlements_to ON settlements(to_user_id)`,

	// No uniqueness on (user_id, friend_id): legacy rows at non-deterministic
	// ids may coexist with the canonical row until repaired.
	`CREATE TABLE IF NOT EXISTS friendships (
    friendship_id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    friend_id TEXT NOT NULL,
    status TEXT NOT NULL,
    requested_by TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
)`,

	`CREATE INDEX IF NOT EXISTS idx_friendships_pair ON friendships(user_id, friend_id)`,

	`CREATE TABLE IF NOT EXISTS outbox (
    idempotency_key TEXT PRIMARY KEY,
    operation TEXT NOT NULL,
    table_name TEXT NOT NULL,
    record_id TEXT NOT NULL,
    payload TEXT,
    status TEXT NOT NULL,
    retries INTEGER NOT NULL DEFAULT 0,
    max_retries INTEGER NOT NULL,
    next_retry_at TEXT NOT NULL,
    last_error TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
)`,

	`CREATE INDEX IF NOT EXISTS idx_outbox_due ON outbox(status, next_retry_at)`,

	`CREATE TABLE IF NOT EXISTS conflicts (
    conflict_id TEXT PRIMARY KEY,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    field TEXT NOT NULL,
    server_value TEXT NOT NULL,
    client_value TEXT NOT NULL,
    last_modified TEXT NOT NULL,
    requires_user_input INTEGER NOT NULL,
    resolution TEXT NOT NULL DEFAULT '',
    resolved_at TEXT,
    created_at TEXT NOT NULL
)`,

	`CREATE INDEX IF NOT EXISTS idx_conflicts_entity ON conflicts(entity_type, entity_id)`,
}

// Schema DDL, version 2.
var schemaV2 = []string{
	`ALTER TABLE conflicts ADD COLUMN user_id TEXT NOT NULL DEFAULT ''`,

	`CREATE INDEX IF NOT EXISTS idx_conflicts_user ON conflicts(user_id)`,

	`CREATE TABLE IF NOT EXISTS balances (
    user_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    counterparty_id TEXT NOT NULL,
    amount_cents INTEGER NOT NULL,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (user_id, kind, counterparty_id)
)`,
}

// Schema DDL, version 3.
var schemaV3 = []string{
	`CREATE INDEX IF NOT EXISTS idx_outbox_record ON outbox(table_name, record_id)`,
}
