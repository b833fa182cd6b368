// Package store opens the relational database backing jobs, subscriptions,
// the credit ledger, and collections, and applies its migrations.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure Go driver, no cgo
)

// Config controls the SQLite connection pool.
type Config struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// DefaultConfig returns sane defaults for a single-writer, many-reader
// worker process.
func DefaultConfig() Config {
	return Config{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 8,
	}
}

// Open opens the database at path (or ":memory:" for tests), applies the
// pragmas a correct single-writer workload needs, and runs migrations.
func Open(ctx context.Context, path string, cfg Config) (*sql.DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		path, cfg.BusyTimeout.Milliseconds(),
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS subscriptions (
	tenant             TEXT PRIMARY KEY,
	tier               TEXT NOT NULL,
	monthly_remaining  INTEGER NOT NULL,
	monthly_allotment  INTEGER NOT NULL,
	topup_balance      INTEGER NOT NULL DEFAULT 0,
	storage_used_bytes INTEGER NOT NULL DEFAULT 0,
	reset_at           TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	tenant           TEXT NOT NULL,
	source           TEXT NOT NULL,
	mode             TEXT NOT NULL,
	settings_json    TEXT NOT NULL,
	status           TEXT NOT NULL CHECK(status IN ('queued','running','completed','failed','cancelled')),
	progress         INTEGER NOT NULL DEFAULT 0,
	progress_text    TEXT NOT NULL DEFAULT '',
	title            TEXT NOT NULL DEFAULT '',
	error            TEXT NOT NULL DEFAULT '',
	credits_deducted INTEGER NOT NULL DEFAULT 0,
	content_id       TEXT NOT NULL DEFAULT '',
	created_at       TEXT NOT NULL,
	started_at       TEXT,
	completed_at     TEXT
);

CREATE INDEX IF NOT EXISTS idx_jobs_tenant_created ON jobs(tenant, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

CREATE TABLE IF NOT EXISTS credit_transactions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant     TEXT NOT NULL,
	kind       TEXT NOT NULL CHECK(kind IN ('grant','deduct','refund','topup_purchase')),
	delta      INTEGER NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	job_id     TEXT NOT NULL DEFAULT '',
	content_id TEXT NOT NULL DEFAULT '',
	timestamp  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_credit_tx_tenant ON credit_transactions(tenant, timestamp);

-- Idempotent refund: at most one refund transaction per (job_id, kind).
CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_tx_refund_natural_key
	ON credit_transactions(job_id, kind)
	WHERE kind = 'refund';

CREATE TABLE IF NOT EXISTS collections (
	id         TEXT PRIMARY KEY,
	tenant     TEXT NOT NULL,
	name       TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_collections_tenant ON collections(tenant);

CREATE TABLE IF NOT EXISTS collection_members (
	collection_id TEXT NOT NULL,
	content_id    TEXT NOT NULL,
	added_at      TEXT NOT NULL,
	PRIMARY KEY (collection_id, content_id)
);
`

func migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schema)
	return err
}
