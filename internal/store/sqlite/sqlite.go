// Package sqlite implements the standalone-mode persistence backend: a
// single-file SQLite database for running the forwarding engine without a
// separately managed Postgres instance (spec §6's standalone mode).
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/telefwd/internal/model"
	"github.com/nextlevelbuilder/telefwd/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	phone TEXT PRIMARY KEY, user_id TEXT NOT NULL DEFAULT '',
	credential TEXT NOT NULL DEFAULT '', state TEXT NOT NULL DEFAULT 'inactive',
	auto_paused INTEGER NOT NULL DEFAULT 0, pause_reason TEXT NOT NULL DEFAULT '',
	penalty_until DATETIME, last_error TEXT NOT NULL DEFAULT '', last_active DATETIME,
	created_at DATETIME NOT NULL, updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS channels (
	channel_id TEXT PRIMARY KEY, title TEXT NOT NULL DEFAULT '', username TEXT NOT NULL DEFAULT '',
	member_count INTEGER NOT NULL DEFAULT 0, forward_enabled INTEGER NOT NULL DEFAULT 0,
	base_delay_ms INTEGER NOT NULL DEFAULT 0, per_member_delay_ms INTEGER NOT NULL DEFAULT 0,
	min_delay_ms INTEGER NOT NULL DEFAULT 0, max_delay_ms INTEGER NOT NULL DEFAULT 0,
	owning_session TEXT NOT NULL DEFAULT '', created_at DATETIME NOT NULL, updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS members (
	channel_id TEXT NOT NULL, user_id TEXT NOT NULL, first_name TEXT NOT NULL DEFAULT '',
	last_name TEXT NOT NULL DEFAULT '', username TEXT NOT NULL DEFAULT '', phone TEXT NOT NULL DEFAULT '',
	is_bot INTEGER NOT NULL DEFAULT 0, PRIMARY KEY (channel_id, user_id)
);
CREATE TABLE IF NOT EXISTS operators (
	user_id TEXT PRIMARY KEY, role TEXT NOT NULL DEFAULT 'admin', is_active INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS forward_ledger (
	source_channel_id TEXT NOT NULL, source_message_id TEXT NOT NULL, recipient_user_id TEXT NOT NULL,
	session_phone TEXT NOT NULL, forwarded_message_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending', retry_count INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '', grouped_id TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL, updated_at DATETIME NOT NULL,
	PRIMARY KEY (source_channel_id, source_message_id, recipient_user_id)
);
CREATE INDEX IF NOT EXISTS idx_ledger_status_created ON forward_ledger (status, created_at);
CREATE TABLE IF NOT EXISTS metrics_points (
	session_phone TEXT NOT NULL, channel_id TEXT NOT NULL,
	messages_sent INTEGER NOT NULL DEFAULT 0, messages_failed INTEGER NOT NULL DEFAULT 0,
	flood_events INTEGER NOT NULL DEFAULT 0, spam_events INTEGER NOT NULL DEFAULT 0,
	bucket_start DATETIME NOT NULL,
	PRIMARY KEY (session_phone, channel_id, bucket_start)
);
`

// Open expands a leading "~" in path, creates the parent directory, opens
// the database and applies the schema.
func Open(path string) (*sql.DB, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid lock contention

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return db, nil
}

// NewStores opens the standalone SQLite database at cfg.SQLitePath and
// assembles every store backed by it.
func NewStores(cfg store.Config) (*store.Stores, error) {
	db, err := Open(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	return &store.Stores{
		Sessions: &sessionStore{db: db},
		Channels: &channelStore{db: db},
		Members:  &memberStore{db: db},
		Ledger:   &ledgerStore{db: db},
		Metrics:  &metricsStore{db: db},
	}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
