// Package pg implements the managed-mode persistence backend on Postgres,
// for deployments that run the forwarding engine against a shared database.
package pg

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/nextlevelbuilder/telefwd/internal/store"
)

// OpenDB opens a connection pool against dsn using the lib/pq driver.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// NewStores opens a Postgres connection and assembles every store backed
// by it, per managed mode in spec §6.
func NewStores(cfg store.Config) (*store.Stores, error) {
	db, err := OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	return &store.Stores{
		Sessions: NewSessionStore(db),
		Channels: NewChannelStore(db),
		Members:  NewMemberStore(db),
		Ledger:   NewLedgerStore(db),
		Metrics:  NewMetricsStore(db),
	}, nil
}
