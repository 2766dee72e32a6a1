package pg

import (
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver; the migrator runs over OpenDB's lib/pq connection
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// NewMigrator builds a *migrate.Migrate over the embedded SQL migrations
// against dsn. The caller owns the returned migrator and must Close it.
func NewMigrator(dsn string) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}

	db, err := OpenDB(dsn)
	if err != nil {
		return nil, err
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

// Migrate applies every pending migration embedded under
// internal/store/pg/migrations against dsn.
func Migrate(dsn string) error {
	m, err := NewMigrator(dsn)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// Version reports the current applied migration version and dirty flag.
func Version(dsn string) (version uint, dirty bool, err error) {
	m, err := NewMigrator(dsn)
	if err != nil {
		return 0, false, err
	}
	defer m.Close()

	return m.Version()
}
