package store

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrations embed.FS

// Migrate creates or upgrades the reports and report_logs tables.
//
// The golang-migrate driver takes ownership of the pool for the
// duration of the run but is deliberately not closed, since closing
// it would close db as well.
func Migrate(db *DB) error {
	src, err := iofs.New(migrations, "migrations/"+db.dialect.Driver)
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}

	var driver database.Driver
	switch db.dialect.Driver {
	case "sqlite3":
		driver, err = migratesqlite.WithInstance(db.pool, &migratesqlite.Config{})
	case "mysql":
		driver, err = migratemysql.WithInstance(db.pool, &migratemysql.Config{})
	case "pgx":
		driver, err = migratepgx.WithInstance(db.pool, &migratepgx.Config{})
	default:
		err = fmt.Errorf("no migrations for driver %q", db.dialect.Driver)
	}
	if err != nil {
		return fmt.Errorf("initializing migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, db.dialect.Driver, driver)
	if err != nil {
		return fmt.Errorf("initializing migrations: %w", err)
	}

	slog.Info("Applying database migrations", "driver", db.dialect.Driver)
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}
