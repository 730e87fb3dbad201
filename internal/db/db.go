// Package db opens the SQL databases backing the event log and worktree stores.
package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Driver names as registered with database/sql.
const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres returns true if the driver is PostgreSQL (pgx).
func IsPostgres(driver string) bool {
	return driver == PGX
}

// Open returns an sqlx handle for driver. For SQLite target is a file path,
// for pgx it is a connection string.
func Open(driver, target string) (*sqlx.DB, error) {
	switch driver {
	case SQLite3, "sqlite":
		raw, err := OpenSQLite(target)
		if err != nil {
			return nil, err
		}
		return sqlx.NewDb(raw, SQLite3), nil
	case PGX, "postgres":
		raw, err := OpenPostgres(target, 0)
		if err != nil {
			return nil, err
		}
		return sqlx.NewDb(raw, PGX), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}
