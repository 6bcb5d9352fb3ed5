package database

import (
	"database/sql"
	"embed"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/vaultgrade/backend/core"
)

//go:embed migrations/*.sql
var MigrationsFS embed.FS

const MigrationsDir = "migrations"

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open connects to the configured database and waits for it to answer.
func Open(conf *core.Config) (*sqlx.DB, error) {
	driver, dsn := conf.Database.Driver, conf.Database.DSN
	switch driver {
	case DriverSQLite:
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o700); err != nil {
				return nil, errors.Wrap(err, "creating database directory")
			}
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_time_format=sqlite"
		}
	case DriverPostgres:
	default:
		return nil, errors.Errorf("unsupported database driver %q", driver)
	}

	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	if driver == DriverSQLite {
		// sqlite allows a single writer
		db.SetMaxOpenConns(1)
	}
	if err := ping(db.DB); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// ping waits for the database to be ready. Waits 100ms longer between each attempt.
func ping(db *sql.DB) error {
	var err error
	maxAttempts := 30
	for attempts := 1; attempts <= maxAttempts; attempts++ {
		err = db.Ping()
		if err == nil {
			break
		}
		time.Sleep(time.Duration(attempts) * 100 * time.Millisecond)
	}

	if err != nil {
		return errors.Wrap(err, "DB ping timeout")
	}
	return nil
}

// GooseDialect maps a driver name to its goose dialect.
func GooseDialect(driver string) string {
	if driver == DriverSQLite {
		return "sqlite3"
	}
	return driver
}

// PrepareGoose points goose at the embedded migrations for db's dialect.
func PrepareGoose(db *sqlx.DB) error {
	goose.SetBaseFS(MigrationsFS)
	if err := goose.SetDialect(GooseDialect(db.DriverName())); err != nil {
		return errors.Wrap(err, "setting goose dialect")
	}
	return nil
}

func Migrate(db *sqlx.DB) error {
	if err := PrepareGoose(db); err != nil {
		return err
	}
	if err := goose.Up(db.DB, MigrationsDir); err != nil {
		return errors.Wrap(err, "migrating database")
	}
	return nil
}
