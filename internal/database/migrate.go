package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/ProcureFlow/data_layer/pkg/logger"
)

// runMigrations applies pending file-source migrations against db. A schema
// that is already current is not an error; anything else fails
// initialization.
func runMigrations(db *sql.DB, path string, log *logger.Logger) error {
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithDatabaseInstance("file://"+path, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator for %s: %w", path, err)
	}

	if err := migrator.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Debug("schema already up to date", "path", path)
			return nil
		}
		return fmt.Errorf("apply migrations from %s: %w", path, err)
	}

	version, dirty, err := migrator.Version()
	if err != nil {
		log.Warn("migrations applied but version lookup failed", "error", err)
		return nil
	}

	log.Info("migrations applied", "version", version, "dirty", dirty)
	return nil
}
