// Package repository reads the recorder database. The source is treated
// as strictly read-only: no migrations, no writes, no schema changes.
package repository

import (
	"fmt"
	"os"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/homestats/hass2influx/internal/config"
)

// OpenSource connects to the recorder database described by cfg.
// Returns:
//   - *gorm.DB: connected database handle.
//   - error: non-nil if the file is missing or the connection fails.
func OpenSource(cfg *config.SourceConfig) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	}

	var db *gorm.DB
	var err error

	switch cfg.Driver {
	case "postgres":
		db, err = openPostgres(cfg, gormConfig)
	case "sqlite":
		db, err = openSQLite(cfg, gormConfig)
	default:
		return nil, fmt.Errorf("unsupported source driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB instance: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return db, nil
}

func openPostgres(cfg *config.SourceConfig, gormConfig *gorm.Config) (*gorm.DB, error) {
	// PreferSimpleProtocol keeps the connection compatible with
	// transaction poolers, which reject implicit prepared statements.
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  cfg.DSN,
		PreferSimpleProtocol: true,
	}), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	return db, nil
}

func openSQLite(cfg *config.SourceConfig, gormConfig *gorm.Config) (*gorm.DB, error) {
	// Fail early with a clear message instead of letting SQLite create
	// an empty database at the missing path.
	if _, err := os.Stat(cfg.Path); err != nil {
		return nil, fmt.Errorf("recorder database not found at %s: %w", cfg.Path, err)
	}

	db, err := gorm.Open(sqlite.Open(cfg.Path), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// The recorder may still be writing; WAL plus a busy timeout lets
	// long reads coexist with it.
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")

	return db, nil
}
