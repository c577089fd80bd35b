// Package db provides the PostgreSQL (GORM) and Redis connection
// constructors used by the platform stores.
package db

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"flowmatic.io/config"
)

// Open connects to PostgreSQL with GORM and applies the connection pool
// settings from the configuration.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return gdb, nil
}

// Migrate runs GORM automigration for the given models.
func Migrate(gdb *gorm.DB, models ...interface{}) error {
	if err := gdb.AutoMigrate(models...); err != nil {
		return fmt.Errorf("automigration failed: %w", err)
	}
	return nil
}
