package database

import (
	"fmt"
	"strings"

	sqlite "github.com/glebarez/sqlite"
	"github.com/liftsync/liftsync/internal/queue"
	"github.com/liftsync/liftsync/internal/receipts"
	"github.com/liftsync/liftsync/internal/tables"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	// DriverSQLite selects a file-backed SQLite database.
	DriverSQLite = "sqlite"
	// DriverPostgres selects a PostgreSQL database reached through a DSN.
	DriverPostgres = "postgres"
)

// Options selects the server database.
type Options struct {
	Driver string
	Path   string
	DSN    string
}

// Open connects to the configured server database and performs schema migrations.
func Open(options Options, logger *zap.Logger) (*gorm.DB, error) {
	switch strings.ToLower(strings.TrimSpace(options.Driver)) {
	case DriverSQLite, "":
		return OpenSQLite(options.Path, logger)
	case DriverPostgres:
		return OpenPostgres(options.DSN, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", options.Driver)
	}
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := openSQLiteFile(path)
	if err != nil {
		return nil, err
	}
	if err := migrateServer(db, logger); err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("database initialized", zap.String("driver", DriverSQLite), zap.String("path", path))
	}
	return db, nil
}

// OpenPostgres establishes a PostgreSQL connection and performs schema migrations.
func OpenPostgres(dsn string, logger *zap.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := migrateServer(db, logger); err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("database initialized", zap.String("driver", DriverPostgres))
	}
	return db, nil
}

// OpenQueue opens the device-local queue database.
func OpenQueue(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := openSQLiteFile(path)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&queue.Operation{}); err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Debug("queue database initialized", zap.String("path", path))
	}
	return db, nil
}

func openSQLiteFile(path string) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

func migrateServer(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(&receipts.Receipt{}, &migrationRecord{}); err != nil {
		return err
	}
	if err := tables.Migrate(db); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
