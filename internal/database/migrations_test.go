package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/liftsync/liftsync/internal/queue"
	"github.com/liftsync/liftsync/internal/receipts"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsReceiptAppliedAt(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&receipts.Receipt{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	staleError := "upstream timeout"
	applied := receipts.Receipt{
		UserID:           "user-1",
		IdempotencyKey:   "key-applied",
		Target:           "workouts",
		Action:           "upsert",
		PayloadHash:      "hash",
		Applied:          true,
		LastError:        &staleError,
		CreatedAtSeconds: 100,
		UpdatedAtSeconds: 150,
	}
	pending := receipts.Receipt{
		UserID:           "user-1",
		IdempotencyKey:   "key-pending",
		Target:           "workouts",
		Action:           "upsert",
		PayloadHash:      "hash",
		LastError:        &staleError,
		CreatedAtSeconds: 100,
		UpdatedAtSeconds: 120,
	}
	if err := database.Create(&applied).Error; err != nil {
		testContext.Fatalf("failed to insert applied receipt: %v", err)
	}
	if err := database.Create(&pending).Error; err != nil {
		testContext.Fatalf("failed to insert pending receipt: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var storedApplied receipts.Receipt
	if err := database.Where("user_id = ? AND idempotency_key = ?", "user-1", "key-applied").Take(&storedApplied).Error; err != nil {
		testContext.Fatalf("failed to reload applied receipt: %v", err)
	}
	if storedApplied.AppliedAtSeconds == nil || *storedApplied.AppliedAtSeconds != 150 {
		testContext.Fatalf("expected applied_at_s to be backfilled from updated_at_s, got %v", storedApplied.AppliedAtSeconds)
	}
	if storedApplied.LastError != nil {
		testContext.Fatalf("expected applied receipt error to be cleared, got %q", *storedApplied.LastError)
	}

	var storedPending receipts.Receipt
	if err := database.Where("user_id = ? AND idempotency_key = ?", "user-1", "key-pending").Take(&storedPending).Error; err != nil {
		testContext.Fatalf("failed to reload pending receipt: %v", err)
	}
	if storedPending.AppliedAtSeconds != nil {
		testContext.Fatalf("expected pending receipt to stay unapplied")
	}
	if storedPending.LastError == nil {
		testContext.Fatalf("expected pending receipt to keep its last error")
	}

	for _, name := range []string{migrationBackfillReceiptAppliedAt, migrationClearAppliedReceiptError} {
		var record migrationRecord
		if err := database.Where("name = ?", name).Take(&record).Error; err != nil {
			testContext.Fatalf("expected migration record %s to be created: %v", name, err)
		}
		if record.AppliedAtSeconds == 0 {
			testContext.Fatalf("expected migration timestamp to be set")
		}
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected rerun to be a no-op: %v", err)
	}
}

func TestOpenSQLiteCreatesServerSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "server.db")

	database, err := Open(Options{Driver: DriverSQLite, Path: databasePath}, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}

	for _, table := range []string{"sync_receipts", "db_migrations", "workouts", "exercise_defs", "workout_templates"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}

	if _, err := Open(Options{Driver: DriverSQLite, Path: databasePath}, zap.NewNop()); err != nil {
		testContext.Fatalf("expected reopening to succeed: %v", err)
	}
}

func TestOpenRejectsUnknownDriver(testContext *testing.T) {
	if _, err := Open(Options{Driver: "mysql", DSN: "root@/liftsync"}, nil); err == nil {
		testContext.Fatalf("expected unknown driver to be rejected")
	}
	if _, err := Open(Options{Driver: DriverPostgres}, nil); err == nil {
		testContext.Fatalf("expected missing dsn to be rejected")
	}
}

func TestOpenQueueCreatesOperationsTable(testContext *testing.T) {
	database, err := OpenQueue(filepath.Join(testContext.TempDir(), "queue.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open queue database: %v", err)
	}
	if !database.Migrator().HasTable(&queue.Operation{}) {
		testContext.Fatalf("expected queued_operations table to exist")
	}
}
