package receipts

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "receipts.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Receipt{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store, err := NewStore(Config{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1700000000, 0)
		},
	})
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	return store, db
}

func samplePending() PendingReceipt {
	return PendingReceipt{
		UserID:         "user-1",
		IdempotencyKey: "key-1",
		Target:         "workouts",
		Action:         "upsert",
		PayloadHash:    "abc123",
	}
}

func TestNewStoreRequiresDatabase(t *testing.T) {
	if _, err := NewStore(Config{}); err == nil {
		t.Fatalf("expected missing database error")
	}
}

func TestFetchReturnsNilWhenAbsent(t *testing.T) {
	store, _ := newTestStore(t)
	receipt, err := store.Fetch(context.Background(), "user-1", "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt != nil {
		t.Fatalf("expected nil receipt, got %#v", receipt)
	}
}

func TestInsertPendingDedupesOnKey(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	inserted, err := store.InsertPending(ctx, samplePending())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !inserted {
		t.Fatalf("expected first insert to claim the key")
	}

	duplicate := samplePending()
	duplicate.PayloadHash = "different"
	inserted, err = store.InsertPending(ctx, duplicate)
	if err != nil {
		t.Fatalf("unexpected error on duplicate: %v", err)
	}
	if inserted {
		t.Fatalf("expected duplicate insert to be ignored")
	}

	receipt, err := store.Fetch(ctx, "user-1", "key-1")
	if err != nil || receipt == nil {
		t.Fatalf("expected stored receipt, err=%v", err)
	}
	if receipt.PayloadHash != "abc123" {
		t.Fatalf("expected original hash to survive, got %s", receipt.PayloadHash)
	}
	if receipt.Applied {
		t.Fatalf("expected pending receipt")
	}
}

func TestKeysAreScopedPerUser(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := store.InsertPending(ctx, samplePending()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	other := samplePending()
	other.UserID = "user-2"
	inserted, err := store.InsertPending(ctx, other)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !inserted {
		t.Fatalf("expected same key for another user to be independent")
	}
}

func TestMarkAppliedTransitionsOnce(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	if _, err := store.InsertPending(ctx, samplePending()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	claimed, err := store.MarkApplied(ctx, "user-1", "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !claimed {
		t.Fatalf("expected first mark to claim")
	}

	claimed, err = store.MarkApplied(ctx, "user-1", "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claimed {
		t.Fatalf("expected second mark to be a no-op")
	}

	receipt, err := store.Fetch(ctx, "user-1", "key-1")
	if err != nil || receipt == nil {
		t.Fatalf("expected stored receipt, err=%v", err)
	}
	if !receipt.Applied {
		t.Fatalf("expected applied receipt")
	}
	if receipt.AppliedAtSeconds == nil || *receipt.AppliedAtSeconds != 1700000000 {
		t.Fatalf("unexpected applied_at: %#v", receipt.AppliedAtSeconds)
	}
}

func TestMarkFailedKeepsReceiptPending(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	if _, err := store.InsertPending(ctx, samplePending()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := store.MarkFailed(ctx, "user-1", "key-1", "disk full"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	receipt, err := store.Fetch(ctx, "user-1", "key-1")
	if err != nil || receipt == nil {
		t.Fatalf("expected stored receipt, err=%v", err)
	}
	if receipt.Applied {
		t.Fatalf("expected receipt to stay pending")
	}
	if receipt.LastError == nil || *receipt.LastError != "disk full" {
		t.Fatalf("unexpected last error: %#v", receipt.LastError)
	}

	claimed, err := store.MarkApplied(ctx, "user-1", "key-1")
	if err != nil || !claimed {
		t.Fatalf("expected retry to claim, claimed=%v err=%v", claimed, err)
	}
	receipt, _ = store.Fetch(ctx, "user-1", "key-1")
	if receipt.LastError != nil {
		t.Fatalf("expected last error to be cleared, got %q", *receipt.LastError)
	}
}

func TestMarkFailedTruncatesOnRuneBoundary(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	if _, err := store.InsertPending(ctx, samplePending()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	message := strings.Repeat("a", maxErrorMessageLength-1) + "é" + strings.Repeat("b", 10)
	if err := store.MarkFailed(ctx, "user-1", "key-1", message); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	receipt, err := store.Fetch(ctx, "user-1", "key-1")
	if err != nil || receipt == nil || receipt.LastError == nil {
		t.Fatalf("expected stored last error, err=%v", err)
	}
	stored := *receipt.LastError
	if !utf8.ValidString(stored) {
		t.Fatalf("expected truncated message to stay valid UTF-8")
	}
	if len(stored) > maxErrorMessageLength {
		t.Fatalf("expected at most %d bytes, got %d", maxErrorMessageLength, len(stored))
	}
	if stored != strings.Repeat("a", maxErrorMessageLength-1) {
		t.Fatalf("expected cut before the split rune, got %d bytes", len(stored))
	}
}

func TestWithTransactionRollsBack(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()
	if _, err := store.InsertPending(ctx, samplePending()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rollback := errSentinel("rollback")
	err := db.Transaction(func(tx *gorm.DB) error {
		claimed, err := store.WithTransaction(tx).MarkApplied(ctx, "user-1", "key-1")
		if err != nil {
			return err
		}
		if !claimed {
			t.Fatalf("expected claim inside transaction")
		}
		return rollback
	})
	if err != rollback {
		t.Fatalf("expected rollback sentinel, got %v", err)
	}

	receipt, err := store.Fetch(ctx, "user-1", "key-1")
	if err != nil || receipt == nil {
		t.Fatalf("expected stored receipt, err=%v", err)
	}
	if receipt.Applied {
		t.Fatalf("expected rolled back receipt to remain pending")
	}
}

type errSentinel string

func (e errSentinel) Error() string {
	return string(e)
}
