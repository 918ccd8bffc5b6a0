// Package receipts persists one record per (user, idempotency key) so the executor
// can tell first deliveries from redeliveries.
package receipts

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxErrorMessageLength = 2000

var (
	errMissingDatabase = errors.New("receipts: database handle is required")
	noOpLogger         = zap.NewNop()
)

// Receipt records the fate of one idempotency key.
type Receipt struct {
	UserID           string  `gorm:"column:user_id;primaryKey;size:190;not null"`
	IdempotencyKey   string  `gorm:"column:idempotency_key;primaryKey;size:190;not null"`
	Target           string  `gorm:"column:target_table;size:64;not null"`
	Action           string  `gorm:"column:action;size:16;not null"`
	PayloadHash      string  `gorm:"column:payload_hash;size:64;not null"`
	Applied          bool    `gorm:"column:applied;not null;default:false"`
	AppliedAtSeconds *int64  `gorm:"column:applied_at_s"`
	LastError        *string `gorm:"column:last_error;type:text"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64   `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Receipt) TableName() string {
	return "sync_receipts"
}

// PendingReceipt describes a receipt about to be claimed.
type PendingReceipt struct {
	UserID         string
	IdempotencyKey string
	Target         string
	Action         string
	PayloadHash    string
}

// Config wires the store dependencies.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store reads and writes receipts. A Store bound to a transaction via
// WithTransaction shares that transaction's visibility.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore validates the configuration and constructs a Store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// WithTransaction returns a copy of the store that issues statements on tx.
func (s *Store) WithTransaction(tx *gorm.DB) *Store {
	clone := *s
	clone.db = tx
	return &clone
}

// Fetch returns the receipt for the key, or nil when none exists.
func (s *Store) Fetch(ctx context.Context, userID, idempotencyKey string) (*Receipt, error) {
	var receipt Receipt
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, idempotencyKey).
		Take(&receipt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("receipts: fetch: %w", err)
	}
	return &receipt, nil
}

// InsertPending creates an unapplied receipt. It reports false, without error,
// when a receipt for the key already exists.
func (s *Store) InsertPending(ctx context.Context, pending PendingReceipt) (bool, error) {
	now := s.clock().UTC().Unix()
	model := Receipt{
		UserID:           pending.UserID,
		IdempotencyKey:   pending.IdempotencyKey,
		Target:           pending.Target,
		Action:           pending.Action,
		PayloadHash:      pending.PayloadHash,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if result.Error != nil {
		return false, fmt.Errorf("receipts: insert pending: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// MarkApplied flips an unapplied receipt to applied. It reports whether this
// call performed the transition; a second call for the same key reports false.
func (s *Store) MarkApplied(ctx context.Context, userID, idempotencyKey string) (bool, error) {
	now := s.clock().UTC().Unix()
	result := s.db.WithContext(ctx).Model(&Receipt{}).
		Where("user_id = ? AND idempotency_key = ? AND applied = ?", userID, idempotencyKey, false).
		Updates(map[string]any{
			"applied":      true,
			"applied_at_s": now,
			"updated_at_s": now,
			"last_error":   nil,
		})
	if result.Error != nil {
		return false, fmt.Errorf("receipts: mark applied: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// MarkFailed records the latest apply error. The receipt stays unapplied so a
// redelivery of the same key is attempted again.
func (s *Store) MarkFailed(ctx context.Context, userID, idempotencyKey, message string) error {
	message = truncateMessage(message, maxErrorMessageLength)
	result := s.db.WithContext(ctx).Model(&Receipt{}).
		Where("user_id = ? AND idempotency_key = ? AND applied = ?", userID, idempotencyKey, false).
		Updates(map[string]any{
			"last_error":   message,
			"updated_at_s": s.clock().UTC().Unix(),
		})
	if result.Error != nil {
		s.logger.Warn("receipt failure not recorded",
			zap.String("user_id", userID),
			zap.String("idempotency_key", idempotencyKey),
			zap.Error(result.Error))
		return fmt.Errorf("receipts: mark failed: %w", result.Error)
	}
	return nil
}

// truncateMessage cuts message to at most limit bytes without splitting a rune.
func truncateMessage(message string, limit int) string {
	if len(message) <= limit {
		return message
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut]
}
