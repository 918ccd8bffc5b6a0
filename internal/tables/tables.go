// Package tables stores the user-owned rows targeted by sync operations. Every
// table shares one row shape and is addressed by name.
package tables

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/liftsync/liftsync/internal/syncop"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	// ErrOwnedByAnotherUser indicates the row id is already held by a different user.
	ErrOwnedByAnotherUser = errors.New("tables: row owned by another user")

	errMissingDatabase = errors.New("tables: database handle is required")
	noOpLogger         = zap.NewNop()
)

// Row is the stored form of a workout, exercise definition or template.
type Row struct {
	ID               string         `gorm:"column:id;primaryKey;size:190;not null"`
	UserID           string         `gorm:"column:user_id;size:190;not null"`
	Payload          datatypes.JSON `gorm:"column:payload;not null"`
	Version          int64          `gorm:"column:version;not null;default:1"`
	CreatedAtSeconds int64          `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64          `gorm:"column:updated_at_s;not null"`
}

// Config wires the store dependencies.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store applies upserts and deletes to the named tables.
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

// Migrate creates every table and its owner index.
func Migrate(db *gorm.DB) error {
	for _, table := range syncop.Tables() {
		if err := db.Table(table.String()).AutoMigrate(&Row{}); err != nil {
			return fmt.Errorf("tables: migrate %s: %w", table, err)
		}
		createIndex := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_user ON %s (user_id)", table, table)
		if err := db.Exec(createIndex).Error; err != nil {
			return fmt.Errorf("tables: index %s: %w", table, err)
		}
	}
	return nil
}

// WithTransaction returns a copy of the store that issues statements on tx.
func (s *Store) WithTransaction(tx *gorm.DB) *Store {
	clone := *s
	clone.db = tx
	return &clone
}

// Upsert stores fields as the full row content. Server ownership always wins:
// id and userId inside the stored payload are overwritten. An existing row
// owned by a different user is rejected with ErrOwnedByAnotherUser.
func (s *Store) Upsert(ctx context.Context, table syncop.Table, userID, rowID string, fields map[string]any) (Row, error) {
	merged := make(map[string]any, len(fields)+2)
	for key, value := range fields {
		merged[key] = value
	}
	merged["id"] = rowID
	merged["userId"] = userID
	if _, ok := merged["user_id"]; ok {
		merged["user_id"] = userID
	}
	encoded, err := json.Marshal(merged)
	if err != nil {
		return Row{}, fmt.Errorf("tables: encode payload: %w", err)
	}

	db := s.db.WithContext(ctx)
	now := s.clock().UTC().Unix()

	var existing Row
	err = db.Table(table.String()).Where("id = ?", rowID).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row := Row{
			ID:               rowID,
			UserID:           userID,
			Payload:          datatypes.JSON(encoded),
			Version:          1,
			CreatedAtSeconds: now,
			UpdatedAtSeconds: now,
		}
		if err := db.Table(table.String()).Create(&row).Error; err != nil {
			return Row{}, fmt.Errorf("tables: insert %s: %w", table, err)
		}
		return row, nil
	}
	if err != nil {
		return Row{}, fmt.Errorf("tables: select %s: %w", table, err)
	}
	if existing.UserID != userID {
		s.logger.Warn("row ownership mismatch",
			zap.String("table", table.String()),
			zap.String("row_id", rowID),
			zap.String("user_id", userID))
		return Row{}, ErrOwnedByAnotherUser
	}

	existing.Payload = datatypes.JSON(encoded)
	existing.Version++
	existing.UpdatedAtSeconds = now
	result := db.Table(table.String()).
		Where("id = ? AND user_id = ?", rowID, userID).
		Updates(map[string]any{
			"payload":      existing.Payload,
			"version":      existing.Version,
			"updated_at_s": now,
		})
	if result.Error != nil {
		return Row{}, fmt.Errorf("tables: update %s: %w", table, result.Error)
	}
	return existing, nil
}

// Delete removes the row when the user owns it. Missing rows and rows owned by
// other users are left alone; the returned flag reports whether a row was removed.
func (s *Store) Delete(ctx context.Context, table syncop.Table, userID, rowID string) (bool, error) {
	result := s.db.WithContext(ctx).Table(table.String()).
		Where("id = ? AND user_id = ?", rowID, userID).
		Delete(&Row{})
	if result.Error != nil {
		return false, fmt.Errorf("tables: delete %s: %w", table, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// Get returns the user's row, or nil when it does not exist.
func (s *Store) Get(ctx context.Context, table syncop.Table, userID, rowID string) (*Row, error) {
	var row Row
	err := s.db.WithContext(ctx).Table(table.String()).
		Where("id = ? AND user_id = ?", rowID, userID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tables: get %s: %w", table, err)
	}
	return &row, nil
}

// List returns the user's rows ordered by most recent update.
func (s *Store) List(ctx context.Context, table syncop.Table, userID string) ([]Row, error) {
	var rows []Row
	if err := s.db.WithContext(ctx).Table(table.String()).
		Where("user_id = ?", userID).
		Order("updated_at_s DESC, id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("tables: list %s: %w", table, err)
	}
	return rows, nil
}
