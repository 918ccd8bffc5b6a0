// Package queue is the device-local, durable, per-user FIFO of mutations
// awaiting delivery to the sync executor.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/liftsync/liftsync/internal/syncop"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	// ErrStorageFailure wraps any failure of the local store. Callers must
	// surface it: a write that could not be queued was not saved.
	ErrStorageFailure = errors.New("queue: storage failure")

	errMissingDatabase = errors.New("queue: database handle is required")
	noOpLogger         = zap.NewNop()
)

// Operation is one pending mutation.
type Operation struct {
	ID             string         `gorm:"column:id;primaryKey;size:64;not null"`
	UserID         string         `gorm:"column:user_id;size:190;not null;index:idx_queue_user_ts,priority:1"`
	Table          syncop.Table   `gorm:"column:target_table;size:64;not null"`
	Action         syncop.Action  `gorm:"column:action;size:16;not null"`
	Payload        datatypes.JSON `gorm:"column:payload;not null"`
	TimestampMs    int64          `gorm:"column:timestamp_ms;not null;index:idx_queue_user_ts,priority:2"`
	IdempotencyKey string         `gorm:"column:idempotency_key;size:190;not null;uniqueIndex"`
}

// TableName provides the explicit table binding for GORM.
func (Operation) TableName() string {
	return "queued_operations"
}

// IDProvider issues identifiers for queue rows and idempotency keys.
type IDProvider interface {
	NewID() (string, error)
	NewIdempotencyKey() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider issues UUIDv7 row ids and UUIDv4 idempotency keys.
func NewUUIDProvider() IDProvider {
	return uuidProvider{}
}

func (uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

func (uuidProvider) NewIdempotencyKey() (string, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// Config wires the queue dependencies.
type Config struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Queue persists operations in a local SQL store.
type Queue struct {
	mu     sync.Mutex
	db     *gorm.DB
	clock  func() time.Time
	ids    IDProvider
	logger *zap.Logger
}

// New validates the configuration and constructs a Queue.
func New(cfg Config) (*Queue, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Queue{db: cfg.Database, clock: clock, ids: ids, logger: logger}, nil
}

// Enqueue appends a mutation with a fresh id, timestamp and idempotency key.
func (q *Queue) Enqueue(ctx context.Context, userID string, table syncop.Table, action syncop.Action, payload json.RawMessage) (Operation, error) {
	key, err := q.ids.NewIdempotencyKey()
	if err != nil {
		return Operation{}, fmt.Errorf("%w: idempotency key: %v", ErrStorageFailure, err)
	}
	return q.EnqueueWithKey(ctx, userID, table, action, payload, key)
}

// EnqueueWithKey appends a mutation that keeps an idempotency key already
// used for a direct attempt, so a request whose response was lost dedupes.
func (q *Queue) EnqueueWithKey(ctx context.Context, userID string, table syncop.Table, action syncop.Action, payload json.RawMessage, idempotencyKey string) (Operation, error) {
	if _, err := syncop.ValidateIdentifier("user id", userID); err != nil {
		return Operation{}, err
	}
	if _, err := syncop.ValidateIdentifier("idempotency key", idempotencyKey); err != nil {
		return Operation{}, err
	}
	if _, err := syncop.ParsePayload(payload); err != nil {
		return Operation{}, err
	}

	id, err := q.ids.NewID()
	if err != nil {
		return Operation{}, fmt.Errorf("%w: operation id: %v", ErrStorageFailure, err)
	}

	operation := Operation{
		ID:             id,
		UserID:         userID,
		Table:          table,
		Action:         action,
		Payload:        datatypes.JSON(payload),
		IdempotencyKey: idempotencyKey,
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	err = q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last sql.NullInt64
		if err := tx.Model(&Operation{}).
			Where("user_id = ?", userID).
			Select("MAX(timestamp_ms)").
			Row().Scan(&last); err != nil {
			return err
		}
		timestamp := q.clock().UnixMilli()
		if last.Valid && timestamp <= last.Int64 {
			timestamp = last.Int64 + 1
		}
		operation.TimestampMs = timestamp
		return tx.Create(&operation).Error
	})
	if err != nil {
		q.logger.Error("enqueue failed",
			zap.String("user_id", userID),
			zap.String("table", table.String()),
			zap.String("action", action.String()),
			zap.Error(err))
		return Operation{}, fmt.Errorf("%w: enqueue: %v", ErrStorageFailure, err)
	}

	q.logger.Debug("operation enqueued",
		zap.String("operation_id", operation.ID),
		zap.String("user_id", userID),
		zap.Int64("timestamp_ms", operation.TimestampMs))
	return operation, nil
}

// List returns the user's pending operations oldest first.
func (q *Queue) List(ctx context.Context, userID string) ([]Operation, error) {
	var operations []Operation
	if err := q.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("timestamp_ms ASC, id ASC").
		Find(&operations).Error; err != nil {
		return nil, fmt.Errorf("%w: list: %v", ErrStorageFailure, err)
	}
	return operations, nil
}

// Remove deletes one operation. Removing an unknown id is not an error.
func (q *Queue) Remove(ctx context.Context, operationID string) error {
	if err := q.db.WithContext(ctx).
		Where("id = ?", operationID).
		Delete(&Operation{}).Error; err != nil {
		return fmt.Errorf("%w: remove: %v", ErrStorageFailure, err)
	}
	return nil
}

// Count returns how many operations the user has pending.
func (q *Queue) Count(ctx context.Context, userID string) (int64, error) {
	var count int64
	if err := q.db.WithContext(ctx).
		Model(&Operation{}).
		Where("user_id = ?", userID).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("%w: count: %v", ErrStorageFailure, err)
	}
	return count, nil
}
