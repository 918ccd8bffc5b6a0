// Package executor applies one idempotent sync operation on behalf of an
// authenticated user. Redeliveries of an applied idempotency key are reported
// as deduplicated and never touch the target table again.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/liftsync/liftsync/internal/canonical"
	"github.com/liftsync/liftsync/internal/receipts"
	"github.com/liftsync/liftsync/internal/syncop"
	"github.com/liftsync/liftsync/internal/tables"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrUnauthorized marks a missing or rejected bearer token.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidRequest marks a request that can never succeed as sent.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrKeyConflict marks an idempotency key reused with a different payload.
	ErrKeyConflict = errors.New("idempotency key conflict")
	// ErrTransient marks a storage failure worth retrying.
	ErrTransient = errors.New("transient failure")

	errMissingDatabase  = errors.New("database handle is required")
	errMissingValidator = errors.New("token validator is required")
	errAlreadyApplied   = errors.New("receipt already applied")
	errReceiptVanished  = errors.New("receipt missing after insert conflict")
	noOpLogger          = zap.NewNop()
)

// ServiceError carries a stable code alongside the error kind.
type ServiceError struct {
	code string
	kind error
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *ServiceError) Unwrap() []error {
	if e.err == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.err}
}

// Code returns the machine-readable failure code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "executor.service.new"
	opExecute    = "executor.execute"
)

func newServiceError(operation, reason string, kind, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, kind: kind, err: cause}
}

// TokenValidator resolves a bearer token to its user id.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// ServiceConfig wires the executor dependencies.
type ServiceConfig struct {
	Database *gorm.DB
	Tokens   TokenValidator
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Request is one operation as received from a client.
type Request struct {
	IdempotencyKey string
	Table          string
	Action         string
	Payload        json.RawMessage
}

// Result reports how the request was resolved.
type Result struct {
	IdempotencyKey string
	Table          syncop.Table
	Action         syncop.Action
	Applied        bool
	Deduped        bool
}

// Service executes sync operations.
type Service struct {
	db       *gorm.DB
	tokens   TokenValidator
	receipts *receipts.Store
	tables   *tables.Store
	logger   *zap.Logger
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", ErrTransient, errMissingDatabase)
	}
	if cfg.Tokens == nil {
		return nil, newServiceError(opServiceNew, "missing_token_validator", ErrUnauthorized, errMissingValidator)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	receiptStore, err := receipts.NewStore(receipts.Config{Database: cfg.Database, Clock: cfg.Clock, Logger: logger})
	if err != nil {
		return nil, newServiceError(opServiceNew, "receipt_store_failed", ErrTransient, err)
	}
	tableStore, err := tables.NewStore(tables.Config{Database: cfg.Database, Clock: cfg.Clock, Logger: logger})
	if err != nil {
		return nil, newServiceError(opServiceNew, "table_store_failed", ErrTransient, err)
	}

	return &Service{
		db:       cfg.Database,
		tokens:   cfg.Tokens,
		receipts: receiptStore,
		tables:   tableStore,
		logger:   logger,
	}, nil
}

type operation struct {
	userID         string
	idempotencyKey string
	table          syncop.Table
	action         syncop.Action
	payload        syncop.Payload
	payloadHash    string
}

func (op operation) result() Result {
	return Result{IdempotencyKey: op.idempotencyKey, Table: op.table, Action: op.action}
}

// Execute authenticates the caller and applies the request at most once per
// (user, idempotency key).
func (s *Service) Execute(ctx context.Context, authToken string, request Request) (Result, error) {
	userID, err := s.authenticate(authToken)
	if err != nil {
		return Result{}, err
	}

	op, err := s.parse(userID, request)
	if err != nil {
		return Result{}, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		receipt, err := s.receipts.Fetch(ctx, op.userID, op.idempotencyKey)
		if err != nil {
			s.logError("receipt_fetch_failed", err, op.fields()...)
			return Result{}, newServiceError(opExecute, "receipt_fetch_failed", ErrTransient, err)
		}

		if receipt == nil {
			inserted, err := s.receipts.InsertPending(ctx, receipts.PendingReceipt{
				UserID:         op.userID,
				IdempotencyKey: op.idempotencyKey,
				Target:         op.table.String(),
				Action:         op.action.String(),
				PayloadHash:    op.payloadHash,
			})
			if err != nil {
				s.logError("receipt_insert_failed", err, op.fields()...)
				return Result{}, newServiceError(opExecute, "receipt_insert_failed", ErrTransient, err)
			}
			if !inserted {
				continue
			}
			return s.apply(ctx, op)
		}

		if conflict := op.conflictWith(receipt); conflict != nil {
			s.logError("key_conflict", conflict, op.fields()...)
			return Result{}, newServiceError(opExecute, "key_conflict", ErrKeyConflict, conflict)
		}
		if receipt.Applied {
			result := op.result()
			result.Deduped = true
			return result, nil
		}
		return s.apply(ctx, op)
	}

	s.logError("receipt_vanished", errReceiptVanished, op.fields()...)
	return Result{}, newServiceError(opExecute, "receipt_vanished", ErrTransient, errReceiptVanished)
}

func (s *Service) authenticate(authToken string) (string, error) {
	if authToken == "" {
		return "", newServiceError(opExecute, "missing_token", ErrUnauthorized, nil)
	}
	userID, err := s.tokens.ValidateToken(authToken)
	if err != nil {
		s.logger.Info("token rejected", zap.String("operation", opExecute), zap.Error(err))
		return "", newServiceError(opExecute, "invalid_token", ErrUnauthorized, err)
	}
	validated, err := syncop.ValidateIdentifier("user id", userID)
	if err != nil {
		return "", newServiceError(opExecute, "invalid_subject", ErrUnauthorized, err)
	}
	return validated, nil
}

func (s *Service) parse(userID string, request Request) (operation, error) {
	key, err := syncop.ValidateIdentifier("idempotency key", request.IdempotencyKey)
	if err != nil {
		return operation{}, newServiceError(opExecute, "invalid_idempotency_key", ErrInvalidRequest, err)
	}
	table, err := syncop.ParseTable(request.Table)
	if err != nil {
		return operation{}, newServiceError(opExecute, "unknown_table", ErrInvalidRequest, err)
	}
	action, err := syncop.ParseAction(request.Action)
	if err != nil {
		return operation{}, newServiceError(opExecute, "unknown_action", ErrInvalidRequest, err)
	}
	payload, err := syncop.ParsePayload(request.Payload)
	if err != nil {
		return operation{}, newServiceError(opExecute, "invalid_payload", ErrInvalidRequest, err)
	}
	payloadHash, err := canonical.HashValue(payload.Fields)
	if err != nil {
		return operation{}, newServiceError(opExecute, "invalid_payload", ErrInvalidRequest, err)
	}
	return operation{
		userID:         userID,
		idempotencyKey: key,
		table:          table,
		action:         action,
		payload:        payload,
		payloadHash:    payloadHash,
	}, nil
}

// apply claims the receipt and mutates the table in one transaction, so a row
// change is never visible without its receipt being marked applied.
func (s *Service) apply(ctx context.Context, op operation) (Result, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claimed, err := s.receipts.WithTransaction(tx).MarkApplied(ctx, op.userID, op.idempotencyKey)
		if err != nil {
			return err
		}
		if !claimed {
			return errAlreadyApplied
		}

		tableStore := s.tables.WithTransaction(tx)
		switch op.action {
		case syncop.ActionUpsert:
			_, err = tableStore.Upsert(ctx, op.table, op.userID, op.payload.RowID, op.payload.Fields)
		case syncop.ActionDelete:
			_, err = tableStore.Delete(ctx, op.table, op.userID, op.payload.RowID)
		}
		return err
	})

	if errors.Is(err, errAlreadyApplied) {
		result := op.result()
		result.Deduped = true
		return result, nil
	}
	if err != nil {
		if markErr := s.receipts.MarkFailed(ctx, op.userID, op.idempotencyKey, err.Error()); markErr != nil {
			s.logError("receipt_mark_failed", markErr, op.fields()...)
		}
		if errors.Is(err, tables.ErrOwnedByAnotherUser) {
			return Result{}, newServiceError(opExecute, "row_not_owned", ErrInvalidRequest, err)
		}
		s.logError("apply_failed", err, op.fields()...)
		return Result{}, newServiceError(opExecute, "apply_failed", ErrTransient, err)
	}

	s.logger.Debug("operation applied", op.fields()...)
	result := op.result()
	result.Applied = true
	return result, nil
}

// conflictWith reports how a receipt bound to the same key disagrees with op.
func (op operation) conflictWith(receipt *receipts.Receipt) error {
	switch {
	case receipt.Target != op.table.String():
		return fmt.Errorf("key %s already bound to table %s", op.idempotencyKey, receipt.Target)
	case receipt.Action != op.action.String():
		return fmt.Errorf("key %s already bound to action %s", op.idempotencyKey, receipt.Action)
	case receipt.PayloadHash != op.payloadHash:
		return fmt.Errorf("key %s already bound to another payload", op.idempotencyKey)
	}
	return nil
}

func (op operation) fields() []zap.Field {
	return []zap.Field{
		zap.String("user_id", op.userID),
		zap.String("idempotency_key", op.idempotencyKey),
		zap.String("table", op.table.String()),
		zap.String("action", op.action.String()),
	}
}

func (s *Service) logError(reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", opExecute),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("executor error", attrs...)
}
