// Package writer is the entry point for UI-level mutations: it tries the
// network first and falls back to the durable queue.
package writer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/liftsync/liftsync/internal/disposition"
	"github.com/liftsync/liftsync/internal/flush"
	"github.com/liftsync/liftsync/internal/queue"
	"github.com/liftsync/liftsync/internal/retry"
	"github.com/liftsync/liftsync/internal/syncclient"
	"github.com/liftsync/liftsync/internal/syncop"
	"go.uber.org/zap"
)

var (
	// ErrDropped reports a write the server will never accept as sent.
	ErrDropped = errors.New("writer: write rejected")

	errMissingQueue    = errors.New("writer: queue is required")
	errMissingExecutor = errors.New("writer: executor is required")
	errMissingFlusher  = errors.New("writer: flusher is required")
)

// Status is where a write ended up.
type Status string

const (
	// StatusSynced means the server applied or deduplicated the write.
	StatusSynced Status = "synced"
	// StatusQueued means the write is stored locally pending sync.
	StatusQueued Status = "queued"
)

// Result describes a completed Write call.
type Result struct {
	Status         Status
	IdempotencyKey string
	Deduped        bool
	Operation      *queue.Operation
}

// Queue is the subset of the durable queue the writer needs.
type Queue interface {
	Count(ctx context.Context, userID string) (int64, error)
	EnqueueWithKey(ctx context.Context, userID string, table syncop.Table, action syncop.Action, payload json.RawMessage, idempotencyKey string) (queue.Operation, error)
}

// Executor delivers one operation.
type Executor interface {
	Execute(ctx context.Context, userID string, request syncclient.Request) (syncclient.Response, error)
}

// Flusher drains a user's queue and records auth halts.
type Flusher interface {
	Flush(ctx context.Context, userID string) (flush.Report, error)
	Halt(userID string)
}

// KeyProvider issues idempotency keys.
type KeyProvider interface {
	NewIdempotencyKey() (string, error)
}

// Config wires the writer dependencies.
type Config struct {
	Queue       Queue
	Executor    Executor
	Flusher     Flusher
	Keys        KeyProvider
	RetryPolicy retry.Policy
	Logger      *zap.Logger
}

// Writer performs direct writes with queue fallback.
type Writer struct {
	queue    Queue
	executor Executor
	flusher  Flusher
	keys     KeyProvider
	policy   retry.Policy
	logger   *zap.Logger
}

// New validates the configuration and constructs a Writer.
func New(cfg Config) (*Writer, error) {
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	if cfg.Executor == nil {
		return nil, errMissingExecutor
	}
	if cfg.Flusher == nil {
		return nil, errMissingFlusher
	}
	keys := cfg.Keys
	if keys == nil {
		keys = queue.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		queue:    cfg.Queue,
		executor: cfg.Executor,
		flusher:  cfg.Flusher,
		keys:     keys,
		policy:   cfg.RetryPolicy,
		logger:   logger,
	}, nil
}

// Write submits one mutation. When older writes are still pending it queues
// behind them and triggers a flush so the server sees them in order.
// Otherwise it calls the executor directly and queues the write, keeping its
// idempotency key, when the failure is retryable or needs a fresh sign-in.
func (w *Writer) Write(ctx context.Context, userID string, table syncop.Table, action syncop.Action, payload json.RawMessage) (Result, error) {
	if _, err := syncop.ParsePayload(payload); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrDropped, err)
	}

	key, err := w.keys.NewIdempotencyKey()
	if err != nil {
		return Result{}, fmt.Errorf("idempotency key: %w", err)
	}

	pending, err := w.queue.Count(ctx, userID)
	if err != nil {
		return Result{}, err
	}
	if pending > 0 {
		return w.queueBehind(ctx, userID, table, action, payload, key)
	}

	request := syncclient.Request{
		IdempotencyKey: key,
		Table:          table.String(),
		Action:         action.String(),
		Payload:        payload,
	}
	var response syncclient.Response
	sendErr := retry.Do(ctx, w.policy, func(ctx context.Context) error {
		var err error
		response, err = w.executor.Execute(ctx, userID, request)
		return err
	})
	if sendErr == nil {
		return Result{Status: StatusSynced, IdempotencyKey: key, Deduped: response.Deduped}, nil
	}

	switch disposition.Classify(sendErr) {
	case disposition.Drop:
		w.logger.Warn("write dropped",
			zap.String("user_id", userID),
			zap.String("idempotency_key", key),
			zap.Error(sendErr))
		return Result{}, fmt.Errorf("%w: %w", ErrDropped, sendErr)
	case disposition.Halt:
		operation, err := w.queue.EnqueueWithKey(ctx, userID, table, action, payload, key)
		if err != nil {
			return Result{}, err
		}
		w.flusher.Halt(userID)
		return Result{Status: StatusQueued, IdempotencyKey: key, Operation: &operation}, flush.ErrReauthenticationRequired
	default:
		operation, err := w.queue.EnqueueWithKey(ctx, userID, table, action, payload, key)
		if err != nil {
			return Result{}, err
		}
		w.logger.Debug("write queued after direct attempt failed",
			zap.String("user_id", userID),
			zap.String("idempotency_key", key),
			zap.Error(sendErr))
		return Result{Status: StatusQueued, IdempotencyKey: key, Operation: &operation}, nil
	}
}

func (w *Writer) queueBehind(ctx context.Context, userID string, table syncop.Table, action syncop.Action, payload json.RawMessage, key string) (Result, error) {
	operation, err := w.queue.EnqueueWithKey(ctx, userID, table, action, payload, key)
	if err != nil {
		return Result{}, err
	}
	result := Result{Status: StatusQueued, IdempotencyKey: key, Operation: &operation}
	if _, err := w.flusher.Flush(ctx, userID); err != nil {
		return result, err
	}
	return result, nil
}
