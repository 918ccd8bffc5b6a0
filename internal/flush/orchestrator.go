// Package flush drains a user's durable queue through the sync executor in
// strict FIFO order.
package flush

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/liftsync/liftsync/internal/connectivity"
	"github.com/liftsync/liftsync/internal/disposition"
	"github.com/liftsync/liftsync/internal/queue"
	"github.com/liftsync/liftsync/internal/retry"
	"github.com/liftsync/liftsync/internal/syncclient"
	"go.uber.org/zap"
)

var (
	// ErrReauthenticationRequired is returned while a user's queue is halted
	// on an auth failure; only OnLogin clears it.
	ErrReauthenticationRequired = errors.New("flush: sign in again to resume sync")

	errMissingQueue    = errors.New("flush: queue is required")
	errMissingExecutor = errors.New("flush: executor is required")
)

// Outcome summarises how a pass ended.
type Outcome string

const (
	// OutcomeCompleted means the queue was empty when the pass ended.
	OutcomeCompleted Outcome = "completed"
	// OutcomeDeferred means a retryable failure stopped the pass.
	OutcomeDeferred Outcome = "deferred"
	// OutcomeHalted means an auth failure stopped the pass.
	OutcomeHalted Outcome = "halted"
	// OutcomeAbandoned means the user logged out during the pass.
	OutcomeAbandoned Outcome = "abandoned"
	// OutcomeSkipped means a pass for the user was already running.
	OutcomeSkipped Outcome = "skipped"
)

// Report describes one pass.
type Report struct {
	Outcome   Outcome
	Applied   int
	Deduped   int
	Dropped   int
	Remaining int
	LastError error
}

// Diagnostic describes an operation removed after a drop disposition.
type Diagnostic struct {
	OperationID    string
	UserID         string
	Table          string
	Action         string
	TimestampMs    int64
	IdempotencyKey string
	Err            error
}

// DiagnosticSink receives dropped operations for non-blocking display.
type DiagnosticSink interface {
	OperationDropped(Diagnostic)
}

// DiagnosticSinkFunc adapts a function to DiagnosticSink.
type DiagnosticSinkFunc func(Diagnostic)

// OperationDropped calls f.
func (f DiagnosticSinkFunc) OperationDropped(diagnostic Diagnostic) {
	f(diagnostic)
}

// Queue is the subset of the durable queue a pass needs.
type Queue interface {
	List(ctx context.Context, userID string) ([]queue.Operation, error)
	Remove(ctx context.Context, operationID string) error
}

// Executor delivers one operation.
type Executor interface {
	Execute(ctx context.Context, userID string, request syncclient.Request) (syncclient.Response, error)
}

// ConnectivitySource emits network status transitions.
type ConnectivitySource interface {
	Subscribe(ctx context.Context) (<-chan connectivity.Event, func())
}

// Config wires the orchestrator dependencies.
type Config struct {
	Queue       Queue
	Executor    Executor
	RetryPolicy retry.Policy
	Diagnostics DiagnosticSink
	Logger      *zap.Logger
}

type userState struct {
	signedIn bool
	draining bool
	halted   bool
	epoch    uint64
	cancel   context.CancelFunc
}

// Orchestrator runs at most one pass per user at a time.
type Orchestrator struct {
	queue       Queue
	executor    Executor
	policy      retry.Policy
	diagnostics DiagnosticSink
	logger      *zap.Logger

	mu     sync.Mutex
	states map[string]*userState
}

// New validates the configuration and constructs an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	if cfg.Executor == nil {
		return nil, errMissingExecutor
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	diagnostics := cfg.Diagnostics
	if diagnostics == nil {
		diagnostics = DiagnosticSinkFunc(func(Diagnostic) {})
	}
	return &Orchestrator{
		queue:       cfg.Queue,
		executor:    cfg.Executor,
		policy:      cfg.RetryPolicy,
		diagnostics: diagnostics,
		logger:      logger,
		states:      make(map[string]*userState),
	}, nil
}

// OnLogin clears any halt for userID, marks the user as signed in so
// reconnects flush their queue, and runs a pass.
func (o *Orchestrator) OnLogin(ctx context.Context, userID string) (Report, error) {
	o.mu.Lock()
	state := o.stateLocked(userID)
	state.signedIn = true
	state.halted = false
	o.mu.Unlock()
	return o.Flush(ctx, userID)
}

// Logout abandons any in-flight pass for userID. Resolutions that arrive after
// this call are ignored and nothing further is removed from the queue.
func (o *Orchestrator) Logout(userID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	state := o.stateLocked(userID)
	state.epoch++
	if state.cancel != nil {
		state.cancel()
		state.cancel = nil
	}
	state.draining = false
	state.halted = false
	state.signedIn = false
}

// Halted reports whether userID must sign in again before syncing resumes.
func (o *Orchestrator) Halted(userID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	state, ok := o.states[userID]
	return ok && state.halted
}

// Halt marks userID as requiring re-authentication, as if a pass had hit an
// auth failure.
func (o *Orchestrator) Halt(userID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stateLocked(userID).halted = true
}

// Flush drains userID's queue. A call while a pass is running returns
// OutcomeSkipped; a call while halted returns ErrReauthenticationRequired.
func (o *Orchestrator) Flush(ctx context.Context, userID string) (Report, error) {
	passCtx, epoch, report, err := o.begin(ctx, userID)
	if passCtx == nil {
		return report, err
	}
	defer o.finish(userID, epoch)

	return o.drain(passCtx, userID, epoch)
}

// Run flushes every signed-in user on each reconnect until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context, source ConnectivitySource) {
	events, cleanup := source.Subscribe(ctx)
	defer cleanup()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			if !event.Reconnected() {
				continue
			}
			for _, userID := range o.signedInUsers() {
				report, err := o.Flush(ctx, userID)
				if err != nil {
					o.logger.Info("reconnect flush did not run",
						zap.String("user_id", userID),
						zap.Error(err))
					continue
				}
				o.logger.Debug("reconnect flush finished",
					zap.String("user_id", userID),
					zap.String("outcome", string(report.Outcome)),
					zap.Int("remaining", report.Remaining))
			}
		}
	}
}

func (o *Orchestrator) begin(ctx context.Context, userID string) (context.Context, uint64, Report, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	state := o.stateLocked(userID)
	if state.halted {
		return nil, 0, Report{Outcome: OutcomeHalted}, ErrReauthenticationRequired
	}
	if state.draining {
		return nil, 0, Report{Outcome: OutcomeSkipped}, nil
	}

	passCtx, cancel := context.WithCancel(ctx)
	state.draining = true
	state.cancel = cancel
	return passCtx, state.epoch, Report{}, nil
}

func (o *Orchestrator) finish(userID string, epoch uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	state := o.stateLocked(userID)
	if state.epoch != epoch {
		return
	}
	if state.cancel != nil {
		state.cancel()
		state.cancel = nil
	}
	state.draining = false
}

func (o *Orchestrator) drain(ctx context.Context, userID string, epoch uint64) (Report, error) {
	operations, err := o.queue.List(ctx, userID)
	if err != nil {
		o.logger.Error("queue list failed", zap.String("user_id", userID), zap.Error(err))
		return Report{Outcome: OutcomeDeferred, LastError: err}, err
	}

	report := Report{Outcome: OutcomeCompleted}
	for index, operation := range operations {
		report.Remaining = len(operations) - index
		if !o.current(userID, epoch) {
			report.Outcome = OutcomeAbandoned
			return report, nil
		}

		response, sendErr := o.send(ctx, userID, operation)
		if !o.current(userID, epoch) {
			report.Outcome = OutcomeAbandoned
			return report, nil
		}

		if sendErr == nil {
			if err := o.queue.Remove(ctx, operation.ID); err != nil {
				o.logger.Error("queue remove failed", zap.String("operation_id", operation.ID), zap.Error(err))
				report.Outcome = OutcomeDeferred
				report.LastError = err
				return report, err
			}
			if response.Deduped {
				report.Deduped++
			} else {
				report.Applied++
			}
			continue
		}

		switch disposition.Classify(sendErr) {
		case disposition.Drop:
			if err := o.queue.Remove(ctx, operation.ID); err != nil {
				o.logger.Error("queue remove failed", zap.String("operation_id", operation.ID), zap.Error(err))
				report.Outcome = OutcomeDeferred
				report.LastError = err
				return report, err
			}
			report.Dropped++
			o.logger.Warn("operation dropped",
				zap.String("operation_id", operation.ID),
				zap.String("user_id", userID),
				zap.String("idempotency_key", operation.IdempotencyKey),
				zap.Error(sendErr))
			o.diagnostics.OperationDropped(Diagnostic{
				OperationID:    operation.ID,
				UserID:         userID,
				Table:          operation.Table.String(),
				Action:         operation.Action.String(),
				TimestampMs:    operation.TimestampMs,
				IdempotencyKey: operation.IdempotencyKey,
				Err:            sendErr,
			})
		case disposition.Halt:
			o.markHalted(userID, epoch)
			o.logger.Info("sync halted until sign-in", zap.String("user_id", userID), zap.Error(sendErr))
			report.Outcome = OutcomeHalted
			report.LastError = sendErr
			return report, ErrReauthenticationRequired
		default:
			o.logger.Debug("sync deferred",
				zap.String("user_id", userID),
				zap.String("operation_id", operation.ID),
				zap.Error(sendErr))
			report.Outcome = OutcomeDeferred
			report.LastError = sendErr
			return report, nil
		}
	}

	report.Remaining = 0
	return report, nil
}

func (o *Orchestrator) send(ctx context.Context, userID string, operation queue.Operation) (syncclient.Response, error) {
	request := syncclient.Request{
		IdempotencyKey: operation.IdempotencyKey,
		Table:          operation.Table.String(),
		Action:         operation.Action.String(),
		Payload:        json.RawMessage(operation.Payload),
	}
	var response syncclient.Response
	err := retry.DoNotify(ctx, o.policy, func(ctx context.Context) error {
		var err error
		response, err = o.executor.Execute(ctx, userID, request)
		return err
	}, func(err error, delay time.Duration) {
		o.logger.Debug("retrying upload",
			zap.String("operation_id", operation.ID),
			zap.Duration("delay", delay),
			zap.Error(err))
	})
	return response, err
}

func (o *Orchestrator) current(userID string, epoch uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	state, ok := o.states[userID]
	return ok && state.epoch == epoch
}

func (o *Orchestrator) markHalted(userID string, epoch uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	state := o.stateLocked(userID)
	if state.epoch == epoch {
		state.halted = true
	}
}

func (o *Orchestrator) signedInUsers() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	users := make([]string, 0, len(o.states))
	for userID, state := range o.states {
		if state.signedIn {
			users = append(users, userID)
		}
	}
	sort.Strings(users)
	return users
}

func (o *Orchestrator) stateLocked(userID string) *userState {
	state, ok := o.states[userID]
	if !ok {
		state = &userState{}
		o.states[userID] = state
	}
	return state
}
