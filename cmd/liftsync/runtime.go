package main

import (
	"database/sql"
	"net/http"
	"strings"
	"time"

	"github.com/liftsync/liftsync/internal/config"
	"github.com/liftsync/liftsync/internal/connectivity"
	"github.com/liftsync/liftsync/internal/database"
	"github.com/liftsync/liftsync/internal/flush"
	"github.com/liftsync/liftsync/internal/logging"
	"github.com/liftsync/liftsync/internal/queue"
	"github.com/liftsync/liftsync/internal/session"
	"github.com/liftsync/liftsync/internal/syncclient"
	"github.com/liftsync/liftsync/internal/writer"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// clientRuntime holds the wired client components for one CLI invocation.
type clientRuntime struct {
	config       config.ClientConfig
	logger       *zap.Logger
	sqlDB        *sql.DB
	sessions     *session.Store
	queue        *queue.Queue
	client       *syncclient.Client
	orchestrator *flush.Orchestrator
	writer       *writer.Writer
	prober       *connectivity.Prober
}

func newClientRuntime(clientConfig config.ClientConfig) (*clientRuntime, error) {
	logger, err := logging.NewConsoleLogger(clientConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenQueue(clientConfig.QueuePath, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	runtime := &clientRuntime{config: clientConfig, logger: logger, sqlDB: sqlDB}
	if err := runtime.wire(db); err != nil {
		runtime.Close()
		return nil, err
	}
	return runtime, nil
}

func (r *clientRuntime) wire(db *gorm.DB) error {
	r.sessions = session.NewStore(time.Now)
	if r.config.AuthToken != "" {
		r.sessions.Login(r.config.UserID, session.Credential{
			Token:     r.config.AuthToken,
			ExpiresAt: r.config.AuthExpiresAt,
		})
	}

	operationQueue, err := queue.New(queue.Config{Database: db, Clock: time.Now, Logger: r.logger})
	if err != nil {
		return err
	}
	r.queue = operationQueue

	httpClient := &http.Client{Timeout: r.config.HTTPTimeout}
	r.client, err = syncclient.New(syncclient.Config{
		BaseURL:     r.config.ServerURL,
		HTTPClient:  httpClient,
		Credentials: r.sessions,
		Logger:      r.logger,
	})
	if err != nil {
		return err
	}

	r.orchestrator, err = flush.New(flush.Config{
		Queue:       r.queue,
		Executor:    r.client,
		RetryPolicy: r.config.RetryPolicy,
		Diagnostics: flush.DiagnosticSinkFunc(r.reportDropped),
		Logger:      r.logger,
	})
	if err != nil {
		return err
	}

	r.writer, err = writer.New(writer.Config{
		Queue:       r.queue,
		Executor:    r.client,
		Flusher:     r.orchestrator,
		RetryPolicy: r.config.RetryPolicy,
		Logger:      r.logger,
	})
	if err != nil {
		return err
	}

	r.prober, err = connectivity.NewProber(connectivity.ProberConfig{
		HealthURL:  strings.TrimRight(r.config.ServerURL, "/") + "/healthz",
		Interval:   r.config.ProbeInterval,
		HTTPClient: httpClient,
		Logger:     r.logger,
	})
	return err
}

func (r *clientRuntime) reportDropped(diagnostic flush.Diagnostic) {
	r.logger.Warn("queued operation dropped",
		zap.String("operation_id", diagnostic.OperationID),
		zap.String("user_id", diagnostic.UserID),
		zap.String("table", diagnostic.Table),
		zap.String("action", diagnostic.Action),
		zap.Int64("timestamp_ms", diagnostic.TimestampMs),
		zap.String("idempotency_key", diagnostic.IdempotencyKey),
		zap.Error(diagnostic.Err))
}

// Close releases the queue database and flushes buffered logs.
func (r *clientRuntime) Close() {
	if r.sqlDB != nil {
		_ = r.sqlDB.Close()
	}
	_ = r.logger.Sync()
}
