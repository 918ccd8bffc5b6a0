package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/liftsync/liftsync/internal/auth"
	"github.com/liftsync/liftsync/internal/executor"
	"github.com/liftsync/liftsync/internal/receipts"
	"go.uber.org/zap"
)

const (
	userIDContextKey    = "liftsync_user_id"
	maxRequestBodyBytes = 1 << 20
)

var (
	errMissingExecutor      = errors.New("sync executor dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingReceiptReader = errors.New("receipt reader dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// SyncExecutor applies one operation for the bearer of authToken.
type SyncExecutor interface {
	Execute(ctx context.Context, authToken string, request executor.Request) (executor.Result, error)
}

// TokenValidator resolves a bearer token to its user id.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// ReceiptReader looks up a receipt for diagnostics.
type ReceiptReader interface {
	Fetch(ctx context.Context, userID, idempotencyKey string) (*receipts.Receipt, error)
}

type Dependencies struct {
	Executor     SyncExecutor
	TokenManager TokenValidator
	Receipts     ReceiptReader
	Logger       *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Executor == nil {
		return nil, errMissingExecutor
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Receipts == nil {
		return nil, errMissingReceiptReader
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		executor: deps.Executor,
		tokens:   deps.TokenManager,
		receipts: deps.Receipts,
		logger:   logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/v1/sync/execute", handler.handleExecute)

	protected := router.Group("/v1")
	protected.Use(handler.authorizeRequest)
	protected.GET("/sync/receipts/:key", handler.handleGetReceipt)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	executor SyncExecutor
	tokens   TokenValidator
	receipts ReceiptReader
	logger   *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type executeRequestPayload struct {
	IdempotencyKey string          `json:"idempotencyKey"`
	Table          string          `json:"table"`
	Action         string          `json:"action"`
	Payload        json.RawMessage `json:"payload"`
}

type executeResponsePayload struct {
	Applied        bool   `json:"applied"`
	Deduped        bool   `json:"deduped"`
	IdempotencyKey string `json:"idempotencyKey"`
	Table          string `json:"table"`
	Action         string `json:"action"`
}

func (h *httpHandler) handleExecute(c *gin.Context) {
	token, ok := bearerToken(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBodyBytes)
	var request executeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.executor.Execute(c.Request.Context(), token, executor.Request{
		IdempotencyKey: request.IdempotencyKey,
		Table:          request.Table,
		Action:         request.Action,
		Payload:        request.Payload,
	})
	if err != nil {
		h.writeExecuteError(c, err)
		return
	}

	c.JSON(http.StatusOK, executeResponsePayload{
		Applied:        result.Applied,
		Deduped:        result.Deduped,
		IdempotencyKey: result.IdempotencyKey,
		Table:          result.Table.String(),
		Action:         result.Action.String(),
	})
}

func (h *httpHandler) writeExecuteError(c *gin.Context, err error) {
	body := gin.H{}
	var serviceErr *executor.ServiceError
	if errors.As(err, &serviceErr) {
		body["code"] = serviceErr.Code()
	}

	switch {
	case errors.Is(err, executor.ErrUnauthorized):
		body["error"] = "unauthorized"
		c.JSON(http.StatusUnauthorized, body)
	case errors.Is(err, executor.ErrInvalidRequest):
		body["error"] = "invalid_request"
		c.JSON(http.StatusBadRequest, body)
	case errors.Is(err, executor.ErrKeyConflict):
		body["error"] = "key_conflict"
		c.JSON(http.StatusConflict, body)
	default:
		h.logger.Error("failed to execute sync operation", zap.Error(err))
		body["error"] = "sync_failed"
		c.JSON(http.StatusInternalServerError, body)
	}
}

type receiptResponsePayload struct {
	IdempotencyKey   string `json:"idempotencyKey"`
	Table            string `json:"table"`
	Action           string `json:"action"`
	Applied          bool   `json:"applied"`
	AppliedAtSeconds *int64 `json:"appliedAtSeconds,omitempty"`
	LastError        string `json:"lastError,omitempty"`
}

func (h *httpHandler) handleGetReceipt(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	key := strings.TrimSpace(c.Param("key"))
	receipt, err := h.receipts.Fetch(c.Request.Context(), userID, key)
	if err != nil {
		h.logger.Error("failed to fetch receipt", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "receipt_lookup_failed"})
		return
	}
	if receipt == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}

	response := receiptResponsePayload{
		IdempotencyKey:   receipt.IdempotencyKey,
		Table:            receipt.Target,
		Action:           receipt.Action,
		Applied:          receipt.Applied,
		AppliedAtSeconds: receipt.AppliedAtSeconds,
	}
	if receipt.LastError != nil {
		response.LastError = *receipt.LastError
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, ok := bearerToken(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	return token, token != ""
}
