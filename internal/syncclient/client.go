// Package syncclient calls the sync executor endpoint over HTTP.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	executePath          = "/v1/sync/execute"
	maxErrorBodyBytes    = 4096
	defaultClientTimeout = 30 * time.Second
)

var (
	errMissingBaseURL     = errors.New("syncclient: base url is required")
	errMissingCredentials = errors.New("syncclient: credential source is required")
)

// CredentialSource yields the bearer token for a user.
type CredentialSource interface {
	Token(userID string) (string, error)
}

// Request is one operation sent to the executor.
type Request struct {
	IdempotencyKey string          `json:"idempotencyKey"`
	Table          string          `json:"table"`
	Action         string          `json:"action"`
	Payload        json.RawMessage `json:"payload"`
}

// Response is the executor's success body.
type Response struct {
	Applied        bool   `json:"applied"`
	Deduped        bool   `json:"deduped"`
	IdempotencyKey string `json:"idempotencyKey"`
	Table          string `json:"table"`
	Action         string `json:"action"`
}

// StatusError reports a non-2xx response.
type StatusError struct {
	StatusCode int
	ErrorCode  string
	Code       string
}

func (e *StatusError) Error() string {
	if e.ErrorCode == "" {
		return fmt.Sprintf("sync executor returned %d", e.StatusCode)
	}
	return fmt.Sprintf("sync executor returned %d: %s", e.StatusCode, e.ErrorCode)
}

// HTTPStatus exposes the status code to the error classifier.
func (e *StatusError) HTTPStatus() int {
	return e.StatusCode
}

// Config wires the client dependencies.
type Config struct {
	BaseURL     string
	HTTPClient  *http.Client
	Credentials CredentialSource
	Logger      *zap.Logger
}

// Client posts operations to the executor.
type Client struct {
	endpoint    string
	httpClient  *http.Client
	credentials CredentialSource
	logger      *zap.Logger
}

// New validates the configuration and constructs a Client.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	if cfg.Credentials == nil {
		return nil, errMissingCredentials
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultClientTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		endpoint:    baseURL + executePath,
		httpClient:  httpClient,
		credentials: cfg.Credentials,
		logger:      logger,
	}, nil
}

// Execute sends request on behalf of userID. Credential errors, transport
// errors, *StatusError and JSON decode errors are returned unwrapped enough
// for the disposition classifier to recognise them.
func (c *Client) Execute(ctx context.Context, userID string, request Request) (Response, error) {
	token, err := c.credentials.Token(userID)
	if err != nil {
		return Response{}, err
	}

	body, err := json.Marshal(request)
	if err != nil {
		return Response{}, fmt.Errorf("encode request: %w", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Authorization", "Bearer "+token)

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return Response{}, err
	}
	defer httpResponse.Body.Close()

	if httpResponse.StatusCode < http.StatusOK || httpResponse.StatusCode >= http.StatusMultipleChoices {
		statusErr := &StatusError{StatusCode: httpResponse.StatusCode}
		var errorBody struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if decodeErr := json.NewDecoder(io.LimitReader(httpResponse.Body, maxErrorBodyBytes)).Decode(&errorBody); decodeErr == nil {
			statusErr.ErrorCode = errorBody.Error
			statusErr.Code = errorBody.Code
		}
		c.logger.Debug("sync executor rejected request",
			zap.String("user_id", userID),
			zap.String("idempotency_key", request.IdempotencyKey),
			zap.Int("status", httpResponse.StatusCode),
			zap.String("error_code", statusErr.ErrorCode))
		return Response{}, statusErr
	}

	var response Response
	if err := json.NewDecoder(httpResponse.Body).Decode(&response); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	return response, nil
}
