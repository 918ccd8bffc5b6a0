package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/liftsync/liftsync/internal/auth"
	"github.com/liftsync/liftsync/internal/executor"
	"github.com/liftsync/liftsync/internal/receipts"
	"github.com/liftsync/liftsync/internal/syncop"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type stubExecutor struct {
	result    executor.Result
	err       error
	lastToken string
	lastReq   executor.Request
	calls     int
}

func (s *stubExecutor) Execute(_ context.Context, authToken string, request executor.Request) (executor.Result, error) {
	s.calls++
	s.lastToken = authToken
	s.lastReq = request
	return s.result, s.err
}

type stubTokens struct {
	subject     string
	validateErr error
}

func (s stubTokens) ValidateToken(string) (string, error) {
	if s.validateErr != nil {
		return "", s.validateErr
	}
	return s.subject, nil
}

type stubReceipts map[string]*receipts.Receipt

func (s stubReceipts) Fetch(_ context.Context, userID, key string) (*receipts.Receipt, error) {
	return s[userID+"/"+key], nil
}

func newTestRouter(t *testing.T, exec *stubExecutor, tokens stubTokens, receiptReader stubReceipts) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	handler, err := NewHTTPHandler(Dependencies{
		Executor:     exec,
		TokenManager: tokens,
		Receipts:     receiptReader,
	})
	if err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}
	return handler
}

func postExecute(handler http.Handler, authorization, body string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(http.MethodPost, "/v1/sync/execute", strings.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	if authorization != "" {
		request.Header.Set("Authorization", authorization)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body %q: %v", recorder.Body.String(), err)
	}
	return body
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingExecutor) {
		t.Fatalf("expected missing executor error, got %v", err)
	}
	if _, err := NewHTTPHandler(Dependencies{Executor: &stubExecutor{}}); !errors.Is(err, errMissingTokenManager) {
		t.Fatalf("expected missing token manager error, got %v", err)
	}
	if _, err := NewHTTPHandler(Dependencies{Executor: &stubExecutor{}, TokenManager: stubTokens{}}); !errors.Is(err, errMissingReceiptReader) {
		t.Fatalf("expected missing receipt reader error, got %v", err)
	}
}

func TestHealthz(t *testing.T) {
	handler := newTestRouter(t, &stubExecutor{}, stubTokens{}, stubReceipts{})
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestExecuteForwardsRequestAndToken(t *testing.T) {
	exec := &stubExecutor{result: executor.Result{
		IdempotencyKey: "k1",
		Table:          syncop.TableWorkouts,
		Action:         syncop.ActionUpsert,
		Applied:        true,
	}}
	handler := newTestRouter(t, exec, stubTokens{}, stubReceipts{})

	recorder := postExecute(handler, "Bearer token-1",
		`{"idempotencyKey":"k1","table":"workouts","action":"upsert","payload":{"id":"w1"}}`)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if exec.lastToken != "token-1" {
		t.Fatalf("unexpected token forwarded: %q", exec.lastToken)
	}
	if exec.lastReq.IdempotencyKey != "k1" || exec.lastReq.Table != "workouts" || exec.lastReq.Action != "upsert" {
		t.Fatalf("unexpected request forwarded: %#v", exec.lastReq)
	}
	if string(exec.lastReq.Payload) != `{"id":"w1"}` {
		t.Fatalf("unexpected payload forwarded: %s", exec.lastReq.Payload)
	}

	body := decodeBody(t, recorder)
	if body["applied"] != true || body["deduped"] != false {
		t.Fatalf("unexpected response body: %v", body)
	}
	if body["idempotencyKey"] != "k1" || body["table"] != "workouts" || body["action"] != "upsert" {
		t.Fatalf("unexpected response body: %v", body)
	}
}

func TestExecuteRequiresBearerToken(t *testing.T) {
	exec := &stubExecutor{}
	handler := newTestRouter(t, exec, stubTokens{}, stubReceipts{})

	for _, authorization := range []string{"", "Basic abc", "Bearer   "} {
		recorder := postExecute(handler, authorization, `{}`)
		if recorder.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 for %q, got %d", authorization, recorder.Code)
		}
	}
	if exec.calls != 0 {
		t.Fatalf("executor must not be called without a token")
	}
}

func TestExecuteRejectsMalformedBody(t *testing.T) {
	exec := &stubExecutor{}
	handler := newTestRouter(t, exec, stubTokens{}, stubReceipts{})

	recorder := postExecute(handler, "Bearer token-1", `{"idempotencyKey":`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	if exec.calls != 0 {
		t.Fatalf("executor must not be called for malformed body")
	}
}

func TestExecuteRejectsOversizedBody(t *testing.T) {
	handler := newTestRouter(t, &stubExecutor{}, stubTokens{}, stubReceipts{})

	padding := strings.Repeat("x", maxRequestBodyBytes)
	body := fmt.Sprintf(`{"idempotencyKey":"k1","table":"workouts","action":"upsert","payload":{"id":"w1","notes":%q}}`, padding)
	recorder := postExecute(handler, "Bearer token-1", body)
	if recorder.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", recorder.Code)
	}
}

func TestExecuteMapsErrorKinds(t *testing.T) {
	testCases := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{name: "unauthorized", err: fmt.Errorf("wrapped: %w", executor.ErrUnauthorized), wantStatus: http.StatusUnauthorized, wantError: "unauthorized"},
		{name: "invalid", err: fmt.Errorf("wrapped: %w", executor.ErrInvalidRequest), wantStatus: http.StatusBadRequest, wantError: "invalid_request"},
		{name: "conflict", err: fmt.Errorf("wrapped: %w", executor.ErrKeyConflict), wantStatus: http.StatusConflict, wantError: "key_conflict"},
		{name: "transient", err: fmt.Errorf("wrapped: %w", executor.ErrTransient), wantStatus: http.StatusInternalServerError, wantError: "sync_failed"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			handler := newTestRouter(t, &stubExecutor{err: testCase.err}, stubTokens{}, stubReceipts{})
			recorder := postExecute(handler, "Bearer token-1",
				`{"idempotencyKey":"k1","table":"workouts","action":"upsert","payload":{"id":"w1"}}`)
			if recorder.Code != testCase.wantStatus {
				t.Fatalf("expected %d, got %d", testCase.wantStatus, recorder.Code)
			}
			if body := decodeBody(t, recorder); body["error"] != testCase.wantError {
				t.Fatalf("unexpected error body: %v", body)
			}
		})
	}
}

func TestGetReceiptIsScopedToCaller(t *testing.T) {
	appliedAt := int64(1700000000)
	receiptReader := stubReceipts{
		"user-1/k1": {
			UserID:           "user-1",
			IdempotencyKey:   "k1",
			Target:           "workouts",
			Action:           "upsert",
			Applied:          true,
			AppliedAtSeconds: &appliedAt,
		},
	}

	handler := newTestRouter(t, &stubExecutor{}, stubTokens{subject: "user-1"}, receiptReader)
	request := httptest.NewRequest(http.MethodGet, "/v1/sync/receipts/k1", http.NoBody)
	request.Header.Set("Authorization", "Bearer token-1")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	body := decodeBody(t, recorder)
	if body["applied"] != true || body["table"] != "workouts" {
		t.Fatalf("unexpected body: %v", body)
	}

	otherUser := newTestRouter(t, &stubExecutor{}, stubTokens{subject: "user-2"}, receiptReader)
	recorder = httptest.NewRecorder()
	otherUser.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for another user, got %d", recorder.Code)
	}
}

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/v1/sync/receipts/k1", http.NoBody)
	request.Header.Set("Authorization", "Bearer expired-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		tokens: stubTokens{validateErr: fmt.Errorf("%w: exp", auth.ErrExpiredToken)},
		logger: zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entries[0].Level)
	}
	if entries[0].Message != "token validation failed" {
		t.Fatalf("unexpected log message: %q", entries[0].Message)
	}
}

func TestAuthorizeRequestLogsUnexpectedTokenErrorAtWarnLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/v1/sync/receipts/k1", http.NoBody)
	request.Header.Set("Authorization", "Bearer invalid-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		tokens: stubTokens{validateErr: errors.New("signature mismatch")},
		logger: zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d", recorder.Code)
	}
	entries := logs.All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected one warn entry, got %v", entries)
	}
}

func TestCORSPreflightAllowsAuthorizationHeader(t *testing.T) {
	handler := newTestRouter(t, &stubExecutor{}, stubTokens{}, stubReceipts{})

	request := httptest.NewRequest(http.MethodOptions, "/v1/sync/execute", http.NoBody)
	request.Header.Set("Origin", "https://app.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	request.Header.Set("Access-Control-Request-Headers", "Authorization, Content-Type")

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	allowHeaders := strings.ToLower(recorder.Header().Get("Access-Control-Allow-Headers"))
	if !strings.Contains(allowHeaders, "authorization") {
		t.Fatalf("expected Authorization to be allowed, got %q", allowHeaders)
	}
}
