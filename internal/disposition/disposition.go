// Package disposition maps any failure seen while delivering an operation to
// the action the client takes: retry later, drop the operation, or halt until
// the user signs in again.
package disposition

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/liftsync/liftsync/internal/canonical"
	"github.com/liftsync/liftsync/internal/session"
	"github.com/liftsync/liftsync/internal/syncop"
)

// Disposition is the client's reaction to a failure.
type Disposition string

const (
	Retry Disposition = "retry"
	Drop  Disposition = "drop"
	Halt  Disposition = "halt"
)

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// Classify decides what to do about err. Auth failures win over transport
// failures, which win over payload failures; anything unrecognised is retried.
func Classify(err error) Disposition {
	status := statusOf(err)
	switch {
	case isAuthFailure(err, status):
		return Halt
	case isTransportFailure(err, status):
		return Retry
	case isPayloadFailure(err, status):
		return Drop
	default:
		return Retry
	}
}

func statusOf(err error) int {
	var coder StatusCoder
	if errors.As(err, &coder) {
		return coder.HTTPStatus()
	}
	return 0
}

func isAuthFailure(err error, status int) bool {
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return true
	}
	return errors.Is(err, session.ErrNoCredential) || errors.Is(err, session.ErrCredentialExpired)
}

func isTransportFailure(err error, status int) bool {
	switch {
	case status >= http.StatusInternalServerError,
		status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests:
		return true
	case status != 0:
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func isPayloadFailure(err error, status int) bool {
	switch status {
	case http.StatusBadRequest,
		http.StatusConflict,
		http.StatusRequestEntityTooLarge,
		http.StatusUnprocessableEntity:
		return true
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	var unsupportedTypeErr *json.UnsupportedTypeError
	var unsupportedValueErr *json.UnsupportedValueError
	return errors.As(err, &syntaxErr) ||
		errors.As(err, &typeErr) ||
		errors.As(err, &unsupportedTypeErr) ||
		errors.As(err, &unsupportedValueErr) ||
		errors.Is(err, canonical.ErrInvalidJSON) ||
		errors.Is(err, canonical.ErrUnsupportedValue) ||
		errors.Is(err, syncop.ErrInvalidPayload) ||
		errors.Is(err, syncop.ErrUnknownTable) ||
		errors.Is(err, syncop.ErrUnknownAction)
}
