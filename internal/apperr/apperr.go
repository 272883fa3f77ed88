// Package apperr defines the error taxonomy shared by the orchestrator, the
// headless path and the HTTP layer.
//
// Every failure surfaced to a caller wraps exactly one of the sentinels below
// so handlers can map it to a status code with [HTTPStatus] and a stable
// machine-readable code with [Code]. Ambiguous intent is deliberately absent:
// it is answered with a confirmation request, not an error.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrAuthRejected means a shared secret or user credential was missing or
	// invalid. Never retried.
	ErrAuthRejected = errors.New("authentication rejected")

	// ErrValidationFailed means a tool call (or headless payload) lacked a
	// required argument or had a malformed one.
	ErrValidationFailed = errors.New("validation failed")

	// ErrGatewayFailure means the calendar store rejected or timed out a call.
	ErrGatewayFailure = errors.New("calendar gateway failure")

	// ErrLoopExhausted means the model did not finish within the round cap.
	ErrLoopExhausted = errors.New("could not complete request; try a narrower instruction")

	// ErrRetryLater means another request holding the same idempotency key is
	// still in flight.
	ErrRetryLater = errors.New("request with this idempotency key is in progress; retry later")

	// ErrBadRequest covers malformed transport-level input.
	ErrBadRequest = errors.New("bad request")
)

// ValidationError describes which arguments of a tool call were missing or
// malformed. It unwraps to [ErrValidationFailed].
type ValidationError struct {
	Tool    string
	Missing []string
	Reason  string
}

func (e *ValidationError) Error() string {
	var sb strings.Builder
	sb.WriteString("validation failed")
	if e.Tool != "" {
		sb.WriteString(" for ")
		sb.WriteString(e.Tool)
	}
	if len(e.Missing) > 0 {
		sb.WriteString(": missing required ")
		sb.WriteString(strings.Join(e.Missing, ", "))
	}
	if e.Reason != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Reason)
	}
	return sb.String()
}

// Unwrap lets errors.Is match [ErrValidationFailed].
func (e *ValidationError) Unwrap() error { return ErrValidationFailed }

// Invalid is a shorthand for a [ValidationError] carrying only a reason.
func Invalid(tool, format string, args ...any) error {
	return &ValidationError{Tool: tool, Reason: fmt.Sprintf(format, args...)}
}

// Gateway wraps err as an [ErrGatewayFailure] for op, keeping the cause
// reachable through errors.Is/As.
func Gateway(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrGatewayFailure) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrGatewayFailure, op, err)
}

// HTTPStatus maps err onto the status code the HTTP API answers with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrAuthRejected):
		return http.StatusUnauthorized
	case errors.Is(err, ErrValidationFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrRetryLater):
		return http.StatusConflict
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrGatewayFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Code returns a stable machine-readable code for err.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthRejected):
		return "auth_rejected"
	case errors.Is(err, ErrValidationFailed):
		return "validation_failed"
	case errors.Is(err, ErrRetryLater):
		return "retry_later"
	case errors.Is(err, ErrBadRequest):
		return "bad_request"
	case errors.Is(err, ErrGatewayFailure):
		return "gateway_failure"
	case errors.Is(err, ErrLoopExhausted):
		return "loop_exhausted"
	default:
		return "internal"
	}
}
