// Package apperr defines the error taxonomy shared by every module of the engine.
package apperr

import (
	"context"
	"errors"
	"net/http"
)

var (
	// ErrNotFound means the table/tournament is absent. Idempotent callers treat it as already settled.
	ErrNotFound = errors.New("not found")
	// ErrConflict means an active entry already exists. Joins resolve it by resuming.
	ErrConflict = errors.New("conflict")
	// ErrInsufficientBalance is a hard rejection at debit time.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrStorageUnavailable is a transient storage failure.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrLedgerUnavailable is a transient wallet failure. Retry with the same idempotency key.
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	// ErrInvariantViolation halts settlement for the entity and must reach an operator.
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrNotJoinable means the table or tournament no longer accepts stakes.
	ErrNotJoinable = errors.New("not joinable")
	// ErrInvalidArgument rejects malformed requests.
	ErrInvalidArgument = errors.New("invalid argument")
)

// IsTransient reports whether err may succeed when retried unchanged.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, ErrLedgerUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

// HTTPStatus maps err onto the status code peers receive
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, ErrNotJoinable):
		return http.StatusConflict
	case errors.Is(err, ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
