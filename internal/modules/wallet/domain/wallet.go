// Package domain defines the wallet ledger contract consumed by the engine.
package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/frankieli/game_tables/pkg/apperr"
)

// Direction of a wallet operation
type Direction string

const (
	DirectionDebit  Direction = "debit"
	DirectionCredit Direction = "credit"
	DirectionRefund Direction = "refund"
)

// Scope names what the operation belongs to
type Scope string

const (
	ScopeTable      Scope = "table"
	ScopeTournament Scope = "tournament"
)

// Operation is one logical money movement.
// Retrying the same logical operation must reuse Key.
type Operation struct {
	Key       string
	UserID    string
	Amount    decimal.Decimal
	Direction Direction
}

// NewKey derives the idempotency key for a logical operation.
// seq is the round number, entry number or join reference.
func NewKey(direction Direction, scope Scope, scopeID, userID, seq string) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s", direction, scope, scopeID, userID, seq)
}

// NewOperation builds an operation with its derived key
func NewOperation(direction Direction, scope Scope, scopeID, userID, seq string, amount decimal.Decimal) Operation {
	return Operation{
		Key:       NewKey(direction, scope, scopeID, userID, seq),
		UserID:    userID,
		Amount:    amount,
		Direction: direction,
	}
}

// Ledger is the external wallet service.
// The provider guarantees at most one realized effect per Operation.Key.
type Ledger interface {
	// Debit returns apperr.ErrInsufficientBalance when the user cannot cover Amount
	Debit(ctx context.Context, op Operation) error
	Credit(ctx context.Context, op Operation) error
	Refund(ctx context.Context, op Operation) error
}

// Apply dispatches op to the ledger method matching its direction
func Apply(ctx context.Context, l Ledger, op Operation) error {
	switch op.Direction {
	case DirectionDebit:
		return l.Debit(ctx, op)
	case DirectionCredit:
		return l.Credit(ctx, op)
	case DirectionRefund:
		return l.Refund(ctx, op)
	default:
		return fmt.Errorf("unknown wallet direction %q", op.Direction)
	}
}

// IsRejection reports a wallet answer proving the operation was not realized.
// Any other error leaves the outcome unknown and the operation must be retried with its key.
func IsRejection(err error) bool {
	return errors.Is(err, apperr.ErrInsufficientBalance) ||
		errors.Is(err, apperr.ErrInvalidArgument)
}
