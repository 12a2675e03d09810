package wallet

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frankieli/game_tables/internal/modules/wallet/domain"
	"github.com/frankieli/game_tables/pkg/apperr"
)

func TestMockLedger_DedupByKey(t *testing.T) {
	ctx := context.Background()
	l := NewMockLedger(decimal.NewFromInt(1000))

	op := domain.NewOperation(domain.DirectionCredit, domain.ScopeTable, "t1", "u1", "3", decimal.NewFromInt(80))
	require.NoError(t, l.Credit(ctx, op))
	require.NoError(t, l.Credit(ctx, op))

	assert.True(t, l.Balance("u1").Equal(decimal.NewFromInt(1080)))
	assert.Len(t, l.Calls(), 2)
	assert.Len(t, l.Applied(), 1)
}

func TestMockLedger_InsufficientBalance(t *testing.T) {
	ctx := context.Background()
	l := NewMockLedger(decimal.Zero)
	l.SetBalance("u1", decimal.NewFromInt(50))

	op := domain.NewOperation(domain.DirectionDebit, domain.ScopeTable, "t1", "u1", "ref", decimal.NewFromInt(100))
	err := l.Debit(ctx, op)
	assert.ErrorIs(t, err, apperr.ErrInsufficientBalance)
	assert.True(t, l.Balance("u1").Equal(decimal.NewFromInt(50)))
	assert.Empty(t, l.Applied())
}

func TestMockLedger_KeyReuseWithDifferentAmount(t *testing.T) {
	ctx := context.Background()
	l := NewMockLedger(decimal.NewFromInt(1000))

	op := domain.NewOperation(domain.DirectionRefund, domain.ScopeTournament, "T", "u1", "1", decimal.NewFromInt(10))
	require.NoError(t, l.Refund(ctx, op))

	op.Amount = decimal.NewFromInt(20)
	assert.ErrorIs(t, l.Refund(ctx, op), apperr.ErrConflict)
}

func TestRetrying_RetriesTransientWithSameKey(t *testing.T) {
	ctx := context.Background()
	mock := NewMockLedger(decimal.NewFromInt(0))
	op := domain.NewOperation(domain.DirectionCredit, domain.ScopeTable, "t1", "u1", "1", decimal.NewFromInt(5))
	mock.FailNext(op.Key, apperr.ErrLedgerUnavailable, apperr.ErrLedgerUnavailable)

	r := NewRetrying(mock, RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})
	require.NoError(t, r.Credit(ctx, op))

	calls := mock.Calls()
	require.Len(t, calls, 3)
	for _, c := range calls {
		assert.Equal(t, op.Key, c.Key)
	}
	assert.True(t, mock.Balance("u1").Equal(decimal.NewFromInt(5)))
}

func TestRetrying_StopsOnPermanentError(t *testing.T) {
	ctx := context.Background()
	mock := NewMockLedger(decimal.Zero)
	op := domain.NewOperation(domain.DirectionDebit, domain.ScopeTable, "t1", "u1", "1", decimal.NewFromInt(5))

	r := NewRetrying(mock, RetryPolicy{BaseDelay: time.Millisecond})
	err := r.Debit(ctx, op)
	assert.ErrorIs(t, err, apperr.ErrInsufficientBalance)
	assert.Len(t, mock.Calls(), 1)
}

func TestRetrying_MaxAttempts(t *testing.T) {
	ctx := context.Background()
	mock := NewMockLedger(decimal.Zero)
	op := domain.NewOperation(domain.DirectionRefund, domain.ScopeTable, "t1", "u1", "1", decimal.NewFromInt(5))
	mock.FailNext(op.Key, apperr.ErrLedgerUnavailable, apperr.ErrLedgerUnavailable, apperr.ErrLedgerUnavailable)

	r := NewRetrying(mock, RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond})
	err := r.Refund(ctx, op)
	assert.True(t, errors.Is(err, apperr.ErrLedgerUnavailable))
	assert.Len(t, mock.Calls(), 2)
}

func TestIsRejection(t *testing.T) {
	assert.True(t, domain.IsRejection(apperr.ErrInsufficientBalance))
	assert.True(t, domain.IsRejection(fmt.Errorf("debit u1: %w", apperr.ErrInvalidArgument)))

	assert.False(t, domain.IsRejection(apperr.ErrLedgerUnavailable), "outcome unknown")
	assert.False(t, domain.IsRejection(context.DeadlineExceeded))
	assert.False(t, domain.IsRejection(apperr.ErrConflict))
	assert.False(t, domain.IsRejection(nil))
}
