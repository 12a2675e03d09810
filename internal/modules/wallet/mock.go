package wallet

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/frankieli/game_tables/internal/modules/wallet/domain"
	"github.com/frankieli/game_tables/pkg/apperr"
)

// Ensure MockLedger implements domain.Ledger
var _ domain.Ledger = (*MockLedger)(nil)

// MockLedger implements domain.Ledger in memory.
// Like the real provider it realizes at most one effect per idempotency key.
type MockLedger struct {
	balances       map[string]decimal.Decimal
	applied        map[string]domain.Operation
	calls          []domain.Operation
	failures       map[string][]error
	defaultBalance decimal.Decimal
	mu             sync.RWMutex
}

// NewMockLedger creates a new mock ledger. Unknown users start at defaultBalance.
func NewMockLedger(defaultBalance decimal.Decimal) *MockLedger {
	return &MockLedger{
		balances:       make(map[string]decimal.Decimal),
		applied:        make(map[string]domain.Operation),
		failures:       make(map[string][]error),
		defaultBalance: defaultBalance,
	}
}

// SetBalance sets the balance for a user (for testing)
func (m *MockLedger) SetBalance(userID string, balance decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userID] = balance
}

// Balance returns the user's balance
func (m *MockLedger) Balance(userID string) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balanceLocked(userID)
}

// FailNext makes the next calls with key fail with errs, in order, before any effect.
func (m *MockLedger) FailNext(key string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[key] = append(m.failures[key], errs...)
}

// Calls returns every call received, including duplicates and failures
func (m *MockLedger) Calls() []domain.Operation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Operation, len(m.calls))
	copy(out, m.calls)
	return out
}

// Applied returns the realized operations keyed by idempotency key
func (m *MockLedger) Applied() map[string]domain.Operation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]domain.Operation, len(m.applied))
	for k, v := range m.applied {
		out[k] = v
	}
	return out
}

// AppliedTotal sums realized operations of a direction for a user
func (m *MockLedger) AppliedTotal(userID string, direction domain.Direction) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := decimal.Zero
	for _, op := range m.applied {
		if op.UserID == userID && op.Direction == direction {
			total = total.Add(op.Amount)
		}
	}
	return total
}

// Debit deducts balance
func (m *MockLedger) Debit(ctx context.Context, op domain.Operation) error {
	return m.apply(ctx, op, domain.DirectionDebit)
}

// Credit adds winnings
func (m *MockLedger) Credit(ctx context.Context, op domain.Operation) error {
	return m.apply(ctx, op, domain.DirectionCredit)
}

// Refund returns a stake or join fee
func (m *MockLedger) Refund(ctx context.Context, op domain.Operation) error {
	return m.apply(ctx, op, domain.DirectionRefund)
}

func (m *MockLedger) apply(ctx context.Context, op domain.Operation, direction domain.Direction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if op.Key == "" {
		return fmt.Errorf("%w: empty idempotency key", apperr.ErrInvalidArgument)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	op.Direction = direction
	m.calls = append(m.calls, op)

	if queued := m.failures[op.Key]; len(queued) > 0 {
		m.failures[op.Key] = queued[1:]
		return queued[0]
	}

	if prev, ok := m.applied[op.Key]; ok {
		if prev.Direction != direction || !prev.Amount.Equal(op.Amount) {
			return fmt.Errorf("%w: key %s reused with different payload", apperr.ErrConflict, op.Key)
		}
		return nil
	}

	balance := m.balanceLocked(op.UserID)
	switch direction {
	case domain.DirectionDebit:
		if balance.LessThan(op.Amount) {
			return apperr.ErrInsufficientBalance
		}
		m.balances[op.UserID] = balance.Sub(op.Amount)
	default:
		m.balances[op.UserID] = balance.Add(op.Amount)
	}
	m.applied[op.Key] = op
	return nil
}

func (m *MockLedger) balanceLocked(userID string) decimal.Decimal {
	balance, exists := m.balances[userID]
	if !exists {
		return m.defaultBalance
	}
	return balance
}
