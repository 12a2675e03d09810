package wallet

import (
	"context"
	"time"

	"github.com/frankieli/game_tables/internal/modules/wallet/domain"
	"github.com/frankieli/game_tables/pkg/apperr"
	"github.com/frankieli/game_tables/pkg/logger"
)

// Ensure Retrying implements domain.Ledger
var _ domain.Ledger = (*Retrying)(nil)

// RetryPolicy bounds how a transient wallet failure is retried.
// MaxAttempts <= 0 retries until the context ends.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Retrying wraps a ledger and retries transient failures with the identical operation.
// The key never changes between attempts so retries collapse on the provider.
type Retrying struct {
	next   domain.Ledger
	policy RetryPolicy
}

// NewRetrying creates a retrying ledger
func NewRetrying(next domain.Ledger, policy RetryPolicy) *Retrying {
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = 100 * time.Millisecond
	}
	if policy.MaxDelay < policy.BaseDelay {
		policy.MaxDelay = policy.BaseDelay
	}
	return &Retrying{next: next, policy: policy}
}

func (r *Retrying) Debit(ctx context.Context, op domain.Operation) error {
	return r.do(ctx, op, r.next.Debit)
}

func (r *Retrying) Credit(ctx context.Context, op domain.Operation) error {
	return r.do(ctx, op, r.next.Credit)
}

func (r *Retrying) Refund(ctx context.Context, op domain.Operation) error {
	return r.do(ctx, op, r.next.Refund)
}

func (r *Retrying) do(ctx context.Context, op domain.Operation, call func(context.Context, domain.Operation) error) error {
	delay := r.policy.BaseDelay
	for attempt := 1; ; attempt++ {
		err := call(ctx, op)
		if err == nil || !apperr.IsTransient(err) {
			return err
		}
		if r.policy.MaxAttempts > 0 && attempt >= r.policy.MaxAttempts {
			return err
		}

		logger.Warn(ctx).
			Err(err).
			Str("idempotency_key", op.Key).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("wallet call failed, retrying with same key")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}

		delay *= 2
		if delay > r.policy.MaxDelay {
			delay = r.policy.MaxDelay
		}
	}
}
