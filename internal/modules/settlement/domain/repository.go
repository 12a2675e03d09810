package domain

import (
	"context"
)

// Repository persists plans, their operations and history.
// It is the authoritative record of every money effect the engine decided on.
type Repository interface {
	// CreatePlan stores the plan with its ops in one transaction.
	// An existing plan for the same id yields apperr.ErrConflict.
	CreatePlan(ctx context.Context, plan *Plan, ops []Op) error
	// GetPlan returns apperr.ErrNotFound when the subject was never planned
	GetPlan(ctx context.Context, planID string) (*Plan, []Op, error)
	AckOp(ctx context.Context, key string) error
	RecordFailure(ctx context.Context, key string, cause error) error
	// Complete writes the history once and marks the plan done
	Complete(ctx context.Context, planID string, history *History) error
	GetHistory(ctx context.Context, planID string) (*History, error)
	ListOpen(ctx context.Context) ([]Plan, error)
}

// Notifier tells users about money credited to them. Delivery is best effort.
type Notifier interface {
	NotifySettled(ctx context.Context, planID string, op Op)
}
