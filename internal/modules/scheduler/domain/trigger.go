// Package domain defines persisted tournament end triggers.
package domain

import (
	"context"
	"time"
)

// TriggerStatus of a scheduled trigger
type TriggerStatus string

const (
	TriggerScheduled TriggerStatus = "scheduled"
	TriggerFired     TriggerStatus = "fired"
	TriggerCanceled  TriggerStatus = "canceled"
)

// Trigger is the single end trigger of a tournament.
// Every schedule or cancel bumps Generation; a fire carrying an older one is ignored.
type Trigger struct {
	TournamentID string        `gorm:"primaryKey;type:varchar(64)" json:"tournament_id"`
	FireAt       time.Time     `gorm:"not null;index:idx_schedule_triggers_fire_at" json:"fire_at"`
	Generation   int64         `gorm:"not null" json:"generation"`
	Status       TriggerStatus `gorm:"type:varchar(16);not null;index:idx_schedule_triggers_status" json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// TableName overrides the table name
func (Trigger) TableName() string {
	return "schedule_triggers"
}

// TriggerRepository persists triggers so they survive a restart
type TriggerRepository interface {
	// Arm schedules the trigger at fireAt under a new generation
	Arm(ctx context.Context, tournamentID string, fireAt time.Time) (*Trigger, error)
	// Disarm cancels the trigger under a new generation. A missing trigger is apperr.ErrNotFound.
	Disarm(ctx context.Context, tournamentID string) (*Trigger, error)
	Get(ctx context.Context, tournamentID string) (*Trigger, error)
	// MarkFired moves scheduled -> fired only for the given generation and reports whether it won
	MarkFired(ctx context.Context, tournamentID string, generation int64) (bool, error)
	// Revert moves fired -> scheduled for the given generation after a failed hand-off
	Revert(ctx context.Context, tournamentID string, generation int64) error
	ListScheduled(ctx context.Context) ([]Trigger, error)
	ListDue(ctx context.Context, now time.Time) ([]Trigger, error)
}
