// Package domain defines settlement plans, their wallet operations, history
// records and the prize computation for ranked tournaments.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	walletdomain "github.com/frankieli/game_tables/internal/modules/wallet/domain"
)

// Kind of settled subject
type Kind string

const (
	KindTable      Kind = "table"
	KindTournament Kind = "tournament"
)

// Outcome is the terminal status the subject reaches once the plan is done
type Outcome string

const (
	OutcomeClosed    Outcome = "closed"
	OutcomeCompleted Outcome = "completed"
	OutcomeCanceled  Outcome = "canceled"
)

// PlanStatus tracks a plan's progress
type PlanStatus string

const (
	PlanOpen PlanStatus = "open"
	PlanDone PlanStatus = "done"
)

// OpStatus tracks one wallet operation of a plan
type OpStatus string

const (
	OpPending OpStatus = "pending"
	OpAcked   OpStatus = "acked"
)

// PlanID names the plan of a subject; one plan per subject, ever
func PlanID(kind Kind, subjectID string) string {
	return string(kind) + ":" + subjectID
}

// Plan is the persisted, immutable decision of who receives what.
// It is written before any wallet call and never recomputed.
type Plan struct {
	ID        string          `gorm:"primaryKey;type:varchar(96)" json:"id"`
	Kind      Kind            `gorm:"type:varchar(16);not null" json:"kind"`
	SubjectID string          `gorm:"type:varchar(64);not null" json:"subject_id"`
	GameType  string          `gorm:"type:varchar(32)" json:"game_type"`
	Outcome   Outcome         `gorm:"type:varchar(16);not null" json:"outcome"`
	Pool      decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"pool"`
	Total     decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"total"`
	// Lines hold every participant's result, paid or not
	Lines     datatypes.JSONSlice[Line] `json:"lines"`
	Status    PlanStatus                `gorm:"type:varchar(16);not null;index:idx_settlement_plans_status" json:"status"`
	CreatedAt time.Time                 `json:"created_at"`
	UpdatedAt time.Time                 `json:"updated_at"`
}

// TableName overrides the table name
func (Plan) TableName() string {
	return "settlement_plans"
}

// Op is one wallet operation of a plan, keyed by its idempotency key
type Op struct {
	Key       string                 `gorm:"column:op_key;primaryKey;type:varchar(191)" json:"key"`
	PlanID    string                 `gorm:"type:varchar(96);not null;index:idx_settlement_ops_plan" json:"plan_id"`
	UserID    string                 `gorm:"type:varchar(64);not null" json:"user_id"`
	EntryNo   int                    `json:"entry_no"`
	Rank      int                    `gorm:"column:prize_rank" json:"rank"`
	Direction walletdomain.Direction `gorm:"type:varchar(16);not null" json:"direction"`
	Amount    decimal.Decimal        `gorm:"type:decimal(20,8);not null" json:"amount"`
	Status    OpStatus               `gorm:"type:varchar(16);not null" json:"status"`
	Attempts  int                    `gorm:"not null;default:0" json:"attempts"`
	LastError string                 `gorm:"type:text" json:"last_error,omitempty"`
	AckedAt   *time.Time             `json:"acked_at,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// TableName overrides the table name
func (Op) TableName() string {
	return "settlement_ops"
}

// Operation converts the op into a wallet call
func (o Op) Operation() walletdomain.Operation {
	return walletdomain.Operation{
		Key:       o.Key,
		UserID:    o.UserID,
		Amount:    o.Amount,
		Direction: o.Direction,
	}
}

// UserIDs lists the users of the plan's lines
func (p *Plan) UserIDs() []string {
	ids := make([]string, 0, len(p.Lines))
	for _, l := range p.Lines {
		ids = append(ids, l.UserID)
	}
	return ids
}

// Line is one participant's settled result
type Line struct {
	UserID    string                 `json:"user_id"`
	EntryNo   int                    `json:"entry_no,omitempty"`
	Rank      int                    `json:"rank,omitempty"`
	Score     int64                  `json:"score,omitempty"`
	Stake     decimal.Decimal        `json:"stake"`
	Net       decimal.Decimal        `json:"net"`
	Direction walletdomain.Direction `json:"direction,omitempty"`
	Amount    decimal.Decimal        `json:"amount"`
}

// History is the settled record of a table or tournament, written once per plan
type History struct {
	ID        string                    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	PlanID    string                    `gorm:"type:varchar(96);not null;uniqueIndex:idx_settlement_history_plan" json:"plan_id"`
	Kind      Kind                      `gorm:"type:varchar(16);not null" json:"kind"`
	SubjectID string                    `gorm:"type:varchar(64);not null;index:idx_settlement_history_subject" json:"subject_id"`
	GameType  string                    `gorm:"type:varchar(32)" json:"game_type"`
	Outcome   Outcome                   `gorm:"type:varchar(16);not null" json:"outcome"`
	Pool      decimal.Decimal           `gorm:"type:decimal(20,8);not null" json:"pool"`
	Total     decimal.Decimal           `gorm:"type:decimal(20,8);not null" json:"total"`
	Lines     datatypes.JSONSlice[Line] `json:"lines"`
	SettledAt time.Time                 `gorm:"not null" json:"settled_at"`
}

// TableName overrides the table name
func (History) TableName() string {
	return "settlement_history"
}
