// Package domain defines tournaments, their entries and prize tiers.
package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/frankieli/game_tables/pkg/apperr"
)

// Status of a tournament
type Status string

const (
	StatusLive      Status = "live"
	StatusFull      Status = "full"
	StatusClosed    Status = "closed"
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether no further transition is possible
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled
}

// Accepting reports whether results and joins are still recorded
func (s Status) Accepting() bool {
	return s == StatusLive || s == StatusFull
}

var order = map[Status]int{
	StatusLive:      0,
	StatusFull:      1,
	StatusClosed:    2,
	StatusCompleted: 3,
}

// CanTransition allows forward moves only. canceled is reachable from any non-terminal status.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusCanceled {
		return true
	}
	if to == StatusCompleted {
		return from == StatusClosed
	}
	return order[to] > order[from]
}

// PrizeTier pays the entries ranked FromRank..ToRank (inclusive, 1-based)
// either Percent of the pool or a Fixed amount.
type PrizeTier struct {
	FromRank int             `json:"from_rank"`
	ToRank   int             `json:"to_rank"`
	Percent  decimal.Decimal `json:"percent"`
	Fixed    decimal.Decimal `json:"fixed"`
}

// ValidateTiers checks tiers are ordered, non-overlapping and pay at most 100% of the pool.
// Violations are reported as apperr.ErrInvariantViolation.
func ValidateTiers(tiers []PrizeTier) error {
	total := decimal.Zero
	lastTo := 0
	for i, tier := range tiers {
		if tier.FromRank < 1 || tier.ToRank < tier.FromRank {
			return fmt.Errorf("%w: tier %d has rank range %d-%d", apperr.ErrInvariantViolation, i, tier.FromRank, tier.ToRank)
		}
		if tier.FromRank <= lastTo {
			return fmt.Errorf("%w: tier %d overlaps or is out of order (starts at %d, previous ends at %d)",
				apperr.ErrInvariantViolation, i, tier.FromRank, lastTo)
		}
		hasPct := !tier.Percent.IsZero()
		hasFixed := !tier.Fixed.IsZero()
		if hasPct == hasFixed || tier.Percent.IsNegative() || tier.Fixed.IsNegative() {
			return fmt.Errorf("%w: tier %d needs exactly one positive percent or fixed amount", apperr.ErrInvariantViolation, i)
		}
		total = total.Add(tier.Percent)
		lastTo = tier.ToRank
	}
	if total.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("%w: tiers pay %s%% of the pool", apperr.ErrInvariantViolation, total)
	}
	return nil
}

// Tournament is a time-bounded competition settled by final rank against a shared pool
type Tournament struct {
	ID          string                         `gorm:"primaryKey;type:varchar(64)" json:"id"`
	GameType    string                         `gorm:"type:varchar(32);not null" json:"game_type"`
	Status      Status                         `gorm:"type:varchar(16);not null;index:idx_tournaments_status" json:"status"`
	JoinFee     decimal.Decimal                `gorm:"type:decimal(20,8);not null" json:"join_fee"`
	Pool        decimal.Decimal                `gorm:"type:decimal(20,8);not null;default:0" json:"pool"`
	MaxEntries  int                            `gorm:"not null;default:0" json:"max_entries"`
	MinEntries  int                            `gorm:"not null;default:1" json:"min_entries"`
	NextEntryNo int                            `gorm:"not null;default:0" json:"-"`
	EndTime     time.Time                      `gorm:"not null" json:"end_time"`
	PrizeTiers  datatypes.JSONSlice[PrizeTier] `json:"prize_tiers"`
	CreatedAt   time.Time                      `json:"created_at"`
	UpdatedAt   time.Time                      `json:"updated_at"`
}

// TableName overrides the table name
func (Tournament) TableName() string {
	return "tournaments"
}

// EntryStatus tracks an entry's join fee
type EntryStatus string

const (
	// EntryPending is reserved while the join fee debit is unresolved
	EntryPending EntryStatus = "pending"
	EntryPaid    EntryStatus = "paid"
)

// Entry is one participation in a tournament
type Entry struct {
	TournamentID string          `gorm:"primaryKey;type:varchar(64);uniqueIndex:idx_entries_tournament_user,priority:1" json:"tournament_id"`
	EntryNo      int             `gorm:"primaryKey;autoIncrement:false" json:"entry_no"`
	UserID       string          `gorm:"type:varchar(64);not null;uniqueIndex:idx_entries_tournament_user,priority:2" json:"user_id"`
	Fee          decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"fee"`
	Status       EntryStatus     `gorm:"type:varchar(16);not null" json:"status"`
	Score        int64           `gorm:"not null;default:0" json:"score"`
	Finished     bool            `gorm:"not null;default:false" json:"finished"`
	JoinedAt     time.Time       `json:"joined_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// TableName overrides the table name
func (Entry) TableName() string {
	return "tournament_entries"
}
