package domain

import (
	"context"
	"strconv"
	"time"

	walletdomain "github.com/frankieli/game_tables/internal/modules/wallet/domain"
)

// Repository persists tournaments and entries.
// Missing records are reported as apperr.ErrNotFound.
type Repository interface {
	Create(ctx context.Context, t *Tournament) error
	Get(ctx context.Context, id string) (*Tournament, error)
	ListByStatus(ctx context.Context, statuses ...Status) ([]Tournament, error)

	// UpdateStatus moves the tournament to `to` only while it is in one of from.
	// It reports whether the row changed.
	UpdateStatus(ctx context.Context, id string, to Status, from ...Status) (bool, error)
	UpdateEndTime(ctx context.Context, id string, endTime time.Time) error

	// ReserveEntry allocates the next entry number as pending while the tournament
	// is live and below MaxEntries. Otherwise it returns apperr.ErrNotJoinable.
	ReserveEntry(ctx context.Context, tournamentID, userID string) (*Entry, error)
	// ConfirmEntry flips a pending entry to paid and adds its fee to the pool, once.
	// A tournament reaching MaxEntries paid entries becomes full.
	ConfirmEntry(ctx context.Context, tournamentID string, entryNo int) (bool, error)
	// VoidEntry deletes a pending entry whose fee was never collected
	VoidEntry(ctx context.Context, tournamentID string, entryNo int) error

	FindEntryByUser(ctx context.Context, tournamentID, userID string) (*Entry, error)
	ListEntries(ctx context.Context, tournamentID string) ([]Entry, error)
	RecordResult(ctx context.Context, tournamentID string, entryNo int, score int64, finished bool) error
}

// SettleMode says why a tournament settlement was requested
type SettleMode string

const (
	SettleScheduled SettleMode = "scheduled"
	// SettleEarly runs when every entry of a full tournament has finished
	SettleEarly  SettleMode = "early"
	SettleForced SettleMode = "forced"
	// SettleRefund forces the canceled path
	SettleRefund SettleMode = "refund"
)

// SettlementDispatcher hands a tournament to the settlement workers
type SettlementDispatcher interface {
	DispatchTournament(ctx context.Context, tournamentID string, mode SettleMode) error
}

// EndScheduler arms and cancels the tournament end trigger
type EndScheduler interface {
	Schedule(ctx context.Context, tournamentID string, fireAt time.Time) error
	Cancel(ctx context.Context, tournamentID string) error
}

// LockKey names the per-tournament lock
func LockKey(tournamentID string) string {
	return "tournament:" + tournamentID
}

// FeeOperation builds the join fee operation of an entry. The entry number keys it.
func FeeOperation(direction walletdomain.Direction, e Entry) walletdomain.Operation {
	return walletdomain.NewOperation(direction, walletdomain.ScopeTournament, e.TournamentID, e.UserID, strconv.Itoa(e.EntryNo), e.Fee)
}
