package domain

import (
	"context"
	"strconv"
	"strings"
)

// ActiveEntry is a user's live participation inside one game context
type ActiveEntry struct {
	UserID      string
	GameContext string
	TableID     string
	EntryNo     int
}

// EncodeEntry renders the stored value of an active entry
func EncodeEntry(tableID string, entryNo int) string {
	return tableID + "#" + strconv.Itoa(entryNo)
}

// DecodeEntry parses a value written by EncodeEntry
func DecodeEntry(v string) (tableID string, entryNo int) {
	i := strings.LastIndexByte(v, '#')
	if i < 0 {
		return v, 0
	}
	n, _ := strconv.Atoi(v[i+1:])
	return v[:i], n
}

// TableStore owns table records.
// Storage failures are reported as apperr.ErrStorageUnavailable.
type TableStore interface {
	// Get returns apperr.ErrNotFound for unknown or evicted tables
	Get(ctx context.Context, tableID string) (*Table, error)

	// Put upserts the table. With cacheForUsers every occupying participant's
	// active entry is pointed at this table in the same write.
	Put(ctx context.Context, t *Table, cacheForUsers bool) error

	// Delete removes the record, its active-set membership and every listed
	// user's entry that still points at the table, as one atomic step.
	Delete(ctx context.Context, tableID string, userIDs []string) error

	// ListActiveIDs returns the ids of non-closed tables
	ListActiveIDs(ctx context.Context) ([]string, error)

	// Reset clears all table and session state
	Reset(ctx context.Context) error
}

// SessionIndex maps a user to at most one table per game context
type SessionIndex interface {
	// ResumeOrAssign installs newTableID unless an entry exists, in which case
	// the existing table is returned with isReconnect=true. Atomic per (user, context).
	ResumeOrAssign(ctx context.Context, userID, gameContext, newTableID string, entryNo int) (tableID string, isReconnect bool, err error)

	GetActiveTableID(ctx context.Context, userID, gameContext string) (string, bool, error)

	// GetActiveEntry returns apperr.ErrNotFound when the user has no entry in gameContext
	GetActiveEntry(ctx context.Context, userID, gameContext string) (*ActiveEntry, error)

	Clear(ctx context.Context, userID, gameContext string) error

	// ClearIfTable removes the entry only while it still points at tableID
	ClearIfTable(ctx context.Context, userID, gameContext, tableID string) error

	// CheckIfReconnected reports whether the user holds any active entry
	CheckIfReconnected(ctx context.Context, userID string) (bool, error)
}

// SettlementDispatcher hands a finished table to the settlement workers
type SettlementDispatcher interface {
	DispatchTable(ctx context.Context, tableID string) error
}

// TournamentCloser cancels a tournament's trigger and forces its settlement
type TournamentCloser interface {
	ForceSettle(ctx context.Context, tournamentID string) error
}

// TableLockKey names the per-table lock
func TableLockKey(tableID string) string {
	return "table:" + tableID
}

// UserLockKey names the per-user lock
func UserLockKey(userID string) string {
	return "user:" + userID
}
