// Package domain defines tables, seated participants and the storage contracts for table state.
package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status of a table
type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusActive   Status = "active"
	StatusSettling Status = "settling"
	StatusClosed   Status = "closed"
)

// Format of a table
type Format string

const (
	FormatCash       Format = "cash"
	FormatTournament Format = "tournament"
)

// ParticipantState tracks where a participant's stake stands
type ParticipantState string

const (
	// ParticipantPending holds a seat whose stake debit is not yet acknowledged
	ParticipantPending ParticipantState = "pending"
	ParticipantSeated  ParticipantState = "seated"
	// ParticipantLeaving left a waiting table and awaits the stake refund
	ParticipantLeaving ParticipantState = "leaving"
	// ParticipantLeft forfeited an active table; the stake stays realized
	ParticipantLeft ParticipantState = "left"
)

// Participant is one seat at a table
type Participant struct {
	UserID  string          `json:"user_id"`
	SeatNo  int             `json:"seat_no"`
	EntryNo int             `json:"entry_no,omitempty"`
	Stake   decimal.Decimal `json:"stake"`
	// StakeRef is the last segment of the stake debit key
	StakeRef string           `json:"stake_ref"`
	State    ParticipantState `json:"state"`
	// Net is what the game rules say this participant is owed at settlement
	Net      decimal.Decimal `json:"net"`
	JoinedAt time.Time       `json:"joined_at"`
}

// Occupies reports whether the participant holds a seat
func (p Participant) Occupies() bool {
	return p.State == ParticipantPending || p.State == ParticipantSeated
}

// Table is one game session
type Table struct {
	ID           string          `json:"id"`
	GameType     string          `json:"game_type"`
	Format       Format          `json:"format"`
	TournamentID string          `json:"tournament_id,omitempty"`
	Status       Status          `json:"status"`
	MaxSeats     int             `json:"max_seats"`
	Stake        decimal.Decimal `json:"stake"`
	Participants []Participant   `json:"participants"`
	RoundNo      int             `json:"round_no"`
	RoundState   json.RawMessage `json:"round_state,omitempty"`
	// CloseReason is set once a waiting table starts returning stakes
	CloseReason string    `json:"close_reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// GameContext is the scope in which a user may hold one active entry.
// Cash tables share a context per game type, every tournament is its own context.
func (t *Table) GameContext() string {
	if t.Format == FormatTournament {
		return TournamentContext(t.TournamentID)
	}
	return t.GameType
}

// TournamentContext returns the game context of a tournament
func TournamentContext(tournamentID string) string {
	return "tournament:" + tournamentID
}

// TournamentTableID returns the id of the table cache backing a tournament
func TournamentTableID(tournamentID string) string {
	return "trn-" + tournamentID
}

// Participant returns the participant record of a user
func (t *Table) Participant(userID string) (*Participant, bool) {
	for i := range t.Participants {
		if t.Participants[i].UserID == userID {
			return &t.Participants[i], true
		}
	}
	return nil, false
}

// RemoveParticipant drops a user's record from the table
func (t *Table) RemoveParticipant(userID string) {
	kept := t.Participants[:0]
	for _, p := range t.Participants {
		if p.UserID != userID {
			kept = append(kept, p)
		}
	}
	t.Participants = kept
}

// Occupied counts held seats, pending ones included
func (t *Table) Occupied() int {
	n := 0
	for _, p := range t.Participants {
		if p.Occupies() {
			n++
		}
	}
	return n
}

// CountState counts participants in state
func (t *Table) CountState(state ParticipantState) int {
	n := 0
	for _, p := range t.Participants {
		if p.State == state {
			n++
		}
	}
	return n
}

// NextSeat returns the lowest free seat number, starting at 1
func (t *Table) NextSeat() int {
	used := make(map[int]bool, len(t.Participants))
	for _, p := range t.Participants {
		if p.Occupies() || p.State == ParticipantLeaving {
			used[p.SeatNo] = true
		}
	}
	for seat := 1; ; seat++ {
		if !used[seat] {
			return seat
		}
	}
}

// UserIDs lists every participant, including those who left
func (t *Table) UserIDs() []string {
	ids := make([]string, 0, len(t.Participants))
	for _, p := range t.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

// Joinable reports whether the table accepts a new stake
func (t *Table) Joinable() bool {
	if t.Status != StatusWaiting || t.CloseReason != "" {
		return false
	}
	return t.MaxSeats <= 0 || t.Occupied() < t.MaxSeats
}

// Transition moves the table to next, rejecting backward moves.
// waiting may close directly (abandoned); active reaches closed only via settling.
func (t *Table) Transition(next Status) error {
	if !CanTransition(t.Status, next) {
		return fmt.Errorf("table %s: illegal transition %s -> %s", t.ID, t.Status, next)
	}
	t.Status = next
	t.UpdatedAt = time.Now()
	return nil
}

// CanTransition reports whether from -> to is a legal status change
func CanTransition(from, to Status) bool {
	switch from {
	case StatusWaiting:
		return to == StatusActive || to == StatusClosed
	case StatusActive:
		return to == StatusSettling
	case StatusSettling:
		return to == StatusClosed
	default:
		return false
	}
}

// Clone returns a deep copy so stores never share mutable state with callers
func (t *Table) Clone() *Table {
	cp := *t
	cp.Participants = append([]Participant(nil), t.Participants...)
	if t.RoundState != nil {
		cp.RoundState = append(json.RawMessage(nil), t.RoundState...)
	}
	return &cp
}

// Summary is the public view returned by live table listings
type Summary struct {
	TableID  string          `json:"table_id"`
	GameType string          `json:"game_type"`
	Format   Format          `json:"format"`
	Status   Status          `json:"status"`
	Stake    decimal.Decimal `json:"stake"`
	Seated   int             `json:"seated"`
	MaxSeats int             `json:"max_seats"`
	RoundNo  int             `json:"round_no"`
}

// Summarize builds the listing view of a table
func (t *Table) Summarize() Summary {
	return Summary{
		TableID:  t.ID,
		GameType: t.GameType,
		Format:   t.Format,
		Status:   t.Status,
		Stake:    t.Stake,
		Seated:   t.Occupied(),
		MaxSeats: t.MaxSeats,
		RoundNo:  t.RoundNo,
	}
}
