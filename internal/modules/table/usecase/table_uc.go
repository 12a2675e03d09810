// Package usecase implements joining, gameplay and natural end of game tables.
package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/frankieli/game_tables/internal/modules/table/domain"
	walletdomain "github.com/frankieli/game_tables/internal/modules/wallet/domain"
	"github.com/frankieli/game_tables/pkg/apperr"
	"github.com/frankieli/game_tables/pkg/keylock"
	"github.com/frankieli/game_tables/pkg/logger"
	"github.com/frankieli/game_tables/pkg/money"
)

// errStaleEntry marks an active entry whose table no longer holds the user
var errStaleEntry = errors.New("stale active entry")

// Settings tune table creation
type Settings struct {
	DefaultMaxSeats int
	Places          int32
}

// TableUseCase serializes every table mutation behind the per-table lock and
// every join/leave behind the per-user lock. Wallet calls run outside both.
type TableUseCase struct {
	store       domain.TableStore
	sessions    domain.SessionIndex
	ledger      walletdomain.Ledger
	dispatcher  domain.SettlementDispatcher
	tournaments domain.TournamentCloser
	locks       *keylock.KeyedMutex
	ids         *snowflake.Node
	settings    Settings
}

// NewTableUseCase creates a new table use case
func NewTableUseCase(
	store domain.TableStore,
	sessions domain.SessionIndex,
	ledger walletdomain.Ledger,
	dispatcher domain.SettlementDispatcher,
	locks *keylock.KeyedMutex,
	ids *snowflake.Node,
	settings Settings,
) *TableUseCase {
	if settings.DefaultMaxSeats <= 0 {
		settings.DefaultMaxSeats = 2
	}
	if settings.Places <= 0 {
		settings.Places = money.DefaultPlaces
	}
	return &TableUseCase{
		store:      store,
		sessions:   sessions,
		ledger:     ledger,
		dispatcher: dispatcher,
		locks:      locks,
		ids:        ids,
		settings:   settings,
	}
}

// SetTournamentCloser wires the scheduler used to unstick tournament tables
func (uc *TableUseCase) SetTournamentCloser(c domain.TournamentCloser) {
	uc.tournaments = c
}

// JoinRequest asks for a seat at a cash table
type JoinRequest struct {
	UserID   string
	GameType string
	Stake    decimal.Decimal
	// TableID joins a specific table, otherwise a waiting table with the same stake is picked or created
	TableID  string
	MaxSeats int
	// Ref makes a client retry reuse the same stake debit key
	Ref string
}

// JoinResult describes the seat a user ended up with
type JoinResult struct {
	TableID     string        `json:"table_id"`
	SeatNo      int           `json:"seat_no"`
	Status      domain.Status `json:"status"`
	Reconnected bool          `json:"reconnected"`
}

// RoundUpdate is the outcome of one round as decided by the game rules
type RoundUpdate struct {
	RoundNo int
	State   json.RawMessage
	// Deltas adjust each participant's net
	Deltas map[string]decimal.Decimal
}

// LiveFilter selects live tables
type LiveFilter struct {
	GameType string
	Page     int
	PageSize int
}

// LivePage is one page of live tables
type LivePage struct {
	Tables []domain.Summary `json:"tables"`
	Total  int              `json:"total"`
	Page   int              `json:"page"`
}

// Join resumes the user's active table or seats them at a new one
func (uc *TableUseCase) Join(ctx context.Context, req JoinRequest) (*JoinResult, error) {
	if req.UserID == "" || req.GameType == "" {
		return nil, fmt.Errorf("%w: user id and game type are required", apperr.ErrInvalidArgument)
	}
	if req.Stake.IsNegative() || (!req.Stake.IsPositive() && req.TableID == "") {
		return nil, fmt.Errorf("%w: stake must be positive", apperr.ErrInvalidArgument)
	}
	if !req.Stake.Equal(money.Floor(req.Stake, uc.settings.Places)) {
		return nil, fmt.Errorf("%w: stake %s is below the currency unit", apperr.ErrInvalidArgument, req.Stake)
	}

	ctx = logger.WithFields(ctx, map[string]interface{}{
		"user_id":   req.UserID,
		"game_type": req.GameType,
	})

	unlock := uc.locks.Lock(domain.UserLockKey(req.UserID))
	defer unlock()

	for attempt := 0; attempt < 3; attempt++ {
		candidate, create, err := uc.pickTable(ctx, req)
		if err != nil {
			return nil, err
		}

		tableID, reconnect, err := uc.sessions.ResumeOrAssign(ctx, req.UserID, req.GameType, candidate, 0)
		if err != nil {
			return nil, fmt.Errorf("resume or assign: %w", err)
		}

		if reconnect {
			res, err := uc.resume(ctx, req.UserID, req.GameType, tableID)
			if errors.Is(err, errStaleEntry) {
				logger.Warn(ctx).Str("table_id", tableID).Msg("Dropped stale active entry")
				continue
			}
			return res, err
		}
		return uc.seat(ctx, req, tableID, create)
	}
	return nil, fmt.Errorf("join %s: %w", req.UserID, apperr.ErrConflict)
}

// pickTable returns the table a new join should target and whether it must be created
func (uc *TableUseCase) pickTable(ctx context.Context, req JoinRequest) (string, bool, error) {
	if req.TableID != "" {
		return req.TableID, false, nil
	}

	ids, err := uc.store.ListActiveIDs(ctx)
	if err != nil {
		return "", false, err
	}
	sort.Strings(ids)
	for _, id := range ids {
		t, err := uc.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				continue
			}
			return "", false, err
		}
		if t.Format == domain.FormatCash && t.GameType == req.GameType && t.Stake.Equal(req.Stake) && t.Joinable() {
			if _, seated := t.Participant(req.UserID); !seated {
				return t.ID, false, nil
			}
		}
	}
	return uc.ids.Generate().String(), true, nil
}

func (uc *TableUseCase) seat(ctx context.Context, req JoinRequest, tableID string, create bool) (*JoinResult, error) {
	ctx = logger.WithTable(ctx, tableID)

	ref := req.Ref
	if ref == "" {
		ref = uuid.NewString()
	}

	p, err := uc.reserveSeat(ctx, req, tableID, create, ref)
	if err != nil {
		if clearErr := uc.sessions.ClearIfTable(ctx, req.UserID, req.GameType, tableID); clearErr != nil {
			logger.Error(ctx).Err(clearErr).Msg("Failed to clear entry after rejected reservation")
		}
		return nil, err
	}

	if err := uc.debitStake(ctx, tableID, *p); err != nil {
		return nil, err
	}
	return uc.confirmSeat(ctx, tableID, req.UserID, false)
}

func (uc *TableUseCase) reserveSeat(ctx context.Context, req JoinRequest, tableID string, create bool, ref string) (*domain.Participant, error) {
	unlock := uc.locks.Lock(domain.TableLockKey(tableID))
	defer unlock()

	t, err := uc.store.Get(ctx, tableID)
	switch {
	case errors.Is(err, apperr.ErrNotFound) && create:
		maxSeats := req.MaxSeats
		if maxSeats <= 0 {
			maxSeats = uc.settings.DefaultMaxSeats
		}
		now := time.Now()
		t = &domain.Table{
			ID:        tableID,
			GameType:  req.GameType,
			Format:    domain.FormatCash,
			Status:    domain.StatusWaiting,
			MaxSeats:  maxSeats,
			Stake:     req.Stake,
			CreatedAt: now,
			UpdatedAt: now,
		}
	case err != nil:
		return nil, err
	}

	if t.Format != domain.FormatCash || t.GameType != req.GameType {
		return nil, fmt.Errorf("table %s is not a %s cash table: %w", tableID, req.GameType, apperr.ErrNotJoinable)
	}
	if req.Stake.IsPositive() && !req.Stake.Equal(t.Stake) {
		return nil, fmt.Errorf("%w: table %s stake is %s", apperr.ErrInvalidArgument, tableID, t.Stake)
	}
	if !t.Joinable() {
		return nil, fmt.Errorf("table %s is %s: %w", tableID, t.Status, apperr.ErrNotJoinable)
	}
	if _, exists := t.Participant(req.UserID); exists {
		return nil, fmt.Errorf("user %s still has a seat record at %s: %w", req.UserID, tableID, apperr.ErrConflict)
	}

	p := domain.Participant{
		UserID:   req.UserID,
		SeatNo:   t.NextSeat(),
		Stake:    t.Stake,
		StakeRef: ref,
		State:    domain.ParticipantPending,
		Net:      decimal.Zero,
		JoinedAt: time.Now(),
	}
	t.Participants = append(t.Participants, p)
	t.UpdatedAt = time.Now()

	if err := uc.store.Put(ctx, t, false); err != nil {
		return nil, err
	}

	logger.Info(ctx).
		Int("seat_no", p.SeatNo).
		Str("stake", p.Stake.String()).
		Msg("Seat reserved")
	return &p, nil
}

// debitStake charges a pending seat. A definitive rejection releases the seat;
// anything else leaves it pending so a reconnect retries the same key.
func (uc *TableUseCase) debitStake(ctx context.Context, tableID string, p domain.Participant) error {
	op := stakeOperation(walletdomain.DirectionDebit, tableID, p)
	err := uc.ledger.Debit(ctx, op)
	if err == nil {
		logger.Info(ctx).
			Str("idempotency_key", op.Key).
			Str("amount", op.Amount.String()).
			Msg("Stake debited")
		return nil
	}

	if !walletdomain.IsRejection(err) {
		logger.Warn(ctx).
			Err(err).
			Str("idempotency_key", op.Key).
			Msg("Stake debit unresolved, seat kept pending")
		return err
	}

	logger.Warn(ctx).
		Err(err).
		Str("idempotency_key", op.Key).
		Msg("Stake debit rejected, releasing seat")
	if relErr := uc.releaseSeat(ctx, tableID, p.UserID); relErr != nil {
		logger.Error(ctx).Err(relErr).Msg("Failed to release rejected seat")
	}
	return err
}

func (uc *TableUseCase) confirmSeat(ctx context.Context, tableID, userID string, reconnected bool) (*JoinResult, error) {
	unlock := uc.locks.Lock(domain.TableLockKey(tableID))
	defer unlock()

	t, err := uc.store.Get(ctx, tableID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, fmt.Errorf("table %s closed before the seat was confirmed: %w", tableID, apperr.ErrNotJoinable)
		}
		return nil, err
	}
	p, ok := t.Participant(userID)
	if !ok || !p.Occupies() || t.CloseReason != "" {
		return nil, fmt.Errorf("seat at %s was released: %w", tableID, apperr.ErrNotJoinable)
	}

	p.State = domain.ParticipantSeated
	seatNo := p.SeatNo
	if t.Status == domain.StatusWaiting && t.MaxSeats > 0 &&
		t.Occupied() == t.MaxSeats && t.CountState(domain.ParticipantPending) == 0 {
		if err := t.Transition(domain.StatusActive); err != nil {
			return nil, err
		}
		logger.Info(ctx).Msg("Table full, started")
	}
	t.UpdatedAt = time.Now()

	if err := uc.store.Put(ctx, t, true); err != nil {
		return nil, err
	}
	return &JoinResult{
		TableID:     t.ID,
		SeatNo:      seatNo,
		Status:      t.Status,
		Reconnected: reconnected,
	}, nil
}

// releaseSeat drops a seat whose stake was never realized
func (uc *TableUseCase) releaseSeat(ctx context.Context, tableID, userID string) error {
	return uc.dropParticipant(ctx, tableID, userID)
}

func (uc *TableUseCase) resume(ctx context.Context, userID, gameContext, tableID string) (*JoinResult, error) {
	ctx = logger.WithTable(ctx, tableID)

	t, err := uc.store.Get(ctx, tableID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, uc.dropStaleEntry(ctx, userID, gameContext, tableID)
	}
	if err != nil {
		return nil, err
	}
	if t.Format != domain.FormatCash {
		return nil, uc.dropStaleEntry(ctx, userID, gameContext, tableID)
	}

	p, ok := t.Participant(userID)
	if !ok {
		return nil, uc.dropStaleEntry(ctx, userID, gameContext, tableID)
	}

	switch p.State {
	case domain.ParticipantPending:
		logger.Info(ctx).Msg("Reconnect found a pending seat, retrying stake debit")
		if err := uc.debitStake(ctx, tableID, *p); err != nil {
			return nil, err
		}
		return uc.confirmSeat(ctx, tableID, userID, true)
	case domain.ParticipantSeated:
		logger.Info(ctx).Msg("User reconnected")
		return &JoinResult{TableID: t.ID, SeatNo: p.SeatNo, Status: t.Status, Reconnected: true}, nil
	case domain.ParticipantLeaving:
		return nil, fmt.Errorf("leave from %s still in progress: %w", tableID, apperr.ErrConflict)
	default:
		return nil, uc.dropStaleEntry(ctx, userID, gameContext, tableID)
	}
}

func (uc *TableUseCase) dropStaleEntry(ctx context.Context, userID, gameContext, tableID string) error {
	if err := uc.sessions.ClearIfTable(ctx, userID, gameContext, tableID); err != nil {
		return err
	}
	return errStaleEntry
}

// Leave removes a user from a table. On a waiting table the stake is refunded,
// on an active one the user forfeits and the stake stays realized.
func (uc *TableUseCase) Leave(ctx context.Context, userID, tableID string) error {
	ctx = logger.WithTable(logger.WithFields(ctx, map[string]interface{}{"user_id": userID}), tableID)

	unlock := uc.locks.Lock(domain.UserLockKey(userID))
	defer unlock()

	t, p, err := uc.markLeaving(ctx, userID, tableID)
	if err != nil {
		return err
	}

	switch t.Status {
	case domain.StatusActive:
		if err := uc.sessions.ClearIfTable(ctx, userID, t.GameContext(), tableID); err != nil {
			return err
		}
		logger.Info(ctx).Msg("User forfeited active table")
		if t.Occupied() == 0 {
			return uc.FinishTable(ctx, tableID)
		}
		return nil

	case domain.StatusWaiting:
		if err := uc.returnStake(ctx, tableID, *p); err != nil {
			return err
		}
		return uc.dropParticipant(ctx, tableID, userID)
	}
	return nil
}

// markLeaving flags the participant under the table lock and returns a snapshot
func (uc *TableUseCase) markLeaving(ctx context.Context, userID, tableID string) (*domain.Table, *domain.Participant, error) {
	unlock := uc.locks.Lock(domain.TableLockKey(tableID))
	defer unlock()

	t, err := uc.store.Get(ctx, tableID)
	if err != nil {
		return nil, nil, err
	}
	if t.Format != domain.FormatCash {
		return nil, nil, fmt.Errorf("tournament table %s cannot be left: %w", tableID, apperr.ErrNotJoinable)
	}
	p, ok := t.Participant(userID)
	if !ok || p.State == domain.ParticipantLeft {
		return nil, nil, fmt.Errorf("user %s at table %s: %w", userID, tableID, apperr.ErrNotFound)
	}

	switch t.Status {
	case domain.StatusActive:
		p.State = domain.ParticipantLeft
	case domain.StatusWaiting:
		// pending seats stay pending until the debit is resolved
		if p.State == domain.ParticipantSeated {
			p.State = domain.ParticipantLeaving
		}
	default:
		return nil, nil, fmt.Errorf("table %s is %s: %w", tableID, t.Status, apperr.ErrNotJoinable)
	}
	snapshot := *p
	t.UpdatedAt = time.Now()

	if err := uc.store.Put(ctx, t, false); err != nil {
		return nil, nil, err
	}
	return t, &snapshot, nil
}

// returnStake refunds a stake on a waiting table. A pending debit is first
// re-issued under its original key to learn whether it was realized.
func (uc *TableUseCase) returnStake(ctx context.Context, tableID string, p domain.Participant) error {
	if p.State == domain.ParticipantPending {
		err := uc.ledger.Debit(ctx, stakeOperation(walletdomain.DirectionDebit, tableID, p))
		if err != nil {
			if walletdomain.IsRejection(err) {
				return nil
			}
			return err
		}
	}

	op := stakeOperation(walletdomain.DirectionRefund, tableID, p)
	if err := uc.ledger.Refund(ctx, op); err != nil {
		logger.Error(ctx).
			Err(err).
			Str("idempotency_key", op.Key).
			Msg("Stake refund failed")
		return err
	}

	logger.Info(ctx).
		Str("user_id", p.UserID).
		Str("idempotency_key", op.Key).
		Str("amount", op.Amount.String()).
		Msg("Stake refunded")
	return nil
}

// dropParticipant removes the user's record and entry. An emptied waiting table is abandoned.
func (uc *TableUseCase) dropParticipant(ctx context.Context, tableID, userID string) error {
	unlock := uc.locks.Lock(domain.TableLockKey(tableID))
	defer unlock()

	t, err := uc.store.Get(ctx, tableID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil
		}
		return err
	}
	gameContext := t.GameContext()
	t.RemoveParticipant(userID)
	t.UpdatedAt = time.Now()

	if t.Status == domain.StatusWaiting && len(t.Participants) == 0 {
		if t.CloseReason == "" {
			t.CloseReason = "abandoned"
		}
		if err := t.Transition(domain.StatusClosed); err != nil {
			return err
		}
		if err := uc.store.Delete(ctx, tableID, []string{userID}); err != nil {
			return err
		}
		logger.Info(ctx).Str("reason", t.CloseReason).Msg("Waiting table closed")
		return nil
	}

	if err := uc.store.Put(ctx, t, false); err != nil {
		return err
	}
	return uc.sessions.ClearIfTable(ctx, userID, gameContext, tableID)
}

// StartTable moves a waiting table to active
func (uc *TableUseCase) StartTable(ctx context.Context, tableID string) error {
	ctx = logger.WithTable(ctx, tableID)

	unlock := uc.locks.Lock(domain.TableLockKey(tableID))
	defer unlock()

	t, err := uc.store.Get(ctx, tableID)
	if err != nil {
		return err
	}
	if t.Status == domain.StatusActive {
		return nil
	}
	if t.Status != domain.StatusWaiting || t.CloseReason != "" {
		return fmt.Errorf("table %s is %s: %w", tableID, t.Status, apperr.ErrConflict)
	}
	if t.CountState(domain.ParticipantPending) > 0 {
		return fmt.Errorf("table %s has unconfirmed stakes: %w", tableID, apperr.ErrConflict)
	}
	if t.Occupied() == 0 {
		return fmt.Errorf("table %s has no seated players: %w", tableID, apperr.ErrConflict)
	}
	if err := t.Transition(domain.StatusActive); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrConflict, err)
	}

	if err := uc.store.Put(ctx, t, true); err != nil {
		return err
	}
	logger.Info(ctx).Int("seated", t.Occupied()).Msg("Table started")
	return nil
}

// ApplyRound records one finished round. Round numbers strictly increase.
func (uc *TableUseCase) ApplyRound(ctx context.Context, tableID string, update RoundUpdate) error {
	ctx = logger.WithTable(ctx, tableID)

	unlock := uc.locks.Lock(domain.TableLockKey(tableID))
	defer unlock()

	t, err := uc.store.Get(ctx, tableID)
	if err != nil {
		return err
	}
	if t.Status != domain.StatusActive {
		return fmt.Errorf("table %s is %s: %w", tableID, t.Status, apperr.ErrConflict)
	}
	if update.RoundNo <= t.RoundNo {
		return fmt.Errorf("round %d already applied at %s (last %d): %w", update.RoundNo, tableID, t.RoundNo, apperr.ErrConflict)
	}

	for userID := range update.Deltas {
		p, ok := t.Participant(userID)
		if !ok || (p.State != domain.ParticipantSeated && p.State != domain.ParticipantLeft) {
			return fmt.Errorf("%w: %s is not playing at %s", apperr.ErrInvalidArgument, userID, tableID)
		}
	}
	for userID, delta := range update.Deltas {
		p, _ := t.Participant(userID)
		p.Net = p.Net.Add(delta)
	}
	t.RoundNo = update.RoundNo
	if update.State != nil {
		t.RoundState = update.State
	}
	t.UpdatedAt = time.Now()

	if err := uc.store.Put(ctx, t, false); err != nil {
		return err
	}
	logger.Debug(ctx).Int("round_no", t.RoundNo).Int("deltas", len(update.Deltas)).Msg("Round applied")
	return nil
}

// FinishTable moves an active table to settling and hands it to settlement.
// Calling it again while settling re-dispatches.
func (uc *TableUseCase) FinishTable(ctx context.Context, tableID string) error {
	ctx = logger.WithTable(ctx, tableID)

	if err := uc.beginSettling(ctx, tableID); err != nil {
		if errors.Is(err, errAlreadyClosed) {
			return nil
		}
		return err
	}
	return uc.dispatcher.DispatchTable(ctx, tableID)
}

var errAlreadyClosed = errors.New("table already closed")

func (uc *TableUseCase) beginSettling(ctx context.Context, tableID string) error {
	unlock := uc.locks.Lock(domain.TableLockKey(tableID))
	defer unlock()

	t, err := uc.store.Get(ctx, tableID)
	if err != nil {
		return err
	}
	switch t.Status {
	case domain.StatusSettling:
		return nil
	case domain.StatusClosed:
		return errAlreadyClosed
	case domain.StatusActive:
	default:
		return fmt.Errorf("table %s is %s: %w", tableID, t.Status, apperr.ErrConflict)
	}

	if err := t.Transition(domain.StatusSettling); err != nil {
		return err
	}
	if err := uc.store.Put(ctx, t, false); err != nil {
		return err
	}
	logger.Info(ctx).Int("round_no", t.RoundNo).Msg("Table settling")
	return nil
}

// GetLiveTables lists non-closed tables, optionally of one game type
func (uc *TableUseCase) GetLiveTables(ctx context.Context, filter LiveFilter) (*LivePage, error) {
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 || filter.PageSize > 100 {
		filter.PageSize = 20
	}

	ids, err := uc.store.ListActiveIDs(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)

	all := make([]domain.Summary, 0, len(ids))
	for _, id := range ids {
		t, err := uc.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if t.Status == domain.StatusClosed {
			continue
		}
		if filter.GameType != "" && t.GameType != filter.GameType {
			continue
		}
		all = append(all, t.Summarize())
	}

	// compare page counts before multiplying so huge page numbers cannot overflow
	start := len(all)
	if filter.Page-1 <= len(all)/filter.PageSize {
		start = min((filter.Page-1)*filter.PageSize, len(all))
	}
	end := start + filter.PageSize
	if end > len(all) {
		end = len(all)
	}
	return &LivePage{Tables: all[start:end], Total: len(all), Page: filter.Page}, nil
}

// CheckIfReconnected reports whether the user holds any active entry
func (uc *TableUseCase) CheckIfReconnected(ctx context.Context, userID string) (bool, error) {
	return uc.sessions.CheckIfReconnected(ctx, userID)
}

// ClearStuckTable recovers a table stuck in waiting, active or settling.
// Tournament tables go through the scheduler's cancel and forced settlement.
func (uc *TableUseCase) ClearStuckTable(ctx context.Context, tableID string) error {
	ctx = logger.WithTable(ctx, tableID)

	t, err := uc.store.Get(ctx, tableID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			logger.Info(ctx).Msg("ClearStuckTable: table already gone")
			return nil
		}
		return err
	}

	logger.Warn(ctx).Str("status", string(t.Status)).Msg("Clearing stuck table")

	if t.Format == domain.FormatTournament {
		if uc.tournaments == nil {
			return fmt.Errorf("no tournament closer wired for %s", t.TournamentID)
		}
		return uc.tournaments.ForceSettle(ctx, t.TournamentID)
	}

	switch t.Status {
	case domain.StatusWaiting:
		return uc.abandon(ctx, tableID, "cleared")
	case domain.StatusActive, domain.StatusSettling:
		return uc.FinishTable(ctx, tableID)
	}
	return nil
}

// abandon returns every stake of a waiting table and closes it.
// A failed refund leaves the table marked so a later call resumes the rest.
func (uc *TableUseCase) abandon(ctx context.Context, tableID, reason string) error {
	snapshot, err := uc.markAbandoning(ctx, tableID, reason)
	if err != nil {
		return err
	}

	var firstErr error
	for _, p := range snapshot.Participants {
		if err := uc.returnStake(ctx, tableID, p); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := uc.dropParticipant(ctx, tableID, p.UserID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return firstErr
	}

	// a table that never had a seat is not removed by dropParticipant
	if len(snapshot.Participants) == 0 {
		return uc.store.Delete(ctx, tableID, nil)
	}
	return nil
}

func (uc *TableUseCase) markAbandoning(ctx context.Context, tableID, reason string) (*domain.Table, error) {
	unlock := uc.locks.Lock(domain.TableLockKey(tableID))
	defer unlock()

	t, err := uc.store.Get(ctx, tableID)
	if err != nil {
		return nil, err
	}
	if t.Status != domain.StatusWaiting {
		return nil, fmt.Errorf("table %s is %s: %w", tableID, t.Status, apperr.ErrConflict)
	}
	if t.CloseReason == "" {
		t.CloseReason = reason
	}
	for i := range t.Participants {
		if t.Participants[i].State == domain.ParticipantSeated {
			t.Participants[i].State = domain.ParticipantLeaving
		}
	}
	if err := uc.store.Put(ctx, t, false); err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// RecoverSettling re-dispatches tables left settling and resumes interrupted
// abandons. Run at startup and from the periodic sweep.
func (uc *TableUseCase) RecoverSettling(ctx context.Context) (int, error) {
	ids, err := uc.store.ListActiveIDs(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, id := range ids {
		t, err := uc.store.Get(ctx, id)
		if err != nil {
			continue
		}
		if t.Format != domain.FormatCash {
			continue
		}
		switch {
		case t.Status == domain.StatusSettling:
			if err := uc.dispatcher.DispatchTable(ctx, id); err != nil {
				return recovered, err
			}
			recovered++
		case t.Status == domain.StatusWaiting && t.CloseReason != "":
			if err := uc.abandon(ctx, id, t.CloseReason); err != nil {
				logger.Warn(ctx).Err(err).Str("table_id", id).Msg("Abandon still incomplete")
				continue
			}
			recovered++
		}
	}
	return recovered, nil
}

func stakeOperation(direction walletdomain.Direction, tableID string, p domain.Participant) walletdomain.Operation {
	return walletdomain.NewOperation(direction, walletdomain.ScopeTable, tableID, p.UserID, p.StakeRef, p.Stake)
}
