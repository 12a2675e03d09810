// Package usecase implements tournament creation, entry, results and end-of-tournament requests.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	tabledomain "github.com/frankieli/game_tables/internal/modules/table/domain"
	"github.com/frankieli/game_tables/internal/modules/tournament/domain"
	walletdomain "github.com/frankieli/game_tables/internal/modules/wallet/domain"
	"github.com/frankieli/game_tables/pkg/apperr"
	"github.com/frankieli/game_tables/pkg/keylock"
	"github.com/frankieli/game_tables/pkg/logger"
	"github.com/frankieli/game_tables/pkg/money"
)

// TournamentUseCase owns the live phase of a tournament. Settlement and
// status changes past full belong to the settlement engine.
type TournamentUseCase struct {
	repo       domain.Repository
	tables     tabledomain.TableStore
	sessions   tabledomain.SessionIndex
	ledger     walletdomain.Ledger
	dispatcher domain.SettlementDispatcher
	scheduler  domain.EndScheduler
	locks      *keylock.KeyedMutex
	places     int32
	now        func() time.Time
}

// NewTournamentUseCase creates a new tournament use case
func NewTournamentUseCase(
	repo domain.Repository,
	tables tabledomain.TableStore,
	sessions tabledomain.SessionIndex,
	ledger walletdomain.Ledger,
	dispatcher domain.SettlementDispatcher,
	scheduler domain.EndScheduler,
	locks *keylock.KeyedMutex,
	places int32,
) *TournamentUseCase {
	if places <= 0 {
		places = money.DefaultPlaces
	}
	return &TournamentUseCase{
		repo:       repo,
		tables:     tables,
		sessions:   sessions,
		ledger:     ledger,
		dispatcher: dispatcher,
		scheduler:  scheduler,
		locks:      locks,
		places:     places,
		now:        time.Now,
	}
}

// CreateRequest describes a new tournament
type CreateRequest struct {
	GameType   string
	JoinFee    decimal.Decimal
	MaxEntries int
	MinEntries int
	EndTime    time.Time
	PrizeTiers []domain.PrizeTier
}

// JoinResult is the entry a user holds in a tournament
type JoinResult struct {
	TournamentID string `json:"tournament_id"`
	TableID      string `json:"table_id"`
	EntryNo      int    `json:"entry_no"`
	Reconnected  bool   `json:"reconnected"`
}

// Create validates and persists a live tournament, then arms its end trigger
func (uc *TournamentUseCase) Create(ctx context.Context, req CreateRequest) (*domain.Tournament, error) {
	if req.GameType == "" {
		return nil, fmt.Errorf("%w: game type is required", apperr.ErrInvalidArgument)
	}
	if !req.JoinFee.IsPositive() || !req.JoinFee.Equal(money.Floor(req.JoinFee, uc.places)) {
		return nil, fmt.Errorf("%w: join fee %s", apperr.ErrInvalidArgument, req.JoinFee)
	}
	if req.MinEntries <= 0 {
		req.MinEntries = 1
	}
	if req.MaxEntries < 0 || (req.MaxEntries > 0 && req.MaxEntries < req.MinEntries) {
		return nil, fmt.Errorf("%w: max entries %d below min entries %d", apperr.ErrInvalidArgument, req.MaxEntries, req.MinEntries)
	}
	if !req.EndTime.After(uc.now()) {
		return nil, fmt.Errorf("%w: end time %s is in the past", apperr.ErrInvalidArgument, req.EndTime.Format(time.RFC3339))
	}
	if err := domain.ValidateTiers(req.PrizeTiers); err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrInvalidArgument, err)
	}

	t := &domain.Tournament{
		ID:         uuid.NewString(),
		GameType:   req.GameType,
		Status:     domain.StatusLive,
		JoinFee:    req.JoinFee,
		Pool:       decimal.Zero,
		MaxEntries: req.MaxEntries,
		MinEntries: req.MinEntries,
		EndTime:    req.EndTime,
		PrizeTiers: req.PrizeTiers,
	}
	ctx = logger.WithTournament(ctx, t.ID)

	if err := uc.repo.Create(ctx, t); err != nil {
		return nil, err
	}

	if err := uc.tables.Put(ctx, uc.newTable(t), false); err != nil {
		return nil, err
	}

	if err := uc.scheduler.Schedule(ctx, t.ID, t.EndTime); err != nil {
		return nil, fmt.Errorf("schedule end of %s: %w", t.ID, err)
	}

	logger.Info(ctx).
		Str("join_fee", t.JoinFee.String()).
		Int("max_entries", t.MaxEntries).
		Int("min_entries", t.MinEntries).
		Time("end_time", t.EndTime).
		Msg("Tournament created")
	return t, nil
}

// Get returns a tournament with its entries
func (uc *TournamentUseCase) Get(ctx context.Context, tournamentID string) (*domain.Tournament, []domain.Entry, error) {
	t, err := uc.repo.Get(ctx, tournamentID)
	if err != nil {
		return nil, nil, err
	}
	entries, err := uc.repo.ListEntries(ctx, tournamentID)
	if err != nil {
		return nil, nil, err
	}
	return t, entries, nil
}

// Join enters a user into a live tournament, or resumes the entry they already hold.
// The join fee is debited outside every lock with a key derived from the entry number.
func (uc *TournamentUseCase) Join(ctx context.Context, tournamentID, userID string) (*JoinResult, error) {
	if tournamentID == "" || userID == "" {
		return nil, fmt.Errorf("%w: tournament id and user id are required", apperr.ErrInvalidArgument)
	}
	ctx = logger.WithTournament(logger.WithFields(ctx, map[string]interface{}{"user_id": userID}), tournamentID)

	unlock := uc.locks.Lock(tabledomain.UserLockKey(userID))
	defer unlock()

	gameContext := tabledomain.TournamentContext(tournamentID)
	tableID := tabledomain.TournamentTableID(tournamentID)

	if _, _, err := uc.sessions.ResumeOrAssign(ctx, userID, gameContext, tableID, 0); err != nil {
		return nil, fmt.Errorf("resume or assign: %w", err)
	}

	entry, err := uc.repo.FindEntryByUser(ctx, tournamentID, userID)
	reconnected := err == nil
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		entry, err = uc.reserve(ctx, tournamentID, userID)
		if err != nil {
			uc.clearEntry(ctx, userID, gameContext, tableID)
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	if entry.Status == domain.EntryPending {
		if err := uc.collectFee(ctx, tournamentID, entry); err != nil {
			if walletdomain.IsRejection(err) {
				uc.clearEntry(ctx, userID, gameContext, tableID)
			}
			return nil, err
		}
	} else {
		t, err := uc.repo.Get(ctx, tournamentID)
		if err != nil {
			return nil, err
		}
		if !t.Status.Accepting() {
			if t.Status.Terminal() {
				uc.clearEntry(ctx, userID, gameContext, tableID)
			}
			return nil, fmt.Errorf("tournament %s is %s: %w", tournamentID, t.Status, apperr.ErrNotJoinable)
		}
		if entry.Finished {
			uc.clearEntry(ctx, userID, gameContext, tableID)
			return nil, fmt.Errorf("entry %d already finished: %w", entry.EntryNo, apperr.ErrNotJoinable)
		}
	}

	if err := uc.seatEntry(ctx, tournamentID, entry); err != nil {
		return nil, err
	}

	if reconnected {
		logger.Info(ctx).Int("entry_no", entry.EntryNo).Msg("Tournament entry resumed")
	}
	return &JoinResult{
		TournamentID: tournamentID,
		TableID:      tableID,
		EntryNo:      entry.EntryNo,
		Reconnected:  reconnected,
	}, nil
}

func (uc *TournamentUseCase) reserve(ctx context.Context, tournamentID, userID string) (*domain.Entry, error) {
	unlock := uc.locks.Lock(domain.LockKey(tournamentID))
	defer unlock()

	entry, err := uc.repo.ReserveEntry(ctx, tournamentID, userID)
	if err != nil {
		return nil, err
	}
	logger.Info(ctx).
		Int("entry_no", entry.EntryNo).
		Str("fee", entry.Fee.String()).
		Msg("Tournament entry reserved")
	return entry, nil
}

// collectFee debits a pending entry and marks it paid. A rejection voids the entry,
// an unresolved debit leaves it pending for the next join or for settlement.
func (uc *TournamentUseCase) collectFee(ctx context.Context, tournamentID string, entry *domain.Entry) error {
	t, err := uc.repo.Get(ctx, tournamentID)
	if err != nil {
		return err
	}
	if !t.Status.Accepting() {
		return fmt.Errorf("tournament %s is %s, entry %d is resolved by settlement: %w",
			tournamentID, t.Status, entry.EntryNo, apperr.ErrNotJoinable)
	}

	op := domain.FeeOperation(walletdomain.DirectionDebit, *entry)
	err = uc.ledger.Debit(ctx, op)
	if err != nil {
		if !walletdomain.IsRejection(err) {
			logger.Warn(ctx).Err(err).Str("idempotency_key", op.Key).Msg("Join fee debit unresolved, entry kept pending")
			return err
		}
		logger.Warn(ctx).Err(err).Str("idempotency_key", op.Key).Msg("Join fee debit rejected, voiding entry")
		if voidErr := uc.repo.VoidEntry(ctx, tournamentID, entry.EntryNo); voidErr != nil {
			logger.Error(ctx).Err(voidErr).Int("entry_no", entry.EntryNo).Msg("Failed to void rejected entry")
		}
		return err
	}

	logger.Info(ctx).
		Str("idempotency_key", op.Key).
		Str("amount", op.Amount.String()).
		Msg("Join fee debited")

	confirmed, err := uc.repo.ConfirmEntry(ctx, tournamentID, entry.EntryNo)
	if err != nil {
		return err
	}
	if !confirmed {
		current, findErr := uc.repo.FindEntryByUser(ctx, tournamentID, entry.UserID)
		if errors.Is(findErr, apperr.ErrNotFound) {
			// the entry was voided while our debit was in flight
			refund := domain.FeeOperation(walletdomain.DirectionRefund, *entry)
			if err := uc.ledger.Refund(ctx, refund); err != nil {
				return err
			}
			logger.Warn(ctx).Str("idempotency_key", refund.Key).Msg("Late join fee refunded")
			return fmt.Errorf("entry %d of %s was voided: %w", entry.EntryNo, tournamentID, apperr.ErrNotJoinable)
		}
		if findErr != nil {
			return findErr
		}
		entry.Status = current.Status
		return nil
	}
	entry.Status = domain.EntryPaid
	return nil
}

// seatEntry writes the entry into the tournament table cache and points the user's session at it
func (uc *TournamentUseCase) seatEntry(ctx context.Context, tournamentID string, entry *domain.Entry) error {
	tableID := tabledomain.TournamentTableID(tournamentID)

	unlock := uc.locks.Lock(tabledomain.TableLockKey(tableID))
	defer unlock()

	t, err := uc.tables.Get(ctx, tableID)
	if errors.Is(err, apperr.ErrNotFound) {
		t, err = uc.rebuildTable(ctx, tournamentID)
	}
	if err != nil {
		return err
	}
	if p, ok := t.Participant(entry.UserID); ok {
		p.State = tabledomain.ParticipantSeated
	} else {
		t.Participants = append(t.Participants, participant(*entry))
	}
	t.UpdatedAt = uc.now()
	return uc.tables.Put(ctx, t, true)
}

func (uc *TournamentUseCase) newTable(t *domain.Tournament) *tabledomain.Table {
	now := uc.now()
	return &tabledomain.Table{
		ID:           tabledomain.TournamentTableID(t.ID),
		GameType:     t.GameType,
		Format:       tabledomain.FormatTournament,
		TournamentID: t.ID,
		Status:       tabledomain.StatusActive,
		MaxSeats:     t.MaxEntries,
		Stake:        t.JoinFee,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func participant(e domain.Entry) tabledomain.Participant {
	return tabledomain.Participant{
		UserID:   e.UserID,
		SeatNo:   e.EntryNo,
		EntryNo:  e.EntryNo,
		Stake:    e.Fee,
		StakeRef: strconv.Itoa(e.EntryNo),
		State:    tabledomain.ParticipantSeated,
		Net:      decimal.Zero,
		JoinedAt: e.JoinedAt,
	}
}

// rebuildTable recreates a lost tournament table cache from the tournament row
// and its paid entries. Finished entries come back as left.
func (uc *TournamentUseCase) rebuildTable(ctx context.Context, tournamentID string) (*tabledomain.Table, error) {
	t, err := uc.repo.Get(ctx, tournamentID)
	if err != nil {
		return nil, err
	}
	if !t.Status.Accepting() {
		return nil, fmt.Errorf("tournament %s is %s: %w", tournamentID, t.Status, apperr.ErrNotJoinable)
	}
	entries, err := uc.repo.ListEntries(ctx, tournamentID)
	if err != nil {
		return nil, err
	}

	table := uc.newTable(t)
	for _, e := range entries {
		if e.Status != domain.EntryPaid {
			continue
		}
		p := participant(e)
		if e.Finished {
			p.State = tabledomain.ParticipantLeft
		}
		table.Participants = append(table.Participants, p)
	}

	logger.Warn(ctx).
		Int("participants", len(table.Participants)).
		Msg("Tournament table cache rebuilt")
	return table, nil
}

func (uc *TournamentUseCase) clearEntry(ctx context.Context, userID, gameContext, tableID string) {
	if err := uc.sessions.ClearIfTable(ctx, userID, gameContext, tableID); err != nil {
		logger.Error(ctx).Err(err).Msg("Failed to clear tournament session entry")
	}
}

// RecordResult stores an entry's score. Once every paid entry of a full
// tournament has finished, the end trigger is canceled and settlement is requested.
func (uc *TournamentUseCase) RecordResult(ctx context.Context, tournamentID string, entryNo int, score int64, finished bool) error {
	ctx = logger.WithTournament(ctx, tournamentID)

	userID, early, err := uc.recordResult(ctx, tournamentID, entryNo, score, finished)
	if err != nil {
		return err
	}
	if finished {
		if err := uc.retireEntry(ctx, tournamentID, userID); err != nil {
			return err
		}
	}
	if !early {
		return nil
	}

	logger.Info(ctx).Msg("Every entry finished, settling early")
	if err := uc.scheduler.Cancel(ctx, tournamentID); err != nil {
		return err
	}
	return uc.dispatcher.DispatchTournament(ctx, tournamentID, domain.SettleEarly)
}

func (uc *TournamentUseCase) recordResult(ctx context.Context, tournamentID string, entryNo int, score int64, finished bool) (string, bool, error) {
	unlock := uc.locks.Lock(domain.LockKey(tournamentID))
	defer unlock()

	t, err := uc.repo.Get(ctx, tournamentID)
	if err != nil {
		return "", false, err
	}
	if !t.Status.Accepting() {
		return "", false, fmt.Errorf("tournament %s is %s: %w", tournamentID, t.Status, apperr.ErrConflict)
	}
	if err := uc.repo.RecordResult(ctx, tournamentID, entryNo, score, finished); err != nil {
		return "", false, err
	}

	entries, err := uc.repo.ListEntries(ctx, tournamentID)
	if err != nil {
		return "", false, err
	}

	userID := ""
	allFinished := len(entries) > 0
	for _, e := range entries {
		if e.EntryNo == entryNo {
			userID = e.UserID
		}
		if e.Status != domain.EntryPaid || !e.Finished {
			allFinished = false
		}
	}

	logger.Debug(ctx).
		Int("entry_no", entryNo).
		Int64("score", score).
		Bool("finished", finished).
		Msg("Tournament result recorded")
	return userID, allFinished && t.Status == domain.StatusFull, nil
}

// retireEntry ends a finished entry's participation: its seat stops occupying
// the tournament table and the user's session entry is cleared.
func (uc *TournamentUseCase) retireEntry(ctx context.Context, tournamentID, userID string) error {
	tableID := tabledomain.TournamentTableID(tournamentID)

	unlock := uc.locks.Lock(tabledomain.TableLockKey(tableID))
	defer unlock()

	t, err := uc.tables.Get(ctx, tableID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return err
	}
	if err == nil {
		if p, ok := t.Participant(userID); ok && p.State != tabledomain.ParticipantLeft {
			p.State = tabledomain.ParticipantLeft
			t.UpdatedAt = uc.now()
			if err := uc.tables.Put(ctx, t, false); err != nil {
				return err
			}
		}
	}
	return uc.sessions.ClearIfTable(ctx, userID, tabledomain.TournamentContext(tournamentID), tableID)
}

// ScheduleEnd moves the end time of a live tournament and re-arms its trigger
func (uc *TournamentUseCase) ScheduleEnd(ctx context.Context, tournamentID string, endTime time.Time) error {
	ctx = logger.WithTournament(ctx, tournamentID)

	if !endTime.After(uc.now()) {
		return fmt.Errorf("%w: end time %s is in the past", apperr.ErrInvalidArgument, endTime.Format(time.RFC3339))
	}

	unlock := uc.locks.Lock(domain.LockKey(tournamentID))
	defer unlock()

	t, err := uc.repo.Get(ctx, tournamentID)
	if err != nil {
		return err
	}
	if !t.Status.Accepting() {
		return fmt.Errorf("tournament %s is %s: %w", tournamentID, t.Status, apperr.ErrConflict)
	}
	if err := uc.repo.UpdateEndTime(ctx, tournamentID, endTime); err != nil {
		return err
	}
	if err := uc.scheduler.Schedule(ctx, tournamentID, endTime); err != nil {
		return err
	}

	logger.Info(ctx).Time("end_time", endTime).Msg("Tournament end rescheduled")
	return nil
}

// RefundJoinFees cancels a tournament: the trigger is disarmed and every entry is refunded
func (uc *TournamentUseCase) RefundJoinFees(ctx context.Context, tournamentID string) error {
	ctx = logger.WithTournament(ctx, tournamentID)

	t, err := uc.repo.Get(ctx, tournamentID)
	if err != nil {
		return err
	}
	if t.Status == domain.StatusCompleted {
		return fmt.Errorf("tournament %s already paid out: %w", tournamentID, apperr.ErrConflict)
	}

	if err := uc.scheduler.Cancel(ctx, tournamentID); err != nil {
		return err
	}
	logger.Warn(ctx).Str("status", string(t.Status)).Msg("Refunding tournament join fees")
	return uc.dispatcher.DispatchTournament(ctx, tournamentID, domain.SettleRefund)
}
