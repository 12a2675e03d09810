// Package usecase turns finished tables and tournaments into wallet effects and history.
// Every run persists its plan before the first wallet call and resumes from it afterwards.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/frankieli/game_tables/internal/modules/settlement/domain"
	tabledomain "github.com/frankieli/game_tables/internal/modules/table/domain"
	tournamentdomain "github.com/frankieli/game_tables/internal/modules/tournament/domain"
	walletdomain "github.com/frankieli/game_tables/internal/modules/wallet/domain"
	"github.com/frankieli/game_tables/pkg/apperr"
	"github.com/frankieli/game_tables/pkg/keylock"
	"github.com/frankieli/game_tables/pkg/logger"
	"github.com/frankieli/game_tables/pkg/money"
)

// SettlementUseCase owns wallet issuance at settlement and the terminal
// transitions of tables and tournaments.
type SettlementUseCase struct {
	repo        domain.Repository
	tournaments tournamentdomain.Repository
	tables      tabledomain.TableStore
	ledger      walletdomain.Ledger
	locks       *keylock.KeyedMutex
	notifier    domain.Notifier
	places      int32
	now         func() time.Time
}

// NewSettlementUseCase creates a new settlement use case
func NewSettlementUseCase(
	repo domain.Repository,
	tournaments tournamentdomain.Repository,
	tables tabledomain.TableStore,
	ledger walletdomain.Ledger,
	locks *keylock.KeyedMutex,
	places int32,
) *SettlementUseCase {
	if places <= 0 {
		places = money.DefaultPlaces
	}
	return &SettlementUseCase{
		repo:        repo,
		tournaments: tournaments,
		tables:      tables,
		ledger:      ledger,
		locks:       locks,
		places:      places,
		now:         time.Now,
	}
}

// SetNotifier wires the push channel for credited users
func (uc *SettlementUseCase) SetNotifier(n domain.Notifier) {
	uc.notifier = n
}

func settleLockKey(planID string) string {
	return "settle:" + planID
}

// SettleTable pays every positive net of a settling table, records history once,
// then removes the table and its participants' entries.
func (uc *SettlementUseCase) SettleTable(ctx context.Context, tableID string) error {
	ctx = logger.WithTable(ctx, tableID)
	planID := domain.PlanID(domain.KindTable, tableID)

	unlock := uc.locks.Lock(settleLockKey(planID))
	defer unlock()

	plan, ops, err := uc.repo.GetPlan(ctx, planID)
	switch {
	case err == nil:
		if plan.Status == domain.PlanDone {
			return uc.closeTable(ctx, tableID, plan.UserIDs())
		}
		logger.Info(ctx).Msg("Resuming table settlement")
	case errors.Is(err, apperr.ErrNotFound):
		plan, ops, err = uc.newTablePlan(ctx, tableID)
		if err != nil || plan == nil {
			return err
		}
	default:
		return err
	}

	if err := uc.issue(ctx, plan, ops); err != nil {
		return err
	}
	if err := uc.complete(ctx, plan); err != nil {
		return err
	}
	return uc.closeTable(ctx, tableID, plan.UserIDs())
}

// newTablePlan decides and persists the credits of a settling table.
// A nil plan means there is nothing left to settle.
func (uc *SettlementUseCase) newTablePlan(ctx context.Context, tableID string) (*domain.Plan, []domain.Op, error) {
	t, err := uc.tables.Get(ctx, tableID)
	if errors.Is(err, apperr.ErrNotFound) {
		if _, histErr := uc.repo.GetHistory(ctx, domain.PlanID(domain.KindTable, tableID)); histErr == nil {
			logger.Info(ctx).Msg("Table already settled")
			return nil, nil, nil
		}
		return nil, nil, err
	}
	if err != nil {
		return nil, nil, err
	}

	switch t.Status {
	case tabledomain.StatusClosed:
		return nil, nil, nil
	case tabledomain.StatusSettling:
	default:
		return nil, nil, fmt.Errorf("table %s is %s: %w", tableID, t.Status, apperr.ErrConflict)
	}
	if t.Format != tabledomain.FormatCash {
		return nil, nil, fmt.Errorf("%w: table %s is a tournament table", apperr.ErrInvariantViolation, tableID)
	}

	plan, ops, err := PlanTable(t, uc.places)
	if err != nil {
		logger.Error(ctx).Err(err).Msg("Table settlement halted")
		return nil, nil, err
	}
	return uc.persist(ctx, plan, ops)
}

// PlanTable credits each positive net, floored to the currency unit.
// Losers' stakes were realized at join; nothing is debited here.
func PlanTable(t *tabledomain.Table, places int32) (*domain.Plan, []domain.Op, error) {
	planID := domain.PlanID(domain.KindTable, t.ID)
	roundSeq := strconv.Itoa(t.RoundNo)

	escrow := decimal.Zero
	total := decimal.Zero
	lines := make([]domain.Line, 0, len(t.Participants))
	var ops []domain.Op

	for _, p := range t.Participants {
		if p.State != tabledomain.ParticipantSeated && p.State != tabledomain.ParticipantLeft {
			continue
		}
		escrow = escrow.Add(p.Stake)

		line := domain.Line{UserID: p.UserID, Stake: p.Stake, Net: p.Net, Amount: decimal.Zero}
		if credit := money.Floor(p.Net, places); credit.IsPositive() {
			op := walletdomain.NewOperation(walletdomain.DirectionCredit, walletdomain.ScopeTable, t.ID, p.UserID, roundSeq, credit)
			ops = append(ops, domain.Op{
				Key:       op.Key,
				PlanID:    planID,
				UserID:    p.UserID,
				Direction: op.Direction,
				Amount:    credit,
				Status:    domain.OpPending,
			})
			line.Direction = op.Direction
			line.Amount = credit
			total = total.Add(credit)
		}
		lines = append(lines, line)
	}

	if total.GreaterThan(escrow) {
		return nil, nil, fmt.Errorf("%w: table %s credits %s exceed escrowed stakes %s",
			apperr.ErrInvariantViolation, t.ID, total, escrow)
	}

	plan := &domain.Plan{
		ID:        planID,
		Kind:      domain.KindTable,
		SubjectID: t.ID,
		GameType:  t.GameType,
		Outcome:   domain.OutcomeClosed,
		Pool:      escrow,
		Total:     total,
		Lines:     lines,
		Status:    domain.PlanOpen,
	}
	return plan, ops, nil
}

func (uc *SettlementUseCase) closeTable(ctx context.Context, tableID string, userIDs []string) error {
	unlock := uc.locks.Lock(tabledomain.TableLockKey(tableID))
	defer unlock()

	if err := uc.tables.Delete(ctx, tableID, userIDs); err != nil {
		return err
	}
	logger.Info(ctx).Int("participants", len(userIDs)).Msg("Table closed")
	return nil
}

// SettleTournament pays the ranked prizes of a tournament, or refunds every
// join fee when it is canceled. Pending entries are resolved before any decision.
func (uc *SettlementUseCase) SettleTournament(ctx context.Context, tournamentID string, mode tournamentdomain.SettleMode) error {
	ctx = logger.WithTournament(ctx, tournamentID)
	planID := domain.PlanID(domain.KindTournament, tournamentID)

	unlock := uc.locks.Lock(settleLockKey(planID))
	defer unlock()

	plan, ops, err := uc.repo.GetPlan(ctx, planID)
	switch {
	case err == nil:
		if plan.Status == domain.PlanDone {
			return uc.finishTournament(ctx, tournamentID, plan)
		}
		if mode == tournamentdomain.SettleRefund && plan.Outcome != domain.OutcomeCanceled {
			logger.Warn(ctx).Str("outcome", string(plan.Outcome)).Msg("Refund requested after prizes were planned, resuming the plan")
		}
		logger.Info(ctx).Str("mode", string(mode)).Msg("Resuming tournament settlement")
	case errors.Is(err, apperr.ErrNotFound):
		plan, ops, err = uc.newTournamentPlan(ctx, tournamentID, mode)
		if err != nil || plan == nil {
			return err
		}
	default:
		return err
	}

	if err := uc.issue(ctx, plan, ops); err != nil {
		return err
	}
	if err := uc.complete(ctx, plan); err != nil {
		return err
	}
	return uc.finishTournament(ctx, tournamentID, plan)
}

// RefundTournament forces the canceled path: every paid entry gets its exact fee back
func (uc *SettlementUseCase) RefundTournament(ctx context.Context, tournamentID string) error {
	return uc.SettleTournament(ctx, tournamentID, tournamentdomain.SettleRefund)
}

func (uc *SettlementUseCase) newTournamentPlan(ctx context.Context, tournamentID string, mode tournamentdomain.SettleMode) (*domain.Plan, []domain.Op, error) {
	t, err := uc.tournaments.Get(ctx, tournamentID)
	if err != nil {
		return nil, nil, err
	}
	if t.Status.Terminal() {
		logger.Info(ctx).Str("status", string(t.Status)).Msg("Tournament already settled")
		return nil, nil, nil
	}

	if err := uc.closeTournament(ctx, tournamentID); err != nil {
		return nil, nil, err
	}
	if err := uc.resolvePending(ctx, tournamentID); err != nil {
		return nil, nil, err
	}

	t, err = uc.tournaments.Get(ctx, tournamentID)
	if err != nil {
		return nil, nil, err
	}
	entries, err := uc.tournaments.ListEntries(ctx, tournamentID)
	if err != nil {
		return nil, nil, err
	}

	plan, ops, err := PlanTournament(t, entries, mode, uc.places)
	if err != nil {
		logger.Error(ctx).Err(err).Msg("Tournament settlement halted")
		return nil, nil, err
	}
	logger.Info(ctx).
		Str("mode", string(mode)).
		Str("outcome", string(plan.Outcome)).
		Str("pool", plan.Pool.String()).
		Str("total", plan.Total.String()).
		Int("ops", len(ops)).
		Msg("Tournament settlement planned")
	return uc.persist(ctx, plan, ops)
}

// closeTournament stops joins and results before anything is decided
func (uc *SettlementUseCase) closeTournament(ctx context.Context, tournamentID string) error {
	unlock := uc.locks.Lock(tournamentdomain.LockKey(tournamentID))
	defer unlock()

	changed, err := uc.tournaments.UpdateStatus(ctx, tournamentID, tournamentdomain.StatusClosed,
		tournamentdomain.StatusLive, tournamentdomain.StatusFull)
	if err != nil {
		return err
	}
	if changed {
		logger.Info(ctx).Msg("Tournament closed")
	}
	return nil
}

// resolvePending re-issues every unresolved join fee debit under its original key
func (uc *SettlementUseCase) resolvePending(ctx context.Context, tournamentID string) error {
	entries, err := uc.tournaments.ListEntries(ctx, tournamentID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Status != tournamentdomain.EntryPending {
			continue
		}
		op := tournamentdomain.FeeOperation(walletdomain.DirectionDebit, e)
		err := uc.ledger.Debit(ctx, op)
		switch {
		case err == nil:
			if _, err := uc.tournaments.ConfirmEntry(ctx, tournamentID, e.EntryNo); err != nil {
				return err
			}
			logger.Info(ctx).Int("entry_no", e.EntryNo).Str("idempotency_key", op.Key).Msg("Pending entry confirmed")
		case walletdomain.IsRejection(err):
			if err := uc.tournaments.VoidEntry(ctx, tournamentID, e.EntryNo); err != nil {
				return err
			}
			logger.Warn(ctx).Err(err).Int("entry_no", e.EntryNo).Str("idempotency_key", op.Key).Msg("Pending entry voided")
		default:
			return fmt.Errorf("resolve entry %d: %w", e.EntryNo, err)
		}
	}
	return nil
}

// PlanTournament decides the payouts of a closed tournament from its paid entries.
// Below MinEntries, or in refund mode, every fee is refunded and no prize is computed.
func PlanTournament(t *tournamentdomain.Tournament, entries []tournamentdomain.Entry, mode tournamentdomain.SettleMode, places int32) (*domain.Plan, []domain.Op, error) {
	planID := domain.PlanID(domain.KindTournament, t.ID)

	paid := make([]tournamentdomain.Entry, 0, len(entries))
	collected := decimal.Zero
	for _, e := range entries {
		if e.Status == tournamentdomain.EntryPaid {
			paid = append(paid, e)
			collected = collected.Add(e.Fee)
		}
	}
	if !collected.Equal(t.Pool) {
		return nil, nil, fmt.Errorf("%w: tournament %s pool %s differs from collected fees %s",
			apperr.ErrInvariantViolation, t.ID, t.Pool, collected)
	}

	plan := &domain.Plan{
		ID:        planID,
		Kind:      domain.KindTournament,
		SubjectID: t.ID,
		GameType:  t.GameType,
		Pool:      t.Pool,
		Total:     decimal.Zero,
		Status:    domain.PlanOpen,
	}
	var ops []domain.Op

	if mode == tournamentdomain.SettleRefund || len(paid) < t.MinEntries {
		plan.Outcome = domain.OutcomeCanceled
		for _, e := range paid {
			op := tournamentdomain.FeeOperation(walletdomain.DirectionRefund, e)
			ops = append(ops, domain.Op{
				Key:       op.Key,
				PlanID:    planID,
				UserID:    e.UserID,
				EntryNo:   e.EntryNo,
				Direction: op.Direction,
				Amount:    e.Fee,
				Status:    domain.OpPending,
			})
			plan.Lines = append(plan.Lines, domain.Line{
				UserID:    e.UserID,
				EntryNo:   e.EntryNo,
				Score:     e.Score,
				Stake:     e.Fee,
				Net:       decimal.Zero,
				Direction: op.Direction,
				Amount:    e.Fee,
			})
			plan.Total = plan.Total.Add(e.Fee)
		}
		return plan, ops, nil
	}

	plan.Outcome = domain.OutcomeCompleted
	standings := make([]domain.Standing, 0, len(paid))
	for _, e := range paid {
		standings = append(standings, domain.Standing{EntryNo: e.EntryNo, UserID: e.UserID, Score: e.Score})
	}
	ranked := domain.Rank(standings)
	payouts, err := domain.ComputePrizes(t.Pool, t.PrizeTiers, ranked, places)
	if err != nil {
		return nil, nil, fmt.Errorf("tournament %s: %w", t.ID, err)
	}
	byEntry := make(map[int]domain.Payout, len(payouts))
	for _, p := range payouts {
		byEntry[p.EntryNo] = p
	}

	for _, r := range ranked {
		line := domain.Line{
			UserID:  r.UserID,
			EntryNo: r.EntryNo,
			Rank:    r.Rank,
			Score:   r.Score,
			Stake:   t.JoinFee,
			Amount:  decimal.Zero,
		}
		if p, ok := byEntry[r.EntryNo]; ok {
			op := walletdomain.NewOperation(walletdomain.DirectionCredit, walletdomain.ScopeTournament,
				t.ID, p.UserID, strconv.Itoa(p.EntryNo), p.Amount)
			ops = append(ops, domain.Op{
				Key:       op.Key,
				PlanID:    planID,
				UserID:    p.UserID,
				EntryNo:   p.EntryNo,
				Rank:      p.Rank,
				Direction: op.Direction,
				Amount:    p.Amount,
				Status:    domain.OpPending,
			})
			line.Direction = op.Direction
			line.Amount = p.Amount
			plan.Total = plan.Total.Add(p.Amount)
		}
		line.Net = line.Amount.Sub(line.Stake)
		plan.Lines = append(plan.Lines, line)
	}
	return plan, ops, nil
}

// finishTournament clears the tournament table and entries, then sets the terminal status
func (uc *SettlementUseCase) finishTournament(ctx context.Context, tournamentID string, plan *domain.Plan) error {
	tableID := tabledomain.TournamentTableID(tournamentID)

	userIDs := plan.UserIDs()
	if entries, err := uc.tournaments.ListEntries(ctx, tournamentID); err == nil {
		for _, e := range entries {
			userIDs = append(userIDs, e.UserID)
		}
	}
	if err := uc.closeTable(ctx, tableID, userIDs); err != nil {
		return err
	}

	terminal := tournamentdomain.StatusCompleted
	if plan.Outcome == domain.OutcomeCanceled {
		terminal = tournamentdomain.StatusCanceled
	}

	unlock := uc.locks.Lock(tournamentdomain.LockKey(tournamentID))
	defer unlock()

	changed, err := uc.tournaments.UpdateStatus(ctx, tournamentID, terminal,
		tournamentdomain.StatusLive, tournamentdomain.StatusFull, tournamentdomain.StatusClosed)
	if err != nil {
		return err
	}
	if changed {
		logger.Info(ctx).Str("status", string(terminal)).Str("total", plan.Total.String()).Msg("Tournament settled")
	}
	return nil
}

// persist stores a new plan. A plan that raced ahead of ours wins and is returned instead.
func (uc *SettlementUseCase) persist(ctx context.Context, plan *domain.Plan, ops []domain.Op) (*domain.Plan, []domain.Op, error) {
	ctx = logger.WithPlan(ctx, plan.ID)
	err := uc.repo.CreatePlan(ctx, plan, ops)
	if errors.Is(err, apperr.ErrConflict) {
		return uc.repo.GetPlan(ctx, plan.ID)
	}
	if err != nil {
		return nil, nil, err
	}
	return plan, ops, nil
}

// issue applies every unacknowledged op in order and stops at the first failure.
// The next run resumes from that op with the same key.
func (uc *SettlementUseCase) issue(ctx context.Context, plan *domain.Plan, ops []domain.Op) error {
	ctx = logger.WithPlan(ctx, plan.ID)
	for _, op := range ops {
		if op.Status == domain.OpAcked {
			continue
		}
		opCtx := logger.WithFields(ctx, map[string]interface{}{
			"user_id":         op.UserID,
			"idempotency_key": op.Key,
			"amount":          op.Amount.String(),
			"direction":       string(op.Direction),
		})

		if err := walletdomain.Apply(opCtx, uc.ledger, op.Operation()); err != nil {
			if recErr := uc.repo.RecordFailure(opCtx, op.Key, err); recErr != nil {
				logger.Error(opCtx).Err(recErr).Msg("Failed to record settlement op failure")
			}
			event := logger.Warn(opCtx)
			if !apperr.IsTransient(err) {
				event = logger.Error(opCtx)
			}
			event.Err(err).Msg("Settlement op failed")
			return fmt.Errorf("settle %s: %w", plan.ID, err)
		}

		if err := uc.repo.AckOp(opCtx, op.Key); err != nil {
			return err
		}
		logger.Info(opCtx).Msg("Settlement op acknowledged")

		if uc.notifier != nil {
			uc.notifier.NotifySettled(opCtx, plan.ID, op)
		}
	}
	return nil
}

func (uc *SettlementUseCase) complete(ctx context.Context, plan *domain.Plan) error {
	ctx = logger.WithPlan(ctx, plan.ID)
	history := &domain.History{
		ID:        uuid.NewString(),
		PlanID:    plan.ID,
		Kind:      plan.Kind,
		SubjectID: plan.SubjectID,
		GameType:  plan.GameType,
		Outcome:   plan.Outcome,
		Pool:      plan.Pool,
		Total:     plan.Total,
		Lines:     plan.Lines,
		SettledAt: uc.now(),
	}
	if err := uc.repo.Complete(ctx, plan.ID, history); err != nil {
		return err
	}
	logger.Info(ctx).Str("outcome", string(plan.Outcome)).Msg("Settlement history recorded")
	return nil
}

// Unfinished lists plans still open and tournaments stuck in closed
func (uc *SettlementUseCase) Unfinished(ctx context.Context) (tables []string, tournaments []string, err error) {
	plans, err := uc.repo.ListOpen(ctx)
	if err != nil {
		return nil, nil, err
	}
	seen := make(map[string]bool)
	for _, p := range plans {
		switch p.Kind {
		case domain.KindTable:
			tables = append(tables, p.SubjectID)
		case domain.KindTournament:
			seen[p.SubjectID] = true
			tournaments = append(tournaments, p.SubjectID)
		}
	}

	closed, err := uc.tournaments.ListByStatus(ctx, tournamentdomain.StatusClosed)
	if err != nil {
		return nil, nil, err
	}
	for _, t := range closed {
		if !seen[t.ID] {
			tournaments = append(tournaments, t.ID)
		}
	}
	return tables, tournaments, nil
}
