// Package usecase arms tournament end triggers on gocron and turns due triggers
// into settlement requests. It never touches tournament or table state itself.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/frankieli/game_tables/internal/modules/scheduler/domain"
	tabledomain "github.com/frankieli/game_tables/internal/modules/table/domain"
	tournamentdomain "github.com/frankieli/game_tables/internal/modules/tournament/domain"
	"github.com/frankieli/game_tables/pkg/apperr"
	"github.com/frankieli/game_tables/pkg/logger"
)

var (
	_ tournamentdomain.EndScheduler = (*SchedulerUseCase)(nil)
	_ tabledomain.TournamentCloser  = (*SchedulerUseCase)(nil)
)

// SchedulerUseCase owns the trigger lifecycle:
// unscheduled -> scheduled -> fired | canceled, and back to scheduled on reschedule.
type SchedulerUseCase struct {
	repo       domain.TriggerRepository
	dispatcher tournamentdomain.SettlementDispatcher
	cron       gocron.Scheduler
	sweepEvery time.Duration
	now        func() time.Time
}

// NewSchedulerUseCase creates the use case and its gocron scheduler
func NewSchedulerUseCase(repo domain.TriggerRepository, dispatcher tournamentdomain.SettlementDispatcher, sweepEvery time.Duration) (*SchedulerUseCase, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	if sweepEvery <= 0 {
		sweepEvery = 30 * time.Second
	}
	return &SchedulerUseCase{
		repo:       repo,
		dispatcher: dispatcher,
		cron:       cron,
		sweepEvery: sweepEvery,
		now:        time.Now,
	}, nil
}

func jobTag(tournamentID string) string {
	return "tournament:" + tournamentID
}

// Schedule installs the end trigger at fireAt. An existing trigger is replaced
// and its generation retired.
func (uc *SchedulerUseCase) Schedule(ctx context.Context, tournamentID string, fireAt time.Time) error {
	ctx = logger.WithTournament(ctx, tournamentID)

	t, err := uc.repo.Arm(ctx, tournamentID, fireAt)
	if err != nil {
		return err
	}
	if err := uc.arm(*t); err != nil {
		// the sweep still fires the persisted trigger
		logger.Error(ctx).Err(err).Msg("Failed to arm in-process timer")
	}

	logger.Info(ctx).
		Int64("generation", t.Generation).
		Time("fire_at", t.FireAt).
		Msg("Tournament end scheduled")
	return nil
}

// Reschedule moves the end trigger; the prior generation becomes a no-op
func (uc *SchedulerUseCase) Reschedule(ctx context.Context, tournamentID string, fireAt time.Time) error {
	return uc.Schedule(ctx, tournamentID, fireAt)
}

// Cancel retires the current generation. The in-process timer removal is best
// effort; the generation check at fire time is what makes it final.
func (uc *SchedulerUseCase) Cancel(ctx context.Context, tournamentID string) error {
	ctx = logger.WithTournament(ctx, tournamentID)

	t, err := uc.repo.Disarm(ctx, tournamentID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	uc.cron.RemoveByTags(jobTag(tournamentID))

	logger.Info(ctx).Int64("generation", t.Generation).Msg("Tournament end trigger canceled")
	return nil
}

// ForceSettle is the operator path for a stuck tournament: cancel, then settle now
func (uc *SchedulerUseCase) ForceSettle(ctx context.Context, tournamentID string) error {
	if err := uc.Cancel(ctx, tournamentID); err != nil {
		return err
	}
	logger.Warn(logger.WithTournament(ctx, tournamentID)).Msg("Forcing tournament settlement")
	return uc.dispatcher.DispatchTournament(ctx, tournamentID, tournamentdomain.SettleForced)
}

// Start re-arms every persisted trigger, registers the overdue sweep and starts gocron
func (uc *SchedulerUseCase) Start(ctx context.Context) error {
	triggers, err := uc.repo.ListScheduled(ctx)
	if err != nil {
		return err
	}
	for _, t := range triggers {
		if err := uc.arm(t); err != nil {
			logger.Error(ctx).Err(err).Str("tournament_id", t.TournamentID).Msg("Failed to re-arm trigger")
		}
	}

	if err := uc.Every("trigger-sweep", uc.sweepEvery, func(ctx context.Context) error {
		_, err := uc.Sweep(ctx)
		return err
	}); err != nil {
		return err
	}

	uc.cron.Start()
	logger.Info(ctx).Int("rearmed", len(triggers)).Dur("sweep_every", uc.sweepEvery).Msg("Scheduler started")
	return nil
}

// Stop shuts gocron down and waits for running jobs
func (uc *SchedulerUseCase) Stop() error {
	return uc.cron.Shutdown()
}

// Every runs fn on a fixed interval. A run still in progress delays the next one.
func (uc *SchedulerUseCase) Every(name string, interval time.Duration, fn func(ctx context.Context) error) error {
	_, err := uc.cron.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx := logger.WithRequestIDIfMissing(context.Background())
			if err := fn(ctx); err != nil {
				logger.Error(ctx).Err(err).Str("job", name).Msg("Periodic job failed")
			}
		}),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("register job %s: %w", name, err)
	}
	return nil
}

// arm replaces the in-process one-time job of a trigger
func (uc *SchedulerUseCase) arm(t domain.Trigger) error {
	tag := jobTag(t.TournamentID)
	uc.cron.RemoveByTags(tag)

	start := gocron.OneTimeJobStartImmediately()
	if t.FireAt.After(uc.now()) {
		start = gocron.OneTimeJobStartDateTime(t.FireAt)
	}

	_, err := uc.cron.NewJob(
		gocron.OneTimeJob(start),
		gocron.NewTask(uc.onTimer, t.TournamentID, t.Generation),
		gocron.WithTags(tag),
		gocron.WithName(fmt.Sprintf("%s@%d", tag, t.Generation)),
	)
	if err != nil {
		// fire time passed while arming
		_, err = uc.cron.NewJob(
			gocron.OneTimeJob(gocron.OneTimeJobStartImmediately()),
			gocron.NewTask(uc.onTimer, t.TournamentID, t.Generation),
			gocron.WithTags(tag),
		)
	}
	return err
}

func (uc *SchedulerUseCase) onTimer(tournamentID string, generation int64) {
	ctx := logger.WithTournament(logger.WithRequestIDIfMissing(context.Background()), tournamentID)
	if _, err := uc.Fire(ctx, tournamentID, generation); err != nil {
		logger.Error(ctx).Err(err).Int64("generation", generation).Msg("Trigger fire failed, left to the sweep")
	}
}

// Fire hands the tournament to settlement if generation is still current.
// Only the caller that flips scheduled -> fired enqueues; everyone else is a no-op.
func (uc *SchedulerUseCase) Fire(ctx context.Context, tournamentID string, generation int64) (bool, error) {
	won, err := uc.repo.MarkFired(ctx, tournamentID, generation)
	if err != nil {
		return false, err
	}
	if !won {
		logger.Debug(ctx).Int64("generation", generation).Msg("Stale or already fired trigger ignored")
		return false, nil
	}

	if err := uc.dispatcher.DispatchTournament(ctx, tournamentID, tournamentdomain.SettleScheduled); err != nil {
		if revErr := uc.repo.Revert(ctx, tournamentID, generation); revErr != nil {
			logger.Error(ctx).Err(revErr).Msg("Failed to revert trigger after dispatch failure")
		}
		return false, err
	}

	logger.Info(ctx).Int64("generation", generation).Msg("Tournament end trigger fired")
	return true, nil
}

// Sweep fires every trigger whose time has passed. It covers timers lost to a
// restart between Arm and Start, and fires that failed to hand off.
func (uc *SchedulerUseCase) Sweep(ctx context.Context) (int, error) {
	due, err := uc.repo.ListDue(ctx, uc.now())
	if err != nil {
		return 0, err
	}
	fired := 0
	var errs []error
	for _, t := range due {
		fireCtx := logger.WithTournament(ctx, t.TournamentID)
		ok, err := uc.Fire(fireCtx, t.TournamentID, t.Generation)
		if err != nil {
			logger.Warn(fireCtx).Err(err).Int64("generation", t.Generation).Msg("Overdue trigger not fired")
			errs = append(errs, fmt.Errorf("fire %s: %w", t.TournamentID, err))
			continue
		}
		if ok {
			fired++
		}
	}
	return fired, errors.Join(errs...)
}
