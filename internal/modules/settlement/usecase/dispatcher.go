package usecase

import (
	"context"
	"fmt"

	"github.com/frankieli/game_tables/internal/modules/settlement/domain"
	tabledomain "github.com/frankieli/game_tables/internal/modules/table/domain"
	tournamentdomain "github.com/frankieli/game_tables/internal/modules/tournament/domain"
	"github.com/frankieli/game_tables/internal/modules/worker"
	"github.com/frankieli/game_tables/pkg/logger"
)

var (
	_ tabledomain.SettlementDispatcher      = (*Dispatcher)(nil)
	_ tournamentdomain.SettlementDispatcher = (*Dispatcher)(nil)
)

// Dispatcher hands settlement requests to the worker pool. Callers never run
// settlement inline: timers and request handlers only enqueue.
type Dispatcher struct {
	uc   *SettlementUseCase
	pool *worker.Pool
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(uc *SettlementUseCase, pool *worker.Pool) *Dispatcher {
	return &Dispatcher{uc: uc, pool: pool}
}

func (d *Dispatcher) DispatchTable(ctx context.Context, tableID string) error {
	requestID := logger.GetRequestID(ctx)
	task := worker.Task{
		Key: domain.PlanID(domain.KindTable, tableID),
		Run: func(ctx context.Context) error {
			return d.uc.SettleTable(logger.WithRequestID(ctx, requestID), tableID)
		},
	}
	if err := d.pool.Enqueue(task); err != nil {
		return fmt.Errorf("enqueue %s: %w", task.Key, err)
	}
	logger.Debug(ctx).Str("task", task.Key).Msg("Table settlement enqueued")
	return nil
}

func (d *Dispatcher) DispatchTournament(ctx context.Context, tournamentID string, mode tournamentdomain.SettleMode) error {
	requestID := logger.GetRequestID(ctx)
	task := worker.Task{
		Key: domain.PlanID(domain.KindTournament, tournamentID) + ":" + string(mode),
		Run: func(ctx context.Context) error {
			return d.uc.SettleTournament(logger.WithRequestID(ctx, requestID), tournamentID, mode)
		},
	}
	if err := d.pool.Enqueue(task); err != nil {
		return fmt.Errorf("enqueue %s: %w", task.Key, err)
	}
	logger.Debug(ctx).Str("task", task.Key).Msg("Tournament settlement enqueued")
	return nil
}

// Recover re-enqueues every settlement left unfinished by a crash or a halted run
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	tables, tournaments, err := d.uc.Unfinished(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, id := range tables {
		if err := d.DispatchTable(ctx, id); err != nil {
			return n, err
		}
		n++
	}
	for _, id := range tournaments {
		if err := d.DispatchTournament(ctx, id, tournamentdomain.SettleForced); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		logger.Info(ctx).Int("tables", len(tables)).Int("tournaments", len(tournaments)).Msg("Unfinished settlements re-enqueued")
	}
	return n, nil
}
