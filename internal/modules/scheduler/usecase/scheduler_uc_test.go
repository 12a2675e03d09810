package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/frankieli/game_tables/internal/modules/scheduler/domain"
	"github.com/frankieli/game_tables/internal/modules/scheduler/repository/db"
	tournamentdomain "github.com/frankieli/game_tables/internal/modules/tournament/domain"
	"github.com/frankieli/game_tables/pkg/apperr"
)

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []tournamentdomain.SettleMode
	ids   []string
	err   error
	// failFor rejects dispatches of one tournament only
	failFor map[string]error
}

func (r *recordingDispatcher) DispatchTournament(ctx context.Context, id string, mode tournamentdomain.SettleMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if err, ok := r.failFor[id]; ok {
		return err
	}
	r.calls = append(r.calls, mode)
	r.ids = append(r.ids, id)
	return nil
}

func (r *recordingDispatcher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func setup(t *testing.T) (*SchedulerUseCase, *db.TriggerRepository, *recordingDispatcher) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	repo := db.NewTriggerRepository(gdb)
	require.NoError(t, repo.AutoMigrate())

	d := &recordingDispatcher{}
	uc, err := NewSchedulerUseCase(repo, d, time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = uc.Stop() })
	return uc, repo, d
}

func TestFire_StaleGenerationIsNoop(t *testing.T) {
	uc, repo, d := setup(t)
	ctx := context.Background()

	require.NoError(t, uc.Schedule(ctx, "T1", time.Now().Add(time.Hour)))
	first, _ := repo.Get(ctx, "T1")
	require.NoError(t, uc.Reschedule(ctx, "T1", time.Now().Add(2*time.Hour)))

	fired, err := uc.Fire(ctx, "T1", first.Generation)
	require.NoError(t, err)
	assert.False(t, fired)
	assert.Equal(t, 0, d.count())

	current, _ := repo.Get(ctx, "T1")
	fired, err = uc.Fire(ctx, "T1", current.Generation)
	require.NoError(t, err)
	assert.True(t, fired)

	fired, _ = uc.Fire(ctx, "T1", current.Generation)
	assert.False(t, fired, "a generation fires once")
	assert.Equal(t, []tournamentdomain.SettleMode{tournamentdomain.SettleScheduled}, d.calls)
}

func TestCancel_MakesPendingFireNoop(t *testing.T) {
	uc, repo, d := setup(t)
	ctx := context.Background()

	require.NoError(t, uc.Schedule(ctx, "T1", time.Now().Add(time.Hour)))
	armed, _ := repo.Get(ctx, "T1")
	require.NoError(t, uc.Cancel(ctx, "T1"))

	fired, err := uc.Fire(ctx, "T1", armed.Generation)
	require.NoError(t, err)
	assert.False(t, fired)
	assert.Equal(t, 0, d.count())

	require.NoError(t, uc.Cancel(ctx, "never-scheduled"))
}

func TestFire_DispatchFailureKeepsTriggerDue(t *testing.T) {
	uc, repo, d := setup(t)
	ctx := context.Background()

	require.NoError(t, uc.Schedule(ctx, "T1", time.Now().Add(time.Hour)))
	armed, _ := repo.Get(ctx, "T1")

	d.err = apperr.ErrStorageUnavailable
	_, err := uc.Fire(ctx, "T1", armed.Generation)
	assert.ErrorIs(t, err, apperr.ErrStorageUnavailable)

	got, _ := repo.Get(ctx, "T1")
	assert.Equal(t, domain.TriggerScheduled, got.Status)
}

func TestSweepFiresOverdueTriggers(t *testing.T) {
	uc, repo, d := setup(t)
	ctx := context.Background()

	// persisted before a restart, no timer armed
	_, err := repo.Arm(ctx, "late", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	_, err = repo.Arm(ctx, "later", time.Now().Add(time.Hour))
	require.NoError(t, err)

	n, err := uc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"late"}, d.ids)

	n, _ = uc.Sweep(ctx)
	assert.Equal(t, 0, n)
}

func TestSweep_FailureDoesNotBlockOtherTriggers(t *testing.T) {
	uc, repo, d := setup(t)
	ctx := context.Background()

	errQueueFull := errors.New("worker queue full")
	d.failFor = map[string]error{"a": errQueueFull}
	for _, id := range []string{"a", "b", "c"} {
		_, err := repo.Arm(ctx, id, time.Now().Add(-time.Minute))
		require.NoError(t, err)
	}

	n, err := uc.Sweep(ctx)
	assert.ErrorIs(t, err, errQueueFull)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"b", "c"}, d.ids)

	got, _ := repo.Get(ctx, "a")
	assert.Equal(t, domain.TriggerScheduled, got.Status, "left for the next sweep")

	delete(d.failFor, "a")
	n, err = uc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStart_RearmsPersistedTriggers(t *testing.T) {
	uc, repo, d := setup(t)
	ctx := context.Background()

	_, err := repo.Arm(ctx, "T1", time.Now().Add(100*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, uc.Start(ctx))
	assert.Eventually(t, func() bool { return d.count() == 1 }, 3*time.Second, 20*time.Millisecond)

	got, _ := repo.Get(ctx, "T1")
	assert.Equal(t, domain.TriggerFired, got.Status)
}

func TestForceSettle(t *testing.T) {
	uc, repo, d := setup(t)
	ctx := context.Background()

	require.NoError(t, uc.Schedule(ctx, "T1", time.Now().Add(time.Hour)))
	require.NoError(t, uc.ForceSettle(ctx, "T1"))

	got, _ := repo.Get(ctx, "T1")
	assert.Equal(t, domain.TriggerCanceled, got.Status)
	assert.Equal(t, []tournamentdomain.SettleMode{tournamentdomain.SettleForced}, d.calls)
}

func TestEvery(t *testing.T) {
	uc, _, _ := setup(t)

	var mu sync.Mutex
	runs := 0
	require.NoError(t, uc.Every("tick", 20*time.Millisecond, func(ctx context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		runs++
		return nil
	}))
	require.NoError(t, uc.Start(context.Background()))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs >= 2
	}, 2*time.Second, 10*time.Millisecond)
}
