package db

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/frankieli/game_tables/internal/modules/tournament/domain"
	"github.com/frankieli/game_tables/pkg/apperr"
)

func setupRepo(t *testing.T) *TournamentRepository {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	repo := NewTournamentRepository(db)
	require.NoError(t, repo.AutoMigrate())
	return repo
}

func seed(t *testing.T, repo *TournamentRepository, id string, maxEntries int) {
	err := repo.Create(context.Background(), &domain.Tournament{
		ID:         id,
		GameType:   "rummy",
		Status:     domain.StatusLive,
		JoinFee:    decimal.NewFromInt(10),
		Pool:       decimal.Zero,
		MaxEntries: maxEntries,
		MinEntries: 2,
		EndTime:    time.Now().Add(time.Hour),
		PrizeTiers: []domain.PrizeTier{{FromRank: 1, ToRank: 1, Percent: decimal.NewFromInt(50)}},
	})
	require.NoError(t, err)
}

func TestCreateAndGet(t *testing.T) {
	repo := setupRepo(t)
	seed(t, repo, "T1", 0)

	got, err := repo.Get(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusLive, got.Status)
	require.Len(t, got.PrizeTiers, 1)
	assert.True(t, got.PrizeTiers[0].Percent.Equal(decimal.NewFromInt(50)))

	_, err = repo.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestReserveConfirmAndFull(t *testing.T) {
	ctx := context.Background()
	repo := setupRepo(t)
	seed(t, repo, "T1", 2)

	e1, err := repo.ReserveEntry(ctx, "T1", "a")
	require.NoError(t, err)
	assert.Equal(t, 1, e1.EntryNo)
	e2, err := repo.ReserveEntry(ctx, "T1", "b")
	require.NoError(t, err)
	assert.Equal(t, 2, e2.EntryNo)

	_, err = repo.ReserveEntry(ctx, "T1", "c")
	assert.ErrorIs(t, err, apperr.ErrNotJoinable)

	ok, err := repo.ConfirmEntry(ctx, "T1", 1)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.ConfirmEntry(ctx, "T1", 1)
	require.NoError(t, err)
	assert.False(t, ok, "confirm is applied once")

	tr, _ := repo.Get(ctx, "T1")
	assert.True(t, tr.Pool.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, domain.StatusLive, tr.Status)

	_, err = repo.ConfirmEntry(ctx, "T1", 2)
	require.NoError(t, err)
	tr, _ = repo.Get(ctx, "T1")
	assert.True(t, tr.Pool.Equal(decimal.NewFromInt(20)))
	assert.Equal(t, domain.StatusFull, tr.Status)
}

func TestVoidEntryFreesSlotWithoutReusingNumber(t *testing.T) {
	ctx := context.Background()
	repo := setupRepo(t)
	seed(t, repo, "T1", 1)

	e, err := repo.ReserveEntry(ctx, "T1", "a")
	require.NoError(t, err)
	require.NoError(t, repo.VoidEntry(ctx, "T1", e.EntryNo))

	e2, err := repo.ReserveEntry(ctx, "T1", "b")
	require.NoError(t, err)
	assert.Equal(t, 2, e2.EntryNo)
}

func TestRecordResultAndStatus(t *testing.T) {
	ctx := context.Background()
	repo := setupRepo(t)
	seed(t, repo, "T1", 0)

	e, _ := repo.ReserveEntry(ctx, "T1", "a")
	assert.ErrorIs(t, repo.RecordResult(ctx, "T1", e.EntryNo, 5, true), apperr.ErrNotFound, "pending entries have no result")

	_, _ = repo.ConfirmEntry(ctx, "T1", e.EntryNo)
	require.NoError(t, repo.RecordResult(ctx, "T1", e.EntryNo, 42, true))

	got, err := repo.FindEntryByUser(ctx, "T1", "a")
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.Score)
	assert.True(t, got.Finished)

	changed, err := repo.UpdateStatus(ctx, "T1", domain.StatusClosed, domain.StatusLive, domain.StatusFull)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, _ = repo.UpdateStatus(ctx, "T1", domain.StatusClosed, domain.StatusLive)
	assert.False(t, changed)

	list, err := repo.ListByStatus(ctx, domain.StatusClosed)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
