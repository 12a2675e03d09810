package db

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/frankieli/game_tables/internal/modules/scheduler/domain"
	"github.com/frankieli/game_tables/pkg/apperr"
)

func setupRepo(t *testing.T) *TriggerRepository {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	repo := NewTriggerRepository(db)
	require.NoError(t, repo.AutoMigrate())
	return repo
}

func TestArmBumpsGeneration(t *testing.T) {
	ctx := context.Background()
	repo := setupRepo(t)
	at := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	first, err := repo.Arm(ctx, "T1", at)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Generation)

	second, err := repo.Arm(ctx, "T1", at.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Generation)
	assert.Equal(t, domain.TriggerScheduled, second.Status)

	canceled, err := repo.Disarm(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), canceled.Generation)

	got, err := repo.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, domain.TriggerCanceled, got.Status)
	assert.True(t, got.FireAt.Equal(at.Add(time.Hour)))

	_, err = repo.Disarm(ctx, "unknown")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestMarkFiredOnlyForCurrentGeneration(t *testing.T) {
	ctx := context.Background()
	repo := setupRepo(t)

	_, err := repo.Arm(ctx, "T1", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	current, err := repo.Arm(ctx, "T1", time.Now().Add(-time.Second))
	require.NoError(t, err)

	won, err := repo.MarkFired(ctx, "T1", current.Generation-1)
	require.NoError(t, err)
	assert.False(t, won, "stale generation")

	won, err = repo.MarkFired(ctx, "T1", current.Generation)
	require.NoError(t, err)
	assert.True(t, won)

	won, _ = repo.MarkFired(ctx, "T1", current.Generation)
	assert.False(t, won, "fires once")

	require.NoError(t, repo.Revert(ctx, "T1", current.Generation))
	due, err := repo.ListDue(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, current.Generation, due[0].Generation)
}

func TestListScheduledAndDue(t *testing.T) {
	ctx := context.Background()
	repo := setupRepo(t)

	_, _ = repo.Arm(ctx, "past", time.Now().Add(-time.Minute))
	_, _ = repo.Arm(ctx, "future", time.Now().Add(time.Hour))
	_, _ = repo.Arm(ctx, "gone", time.Now().Add(-time.Minute))
	_, _ = repo.Disarm(ctx, "gone")

	scheduled, err := repo.ListScheduled(ctx)
	require.NoError(t, err)
	assert.Len(t, scheduled, 2)

	due, err := repo.ListDue(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "past", due[0].TournamentID)
}
