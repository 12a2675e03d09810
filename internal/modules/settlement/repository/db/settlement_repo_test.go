package db

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/frankieli/game_tables/internal/modules/settlement/domain"
	walletdomain "github.com/frankieli/game_tables/internal/modules/wallet/domain"
	"github.com/frankieli/game_tables/pkg/apperr"
)

func setupRepo(t *testing.T) *SettlementRepository {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	repo := NewSettlementRepository(db)
	require.NoError(t, repo.AutoMigrate())
	return repo
}

func samplePlan() (*domain.Plan, []domain.Op) {
	planID := domain.PlanID(domain.KindTable, "42")
	plan := &domain.Plan{
		ID:        planID,
		Kind:      domain.KindTable,
		SubjectID: "42",
		Outcome:   domain.OutcomeClosed,
		Pool:      decimal.NewFromInt(200),
		Total:     decimal.NewFromInt(80),
		Status:    domain.PlanOpen,
	}
	ops := []domain.Op{{
		Key:       walletdomain.NewKey(walletdomain.DirectionCredit, walletdomain.ScopeTable, "42", "a", "3"),
		PlanID:    planID,
		UserID:    "a",
		Direction: walletdomain.DirectionCredit,
		Amount:    decimal.NewFromInt(80),
		Status:    domain.OpPending,
	}}
	return plan, ops
}

func TestCreatePlanOnce(t *testing.T) {
	ctx := context.Background()
	repo := setupRepo(t)
	plan, ops := samplePlan()

	require.NoError(t, repo.CreatePlan(ctx, plan, ops))

	again, againOps := samplePlan()
	err := repo.CreatePlan(ctx, again, againOps)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	got, gotOps, err := repo.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanOpen, got.Status)
	require.Len(t, gotOps, 1)
	assert.True(t, gotOps[0].Amount.Equal(decimal.NewFromInt(80)))

	_, _, err = repo.GetPlan(ctx, "table:missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestAckFailureAndComplete(t *testing.T) {
	ctx := context.Background()
	repo := setupRepo(t)
	plan, ops := samplePlan()
	require.NoError(t, repo.CreatePlan(ctx, plan, ops))

	require.NoError(t, repo.RecordFailure(ctx, ops[0].Key, errors.New("wallet down")))
	_, gotOps, _ := repo.GetPlan(ctx, plan.ID)
	assert.Equal(t, 1, gotOps[0].Attempts)
	assert.Equal(t, "wallet down", gotOps[0].LastError)

	require.NoError(t, repo.AckOp(ctx, ops[0].Key))
	_, gotOps, _ = repo.GetPlan(ctx, plan.ID)
	assert.Equal(t, domain.OpAcked, gotOps[0].Status)
	assert.NotNil(t, gotOps[0].AckedAt)

	open, err := repo.ListOpen(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	history := &domain.History{
		ID:        uuid.NewString(),
		PlanID:    plan.ID,
		Kind:      plan.Kind,
		SubjectID: plan.SubjectID,
		Outcome:   plan.Outcome,
		Pool:      plan.Pool,
		Total:     plan.Total,
		Lines:     []domain.Line{{UserID: "a", Net: decimal.NewFromInt(80), Amount: decimal.NewFromInt(80)}},
		SettledAt: time.Now(),
	}
	require.NoError(t, repo.Complete(ctx, plan.ID, history))

	second := *history
	second.ID = uuid.NewString()
	require.NoError(t, repo.Complete(ctx, plan.ID, &second), "history is written once")

	h, err := repo.GetHistory(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, history.ID, h.ID)
	require.Len(t, h.Lines, 1)
	assert.Equal(t, "a", h.Lines[0].UserID)

	open, _ = repo.ListOpen(ctx)
	assert.Empty(t, open)
}
