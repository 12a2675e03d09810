package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/frankieli/game_tables/internal/modules/settlement/domain"
	"github.com/frankieli/game_tables/pkg/apperr"
)

// Ensure SettlementRepository implements domain.Repository
var _ domain.Repository = (*SettlementRepository)(nil)

type SettlementRepository struct {
	db *gorm.DB
}

func NewSettlementRepository(db *gorm.DB) *SettlementRepository {
	return &SettlementRepository{db: db}
}

// AutoMigrate creates the settlement tables
func (r *SettlementRepository) AutoMigrate() error {
	return r.db.AutoMigrate(&domain.Plan{}, &domain.Op{}, &domain.History{})
}

func storageErr(op string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", op, apperr.ErrNotFound)
	}
	return fmt.Errorf("%s: %w: %v", op, apperr.ErrStorageUnavailable, err)
}

func (r *SettlementRepository) CreatePlan(ctx context.Context, plan *domain.Plan, ops []domain.Op) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(plan)
		if res.Error != nil {
			return storageErr("create plan", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("plan %s: %w", plan.ID, apperr.ErrConflict)
		}
		if len(ops) == 0 {
			return nil
		}
		if err := tx.Create(&ops).Error; err != nil {
			return storageErr("create ops", err)
		}
		return nil
	})
}

func (r *SettlementRepository) GetPlan(ctx context.Context, planID string) (*domain.Plan, []domain.Op, error) {
	var plan domain.Plan
	if err := r.db.WithContext(ctx).First(&plan, "id = ?", planID).Error; err != nil {
		return nil, nil, storageErr("plan "+planID, err)
	}
	var ops []domain.Op
	err := r.db.WithContext(ctx).
		Where("plan_id = ?", planID).
		Order("prize_rank ASC, entry_no ASC, op_key ASC").
		Find(&ops).Error
	if err != nil {
		return nil, nil, storageErr("ops of "+planID, err)
	}
	return &plan, ops, nil
}

func (r *SettlementRepository) AckOp(ctx context.Context, key string) error {
	now := time.Now()
	err := r.db.WithContext(ctx).
		Model(&domain.Op{}).
		Where("op_key = ? AND status = ?", key, domain.OpPending).
		Updates(map[string]interface{}{
			"status":     domain.OpAcked,
			"acked_at":   now,
			"last_error": "",
		}).Error
	if err != nil {
		return storageErr("ack op", err)
	}
	return nil
}

func (r *SettlementRepository) RecordFailure(ctx context.Context, key string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	err := r.db.WithContext(ctx).
		Model(&domain.Op{}).
		Where("op_key = ?", key).
		Updates(map[string]interface{}{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": msg,
		}).Error
	if err != nil {
		return storageErr("record op failure", err)
	}
	return nil
}

func (r *SettlementRepository) Complete(ctx context.Context, planID string, history *domain.History) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(history).Error; err != nil {
			return storageErr("write history", err)
		}
		err := tx.Model(&domain.Plan{}).
			Where("id = ?", planID).
			Updates(map[string]interface{}{
				"status":     domain.PlanDone,
				"updated_at": time.Now(),
			}).Error
		if err != nil {
			return storageErr("complete plan", err)
		}
		return nil
	})
}

func (r *SettlementRepository) GetHistory(ctx context.Context, planID string) (*domain.History, error) {
	var h domain.History
	if err := r.db.WithContext(ctx).First(&h, "plan_id = ?", planID).Error; err != nil {
		return nil, storageErr("history of "+planID, err)
	}
	return &h, nil
}

func (r *SettlementRepository) ListOpen(ctx context.Context) ([]domain.Plan, error) {
	var plans []domain.Plan
	err := r.db.WithContext(ctx).
		Where("status = ?", domain.PlanOpen).
		Order("created_at ASC").
		Find(&plans).Error
	if err != nil {
		return nil, storageErr("list open plans", err)
	}
	return plans, nil
}
