package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/frankieli/game_tables/internal/modules/scheduler/domain"
	"github.com/frankieli/game_tables/pkg/apperr"
)

// Ensure TriggerRepository implements domain.TriggerRepository
var _ domain.TriggerRepository = (*TriggerRepository)(nil)

const maxCASAttempts = 3

type TriggerRepository struct {
	db *gorm.DB
}

func NewTriggerRepository(db *gorm.DB) *TriggerRepository {
	return &TriggerRepository{db: db}
}

// AutoMigrate creates the trigger table
func (r *TriggerRepository) AutoMigrate() error {
	return r.db.AutoMigrate(&domain.Trigger{})
}

func storageErr(op string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", op, apperr.ErrNotFound)
	}
	return fmt.Errorf("%s: %w: %v", op, apperr.ErrStorageUnavailable, err)
}

func (r *TriggerRepository) Arm(ctx context.Context, tournamentID string, fireAt time.Time) (*domain.Trigger, error) {
	return r.bump(ctx, tournamentID, domain.TriggerScheduled, &fireAt)
}

func (r *TriggerRepository) Disarm(ctx context.Context, tournamentID string) (*domain.Trigger, error) {
	return r.bump(ctx, tournamentID, domain.TriggerCanceled, nil)
}

// bump moves the trigger to status under generation+1, creating it when absent.
// The update is conditional on the generation read so concurrent bumps never share one.
func (r *TriggerRepository) bump(ctx context.Context, tournamentID string, status domain.TriggerStatus, fireAt *time.Time) (*domain.Trigger, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		var current domain.Trigger
		err := r.db.WithContext(ctx).First(&current, "tournament_id = ?", tournamentID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if fireAt == nil {
				return nil, fmt.Errorf("trigger %s: %w", tournamentID, apperr.ErrNotFound)
			}
			t := &domain.Trigger{
				TournamentID: tournamentID,
				FireAt:       fireAt.UTC(),
				Generation:   1,
				Status:       status,
			}
			if err := r.db.WithContext(ctx).Create(t).Error; err != nil {
				// lost a race with another creator, re-read
				continue
			}
			return t, nil
		}
		if err != nil {
			return nil, storageErr("get trigger", err)
		}

		updates := map[string]interface{}{
			"generation": current.Generation + 1,
			"status":     status,
			"updated_at": time.Now(),
		}
		if fireAt != nil {
			updates["fire_at"] = fireAt.UTC()
		}
		res := r.db.WithContext(ctx).
			Model(&domain.Trigger{}).
			Where("tournament_id = ? AND generation = ?", tournamentID, current.Generation).
			Updates(updates)
		if res.Error != nil {
			return nil, storageErr("bump trigger", res.Error)
		}
		if res.RowsAffected == 1 {
			current.Generation++
			current.Status = status
			if fireAt != nil {
				current.FireAt = fireAt.UTC()
			}
			return &current, nil
		}
	}
	return nil, fmt.Errorf("trigger %s changed concurrently: %w", tournamentID, apperr.ErrConflict)
}

func (r *TriggerRepository) Get(ctx context.Context, tournamentID string) (*domain.Trigger, error) {
	var t domain.Trigger
	if err := r.db.WithContext(ctx).First(&t, "tournament_id = ?", tournamentID).Error; err != nil {
		return nil, storageErr("trigger "+tournamentID, err)
	}
	return &t, nil
}

func (r *TriggerRepository) MarkFired(ctx context.Context, tournamentID string, generation int64) (bool, error) {
	return r.swap(ctx, tournamentID, generation, domain.TriggerScheduled, domain.TriggerFired)
}

func (r *TriggerRepository) Revert(ctx context.Context, tournamentID string, generation int64) error {
	_, err := r.swap(ctx, tournamentID, generation, domain.TriggerFired, domain.TriggerScheduled)
	return err
}

func (r *TriggerRepository) swap(ctx context.Context, tournamentID string, generation int64, from, to domain.TriggerStatus) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&domain.Trigger{}).
		Where("tournament_id = ? AND generation = ? AND status = ?", tournamentID, generation, from).
		Updates(map[string]interface{}{
			"status":     to,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return false, storageErr("swap trigger status", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *TriggerRepository) ListScheduled(ctx context.Context) ([]domain.Trigger, error) {
	var out []domain.Trigger
	err := r.db.WithContext(ctx).
		Where("status = ?", domain.TriggerScheduled).
		Order("fire_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, storageErr("list scheduled triggers", err)
	}
	return out, nil
}

func (r *TriggerRepository) ListDue(ctx context.Context, now time.Time) ([]domain.Trigger, error) {
	var out []domain.Trigger
	err := r.db.WithContext(ctx).
		Where("status = ? AND fire_at <= ?", domain.TriggerScheduled, now.UTC()).
		Order("fire_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, storageErr("list due triggers", err)
	}
	return out, nil
}
