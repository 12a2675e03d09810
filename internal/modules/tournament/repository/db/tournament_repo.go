package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/frankieli/game_tables/internal/modules/tournament/domain"
	"github.com/frankieli/game_tables/pkg/apperr"
)

// Ensure TournamentRepository implements domain.Repository
var _ domain.Repository = (*TournamentRepository)(nil)

type TournamentRepository struct {
	db *gorm.DB
}

func NewTournamentRepository(db *gorm.DB) *TournamentRepository {
	return &TournamentRepository{db: db}
}

// AutoMigrate creates the tournament tables
func (r *TournamentRepository) AutoMigrate() error {
	return r.db.AutoMigrate(&domain.Tournament{}, &domain.Entry{})
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, apperr.ErrNotFound)
	}
	return fmt.Errorf("%s: %w: %v", what, apperr.ErrStorageUnavailable, err)
}

func (r *TournamentRepository) Create(ctx context.Context, t *domain.Tournament) error {
	if err := r.db.WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("create tournament %s: %w", t.ID, err)
	}
	return nil
}

func (r *TournamentRepository) Get(ctx context.Context, id string) (*domain.Tournament, error) {
	var t domain.Tournament
	if err := r.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "tournament "+id)
	}
	return &t, nil
}

func (r *TournamentRepository) ListByStatus(ctx context.Context, statuses ...domain.Status) ([]domain.Tournament, error) {
	var out []domain.Tournament
	err := r.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("end_time ASC").
		Find(&out).Error
	if err != nil {
		return nil, notFound(err, "list tournaments")
	}
	return out, nil
}

func (r *TournamentRepository) UpdateStatus(ctx context.Context, id string, to domain.Status, from ...domain.Status) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&domain.Tournament{}).
		Where("id = ? AND status IN ?", id, from).
		Update("status", to)
	if res.Error != nil {
		return false, notFound(res.Error, "update tournament status")
	}
	return res.RowsAffected == 1, nil
}

func (r *TournamentRepository) UpdateEndTime(ctx context.Context, id string, endTime time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&domain.Tournament{}).
		Where("id = ?", id).
		Update("end_time", endTime)
	if res.Error != nil {
		return notFound(res.Error, "update end time")
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("tournament %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

func (r *TournamentRepository) ReserveEntry(ctx context.Context, tournamentID, userID string) (*domain.Entry, error) {
	var entry *domain.Entry
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t domain.Tournament
		if err := tx.First(&t, "id = ?", tournamentID).Error; err != nil {
			return notFound(err, "tournament "+tournamentID)
		}
		if t.Status != domain.StatusLive {
			return fmt.Errorf("tournament %s is %s: %w", tournamentID, t.Status, apperr.ErrNotJoinable)
		}

		var taken int64
		if err := tx.Model(&domain.Entry{}).Where("tournament_id = ?", tournamentID).Count(&taken).Error; err != nil {
			return err
		}
		if t.MaxEntries > 0 && int(taken) >= t.MaxEntries {
			return fmt.Errorf("tournament %s has no free entry: %w", tournamentID, apperr.ErrNotJoinable)
		}

		next := t.NextEntryNo + 1
		res := tx.Model(&domain.Tournament{}).
			Where("id = ? AND next_entry_no = ?", tournamentID, t.NextEntryNo).
			Update("next_entry_no", next)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("entry number race on %s: %w", tournamentID, apperr.ErrConflict)
		}

		entry = &domain.Entry{
			TournamentID: tournamentID,
			EntryNo:      next,
			UserID:       userID,
			Fee:          t.JoinFee,
			Status:       domain.EntryPending,
			JoinedAt:     time.Now(),
		}
		return tx.Create(entry).Error
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (r *TournamentRepository) ConfirmEntry(ctx context.Context, tournamentID string, entryNo int) (bool, error) {
	confirmed := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Entry{}).
			Where("tournament_id = ? AND entry_no = ? AND status = ?", tournamentID, entryNo, domain.EntryPending).
			Update("status", domain.EntryPaid)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		confirmed = true

		var e domain.Entry
		if err := tx.First(&e, "tournament_id = ? AND entry_no = ?", tournamentID, entryNo).Error; err != nil {
			return err
		}
		var t domain.Tournament
		if err := tx.First(&t, "id = ?", tournamentID).Error; err != nil {
			return err
		}
		if err := tx.Model(&t).Update("pool", t.Pool.Add(e.Fee)).Error; err != nil {
			return err
		}

		if t.MaxEntries <= 0 {
			return nil
		}
		var paid int64
		if err := tx.Model(&domain.Entry{}).
			Where("tournament_id = ? AND status = ?", tournamentID, domain.EntryPaid).
			Count(&paid).Error; err != nil {
			return err
		}
		if int(paid) >= t.MaxEntries {
			return tx.Model(&domain.Tournament{}).
				Where("id = ? AND status = ?", tournamentID, domain.StatusLive).
				Update("status", domain.StatusFull).Error
		}
		return nil
	})
	if err != nil {
		return false, notFound(err, "confirm entry")
	}
	return confirmed, nil
}

func (r *TournamentRepository) VoidEntry(ctx context.Context, tournamentID string, entryNo int) error {
	err := r.db.WithContext(ctx).
		Where("tournament_id = ? AND entry_no = ? AND status = ?", tournamentID, entryNo, domain.EntryPending).
		Delete(&domain.Entry{}).Error
	if err != nil {
		return notFound(err, "void entry")
	}
	return nil
}

func (r *TournamentRepository) FindEntryByUser(ctx context.Context, tournamentID, userID string) (*domain.Entry, error) {
	var e domain.Entry
	if err := r.db.WithContext(ctx).First(&e, "tournament_id = ? AND user_id = ?", tournamentID, userID).Error; err != nil {
		return nil, notFound(err, "entry of "+userID)
	}
	return &e, nil
}

func (r *TournamentRepository) ListEntries(ctx context.Context, tournamentID string) ([]domain.Entry, error) {
	var out []domain.Entry
	err := r.db.WithContext(ctx).
		Where("tournament_id = ?", tournamentID).
		Order("entry_no ASC").
		Find(&out).Error
	if err != nil {
		return nil, notFound(err, "list entries")
	}
	return out, nil
}

func (r *TournamentRepository) RecordResult(ctx context.Context, tournamentID string, entryNo int, score int64, finished bool) error {
	res := r.db.WithContext(ctx).
		Model(&domain.Entry{}).
		Where("tournament_id = ? AND entry_no = ? AND status = ?", tournamentID, entryNo, domain.EntryPaid).
		Updates(map[string]interface{}{
			"score":      score,
			"finished":   finished,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return notFound(res.Error, "record result")
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("paid entry %d of %s: %w", entryNo, tournamentID, apperr.ErrNotFound)
	}
	return nil
}
