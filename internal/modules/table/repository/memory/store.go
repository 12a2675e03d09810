// Package memory provides an in-process table store and session index.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/frankieli/game_tables/internal/modules/table/domain"
	"github.com/frankieli/game_tables/pkg/apperr"
)

var (
	_ domain.TableStore   = (*Store)(nil)
	_ domain.SessionIndex = (*Store)(nil)
)

// Store implements domain.TableStore and domain.SessionIndex over one map set,
// so Delete deindexes under the same lock that removes the table.
type Store struct {
	tables  map[string]*domain.Table
	active  map[string]struct{}
	entries map[string]map[string]domain.ActiveEntry // userID -> gameContext -> entry
	mu      sync.RWMutex
}

// NewStore creates a new memory store
func NewStore() *Store {
	return &Store{
		tables:  make(map[string]*domain.Table),
		active:  make(map[string]struct{}),
		entries: make(map[string]map[string]domain.ActiveEntry),
	}
}

func (s *Store) Get(ctx context.Context, tableID string) (*domain.Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tables[tableID]
	if !ok {
		return nil, fmt.Errorf("table %s: %w", tableID, apperr.ErrNotFound)
	}
	return t.Clone(), nil
}

func (s *Store) Put(ctx context.Context, t *domain.Table, cacheForUsers bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tables[t.ID] = t.Clone()
	if t.Status == domain.StatusClosed {
		delete(s.active, t.ID)
	} else {
		s.active[t.ID] = struct{}{}
	}

	if cacheForUsers {
		gameContext := t.GameContext()
		for _, p := range t.Participants {
			if !p.Occupies() {
				continue
			}
			s.setEntryLocked(domain.ActiveEntry{
				UserID:      p.UserID,
				GameContext: gameContext,
				TableID:     t.ID,
				EntryNo:     p.EntryNo,
			})
		}
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, tableID string, userIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tables, tableID)
	delete(s.active, tableID)
	for _, userID := range userIDs {
		for gameContext, e := range s.entries[userID] {
			if e.TableID == tableID {
				s.deleteEntryLocked(userID, gameContext)
			}
		}
	}
	return nil
}

func (s *Store) ListActiveIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tables = make(map[string]*domain.Table)
	s.active = make(map[string]struct{})
	s.entries = make(map[string]map[string]domain.ActiveEntry)
	return nil
}

func (s *Store) ResumeOrAssign(ctx context.Context, userID, gameContext, newTableID string, entryNo int) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[userID][gameContext]; ok {
		return e.TableID, true, nil
	}
	s.setEntryLocked(domain.ActiveEntry{
		UserID:      userID,
		GameContext: gameContext,
		TableID:     newTableID,
		EntryNo:     entryNo,
	})
	return newTableID, false, nil
}

func (s *Store) GetActiveTableID(ctx context.Context, userID, gameContext string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[userID][gameContext]
	return e.TableID, ok, nil
}

func (s *Store) GetActiveEntry(ctx context.Context, userID, gameContext string) (*domain.ActiveEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[userID][gameContext]
	if !ok {
		return nil, fmt.Errorf("entry %s/%s: %w", userID, gameContext, apperr.ErrNotFound)
	}
	return &e, nil
}

func (s *Store) Clear(ctx context.Context, userID, gameContext string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleteEntryLocked(userID, gameContext)
	return nil
}

func (s *Store) ClearIfTable(ctx context.Context, userID, gameContext, tableID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[userID][gameContext]; ok && e.TableID == tableID {
		s.deleteEntryLocked(userID, gameContext)
	}
	return nil
}

func (s *Store) CheckIfReconnected(ctx context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.entries[userID]) > 0, nil
}

func (s *Store) setEntryLocked(e domain.ActiveEntry) {
	byContext, ok := s.entries[e.UserID]
	if !ok {
		byContext = make(map[string]domain.ActiveEntry)
		s.entries[e.UserID] = byContext
	}
	byContext[e.GameContext] = e
}

func (s *Store) deleteEntryLocked(userID, gameContext string) {
	byContext, ok := s.entries[userID]
	if !ok {
		return
	}
	delete(byContext, gameContext)
	if len(byContext) == 0 {
		delete(s.entries, userID)
	}
}
