// Package redis provides the go-redis table store and session index.
//
// Layout, under a configurable prefix:
//
//	table:{id}         table JSON
//	tables:active      set of non-closed table ids
//	user_active:{uid}  hash gameContext -> "<tableID>#<entryNo>"
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/frankieli/game_tables/internal/modules/table/domain"
	"github.com/frankieli/game_tables/pkg/apperr"
)

var (
	_ domain.TableStore   = (*Store)(nil)
	_ domain.SessionIndex = (*Store)(nil)
)

// deleteScript drops the table, its active-set membership and every listed
// user's entry that still points at it.
// KEYS[1] table key, KEYS[2] active set, KEYS[3..] user hashes. ARGV[1] table id.
var deleteScript = redis.NewScript(`
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[1])
local prefix = ARGV[1] .. '#'
for i = 3, #KEYS do
	local flat = redis.call('HGETALL', KEYS[i])
	for j = 1, #flat, 2 do
		if string.sub(flat[j + 1], 1, #prefix) == prefix then
			redis.call('HDEL', KEYS[i], flat[j])
		end
	end
end
return 1
`)

// clearIfTableScript deletes one hash field while it points at ARGV[2].
var clearIfTableScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], ARGV[1])
if v and string.sub(v, 1, #ARGV[2]) == ARGV[2] then
	return redis.call('HDEL', KEYS[1], ARGV[1])
end
return 0
`)

// Store implements domain.TableStore and domain.SessionIndex using Redis
type Store struct {
	rdb       redis.UniversalClient
	prefix    string
	closedTTL time.Duration
}

// NewStore creates a new Redis store. Closed tables are kept for closedTTL before eviction.
func NewStore(rdb redis.UniversalClient, prefix string) *Store {
	return &Store{
		rdb:       rdb,
		prefix:    prefix,
		closedTTL: time.Hour,
	}
}

func (s *Store) tableKey(id string) string    { return s.prefix + "table:" + id }
func (s *Store) activeKey() string            { return s.prefix + "tables:active" }
func (s *Store) userKey(userID string) string { return s.prefix + "user_active:" + userID }

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, apperr.ErrStorageUnavailable, err)
}

func (s *Store) Get(ctx context.Context, tableID string) (*domain.Table, error) {
	data, err := s.rdb.Get(ctx, s.tableKey(tableID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("table %s: %w", tableID, apperr.ErrNotFound)
		}
		return nil, unavailable("get table", err)
	}

	var t domain.Table
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode table %s: %w", tableID, err)
	}
	return &t, nil
}

func (s *Store) Put(ctx context.Context, t *domain.Table, cacheForUsers bool) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode table %s: %w", t.ID, err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if t.Status == domain.StatusClosed {
			pipe.Set(ctx, s.tableKey(t.ID), data, s.closedTTL)
			pipe.SRem(ctx, s.activeKey(), t.ID)
		} else {
			pipe.Set(ctx, s.tableKey(t.ID), data, 0)
			pipe.SAdd(ctx, s.activeKey(), t.ID)
		}

		if cacheForUsers {
			gameContext := t.GameContext()
			for _, p := range t.Participants {
				if !p.Occupies() {
					continue
				}
				pipe.HSet(ctx, s.userKey(p.UserID), gameContext, domain.EncodeEntry(t.ID, p.EntryNo))
			}
		}
		return nil
	})
	if err != nil {
		return unavailable("put table", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, tableID string, userIDs []string) error {
	keys := make([]string, 0, len(userIDs)+2)
	keys = append(keys, s.tableKey(tableID), s.activeKey())
	for _, userID := range userIDs {
		keys = append(keys, s.userKey(userID))
	}

	if err := deleteScript.Run(ctx, s.rdb, keys, tableID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return unavailable("delete table", err)
	}
	return nil
}

func (s *Store) ListActiveIDs(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, s.activeKey()).Result()
	if err != nil {
		return nil, unavailable("list active tables", err)
	}
	return ids, nil
}

// Reset deletes every key under the store prefix
func (s *Store) Reset(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, s.prefix+"*", 500).Result()
		if err != nil {
			return unavailable("reset scan", err)
		}
		if len(keys) > 0 {
			if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
				return unavailable("reset delete", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (s *Store) ResumeOrAssign(ctx context.Context, userID, gameContext, newTableID string, entryNo int) (string, bool, error) {
	key := s.userKey(userID)

	// An entry cleared between HSETNX and HGET sends us round again.
	for attempt := 0; attempt < 3; attempt++ {
		created, err := s.rdb.HSetNX(ctx, key, gameContext, domain.EncodeEntry(newTableID, entryNo)).Result()
		if err != nil {
			return "", false, unavailable("resume or assign", err)
		}
		if created {
			return newTableID, false, nil
		}

		v, err := s.rdb.HGet(ctx, key, gameContext).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return "", false, unavailable("resume or assign", err)
		}
		tableID, _ := domain.DecodeEntry(v)
		return tableID, true, nil
	}
	return "", false, fmt.Errorf("resume or assign %s/%s: %w", userID, gameContext, apperr.ErrConflict)
}

func (s *Store) GetActiveTableID(ctx context.Context, userID, gameContext string) (string, bool, error) {
	e, err := s.GetActiveEntry(ctx, userID, gameContext)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return e.TableID, true, nil
}

func (s *Store) GetActiveEntry(ctx context.Context, userID, gameContext string) (*domain.ActiveEntry, error) {
	v, err := s.rdb.HGet(ctx, s.userKey(userID), gameContext).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("entry %s/%s: %w", userID, gameContext, apperr.ErrNotFound)
		}
		return nil, unavailable("get active entry", err)
	}

	tableID, entryNo := domain.DecodeEntry(v)
	return &domain.ActiveEntry{
		UserID:      userID,
		GameContext: gameContext,
		TableID:     tableID,
		EntryNo:     entryNo,
	}, nil
}

func (s *Store) Clear(ctx context.Context, userID, gameContext string) error {
	if err := s.rdb.HDel(ctx, s.userKey(userID), gameContext).Err(); err != nil {
		return unavailable("clear entry", err)
	}
	return nil
}

func (s *Store) ClearIfTable(ctx context.Context, userID, gameContext, tableID string) error {
	err := clearIfTableScript.Run(ctx, s.rdb, []string{s.userKey(userID)}, gameContext, tableID+"#").Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return unavailable("clear entry", err)
	}
	return nil
}

func (s *Store) CheckIfReconnected(ctx context.Context, userID string) (bool, error) {
	n, err := s.rdb.HLen(ctx, s.userKey(userID)).Result()
	if err != nil {
		return false, unavailable("check reconnected", err)
	}
	return n > 0, nil
}
