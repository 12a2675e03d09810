package redis

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frankieli/game_tables/internal/modules/table/domain"
	"github.com/frankieli/game_tables/pkg/apperr"
)

func setupStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb, "test:"), mr
}

func cashTable(id string, users ...string) *domain.Table {
	t := &domain.Table{
		ID:       id,
		GameType: "rummy",
		Format:   domain.FormatCash,
		Status:   domain.StatusActive,
		MaxSeats: 2,
		Stake:    decimal.NewFromInt(100),
	}
	for i, u := range users {
		t.Participants = append(t.Participants, domain.Participant{
			UserID: u,
			SeatNo: i + 1,
			Stake:  decimal.NewFromInt(100),
			State:  domain.ParticipantSeated,
		})
	}
	return t
}

func TestStore_PutAndGet(t *testing.T) {
	ctx := context.Background()
	s, mr := setupStore(t)

	tbl := cashTable("t1", "a", "b")
	tbl.RoundState = []byte(`{"deck":[1,2,3]}`)
	require.NoError(t, s.Put(ctx, tbl, true))

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.True(t, got.Stake.Equal(decimal.NewFromInt(100)))
	assert.JSONEq(t, `{"deck":[1,2,3]}`, string(got.RoundState))

	assert.Equal(t, "t1#0", mr.HGet("test:user_active:a", "rummy"))
	ids, err := s.ListActiveIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, ids)
}

func TestStore_GetMissing(t *testing.T) {
	s, _ := setupStore(t)
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestStore_DeleteIsAtomicAndConditional(t *testing.T) {
	ctx := context.Background()
	s, mr := setupStore(t)

	require.NoError(t, s.Put(ctx, cashTable("t1", "a", "b"), true))
	// b already moved on to another tournament context and another cash table id
	mr.HSet("test:user_active:b", "tournament:T1", "trn-T1#4")
	mr.HSet("test:user_active:c", "rummy", "t9#0")

	require.NoError(t, s.Delete(ctx, "t1", []string{"a", "b", "c"}))

	_, err := s.Get(ctx, "t1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.False(t, mr.Exists("test:user_active:a"))
	assert.Equal(t, "trn-T1#4", mr.HGet("test:user_active:b", "tournament:T1"))
	assert.Equal(t, "t9#0", mr.HGet("test:user_active:c", "rummy"))

	ids, _ := s.ListActiveIDs(ctx)
	assert.Empty(t, ids)
}

func TestStore_DeleteDoesNotMatchTableIDPrefix(t *testing.T) {
	ctx := context.Background()
	s, mr := setupStore(t)
	mr.HSet("test:user_active:a", "rummy", "t10#0")

	require.NoError(t, s.Delete(ctx, "t1", []string{"a"}))
	assert.Equal(t, "t10#0", mr.HGet("test:user_active:a", "rummy"))
}

func TestStore_ClosedTableExpires(t *testing.T) {
	ctx := context.Background()
	s, mr := setupStore(t)

	tbl := cashTable("t1", "a")
	require.NoError(t, s.Put(ctx, tbl, false))
	tbl.Status = domain.StatusClosed
	require.NoError(t, s.Put(ctx, tbl, false))

	ids, _ := s.ListActiveIDs(ctx)
	assert.Empty(t, ids)
	assert.Greater(t, mr.TTL("test:table:t1").Seconds(), 0.0)
}

func TestStore_ResumeOrAssign(t *testing.T) {
	ctx := context.Background()
	s, _ := setupStore(t)

	id, reconnect, err := s.ResumeOrAssign(ctx, "u1", "rummy", "t1", 0)
	require.NoError(t, err)
	assert.False(t, reconnect)
	assert.Equal(t, "t1", id)

	id, reconnect, err = s.ResumeOrAssign(ctx, "u1", "rummy", "t2", 0)
	require.NoError(t, err)
	assert.True(t, reconnect)
	assert.Equal(t, "t1", id, "the new table id is discarded")

	id, reconnect, err = s.ResumeOrAssign(ctx, "u1", "tournament:T", "trn-T", 2)
	require.NoError(t, err)
	assert.False(t, reconnect, "contexts are independent")

	e, err := s.GetActiveEntry(ctx, "u1", "tournament:T")
	require.NoError(t, err)
	assert.Equal(t, 2, e.EntryNo)
	assert.Equal(t, "trn-T", id)
}

func TestStore_ResumeOrAssignConcurrent(t *testing.T) {
	ctx := context.Background()
	s, _ := setupStore(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	assigned := map[string]bool{}
	fresh := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, reconnect, err := s.ResumeOrAssign(ctx, "u1", "rummy", fmt.Sprintf("t%d", i), 0)
			assert.NoError(t, err)
			mu.Lock()
			assigned[id] = true
			if !reconnect {
				fresh++
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Len(t, assigned, 1)
	assert.Equal(t, 1, fresh)
}

func TestStore_ClearAndReconnected(t *testing.T) {
	ctx := context.Background()
	s, _ := setupStore(t)

	ok, err := s.CheckIfReconnected(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, _ = s.ResumeOrAssign(ctx, "u1", "rummy", "t1", 0)
	ok, _ = s.CheckIfReconnected(ctx, "u1")
	assert.True(t, ok)

	require.NoError(t, s.ClearIfTable(ctx, "u1", "rummy", "t2"))
	_, found, _ := s.GetActiveTableID(ctx, "u1", "rummy")
	assert.True(t, found)

	require.NoError(t, s.ClearIfTable(ctx, "u1", "rummy", "t1"))
	_, found, _ = s.GetActiveTableID(ctx, "u1", "rummy")
	assert.False(t, found)

	_, _, _ = s.ResumeOrAssign(ctx, "u1", "rummy", "t3", 0)
	require.NoError(t, s.Clear(ctx, "u1", "rummy"))
	ok, _ = s.CheckIfReconnected(ctx, "u1")
	assert.False(t, ok)
}

func TestStore_Reset(t *testing.T) {
	ctx := context.Background()
	s, mr := setupStore(t)
	mr.Set("other:key", "keep")

	require.NoError(t, s.Put(ctx, cashTable("t1", "a"), true))
	require.NoError(t, s.Reset(ctx))

	assert.False(t, mr.Exists("test:table:t1"))
	assert.False(t, mr.Exists("test:user_active:a"))
	assert.True(t, mr.Exists("other:key"))
}

func TestStore_Unavailable(t *testing.T) {
	s, mr := setupStore(t)
	mr.Close()

	_, err := s.Get(context.Background(), "t1")
	assert.ErrorIs(t, err, apperr.ErrStorageUnavailable)
	assert.True(t, apperr.IsTransient(err))
}
