package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frankieli/game_tables/pkg/apperr"
)

func newPool(t *testing.T, cfg Config) *Pool {
	p := NewPool(cfg)
	p.Start(context.Background())
	t.Cleanup(p.Stop)
	return p
}

func TestPool_RunsTasks(t *testing.T) {
	p := newPool(t, Config{Workers: 4, QueueSize: 16})

	var done sync.WaitGroup
	var ran int32
	for i := 0; i < 10; i++ {
		done.Add(1)
		require.NoError(t, p.Enqueue(Task{
			Key: fmt.Sprintf("table:%d", i),
			Run: func(ctx context.Context) error {
				defer done.Done()
				atomic.AddInt32(&ran, 1)
				return nil
			},
		}))
	}
	done.Wait()
	assert.Equal(t, int32(10), atomic.LoadInt32(&ran))
}

func TestPool_SameKeyNeverOverlaps(t *testing.T) {
	p := newPool(t, Config{Workers: 4, QueueSize: 16})

	var running, maxRunning, calls int32
	release := make(chan struct{})
	task := Task{
		Key: "tournament:T1",
		Run: func(ctx context.Context) error {
			n := atomic.AddInt32(&running, 1)
			if n > atomic.LoadInt32(&maxRunning) {
				atomic.StoreInt32(&maxRunning, n)
			}
			atomic.AddInt32(&calls, 1)
			<-release
			atomic.AddInt32(&running, -1)
			return nil
		},
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Enqueue(task))
	}

	assert.Eventually(t, func() bool { return p.Pending() == 0 }, time.Second, 5*time.Millisecond)
	close(release)
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&running) == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxRunning))
}

func TestPool_RetriesTransientFailures(t *testing.T) {
	p := newPool(t, Config{Workers: 1, QueueSize: 4, RetryBase: 5 * time.Millisecond, RetryMax: 20 * time.Millisecond})

	var calls int32
	require.NoError(t, p.Enqueue(Task{
		Key: "table:1",
		Run: func(ctx context.Context) error {
			if atomic.AddInt32(&calls, 1) < 3 {
				return fmt.Errorf("credit: %w", apperr.ErrLedgerUnavailable)
			}
			return nil
		},
	}))

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 3 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "success ends the retries")
}

func TestPool_InvariantViolationIsNotRetried(t *testing.T) {
	p := newPool(t, Config{Workers: 1, QueueSize: 4, RetryBase: time.Millisecond})

	var calls int32
	require.NoError(t, p.Enqueue(Task{
		Key: "tournament:T9",
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return apperr.ErrInvariantViolation
		},
	}))

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestPool_QueueFullAndStopped(t *testing.T) {
	p := NewPool(Config{Workers: 1, QueueSize: 1})

	noop := Task{Key: "k", Run: func(ctx context.Context) error { return nil }}
	require.NoError(t, p.Enqueue(noop))
	assert.ErrorIs(t, p.Enqueue(noop), ErrQueueFull)

	p.Start(context.Background())
	p.Stop()
	assert.ErrorIs(t, p.Enqueue(noop), ErrStopped)
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, Backoff(100*time.Millisecond, time.Second, 1))
	assert.Equal(t, 400*time.Millisecond, Backoff(100*time.Millisecond, time.Second, 3))
	assert.Equal(t, time.Second, Backoff(100*time.Millisecond, time.Second, 10))
}
