// Package worker runs settlement tasks on a bounded pool of goroutines.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/frankieli/game_tables/pkg/apperr"
	"github.com/frankieli/game_tables/pkg/logger"
)

var (
	ErrQueueFull = errors.New("worker queue full")
	ErrStopped   = errors.New("worker pool stopped")
)

// Task is one unit of work. Tasks sharing a Key never run concurrently:
// a task whose key is already running joins that run instead.
type Task struct {
	Key string
	Run func(ctx context.Context) error
}

// Config sizes the pool
type Config struct {
	Workers   int
	QueueSize int
	RetryBase time.Duration
	RetryMax  time.Duration
}

// Pool executes tasks with N workers. Transient failures are re-queued with
// exponential backoff until they succeed; other failures are logged and dropped.
type Pool struct {
	cfg      Config
	queue    chan Task
	inflight singleflight.Group

	mu       sync.Mutex
	attempts map[string]int
	timers   map[string]*time.Timer
	stopped  bool

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewPool creates a pool; call Start before enqueueing
func NewPool(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMax < cfg.RetryBase {
		cfg.RetryMax = 30 * time.Second
	}
	return &Pool{
		cfg:      cfg,
		queue:    make(chan Task, cfg.QueueSize),
		attempts: make(map[string]int),
		timers:   make(map[string]*time.Timer),
	}
}

// Start launches the workers. They stop when ctx ends or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	p.group = g

	for i := 0; i < p.cfg.Workers; i++ {
		id := i
		g.Go(func() error {
			p.loop(ctx, id)
			return nil
		})
	}
	logger.InfoGlobal().
		Int("workers", p.cfg.Workers).
		Int("queue_size", p.cfg.QueueSize).
		Msg("Worker pool started")
}

// Stop cancels pending retries, stops the workers and waits for running tasks
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopped = true
	for key, t := range p.timers {
		t.Stop()
		delete(p.timers, key)
	}
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	if p.group != nil {
		_ = p.group.Wait()
	}
	logger.InfoGlobal().Int("dropped", len(p.queue)).Msg("Worker pool stopped")
}

// Enqueue adds a task without blocking
func (p *Pool) Enqueue(t Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrStopped
	}
	select {
	case p.queue <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending returns the number of queued tasks
func (p *Pool) Pending() int {
	return len(p.queue)
}

func (p *Pool) loop(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-p.queue:
			p.execute(ctx, id, t)
		}
	}
}

func (p *Pool) execute(ctx context.Context, id int, t Task) {
	leader := false
	_, err, _ := p.inflight.Do(t.Key, func() (interface{}, error) {
		leader = true
		return nil, t.Run(ctx)
	})
	if !leader {
		// the joined run owns retries for this key
		return
	}

	if err == nil {
		p.mu.Lock()
		delete(p.attempts, t.Key)
		p.mu.Unlock()
		return
	}

	switch {
	case errors.Is(err, apperr.ErrInvariantViolation):
		logger.ErrorGlobal().
			Err(err).
			Str("task", t.Key).
			Msg("Invariant violation, task halted for operator action")
		p.forget(t.Key)
	case apperr.IsTransient(err) && ctx.Err() == nil:
		p.retry(t, err)
	default:
		logger.WarnGlobal().
			Err(err).
			Int("worker", id).
			Str("task", t.Key).
			Msg("Task failed, left to recovery")
		p.forget(t.Key)
	}
}

func (p *Pool) retry(t Task, cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return
	}
	if _, armed := p.timers[t.Key]; armed {
		return
	}
	p.attempts[t.Key]++
	delay := Backoff(p.cfg.RetryBase, p.cfg.RetryMax, p.attempts[t.Key])

	logger.WarnGlobal().
		Err(cause).
		Str("task", t.Key).
		Int("attempt", p.attempts[t.Key]).
		Dur("retry_in", delay).
		Msg("Transient failure, task re-queued")

	p.timers[t.Key] = time.AfterFunc(delay, func() {
		p.mu.Lock()
		delete(p.timers, t.Key)
		p.mu.Unlock()

		if err := p.Enqueue(t); err != nil && !errors.Is(err, ErrStopped) {
			logger.ErrorGlobal().Err(err).Str("task", t.Key).Msg("Failed to re-queue task")
		}
	})
}

func (p *Pool) forget(key string) {
	p.mu.Lock()
	delete(p.attempts, key)
	p.mu.Unlock()
}

// Backoff returns base doubled per attempt, capped at max
func Backoff(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}
