package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrQueueStopped is returned by Enqueue once the queue is not accepting work.
var ErrQueueStopped = errors.New("queue stopped")

// Job represents a queued background task. Jobs sharing a non-empty Key are
// coalesced: while one is waiting in the buffer, further ones are dropped.
type Job struct {
	ID       string
	Type     string
	Key      string
	Attempt  int
	Enqueued time.Time
}

// Handler processes a job.
type Handler func(context.Context, Job) error

// QueueConfig configures worker pool behaviour.
type QueueConfig struct {
	Workers    int
	BufferSize int
	MaxRetries int
	RetryDelay time.Duration
	Logger     *zap.Logger
}

// Queue is an in-memory job dispatcher backed by goroutines.
type Queue struct {
	name    string
	handler Handler

	workers    int
	maxRetries int
	retryDelay time.Duration
	logger     *zap.Logger

	jobs    chan Job
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	queued  map[string]struct{}
}

// NewQueue builds a new queue with the provided handler.
func NewQueue(name string, handler Handler, cfg QueueConfig) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = cfg.Workers * 16
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Queue{
		name:       name,
		handler:    handler,
		workers:    cfg.Workers,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		logger:     cfg.Logger,
		jobs:       make(chan Job, cfg.BufferSize),
		queued:     make(map[string]struct{}),
	}
}

// Start begins worker consumption. Safe to call once.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	q.started = true
	q.logger.Info("queue started", zap.String("queue", q.name), zap.Int("workers", q.workers))
}

// Stop cancels workers and waits for in-flight jobs to return.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.cancel()
	q.started = false
	q.mu.Unlock()
	q.wg.Wait()
	q.logger.Info("queue stopped", zap.String("queue", q.name))
}

// Enqueue pushes a job without blocking. It reports false when the job was
// coalesced into one already waiting for the same key.
func (q *Queue) Enqueue(job Job) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.started {
		return false, fmt.Errorf("queue %s: %w", q.name, ErrQueueStopped)
	}
	if job.Key != "" {
		if _, dup := q.queued[job.Key]; dup {
			return false, nil
		}
	}
	if job.Enqueued.IsZero() {
		job.Enqueued = time.Now().UTC()
	}

	select {
	case q.jobs <- job:
		if job.Key != "" {
			q.queued[job.Key] = struct{}{}
		}
		return true, nil
	default:
		return false, fmt.Errorf("queue %s full", q.name)
	}
}

// Pending returns the number of buffered jobs.
func (q *Queue) Pending() int {
	return len(q.jobs)
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case job := <-q.jobs:
			q.release(job.Key)
			if err := q.handler(q.ctx, job); err != nil {
				q.handleFailure(job, err)
			}
		}
	}
}

func (q *Queue) release(key string) {
	if key == "" {
		return
	}
	q.mu.Lock()
	delete(q.queued, key)
	q.mu.Unlock()
}

func (q *Queue) handleFailure(job Job, err error) {
	job.Attempt++
	fields := []zap.Field{
		zap.String("queue", q.name),
		zap.String("job_id", job.ID),
		zap.String("type", job.Type),
		zap.String("key", job.Key),
		zap.Int("attempt", job.Attempt),
		zap.Error(err),
	}
	if job.Attempt > q.maxRetries {
		q.logger.Error("job exceeded retries", fields...)
		return
	}
	q.logger.Warn("job failed, retrying", fields...)

	q.wg.Add(1)
	go func(j Job) {
		defer q.wg.Done()
		timer := time.NewTimer(q.retryDelay * time.Duration(j.Attempt))
		defer timer.Stop()
		select {
		case <-q.ctx.Done():
			return
		case <-timer.C:
			if _, err := q.Enqueue(j); err != nil {
				q.logger.Error("failed to requeue job", zap.String("queue", q.name), zap.String("job_id", j.ID), zap.Error(err))
			}
		}
	}(job)
}

// Every calls fn on each tick until ctx is done. A non-positive interval disables it.
func Every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}
