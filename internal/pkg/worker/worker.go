// Package worker runs background jobs on a fixed set of goroutines fed by a
// bounded queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Pool errors.
var (
	ErrQueueFull  = errors.New("job queue is full")
	ErrPoolClosed = errors.New("worker pool is closed")
)

// Job is one unit of background work. ID is the job's identity token and is
// carried into logs.
type Job struct {
	ID   string
	Name string
	Run  func(ctx context.Context) error
}

// Pool is a bounded queue drained by a fixed number of workers.
type Pool struct {
	queue   chan Job
	workers int

	mu      sync.RWMutex
	closed  bool
	pending sync.WaitGroup

	group  *errgroup.Group
	cancel context.CancelFunc
}

// New creates a pool with the given queue capacity and worker count.
func New(queueSize, workers int) *Pool {
	if queueSize < 1 {
		queueSize = 1
	}
	if workers < 1 {
		workers = 1
	}
	return &Pool{queue: make(chan Job, queueSize), workers: workers}
}

// Start launches the workers. Jobs run with a context derived from ctx, which is
// canceled by Shutdown once the queue is drained or the shutdown deadline passes.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	p.group = g
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			for job := range p.queue {
				p.run(gctx, job)
			}
			return nil
		})
	}
	log.Info().Int("workers", p.workers).Int("queue_size", cap(p.queue)).Msg("Worker pool started")
}

func (p *Pool) run(ctx context.Context, job Job) {
	defer p.pending.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("job_id", job.ID).Str("job", job.Name).Interface("panic", r).Msg("Job panicked")
		}
	}()

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Str("job", job.Name).Dur("elapsed", time.Since(start)).Msg("Job failed")
		return
	}
	log.Debug().Str("job_id", job.ID).Str("job", job.Name).Dur("elapsed", time.Since(start)).Msg("Job finished")
}

// Submit enqueues job without blocking. It returns ErrQueueFull when every slot is taken.
func (p *Pool) Submit(job Job) error {
	if job.Run == nil {
		return fmt.Errorf("job %s has no function", job.ID)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.pending.Add(1)
	select {
	case p.queue <- job:
		return nil
	default:
		p.pending.Done()
		return ErrQueueFull
	}
}

// Wait blocks until every submitted job has finished.
func (p *Pool) Wait() {
	p.pending.Wait()
}

// Shutdown stops accepting jobs and waits for the queue to drain. When ctx expires
// first, running jobs see their context canceled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		if p.group != nil {
			_ = p.group.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		if p.cancel != nil {
			p.cancel()
		}
		log.Info().Msg("Worker pool stopped")
		return nil
	case <-ctx.Done():
		if p.cancel != nil {
			p.cancel()
		}
		<-done
		return fmt.Errorf("worker pool shutdown: %w", ctx.Err())
	}
}
