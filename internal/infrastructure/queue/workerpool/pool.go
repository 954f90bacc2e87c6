// Package workerpool runs pipeline jobs on a fixed number of goroutines fed
// by a bounded channel.
package workerpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
	"github.com/kirillkom/document-pipeline/internal/core/ports"
)

type job struct {
	processingID string
	enqueuedAt   time.Time
}

type Pool struct {
	runner  ports.PipelineRunner
	logger  *slog.Logger
	metrics ports.PipelineMetrics
	workers int
	timeout time.Duration

	ch   chan job
	wg   sync.WaitGroup
	once sync.Once

	root   context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

type Option func(*Pool)

func WithWorkers(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.ch = make(chan job, n)
		}
	}
}

// WithRunTimeout bounds a whole pipeline run.
func WithRunTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func WithMetrics(m ports.PipelineMetrics) Option {
	return func(p *Pool) {
		if m != nil {
			p.metrics = m
		}
	}
}

func New(runner ports.PipelineRunner, logger *slog.Logger, opts ...Option) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	root, cancel := context.WithCancel(context.Background())
	p := &Pool{
		runner:  runner,
		logger:  logger,
		workers: 4,
		timeout: 5 * time.Minute,
		ch:      make(chan job, 256),
		root:    root,
		cancel:  cancel,
	}
	for _, o := range opts {
		o(p)
	}
	p.start()
	return p
}

func (p *Pool) start() {
	p.once.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go func(workerID int) {
				defer p.wg.Done()
				p.logger.Debug("worker_started", "worker_id", workerID)
				for j := range p.ch {
					p.run(workerID, j)
				}
				p.logger.Debug("worker_stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
}

func (p *Pool) run(workerID int, j job) {
	if p.metrics != nil {
		p.metrics.QueueLag(time.Since(j.enqueuedAt))
	}
	ctx, cancel := context.WithTimeout(p.root, p.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pipeline_run_panicked", "worker_id", workerID, "processing_id", j.processingID, "panic", fmt.Sprint(r))
		}
	}()

	if err := p.runner.RunByID(ctx, j.processingID); err != nil {
		p.logger.Error("pipeline_run_failed", "worker_id", workerID, "processing_id", j.processingID, "error", err)
	}
}

// Enqueue hands the run to a worker without blocking. A full queue is
// reported as domain.ErrTemporary so callers can shed load.
func (p *Pool) Enqueue(_ context.Context, processingID string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return domain.WrapError(domain.ErrTemporary, "enqueue", fmt.Errorf("worker pool is shutting down"))
	}
	select {
	case p.ch <- job{processingID: processingID, enqueuedAt: time.Now()}:
		p.logger.Debug("run_enqueued", "processing_id", processingID, "queue_depth", len(p.ch))
		return nil
	default:
		p.logger.Warn("queue_full", "processing_id", processingID, "capacity", cap(p.ch))
		return domain.WrapError(domain.ErrTemporary, "enqueue", fmt.Errorf("worker queue full"))
	}
}

// EnqueueWait blocks until a worker slot frees up or ctx is done. Broker
// consumers use it so a full pool slows delivery instead of dropping runs.
func (p *Pool) EnqueueWait(ctx context.Context, processingID string, enqueuedAt time.Time) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return domain.WrapError(domain.ErrTemporary, "enqueue", fmt.Errorf("worker pool is shutting down"))
	}
	if enqueuedAt.IsZero() {
		enqueuedAt = time.Now()
	}
	select {
	case p.ch <- job{processingID: processingID, enqueuedAt: enqueuedAt}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Queued reports runs not yet picked up by a worker.
func (p *Pool) Queued() int {
	return len(p.ch)
}

// Shutdown stops accepting work and waits for queued runs to finish. When
// ctx expires first, running pipelines are cancelled.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.ch)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); p.wg.Wait() }()

	select {
	case <-ctx.Done():
		p.cancel()
		p.logger.Warn("worker_pool_shutdown_interrupted")
		<-done
	case <-done:
		p.cancel()
		p.logger.Info("worker_pool_drained")
	}
}
