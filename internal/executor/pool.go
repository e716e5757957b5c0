package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/taskgraph/internal/model"
	"github.com/t77yq/taskgraph/internal/queue"
	"github.com/t77yq/taskgraph/internal/scheduler"
)

const fetchErrorPause = time.Second

// StepRunner is the work a pool slot performs per delivery
type StepRunner interface {
	ExecuteStep(ctx context.Context, stepID string) (*Outcome, error)
}

// Pool is a fixed set of workers. Each worker holds at most one delivery
// at a time and runs it to completion before fetching the next.
type Pool struct {
	logger  *zap.Logger
	source  queue.Source
	runner  StepRunner
	backoff scheduler.RetryStrategy
	size    int

	inFlight  atomic.Int64
	processed atomic.Int64
	succeeded atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a worker pool
func NewPool(source queue.Source, runner StepRunner, backoff scheduler.RetryStrategy, size int, logger *zap.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		logger:  logger.Named("worker-pool"),
		source:  source,
		runner:  runner,
		backoff: backoff,
		size:    size,
	}
}

// Start launches the workers
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Info("Worker pool started", zap.Int("size", p.size))
}

// Stop cancels the workers and waits for in-flight steps to return
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := p.logger.With(zap.Int("worker", id))

	for {
		if ctx.Err() != nil {
			return
		}

		d, err := p.source.Fetch(ctx)
		switch {
		case err == nil:
			p.handle(ctx, logger, d)
		case errors.Is(err, queue.ErrNoDelivery):
		case errors.Is(err, queue.ErrQueueClosed), ctx.Err() != nil:
			return
		default:
			logger.Error("Failed to fetch job", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(fetchErrorPause):
			}
		}
	}
}

func (p *Pool) handle(ctx context.Context, logger *zap.Logger, d *queue.Delivery) {
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	defer p.processed.Add(1)

	logger = logger.With(
		zap.String("step_id", d.Job.StepID),
		zap.Uint64("delivery", d.NumDelivered))

	outcome, err := p.runner.ExecuteStep(ctx, d.Job.StepID)
	switch {
	case err == nil && outcome.Skipped:
		p.skipped.Add(1)
		logger.Debug("Step skipped", zap.String("reason", outcome.Reason))
		p.settle(logger, d.Ack)

	case err == nil:
		p.succeeded.Add(1)
		p.settle(logger, d.Ack)

	case errors.Is(err, ErrStepInterrupted):
		logger.Info("Step interrupted, requesting redelivery")
		p.settle(logger, func() error { return d.Nak(0) })

	case errors.Is(err, ErrStepFailed):
		// Redelivery would only observe FAILED.
		p.failed.Add(1)
		p.settle(logger, d.Term)

	default:
		p.failed.Add(1)
		delay := p.backoff.NextRetry(int(d.NumDelivered) - 1)
		logger.Warn("Step attempt failed, requesting redelivery",
			zap.Duration("delay", delay),
			zap.Error(err))
		p.settle(logger, func() error { return d.Nak(delay) })
	}
}

func (p *Pool) settle(logger *zap.Logger, fn func() error) {
	if err := fn(); err != nil {
		logger.Error("Failed to acknowledge delivery", zap.Error(err))
	}
}

// Stats returns a snapshot of the pool counters
func (p *Pool) Stats() model.WorkerStats {
	return model.WorkerStats{
		PoolSize:    p.size,
		InFlight:    int(p.inFlight.Load()),
		Processed:   p.processed.Load(),
		Succeeded:   p.succeeded.Load(),
		Skipped:     p.skipped.Load(),
		Failed:      p.failed.Load(),
		CollectedAt: time.Now(),
	}
}
