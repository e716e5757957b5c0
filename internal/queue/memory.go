package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type memoryMsg struct {
	job          Job
	numDelivered uint64
}

// MemoryQueue is an in-process queue with the same dedup and redelivery
// contract as JetStreamQueue.
type MemoryQueue struct {
	logger     *zap.Logger
	duplicates time.Duration
	fetchWait  time.Duration

	mu     sync.Mutex
	seen   map[string]time.Time
	closed bool

	msgs chan memoryMsg
	done chan struct{}
}

// NewMemoryQueue creates an in-process queue
func NewMemoryQueue(duplicates, fetchWait time.Duration, logger *zap.Logger) *MemoryQueue {
	if duplicates <= 0 {
		duplicates = defaultDuplicates
	}
	if fetchWait <= 0 {
		fetchWait = defaultFetchWait
	}
	return &MemoryQueue{
		logger:     logger.Named("memory-queue"),
		duplicates: duplicates,
		fetchWait:  fetchWait,
		seen:       make(map[string]time.Time),
		msgs:       make(chan memoryMsg, memoryQueueCapacity),
		done:       make(chan struct{}),
	}
}

// Enqueue implements Dispatcher.Enqueue. It never blocks: when the buffer
// is full the job is refused with ErrQueueFull and its key is released, so a
// later dispatch of the same attempt is accepted.
func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	key := job.Key()
	now := time.Now()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	for k, at := range q.seen {
		if now.Sub(at) > q.duplicates {
			delete(q.seen, k)
		}
	}
	if _, dup := q.seen[key]; dup {
		q.mu.Unlock()
		q.logger.Debug("Duplicate job dropped", zap.String("key", key))
		return nil
	}
	q.seen[key] = now
	q.mu.Unlock()

	if err := ctx.Err(); err != nil {
		q.forget(key)
		return err
	}

	select {
	case q.msgs <- memoryMsg{job: job}:
		return nil
	default:
		q.forget(key)
		q.logger.Warn("Queue full, job refused", zap.String("key", key))
		return ErrQueueFull
	}
}

func (q *MemoryQueue) forget(key string) {
	q.mu.Lock()
	delete(q.seen, key)
	q.mu.Unlock()
}

// Fetch implements Source.Fetch
func (q *MemoryQueue) Fetch(ctx context.Context) (*Delivery, error) {
	timer := time.NewTimer(q.fetchWait)
	defer timer.Stop()

	select {
	case m := <-q.msgs:
		return q.toDelivery(m), nil
	case <-timer.C:
		return nil, ErrNoDelivery
	case <-q.done:
		return nil, ErrQueueClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) toDelivery(m memoryMsg) *Delivery {
	m.numDelivered++
	var once sync.Once
	settle := func(fn func()) error {
		once.Do(fn)
		return nil
	}

	return &Delivery{
		Job:          m.job,
		NumDelivered: m.numDelivered,
		ack:          func() error { return settle(func() {}) },
		term:         func() error { return settle(func() {}) },
		nak: func(delay time.Duration) error {
			return settle(func() {
				time.AfterFunc(delay, func() { q.redeliver(m) })
			})
		},
	}
}

func (q *MemoryQueue) redeliver(m memoryMsg) {
	select {
	case q.msgs <- m:
	case <-q.done:
	}
}

// Len reports the number of jobs waiting for a worker
func (q *MemoryQueue) Len() int {
	return len(q.msgs)
}

// Close stops the queue; pending jobs are discarded
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.done)
	}
}

var _ Queue = (*MemoryQueue)(nil)
