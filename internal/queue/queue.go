// Package queue dispatches step jobs to workers with at-least-once delivery.
// Enqueues are idempotent by job key: publishing the same key twice within
// the dedup window delivers it once.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoDelivery is returned by Fetch when nothing arrived within the fetch wait
	ErrNoDelivery = errors.New("no delivery available")

	// ErrQueueClosed is returned after the queue has been closed
	ErrQueueClosed = errors.New("queue closed")

	// ErrQueueFull is returned by MemoryQueue.Enqueue when its buffer is full
	ErrQueueFull = errors.New("queue full")
)

// Job asks a worker to execute one attempt of a step
type Job struct {
	StepID  string `json:"stepId"`
	Attempt int    `json:"attempt"`
}

// Key is the idempotency key of the job.
func (j Job) Key() string {
	return fmt.Sprintf("%s:%d", j.StepID, j.Attempt)
}

// Dispatcher enqueues jobs
type Dispatcher interface {
	Enqueue(ctx context.Context, job Job) error
}

// Source hands out deliveries to workers
type Source interface {
	// Fetch blocks until a delivery is available, the fetch wait elapses
	// (ErrNoDelivery) or ctx is done.
	Fetch(ctx context.Context) (*Delivery, error)
}

// Queue is both ends of the dispatch queue
type Queue interface {
	Dispatcher
	Source
}

// Delivery is a fetched job awaiting acknowledgement
type Delivery struct {
	Job          Job
	NumDelivered uint64

	ack  func() error
	nak  func(delay time.Duration) error
	term func() error
}

// Ack marks the job as processed
func (d *Delivery) Ack() error {
	return d.ack()
}

// Nak asks for redelivery after delay
func (d *Delivery) Nak(delay time.Duration) error {
	return d.nak(delay)
}

// Term drops the job without redelivery
func (d *Delivery) Term() error {
	return d.term()
}
