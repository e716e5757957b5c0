package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Config configures the JetStream dispatch queue
type Config struct {
	Stream     string
	Subject    string
	Durable    string
	AckWait    time.Duration
	MaxDeliver int
	Duplicates time.Duration
	FetchWait  time.Duration
	Storage    nats.StorageType
}

func (c *Config) applyDefaults() {
	if c.Stream == "" {
		c.Stream = DefaultStreamName
	}
	if c.Subject == "" {
		c.Subject = DefaultSubject
	}
	if c.Durable == "" {
		c.Durable = DefaultDurable
	}
	if c.AckWait <= 0 {
		c.AckWait = defaultAckWait
	}
	if c.MaxDeliver == 0 {
		c.MaxDeliver = defaultMaxDeliver
	}
	if c.Duplicates <= 0 {
		c.Duplicates = defaultDuplicates
	}
	if c.FetchWait <= 0 {
		c.FetchWait = defaultFetchWait
	}
}

// JetStreamQueue is a work-queue stream with a durable pull consumer.
// The job key is published as Nats-Msg-Id so the stream drops duplicates.
type JetStreamQueue struct {
	logger *zap.Logger
	js     nats.JetStreamContext
	cfg    Config

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewJetStreamQueue creates the queue, creating its stream when missing
func NewJetStreamQueue(js nats.JetStreamContext, cfg Config, logger *zap.Logger) (*JetStreamQueue, error) {
	cfg.applyDefaults()
	q := &JetStreamQueue{
		logger: logger.Named("jetstream-queue"),
		js:     js,
		cfg:    cfg,
	}

	if err := q.setupStream(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *JetStreamQueue) setupStream() error {
	_, err := q.js.StreamInfo(q.cfg.Stream)
	if err == nil {
		q.logger.Info("Using existing stream", zap.String("name", q.cfg.Stream))
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	_, err = q.js.AddStream(&nats.StreamConfig{
		Name:       q.cfg.Stream,
		Subjects:   []string{q.cfg.Subject},
		Retention:  nats.WorkQueuePolicy,
		Storage:    q.cfg.Storage,
		Duplicates: q.cfg.Duplicates,
		MaxAge:     streamMaxAge,
		MaxMsgs:    streamMaxMsgs,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	q.logger.Info("Created stream", zap.String("name", q.cfg.Stream))
	return nil
}

// Enqueue implements Dispatcher.Enqueue
func (q *JetStreamQueue) Enqueue(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	ack, err := q.js.Publish(q.cfg.Subject, data, nats.MsgId(job.Key()), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to publish job %s: %w", job.Key(), err)
	}

	if ack.Duplicate {
		q.logger.Debug("Duplicate job dropped", zap.String("key", job.Key()))
	}
	return nil
}

func (q *JetStreamQueue) subscription() (*nats.Subscription, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.sub != nil {
		return q.sub, nil
	}

	sub, err := q.js.PullSubscribe(q.cfg.Subject, q.cfg.Durable,
		nats.BindStream(q.cfg.Stream),
		nats.AckExplicit(),
		nats.AckWait(q.cfg.AckWait),
		nats.MaxDeliver(q.cfg.MaxDeliver),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pull subscription: %w", err)
	}
	q.sub = sub
	return sub, nil
}

// Fetch implements Source.Fetch
func (q *JetStreamQueue) Fetch(ctx context.Context) (*Delivery, error) {
	sub, err := q.subscription()
	if err != nil {
		return nil, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, q.cfg.FetchWait)
	defer cancel()

	msgs, err := sub.Fetch(1, nats.Context(fetchCtx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrNoDelivery
		}
		if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
			return nil, ErrQueueClosed
		}
		return nil, fmt.Errorf("failed to fetch job: %w", err)
	}
	if len(msgs) == 0 {
		return nil, ErrNoDelivery
	}

	return q.toDelivery(msgs[0])
}

func (q *JetStreamQueue) toDelivery(msg *nats.Msg) (*Delivery, error) {
	var job Job
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		q.logger.Error("Dropping malformed job", zap.Error(err))
		_ = msg.Term()
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	var numDelivered uint64 = 1
	if meta, err := msg.Metadata(); err == nil {
		numDelivered = meta.NumDelivered
	}

	return &Delivery{
		Job:          job,
		NumDelivered: numDelivered,
		ack:          func() error { return msg.Ack() },
		nak:          func(delay time.Duration) error { return msg.NakWithDelay(delay) },
		term:         func() error { return msg.Term() },
	}, nil
}

var _ Queue = (*JetStreamQueue)(nil)
