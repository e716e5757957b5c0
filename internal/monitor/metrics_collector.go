// Package monitor samples engine and host metrics and publishes them on NATS.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/taskgraph/internal/model"
)

const (
	DefaultSubject = "metrics.engine"

	streamName     = "METRICS"
	streamSubjects = "metrics.>"
	streamMaxAge   = time.Hour
)

// StatsSource reports worker pool counters
type StatsSource interface {
	Stats() model.WorkerStats
}

// StateCounter counts steps per state
type StateCounter interface {
	CountByState(ctx context.Context) (map[model.StepState]int, error)
}

// MetricsCollector periodically samples host usage, pool counters and step
// state counts, keeps the latest sample and publishes it as JSON.
type MetricsCollector struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	subject  string
	interval time.Duration
	pool     StatsSource
	steps    StateCounter

	mu     sync.RWMutex
	latest *model.EngineMetrics
	stop   chan struct{}
	done   chan struct{}
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(
	js nats.JetStreamContext,
	subject string,
	interval time.Duration,
	pool StatsSource,
	steps StateCounter,
	logger *zap.Logger,
) *MetricsCollector {
	if subject == "" {
		subject = DefaultSubject
	}
	return &MetricsCollector{
		logger:   logger.Named("metrics-collector"),
		js:       js,
		subject:  subject,
		interval: interval,
		pool:     pool,
		steps:    steps,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start ensures the metrics stream and starts the collection loop
func (c *MetricsCollector) Start(ctx context.Context) error {
	c.logger.Info("Starting metrics collector", zap.String("subject", c.subject))

	if _, err := c.js.StreamInfo(streamName); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("failed to get stream info: %w", err)
		}
		if _, err := c.js.AddStream(&nats.StreamConfig{
			Name:     streamName,
			Subjects: []string{streamSubjects},
			Storage:  nats.FileStorage,
			MaxAge:   streamMaxAge,
		}); err != nil {
			return fmt.Errorf("failed to create metrics stream: %w", err)
		}
		c.logger.Info("Created metrics stream", zap.String("name", streamName))
	}

	go c.collectLoop(ctx)
	return nil
}

// Stop stops the collection loop and waits for it to exit
func (c *MetricsCollector) Stop() {
	c.logger.Info("Stopping metrics collector")
	close(c.stop)
	<-c.done
}

func (c *MetricsCollector) collectLoop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collectMetrics(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.collectMetrics(ctx)
		}
	}
}

func (c *MetricsCollector) collectMetrics(ctx context.Context) {
	metrics := &model.EngineMetrics{
		Timestamp:  time.Now(),
		StepStates: map[model.StepState]int{},
	}

	// Interval 0 compares against the previous call and does not block.
	if cpuPercent, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		c.logger.Warn("Failed to get CPU usage", zap.Error(err))
	} else if len(cpuPercent) > 0 {
		metrics.CPUUsage = cpuPercent[0]
	}

	if memInfo, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		c.logger.Warn("Failed to get memory usage", zap.Error(err))
	} else {
		metrics.MemoryUsage = memInfo.UsedPercent
	}

	if c.pool != nil {
		metrics.Workers = c.pool.Stats()
	}
	metrics.Workers.CPUUsage = metrics.CPUUsage
	metrics.Workers.MemoryUsage = metrics.MemoryUsage

	if c.steps != nil {
		counts, err := c.steps.CountByState(ctx)
		if err != nil {
			c.logger.Warn("Failed to count steps", zap.Error(err))
		} else {
			metrics.StepStates = counts
		}
	}

	c.mu.Lock()
	c.latest = metrics
	c.mu.Unlock()

	data, err := json.Marshal(metrics)
	if err != nil {
		c.logger.Error("Failed to marshal metrics", zap.Error(err))
		return
	}
	if _, err := c.js.Publish(c.subject, data); err != nil {
		c.logger.Error("Failed to publish metrics", zap.Error(err))
		return
	}

	c.logger.Debug("Metrics collected",
		zap.Float64("cpu_usage", metrics.CPUUsage),
		zap.Float64("memory_usage", metrics.MemoryUsage),
		zap.Int("in_flight", metrics.Workers.InFlight))
}

// GetMetrics returns the latest sample, or nil before the first collection
func (c *MetricsCollector) GetMetrics() *model.EngineMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.latest == nil {
		return nil
	}
	metrics := *c.latest
	metrics.StepStates = make(map[model.StepState]int, len(c.latest.StepStates))
	for state, n := range c.latest.StepStates {
		metrics.StepStates[state] = n
	}
	return &metrics
}
