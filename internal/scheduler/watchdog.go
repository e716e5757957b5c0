package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/taskgraph/internal/model"
	"github.com/t77yq/taskgraph/internal/storage"
)

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

// WatchdogConfig configures the periodic sweeps
type WatchdogConfig struct {
	Schedule    string
	StepTimeout time.Duration
}

// Watchdog supervises running tasks from outside the dispatch path. It
// re-dispatches ready steps whose job was lost, settles tasks left RUNNING
// with nothing to run, fails steps stuck RUNNING past the step timeout and
// reports tasks over their advisory budget.
type Watchdog struct {
	logger   *zap.Logger
	cron     *cron.Cron
	cfg      WatchdogConfig
	tasks    *storage.TaskStore
	steps    *storage.StepStore
	advancer *Advancer
}

// NewWatchdog creates a new watchdog
func NewWatchdog(cfg WatchdogConfig, tasks *storage.TaskStore, steps *storage.StepStore, advancer *Advancer, logger *zap.Logger) *Watchdog {
	if cfg.Schedule == "" {
		cfg.Schedule = defaultWatchdogSchedule
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = defaultStepTimeout
	}

	logger = logger.Named("watchdog")
	cl := &cronLogger{logger: logger.Named("cron")}

	return &Watchdog{
		logger: logger,
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
			cron.WithLogger(cl),
		),
		cfg:      cfg,
		tasks:    tasks,
		steps:    steps,
		advancer: advancer,
	}
}

// Start schedules the sweep and starts the cron runner
func (w *Watchdog) Start(ctx context.Context) error {
	_, err := w.cron.AddFunc(w.cfg.Schedule, func() {
		if err := w.Sweep(ctx); err != nil {
			w.logger.Error("Watchdog sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid watchdog schedule %q: %w", w.cfg.Schedule, err)
	}

	w.cron.Start()
	w.logger.Info("Watchdog started",
		zap.String("schedule", w.cfg.Schedule),
		zap.Duration("step_timeout", w.cfg.StepTimeout))
	return nil
}

// Stop stops the scheduler and waits for a running sweep to return
func (w *Watchdog) Stop() {
	ctx := w.cron.Stop()
	<-ctx.Done()
}

// Sweep runs one supervision pass
func (w *Watchdog) Sweep(ctx context.Context) error {
	return errors.Join(
		w.failStuckSteps(ctx),
		w.redispatchReady(ctx),
	)
}

func (w *Watchdog) failStuckSteps(ctx context.Context) error {
	now := time.Now().UTC()
	stuck, err := w.steps.ListStuck(ctx, now.Add(-w.cfg.StepTimeout))
	if err != nil {
		return err
	}

	var errs []error
	for _, s := range stuck {
		msg := fmt.Sprintf("step timed out after %s", w.cfg.StepTimeout)
		won, err := w.steps.Fail(ctx, s.ID, msg, &model.StepResult{Status: model.ResultError, Notes: msg}, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !won {
			continue
		}

		w.logger.Warn("Failed stuck step",
			zap.String("task_id", s.TaskID),
			zap.String("step_id", s.ID),
			zap.Timep("started_at", s.StartedAt))

		if err := w.advancer.Settle(ctx, s.TaskID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (w *Watchdog) redispatchReady(ctx context.Context) error {
	running, err := w.tasks.ListByState(ctx, model.TaskStateRunning)
	if err != nil {
		return err
	}

	var errs []error
	for _, task := range running {
		w.checkBudget(task)

		ready, err := w.steps.ListReady(ctx, task.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, s := range ready {
			if err := w.advancer.Dispatch(ctx, s); err != nil {
				errs = append(errs, err)
			}
		}

		// A task whose last settle was lost stays RUNNING with nothing to run.
		if len(ready) == 0 {
			if err := w.advancer.Settle(ctx, task.ID); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// checkBudget logs tasks past their advisory limits; nothing is enforced.
func (w *Watchdog) checkBudget(task *model.Task) {
	if limit := task.Budget.SecondsLimit; limit > 0 && task.Metrics.StartedAt != nil {
		if elapsed := time.Since(*task.Metrics.StartedAt); elapsed > time.Duration(limit)*time.Second {
			w.logger.Warn("Task over time budget",
				zap.String("task_id", task.ID),
				zap.Duration("elapsed", elapsed),
				zap.Int("seconds_limit", limit))
		}
	}
	if limit := task.Budget.TokenLimit; limit > 0 && task.Metrics.SpentTokens > limit {
		w.logger.Warn("Task over token budget",
			zap.String("task_id", task.ID),
			zap.Int("spent_tokens", task.Metrics.SpentTokens),
			zap.Int("token_limit", limit))
	}
}
