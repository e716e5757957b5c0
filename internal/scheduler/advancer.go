package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/taskgraph/internal/model"
	"github.com/t77yq/taskgraph/internal/queue"
	"github.com/t77yq/taskgraph/internal/storage"
)

// Advancer moves a task's graph forward after a step completes and closes
// the task once nothing is left to run.
type Advancer struct {
	logger     *zap.Logger
	tasks      *storage.TaskStore
	steps      *storage.StepStore
	dispatcher queue.Dispatcher
}

// NewAdvancer creates a new graph advancer
func NewAdvancer(tasks *storage.TaskStore, steps *storage.StepStore, dispatcher queue.Dispatcher, logger *zap.Logger) *Advancer {
	return &Advancer{
		logger:     logger.Named("graph-advancer"),
		tasks:      tasks,
		steps:      steps,
		dispatcher: dispatcher,
	}
}

// Advance enqueues every QUEUED dependent of completedStepID whose
// dependencies have all SUCCEEDED, then settles the task. Enqueue failures
// do not stop the remaining dependents from being dispatched.
func (a *Advancer) Advance(ctx context.Context, taskID, completedStepID string) error {
	candidates, err := a.steps.ListDependents(ctx, taskID, completedStepID, model.StepStateQueued)
	if err != nil {
		return err
	}

	var errs []error
	for _, c := range candidates {
		unmet, err := a.steps.CountUnmetDeps(ctx, c.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if unmet > 0 {
			a.logger.Debug("Dependent still waiting",
				zap.String("task_id", taskID),
				zap.String("step_id", c.ID),
				zap.Int("unmet_deps", unmet))
			continue
		}

		if err := a.Dispatch(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}

	if err := a.Settle(ctx, taskID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Dispatch enqueues the current attempt of a step
func (a *Advancer) Dispatch(ctx context.Context, step *model.Step) error {
	job := queue.Job{StepID: step.ID, Attempt: step.Retries}
	if err := a.dispatcher.Enqueue(ctx, job); err != nil {
		a.logger.Error("Failed to enqueue step",
			zap.String("task_id", step.TaskID),
			zap.String("step_id", step.ID),
			zap.Error(err))
		return fmt.Errorf("failed to enqueue step %s: %w", step.ID, err)
	}

	a.logger.Debug("Step enqueued",
		zap.String("task_id", step.TaskID),
		zap.String("step_id", step.ID),
		zap.String("key", job.Key()))
	return nil
}

// Settle finalizes a RUNNING task when none of its steps can still run.
// QUEUED steps downstream of a FAILED or CANCELLED step can never run; they
// are cancelled and the task ends FAILED. A task ends DONE only when every
// step SUCCEEDED. The final write is conditional on the task still being
// RUNNING, so concurrent callers finalize at most once.
func (a *Advancer) Settle(ctx context.Context, taskID string) error {
	steps, err := a.steps.ListByTask(ctx, taskID)
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		return nil
	}

	blocked := blockedSteps(steps)
	failed := len(blocked) > 0
	for _, s := range steps {
		switch s.State {
		case model.StepStateRunning:
			return nil
		case model.StepStateQueued:
			if !blocked[s.ID] {
				return nil
			}
		case model.StepStateFailed, model.StepStateCancelled:
			failed = true
		}
	}

	now := time.Now().UTC()
	for id := range blocked {
		if _, err := a.steps.Cancel(ctx, id, now); err != nil {
			return err
		}
	}

	state := model.TaskStateDone
	if failed {
		state = model.TaskStateFailed
	}

	won, err := a.tasks.Finalize(ctx, taskID, state, now)
	if err != nil {
		return err
	}
	if won {
		a.logger.Info("Task finalized",
			zap.String("task_id", taskID),
			zap.String("state", string(state)),
			zap.Int("cancelled_steps", len(blocked)))
	}
	return nil
}
