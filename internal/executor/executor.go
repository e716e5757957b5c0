package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/taskgraph/internal/brain"
	"github.com/t77yq/taskgraph/internal/capability"
	"github.com/t77yq/taskgraph/internal/model"
	"github.com/t77yq/taskgraph/internal/scheduler"
	"github.com/t77yq/taskgraph/internal/storage"
)

const (
	reasonDepsNotSatisfied = "deps_not_satisfied"

	brainSearchLimit = 3

	// persistTimeout bounds the writes that record an attempt's outcome once
	// the worker's context is gone.
	persistTimeout = 10 * time.Second
)

var (
	// ErrUnrecognizedStepShape is returned for steps whose type/control pair is unknown
	ErrUnrecognizedStepShape = errors.New("unrecognized step shape")

	// ErrStepFailed wraps the cause of an attempt that left the step FAILED
	ErrStepFailed = errors.New("step failed")

	// ErrRetryScheduled wraps the cause of an attempt that put the step back in QUEUED
	ErrRetryScheduled = errors.New("step attempt failed, retry scheduled")

	// ErrStepInterrupted is returned when the worker stopped mid-attempt and
	// the step was released back to QUEUED without spending an attempt
	ErrStepInterrupted = errors.New("step attempt interrupted")
)

// CapabilityRunner executes capability steps
type CapabilityRunner interface {
	Run(ctx context.Context, req capability.Request) (*capability.Response, error)
}

// KnowledgeBase supplies context passages for capability inputs
type KnowledgeBase interface {
	Search(ctx context.Context, workspaceID, query string, limit int) ([]brain.Hit, error)
}

// Outcome is the non-error result of ExecuteStep
type Outcome struct {
	Completed bool            `json:"completed,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	Skipped   bool            `json:"skipped,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

func skipped(reason string) *Outcome {
	return &Outcome{Skipped: true, Reason: reason}
}

// StepExecutor runs a single ready step to completion
type StepExecutor struct {
	logger   *zap.Logger
	tasks    *storage.TaskStore
	steps    *storage.StepStore
	history  storage.RunHistory
	advancer *scheduler.Advancer
	runner   CapabilityRunner
	brain    KnowledgeBase
	retry    scheduler.RetryPolicy
}

// NewStepExecutor creates a new step executor. kb may be nil.
func NewStepExecutor(
	tasks *storage.TaskStore,
	steps *storage.StepStore,
	history storage.RunHistory,
	advancer *scheduler.Advancer,
	runner CapabilityRunner,
	kb KnowledgeBase,
	retry scheduler.RetryPolicy,
	logger *zap.Logger,
) *StepExecutor {
	return &StepExecutor{
		logger:   logger.Named("step-executor"),
		tasks:    tasks,
		steps:    steps,
		history:  history,
		advancer: advancer,
		runner:   runner,
		brain:    kb,
		retry:    retry,
	}
}

// ExecuteStep executes the step if it is QUEUED with every dependency
// SUCCEEDED; otherwise it reports a skip and changes nothing. A failed
// attempt is returned as an error wrapping ErrStepFailed, ErrRetryScheduled
// or ErrStepInterrupted. Once claimed, the outcome is persisted even if ctx
// is cancelled while the work runs.
func (e *StepExecutor) ExecuteStep(ctx context.Context, stepID string) (*Outcome, error) {
	step, err := e.steps.Get(ctx, stepID)
	if err != nil {
		return nil, fmt.Errorf("failed to load step %s: %w", stepID, err)
	}

	if step.State != model.StepStateQueued {
		return skipped(stateReason(step.State)), nil
	}

	unmet, err := e.steps.CountUnmetDeps(ctx, stepID)
	if err != nil {
		return nil, err
	}
	if unmet > 0 {
		return skipped(reasonDepsNotSatisfied), nil
	}

	startedAt := time.Now().UTC()
	won, err := e.steps.Claim(ctx, stepID, startedAt)
	if err != nil {
		return nil, err
	}
	if !won {
		return e.lostClaim(ctx, stepID)
	}

	run := &storage.StepRun{
		ID:        uuid.New().String(),
		StepID:    step.ID,
		TaskID:    step.TaskID,
		Attempt:   step.Retries,
		Shape:     step.Shape().String(),
		Status:    storage.RunStatusRunning,
		StartedAt: startedAt,
	}
	if err := e.history.Store(ctx, run); err != nil {
		e.logger.Error("Failed to store step run",
			zap.String("step_id", step.ID),
			zap.Error(err))
	}

	e.logger.Debug("Step started",
		zap.String("task_id", step.TaskID),
		zap.String("step_id", step.ID),
		zap.String("shape", run.Shape),
		zap.Int("attempt", step.Retries))

	result, err := e.dispatch(ctx, step)

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err != nil {
		if ctx.Err() != nil {
			return nil, e.release(wctx, step, run, err)
		}
		return nil, e.handleFailure(wctx, step, run, err)
	}

	finishedAt := time.Now().UTC()
	won, err = e.steps.Complete(wctx, step.ID, result, finishedAt)
	if err != nil {
		return nil, err
	}
	if !won {
		// The watchdog failed the step while it was running.
		e.finishRun(wctx, run, storage.RunStatusFailed, nil, "step left RUNNING before completion")
		return e.lostClaim(wctx, stepID)
	}
	e.finishRun(wctx, run, storage.RunStatusSucceeded, result.Payload, "")

	e.logger.Info("Step succeeded",
		zap.String("task_id", step.TaskID),
		zap.String("step_id", step.ID),
		zap.Duration("duration", finishedAt.Sub(startedAt)))

	// Dependents missed here are picked up by the watchdog's ready sweep.
	if err := e.advancer.Advance(wctx, step.TaskID, step.ID); err != nil {
		e.logger.Error("Graph advancement failed",
			zap.String("task_id", step.TaskID),
			zap.String("step_id", step.ID),
			zap.Error(err))
	}

	return &Outcome{Completed: true, Output: result.Payload}, nil
}

func (e *StepExecutor) lostClaim(ctx context.Context, stepID string) (*Outcome, error) {
	current, err := e.steps.Get(ctx, stepID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload step %s: %w", stepID, err)
	}
	if current.State == model.StepStateQueued {
		return skipped(reasonDepsNotSatisfied), nil
	}
	return skipped(stateReason(current.State)), nil
}

// dispatch runs the step's work according to its shape
func (e *StepExecutor) dispatch(ctx context.Context, step *model.Step) (*model.StepResult, error) {
	switch step.Shape() {
	case model.ShapeCapability:
		return e.runCapability(ctx, step)
	case model.ShapeSplit:
		return markerResult("split_triggered"), nil
	case model.ShapeJoinAll:
		return markerResult("join_completed"), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnrecognizedStepShape, step.Describe())
	}
}

func markerResult(status string) *model.StepResult {
	payload, _ := json.Marshal(map[string]string{"status": status})
	return &model.StepResult{Status: model.ResultOK, Payload: payload}
}

func (e *StepExecutor) runCapability(ctx context.Context, step *model.Step) (*model.StepResult, error) {
	task, err := e.tasks.Get(ctx, step.TaskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load task for step %s: %w", step.ID, err)
	}

	inputs := map[string]any{}
	query := task.Title
	if c := step.Inputs.Capability; c != nil {
		inputs["taskTitle"] = c.TaskTitle
		inputs["taskInputs"] = c.TaskInputs
		if c.TaskTitle != "" {
			query = c.TaskTitle
		}
	}
	inputs["brainContext"] = e.searchBrain(ctx, task.WorkspaceID, step.ID, query)

	resp, err := e.runner.Run(ctx, capability.Request{
		WorkspaceID:   task.WorkspaceID,
		CapabilityKey: step.CapabilityKey,
		Inputs:        inputs,
		ExecutorHint:  step.AssignedTo,
	})
	if resp != nil {
		e.recordTokens(ctx, task.ID, resp.TokensUsed)
	}
	if err != nil {
		return nil, err
	}

	status := resp.Status
	if status == "" {
		status = model.ResultOK
	}
	return &model.StepResult{Status: status, Payload: resp.Payload, Notes: resp.Notes}, nil
}

// recordTokens counts tokens against the task even when the answer was rejected
func (e *StepExecutor) recordTokens(ctx context.Context, taskID string, tokens int) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := e.tasks.AddSpentTokens(ctx, taskID, tokens); err != nil {
		e.logger.Warn("Failed to record spent tokens",
			zap.String("task_id", taskID),
			zap.Error(err))
	}
}

// searchBrain is best-effort: failures yield an empty context
func (e *StepExecutor) searchBrain(ctx context.Context, workspaceID, stepID, query string) []brain.Hit {
	if e.brain == nil {
		return []brain.Hit{}
	}
	hits, err := e.brain.Search(ctx, workspaceID, query, brainSearchLimit)
	if err != nil {
		e.logger.Warn("Brain search failed",
			zap.String("step_id", stepID),
			zap.Error(err))
		return []brain.Hit{}
	}
	if hits == nil {
		hits = []brain.Hit{}
	}
	return hits
}

// release hands a step interrupted by shutdown back to the queue
func (e *StepExecutor) release(ctx context.Context, step *model.Step, run *storage.StepRun, cause error) error {
	won, err := e.steps.Release(ctx, step.ID)
	if err != nil {
		return errors.Join(cause, err)
	}
	if won {
		e.finishRun(ctx, run, storage.RunStatusInterrupted, nil, cause.Error())
		e.logger.Info("Step interrupted, released to queue",
			zap.String("task_id", step.TaskID),
			zap.String("step_id", step.ID))
	}
	return fmt.Errorf("%w: step %s: %w", ErrStepInterrupted, step.ID, cause)
}

func (e *StepExecutor) handleFailure(ctx context.Context, step *model.Step, run *storage.StepRun, cause error) error {
	msg := cause.Error()

	if e.retry.ShouldRetry(step.Retries) {
		won, err := e.steps.RequeueForRetry(ctx, step.ID, msg)
		if err != nil {
			return errors.Join(cause, err)
		}
		if won {
			e.finishRun(ctx, run, storage.RunStatusRetrying, nil, msg)
			e.logger.Warn("Step attempt failed, retrying",
				zap.String("task_id", step.TaskID),
				zap.String("step_id", step.ID),
				zap.Int("attempt", step.Retries),
				zap.Int("max_retries", e.retry.MaxRetries),
				zap.Error(cause))
			return fmt.Errorf("%w: step %s: %w", ErrRetryScheduled, step.ID, cause)
		}
	}

	finishedAt := time.Now().UTC()
	won, err := e.steps.Fail(ctx, step.ID, msg, &model.StepResult{Status: model.ResultError, Notes: msg}, finishedAt)
	if err != nil {
		return errors.Join(cause, err)
	}
	e.finishRun(ctx, run, storage.RunStatusFailed, nil, msg)

	e.logger.Error("Step failed",
		zap.String("task_id", step.TaskID),
		zap.String("step_id", step.ID),
		zap.Error(cause))

	if won {
		if err := e.advancer.Settle(ctx, step.TaskID); err != nil {
			e.logger.Error("Failed to settle task",
				zap.String("task_id", step.TaskID),
				zap.Error(err))
		}
	}
	return fmt.Errorf("%w: step %s: %w", ErrStepFailed, step.ID, cause)
}

func (e *StepExecutor) finishRun(ctx context.Context, run *storage.StepRun, status storage.RunStatus, result json.RawMessage, errMsg string) {
	completedAt := time.Now().UTC()
	run.Status = status
	run.Result = result
	run.Error = errMsg
	run.CompletedAt = &completedAt
	run.Duration = completedAt.Sub(run.StartedAt)

	if err := e.history.Update(ctx, run); err != nil {
		e.logger.Error("Failed to update step run",
			zap.String("step_id", run.StepID),
			zap.Error(err))
	}
}

func stateReason(state model.StepState) string {
	return "state=" + string(state)
}
