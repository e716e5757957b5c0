package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/taskgraph/internal/model"
	"github.com/t77yq/taskgraph/internal/storage"
)

// Planner builds the initial step graph of an OPEN task and moves the task
// to RUNNING. It never enqueues steps; seeding the queue is up to the caller.
type Planner struct {
	logger *zap.Logger
	tasks  *storage.TaskStore
	steps  *storage.StepStore
	router Router
	newID  func() string
}

// NewPlanner creates a new planner
func NewPlanner(tasks *storage.TaskStore, steps *storage.StepStore, router Router, logger *zap.Logger) *Planner {
	return &Planner{
		logger: logger.Named("planner"),
		tasks:  tasks,
		steps:  steps,
		router: router,
		newID:  func() string { return uuid.New().String() },
	}
}

// PlanTask plans the task. A task that is not OPEN, or whose plan hint is
// unusable, is reported with Planned=false and left untouched.
func (p *Planner) PlanTask(ctx context.Context, taskID string) (*PlanResult, error) {
	task, err := p.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load task %s: %w", taskID, err)
	}

	if task.State != model.TaskStateOpen {
		return &PlanResult{TaskID: taskID, Reason: stateReason(task.State)}, nil
	}

	hint, err := model.PlanHintFromInputs(task.Inputs)
	if err == nil {
		err = validatePlanHint(hint)
	}
	if err != nil {
		p.logger.Warn("Rejected plan hint",
			zap.String("task_id", taskID),
			zap.Error(err))
		return &PlanResult{TaskID: taskID, Reason: fmt.Sprintf("%s: %v", reasonInvalidPlanHint, err)}, nil
	}

	won, err := p.tasks.TransitionState(ctx, taskID, model.TaskStateOpen, model.TaskStatePlanning)
	if err != nil {
		return nil, err
	}
	if !won {
		current, err := p.tasks.Get(ctx, taskID)
		if err != nil {
			return nil, fmt.Errorf("failed to reload task %s: %w", taskID, err)
		}
		return &PlanResult{TaskID: taskID, Reason: stateReason(current.State)}, nil
	}

	steps, result := p.buildGraph(ctx, task, hint)

	if err := p.steps.InsertMany(ctx, steps); err != nil {
		if _, ferr := p.tasks.MarkPlanningFailed(ctx, taskID, time.Now().UTC()); ferr != nil {
			p.logger.Error("Failed to mark planning failure",
				zap.String("task_id", taskID),
				zap.Error(ferr))
		}
		return nil, fmt.Errorf("failed to persist plan for task %s: %w", taskID, err)
	}

	won, err = p.tasks.MarkRunning(ctx, taskID, result.RootStepID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, fmt.Errorf("task %s left PLANNING while its plan was persisted", taskID)
	}

	p.logger.Info("Task planned",
		zap.String("task_id", taskID),
		zap.String("root_step_id", result.RootStepID),
		zap.Int("capabilities", len(result.CapabilityStepIDs)),
		zap.Int("steps", result.Count))

	return result, nil
}

func (p *Planner) buildGraph(ctx context.Context, task *model.Task, hint model.PlanHint) ([]*model.Step, *PlanResult) {
	rootID := p.newID()
	steps := []*model.Step{{
		ID:             rootID,
		TaskID:         task.ID,
		Type:           model.StepTypeControl,
		Control:        model.ControlSplit,
		Inputs:         model.StepInputs{Split: &model.SplitInputs{Title: task.Title, Inputs: task.Inputs}},
		Deps:           []string{},
		State:          model.StepStateQueued,
		IdempotencyKey: task.ID + ":" + string(model.ControlSplit),
	}}

	capabilities := desiredCapabilities(hint)
	if len(capabilities) == 0 {
		capabilities = []model.CapabilityRef{{CapabilityKey: model.DefaultCapabilityKey}}
	}

	result := &PlanResult{Planned: true, TaskID: task.ID, RootStepID: rootID}
	byKey := make(map[string]*model.Step, len(capabilities))
	for _, c := range capabilities {
		step := &model.Step{
			ID:            p.newID(),
			TaskID:        task.ID,
			Type:          model.StepTypeCapability,
			CapabilityKey: c.CapabilityKey,
			AssignedTo:    c.AssignedTo,
			Inputs: model.StepInputs{
				Capability: &model.CapabilityInputs{TaskTitle: task.Title, TaskInputs: task.Inputs},
			},
			Deps:           []string{rootID},
			State:          model.StepStateQueued,
			IdempotencyKey: task.ID + ":" + c.CapabilityKey,
		}
		if step.AssignedTo == "" {
			step.AssignedTo = p.assign(ctx, task, c.CapabilityKey)
		}

		byKey[c.CapabilityKey] = step
		steps = append(steps, step)
		result.CapabilityStepIDs = append(result.CapabilityStepIDs, step.ID)
	}

	for _, e := range hint.Edges {
		from, to := byKey[e.From], byKey[e.To]
		if from == nil || to == nil || to.DependsOn(from.ID) {
			continue
		}
		to.Deps = append(to.Deps, from.ID)
	}

	if len(capabilities) > 1 {
		join := &model.Step{
			ID:             p.newID(),
			TaskID:         task.ID,
			Type:           model.StepTypeControl,
			Control:        model.ControlJoinAll,
			Deps:           append([]string(nil), result.CapabilityStepIDs...),
			State:          model.StepStateQueued,
			IdempotencyKey: task.ID + ":" + string(model.ControlJoinAll),
		}
		steps = append(steps, join)
		result.JoinStepID = join.ID
	}

	result.Count = len(steps)
	return steps, result
}

// assign asks the router for an executor; a router failure leaves the step unassigned.
func (p *Planner) assign(ctx context.Context, task *model.Task, capabilityKey string) string {
	if p.router == nil {
		return ""
	}
	executorID, err := p.router.AssignCapability(ctx, task.WorkspaceID, capabilityKey)
	if err != nil {
		p.logger.Warn("Capability routing failed",
			zap.String("task_id", task.ID),
			zap.String("capability", capabilityKey),
			zap.Error(err))
		return ""
	}
	return executorID
}
