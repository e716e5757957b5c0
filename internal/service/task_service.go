package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/taskgraph/internal/brain"
	"github.com/t77yq/taskgraph/internal/model"
	"github.com/t77yq/taskgraph/internal/scheduler"
	"github.com/t77yq/taskgraph/internal/storage"
	"github.com/t77yq/taskgraph/internal/watch"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// CreateTaskRequest is the input of CreateTask
type CreateTaskRequest struct {
	Title  string         `json:"title" yaml:"title"`
	Inputs map[string]any `json:"inputs" yaml:"inputs"`
	Budget *model.Budget  `json:"budget,omitempty" yaml:"budget,omitempty"`
	Plan   bool           `json:"plan,omitempty" yaml:"plan,omitempty"`
}

// CreateTaskResult carries the created task and, when requested, its plan
type CreateTaskResult struct {
	Task *model.Task            `json:"task"`
	Plan *scheduler.PlanResult `json:"plan,omitempty"`
}

// TaskService is the workspace-scoped entry point to the engine. Every call
// takes the caller's workspace; records of other workspaces are reported as
// not found.
type TaskService struct {
	logger    *zap.Logger
	tasks     *storage.TaskStore
	steps     *storage.StepStore
	planner   *scheduler.Planner
	advancer  *scheduler.Advancer
	watcher   *watch.Watcher
	employees *storage.EmployeeStore
	brain     *brain.Retriever
}

// NewTaskService creates a new task service
func NewTaskService(
	tasks *storage.TaskStore,
	steps *storage.StepStore,
	planner *scheduler.Planner,
	advancer *scheduler.Advancer,
	watcher *watch.Watcher,
	employees *storage.EmployeeStore,
	kb *brain.Retriever,
	logger *zap.Logger,
) *TaskService {
	return &TaskService{
		logger:    logger.Named("task-service"),
		tasks:     tasks,
		steps:     steps,
		planner:   planner,
		advancer:  advancer,
		watcher:   watcher,
		employees: employees,
		brain:     kb,
	}
}

// CreateTask creates an OPEN task and optionally plans it right away
func (s *TaskService) CreateTask(ctx context.Context, actorID, workspaceID string, req CreateTaskRequest) (*CreateTaskResult, error) {
	if workspaceID == "" {
		return nil, fmt.Errorf("%w: workspace is required", ErrInvalidRequest)
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidRequest)
	}

	budget := model.DefaultBudget
	if req.Budget != nil {
		if req.Budget.TokenLimit < 0 || req.Budget.SecondsLimit < 0 {
			return nil, fmt.Errorf("%w: budget limits must not be negative", ErrInvalidRequest)
		}
		budget = *req.Budget
	}
	inputs := req.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}

	task := &model.Task{
		ID:          uuid.New().String(),
		WorkspaceID: workspaceID,
		Title:       title,
		Inputs:      inputs,
		State:       model.TaskStateOpen,
		Budget:      budget,
		CreatedBy:   actorID,
	}
	if err := s.tasks.Create(ctx, task); err != nil {
		return nil, err
	}

	s.logger.Info("Task created",
		zap.String("task_id", task.ID),
		zap.String("workspace_id", workspaceID),
		zap.String("actor_id", actorID))

	result := &CreateTaskResult{Task: task}
	if req.Plan {
		plan, err := s.PlanTask(ctx, workspaceID, task.ID)
		if err != nil {
			return nil, err
		}
		result.Plan = plan
		if result.Task, err = s.tasks.Get(ctx, task.ID); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// PlanTask plans the task and seeds the queue with its ready steps
func (s *TaskService) PlanTask(ctx context.Context, workspaceID, taskID string) (*scheduler.PlanResult, error) {
	if _, err := s.tasks.GetInWorkspace(ctx, workspaceID, taskID); err != nil {
		return nil, err
	}

	plan, err := s.planner.PlanTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !plan.Planned {
		return plan, nil
	}

	ready, err := s.steps.ListReady(ctx, taskID)
	if err != nil {
		return nil, err
	}
	for _, step := range ready {
		// The watchdog redispatches ready steps if this enqueue is lost.
		if err := s.advancer.Dispatch(ctx, step); err != nil {
			s.logger.Warn("Failed to seed ready step",
				zap.String("task_id", taskID),
				zap.String("step_id", step.ID),
				zap.Error(err))
		}
	}
	return plan, nil
}

// GetTask returns the task, with its steps when includeSteps is set
func (s *TaskService) GetTask(ctx context.Context, workspaceID, taskID string, includeSteps bool) (*watch.Snapshot, error) {
	if includeSteps {
		return s.Snapshot(ctx, workspaceID, taskID)
	}
	task, err := s.tasks.GetInWorkspace(ctx, workspaceID, taskID)
	if err != nil {
		return nil, err
	}
	return &watch.Snapshot{Task: task}, nil
}

// ListTasks lists the workspace's tasks, newest first
func (s *TaskService) ListTasks(ctx context.Context, workspaceID string, offset, limit int) ([]*model.Task, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	tasks, err := s.tasks.ListByWorkspace(ctx, workspaceID, offset, limit)
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []*model.Task{}
	}
	return tasks, nil
}

// Snapshot returns the task together with all of its steps
func (s *TaskService) Snapshot(ctx context.Context, workspaceID, taskID string) (*watch.Snapshot, error) {
	return s.watcher.Snapshot(ctx, workspaceID, taskID)
}

// ListSteps lists the steps of a task in planning order
func (s *TaskService) ListSteps(ctx context.Context, workspaceID, taskID string) ([]*model.Step, error) {
	snap, err := s.Snapshot(ctx, workspaceID, taskID)
	if err != nil {
		return nil, err
	}
	return snap.Steps, nil
}

// GetStep returns a step of one of the workspace's tasks
func (s *TaskService) GetStep(ctx context.Context, workspaceID, stepID string) (*model.Step, error) {
	step, err := s.steps.Get(ctx, stepID)
	if err != nil {
		return nil, err
	}
	if _, err := s.tasks.GetInWorkspace(ctx, workspaceID, step.TaskID); err != nil {
		return nil, storage.ErrStepNotFound
	}
	return step, nil
}

// RunStep enqueues the current attempt of a QUEUED step
func (s *TaskService) RunStep(ctx context.Context, workspaceID, stepID string) (*model.Step, error) {
	step, err := s.GetStep(ctx, workspaceID, stepID)
	if err != nil {
		return nil, err
	}
	if step.State != model.StepStateQueued {
		return nil, fmt.Errorf("%w: state=%s", ErrStepNotQueued, step.State)
	}
	if err := s.advancer.Dispatch(ctx, step); err != nil {
		return nil, err
	}
	return step, nil
}

// RetryStep resets a FAILED step to QUEUED and enqueues it as a new attempt.
// Only possible while its task is still RUNNING.
func (s *TaskService) RetryStep(ctx context.Context, workspaceID, stepID string) (*model.Step, error) {
	step, err := s.GetStep(ctx, workspaceID, stepID)
	if err != nil {
		return nil, err
	}

	task, err := s.tasks.Get(ctx, step.TaskID)
	if err != nil {
		return nil, err
	}
	if task.State != model.TaskStateRunning {
		return nil, fmt.Errorf("%w: state=%s", scheduler.ErrTaskNotRunning, task.State)
	}

	// The reset re-checks the task in the same statement; a task finalized
	// since the read above wins.
	won, err := s.steps.ResetFailed(ctx, stepID)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, s.resetRefused(ctx, stepID)
	}

	step, err = s.steps.Get(ctx, stepID)
	if err != nil {
		return nil, err
	}
	if err := s.advancer.Dispatch(ctx, step); err != nil {
		return nil, err
	}

	s.logger.Info("Step reset for retry",
		zap.String("task_id", step.TaskID),
		zap.String("step_id", step.ID),
		zap.Int("attempt", step.Retries))
	return step, nil
}

func (s *TaskService) resetRefused(ctx context.Context, stepID string) error {
	step, err := s.steps.Get(ctx, stepID)
	if err != nil {
		return err
	}
	if step.State != model.StepStateFailed {
		return fmt.Errorf("%w: state=%s", scheduler.ErrStepNotFailed, step.State)
	}
	task, err := s.tasks.Get(ctx, step.TaskID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: state=%s", scheduler.ErrTaskNotRunning, task.State)
}

// Watch streams snapshot and change events for a task
func (s *TaskService) Watch(ctx context.Context, workspaceID, taskID string) (<-chan watch.Event, error) {
	return s.watcher.Watch(ctx, workspaceID, taskID)
}

// RegisterEmployee adds an executor profile to the workspace
func (s *TaskService) RegisterEmployee(ctx context.Context, workspaceID string, emp *storage.Employee) (*storage.Employee, error) {
	if strings.TrimSpace(emp.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidRequest)
	}
	if emp.ID == "" {
		emp.ID = uuid.New().String()
	}
	emp.WorkspaceID = workspaceID
	if emp.Capabilities == nil {
		emp.Capabilities = []string{}
	}
	if err := s.employees.Register(ctx, emp); err != nil {
		return nil, err
	}
	return emp, nil
}

// ListEmployees lists the workspace's active employees
func (s *TaskService) ListEmployees(ctx context.Context, workspaceID string) ([]*storage.Employee, error) {
	employees, err := s.employees.ListActive(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if employees == nil {
		employees = []*storage.Employee{}
	}
	return employees, nil
}

// IngestDocument adds a text block to the workspace knowledge base
func (s *TaskService) IngestDocument(ctx context.Context, workspaceID, text string) (*storage.Document, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: text is required", ErrInvalidRequest)
	}
	return s.brain.Ingest(ctx, workspaceID, text)
}

// SearchBrain queries the workspace knowledge base
func (s *TaskService) SearchBrain(ctx context.Context, workspaceID, query string, limit int) ([]brain.Hit, error) {
	return s.brain.Search(ctx, workspaceID, query, limit)
}
