package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/taskgraph/internal/model"
)

const taskColumns = `id, workspace_id, title, inputs, state, token_limit, seconds_limit, root_step_id,
	spent_tokens, started_at, finished_at, created_by, created_at, updated_at`

// TaskStore persists tasks. Every mutation is a single-row update keyed by id,
// guarded by the expected current state where the transition requires it.
type TaskStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewTaskStore creates a new SQLite-backed task store
func NewTaskStore(db *sql.DB, logger *zap.Logger) *TaskStore {
	return &TaskStore{
		logger: logger.Named("task-store"),
		db:     db,
	}
}

// Create inserts a new task
func (s *TaskStore) Create(ctx context.Context, task *model.Task) error {
	inputs, err := json.Marshal(task.Inputs)
	if err != nil {
		return fmt.Errorf("failed to marshal task inputs: %w", err)
	}

	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.State == "" {
		task.State = model.TaskStateOpen
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (
			id, workspace_id, title, inputs, state, token_limit, seconds_limit,
			spent_tokens, created_by, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID,
		task.WorkspaceID,
		task.Title,
		string(inputs),
		task.State,
		task.Budget.TokenLimit,
		task.Budget.SecondsLimit,
		task.Metrics.SpentTokens,
		nullString(task.CreatedBy),
		toUnix(task.CreatedAt),
		toUnix(task.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// Get retrieves a task by id
func (s *TaskStore) Get(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// GetInWorkspace retrieves a task by id, scoped to a workspace
func (s *TaskStore) GetInWorkspace(ctx context.Context, workspaceID, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ? AND workspace_id = ?`, id, workspaceID)
	return scanTask(row)
}

// ListByWorkspace lists a workspace's tasks, newest first
func (s *TaskStore) ListByWorkspace(ctx context.Context, workspaceID string, offset, limit int) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE workspace_id = ?
		ORDER BY created_at DESC LIMIT ? OFFSET ?`, workspaceID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return scanTasks(rows)
}

// ListByState lists every task in the given state
func (s *TaskStore) ListByState(ctx context.Context, state model.TaskState) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE state = ? ORDER BY created_at`, state)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks by state: %w", err)
	}
	return scanTasks(rows)
}

// TransitionState moves a task from one state to another. It reports false
// when the task was not in the expected state.
func (s *TaskStore) TransitionState(ctx context.Context, id string, from, to model.TaskState) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET state = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		to, toUnix(time.Now()), id, from)
	if err != nil {
		return false, fmt.Errorf("failed to transition task: %w", err)
	}
	return affected(res)
}

// MarkRunning records the root step and moves a task from PLANNING to RUNNING
func (s *TaskStore) MarkRunning(ctx context.Context, id, rootStepID string, startedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET state = ?, root_step_id = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		model.TaskStateRunning, rootStepID, toUnix(startedAt), toUnix(time.Now()),
		id, model.TaskStatePlanning)
	if err != nil {
		return false, fmt.Errorf("failed to mark task running: %w", err)
	}
	return affected(res)
}

// Finalize moves a RUNNING task to a terminal state. Only one caller can win;
// the others observe false. A task with a QUEUED or RUNNING step is never
// finalized, even if the caller decided from an older read.
func (s *TaskStore) Finalize(ctx context.Context, id string, state model.TaskState, finishedAt time.Time) (bool, error) {
	if !state.IsTerminal() {
		return false, fmt.Errorf("cannot finalize task %s to non-terminal state %s", id, state)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET state = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND state = ? AND NOT EXISTS (
			SELECT 1 FROM steps WHERE task_id = tasks.id AND state IN (?, ?))`,
		state, toUnix(finishedAt), toUnix(time.Now()), id, model.TaskStateRunning,
		model.StepStateQueued, model.StepStateRunning)
	if err != nil {
		return false, fmt.Errorf("failed to finalize task: %w", err)
	}
	return affected(res)
}

// MarkPlanningFailed fails a task whose graph could not be persisted
func (s *TaskStore) MarkPlanningFailed(ctx context.Context, id string, finishedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET state = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		model.TaskStateFailed, toUnix(finishedAt), toUnix(time.Now()), id, model.TaskStatePlanning)
	if err != nil {
		return false, fmt.Errorf("failed to mark planning failed: %w", err)
	}
	return affected(res)
}

// AddSpentTokens increments the task's token counter
func (s *TaskStore) AddSpentTokens(ctx context.Context, id string, tokens int) error {
	if tokens <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET spent_tokens = spent_tokens + ?, updated_at = ? WHERE id = ?`,
		tokens, toUnix(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to add spent tokens: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	var (
		task                  model.Task
		inputs                string
		rootStepID, createdBy sql.NullString
		startedAt, finishedAt sql.NullInt64
		createdAt, updatedAt  int64
	)

	err := row.Scan(
		&task.ID,
		&task.WorkspaceID,
		&task.Title,
		&inputs,
		&task.State,
		&task.Budget.TokenLimit,
		&task.Budget.SecondsLimit,
		&rootStepID,
		&task.Metrics.SpentTokens,
		&startedAt,
		&finishedAt,
		&createdBy,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	if inputs != "" {
		if err := json.Unmarshal([]byte(inputs), &task.Inputs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task inputs: %w", err)
		}
	}
	if task.Inputs == nil {
		task.Inputs = map[string]any{}
	}
	task.Graph.RootStepID = rootStepID.String
	task.CreatedBy = createdBy.String
	task.Metrics.StartedAt = fromNullUnix(startedAt)
	task.Metrics.FinishedAt = fromNullUnix(finishedAt)
	task.CreatedAt = fromUnix(createdAt)
	task.UpdatedAt = fromUnix(updatedAt)

	return &task, nil
}

func scanTasks(rows *sql.Rows) ([]*model.Task, error) {
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return tasks, nil
}
