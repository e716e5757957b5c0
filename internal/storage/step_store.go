package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/taskgraph/internal/model"
)

const stepColumns = `s.id, s.task_id, s.type, s.control, s.capability_key, s.assigned_to, s.inputs, s.deps,
	s.state, s.result, s.retries, s.idempotency_key, s.started_at, s.finished_at, s.error,
	s.created_at, s.updated_at`

// unmetDeps matches dependency rows of steps.id that have not SUCCEEDED.
// A dependency id with no step row is unmet.
const unmetDeps = `
	SELECT 1 FROM step_deps d LEFT JOIN steps p ON p.id = d.dep_id
	WHERE d.step_id = s.id AND (p.state IS NULL OR p.state != 'SUCCEEDED')`

// StepStore persists DAG nodes. State transitions are single conditional
// UPDATE statements so that concurrent workers cannot both win the same edge.
type StepStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewStepStore creates a new SQLite-backed step store
func NewStepStore(db *sql.DB, logger *zap.Logger) *StepStore {
	return &StepStore{
		logger: logger.Named("step-store"),
		db:     db,
	}
}

// InsertMany persists a batch of steps in a single transaction so readers
// never observe a partially inserted graph.
func (s *StepStore) InsertMany(ctx context.Context, steps []*model.Step) error {
	if len(steps) == 0 {
		return nil
	}

	batch := make(map[string]string, len(steps))
	for _, step := range steps {
		if _, dup := batch[step.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateStep, step.ID)
		}
		batch[step.ID] = step.TaskID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for i, step := range steps {
		for _, dep := range step.Deps {
			if err := checkDependency(ctx, tx, batch, step, dep); err != nil {
				return err
			}
		}

		if step.State == "" {
			step.State = model.StepStateQueued
		}
		if step.Deps == nil {
			step.Deps = []string{}
		}
		step.CreatedAt = now
		step.UpdatedAt = now

		inputs, err := json.Marshal(step.Inputs)
		if err != nil {
			return fmt.Errorf("failed to marshal step inputs: %w", err)
		}
		deps, err := json.Marshal(step.Deps)
		if err != nil {
			return fmt.Errorf("failed to marshal step deps: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO steps (
				id, task_id, seq, type, control, capability_key, assigned_to, inputs, deps,
				state, retries, idempotency_key, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			step.ID,
			step.TaskID,
			i,
			step.Type,
			nullString(string(step.Control)),
			nullString(step.CapabilityKey),
			nullString(step.AssignedTo),
			string(inputs),
			string(deps),
			step.State,
			step.Retries,
			nullString(step.IdempotencyKey),
			toUnix(now),
			toUnix(now),
		)
		if err != nil {
			return fmt.Errorf("failed to insert step %s: %w", step.ID, err)
		}

		for _, dep := range step.Deps {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO step_deps (task_id, step_id, dep_id) VALUES (?, ?, ?)`,
				step.TaskID, step.ID, dep); err != nil {
				return fmt.Errorf("failed to insert step dependency: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit steps: %w", err)
	}
	return nil
}

func checkDependency(ctx context.Context, tx *sql.Tx, batch map[string]string, step *model.Step, dep string) error {
	if taskID, ok := batch[dep]; ok {
		if taskID != step.TaskID {
			return fmt.Errorf("%w: step %s depends on %s", ErrForeignDependency, step.ID, dep)
		}
		return nil
	}

	var taskID string
	err := tx.QueryRowContext(ctx, `SELECT task_id FROM steps WHERE id = ?`, dep).Scan(&taskID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: step %s depends on unknown step %s", ErrForeignDependency, step.ID, dep)
		}
		return fmt.Errorf("failed to check dependency: %w", err)
	}
	if taskID != step.TaskID {
		return fmt.Errorf("%w: step %s depends on %s", ErrForeignDependency, step.ID, dep)
	}
	return nil
}

// Get retrieves a step by id
func (s *StepStore) Get(ctx context.Context, id string) (*model.Step, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM steps s WHERE s.id = ?`, id)
	return scanStep(row)
}

// ListByTask lists every step of a task in planning order
func (s *StepStore) ListByTask(ctx context.Context, taskID string) ([]*model.Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stepColumns+` FROM steps s WHERE s.task_id = ? ORDER BY s.seq, s.created_at`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	return scanSteps(rows)
}

// ListDependents lists steps of a task in the given state whose deps include depID
func (s *StepStore) ListDependents(ctx context.Context, taskID, depID string, state model.StepState) ([]*model.Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stepColumns+` FROM steps s
		JOIN step_deps d ON d.step_id = s.id
		WHERE d.task_id = ? AND d.dep_id = ? AND s.state = ?
		ORDER BY s.seq`, taskID, depID, state)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependents: %w", err)
	}
	return scanSteps(rows)
}

// ListReady lists QUEUED steps of a task whose dependencies have all SUCCEEDED
func (s *StepStore) ListReady(ctx context.Context, taskID string) ([]*model.Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stepColumns+` FROM steps s
		WHERE s.task_id = ? AND s.state = ? AND NOT EXISTS (`+unmetDeps+`)
		ORDER BY s.seq`, taskID, model.StepStateQueued)
	if err != nil {
		return nil, fmt.Errorf("failed to list ready steps: %w", err)
	}
	return scanSteps(rows)
}

// ListStuck lists RUNNING steps that started before the cutoff
func (s *StepStore) ListStuck(ctx context.Context, startedBefore time.Time) ([]*model.Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stepColumns+` FROM steps s
		WHERE s.state = ? AND s.started_at < ?
		ORDER BY s.started_at`, model.StepStateRunning, toUnix(startedBefore))
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck steps: %w", err)
	}
	return scanSteps(rows)
}

// CountUnmetDeps counts dependencies of a step that have not SUCCEEDED
func (s *StepStore) CountUnmetDeps(ctx context.Context, id string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM step_deps d LEFT JOIN steps p ON p.id = d.dep_id
		WHERE d.step_id = ? AND (p.state IS NULL OR p.state != ?)`,
		id, model.StepStateSucceeded).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unmet dependencies: %w", err)
	}
	return count, nil
}

// CountByState counts steps per state across all tasks
func (s *StepStore) CountByState(ctx context.Context) (map[model.StepState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM steps GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count steps: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.StepState]int)
	for rows.Next() {
		var (
			state model.StepState
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan step count: %w", err)
		}
		counts[state] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return counts, nil
}

// Claim moves a step from QUEUED to RUNNING in one statement, provided every
// dependency has SUCCEEDED. It reports false when another worker claimed it
// first or the step is not ready.
func (s *StepStore) Claim(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE steps AS s SET state = ?, started_at = ?, finished_at = NULL, updated_at = ?
		WHERE s.id = ? AND s.state = ? AND NOT EXISTS (`+unmetDeps+`)`,
		model.StepStateRunning, toUnix(startedAt), toUnix(time.Now()),
		id, model.StepStateQueued)
	if err != nil {
		return false, fmt.Errorf("failed to claim step: %w", err)
	}
	return affected(res)
}

// Complete moves a RUNNING step to SUCCEEDED with its result
func (s *StepStore) Complete(ctx context.Context, id string, result *model.StepResult, finishedAt time.Time) (bool, error) {
	data, err := marshalResult(result)
	if err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE steps SET state = ?, result = ?, finished_at = ?, error = NULL, updated_at = ?
		WHERE id = ? AND state = ?`,
		model.StepStateSucceeded, data, toUnix(finishedAt), toUnix(time.Now()),
		id, model.StepStateRunning)
	if err != nil {
		return false, fmt.Errorf("failed to complete step: %w", err)
	}
	return affected(res)
}

// Fail moves a RUNNING step to FAILED, recording the error
func (s *StepStore) Fail(ctx context.Context, id, errMsg string, result *model.StepResult, finishedAt time.Time) (bool, error) {
	data, err := marshalResult(result)
	if err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE steps SET state = ?, result = ?, error = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		model.StepStateFailed, data, errMsg, toUnix(finishedAt), toUnix(time.Now()),
		id, model.StepStateRunning)
	if err != nil {
		return false, fmt.Errorf("failed to fail step: %w", err)
	}
	return affected(res)
}

// RequeueForRetry moves a RUNNING step back to QUEUED after a failed attempt
func (s *StepStore) RequeueForRetry(ctx context.Context, id, errMsg string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE steps SET state = ?, retries = retries + 1, error = ?, started_at = NULL,
			result = NULL, updated_at = ?
		WHERE id = ? AND state = ?`,
		model.StepStateQueued, errMsg, toUnix(time.Now()), id, model.StepStateRunning)
	if err != nil {
		return false, fmt.Errorf("failed to requeue step: %w", err)
	}
	return affected(res)
}

// Release moves a RUNNING step back to QUEUED without spending an attempt.
// It is used when the worker stops before the step's work finished.
func (s *StepStore) Release(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE steps SET state = ?, started_at = NULL, result = NULL, updated_at = ?
		WHERE id = ? AND state = ?`,
		model.StepStateQueued, toUnix(time.Now()), id, model.StepStateRunning)
	if err != nil {
		return false, fmt.Errorf("failed to release step: %w", err)
	}
	return affected(res)
}

// ResetFailed moves a FAILED step back to QUEUED for an operator retry. It
// reports false unless the step is FAILED and its task is still RUNNING.
func (s *StepStore) ResetFailed(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE steps SET state = ?, retries = retries + 1, started_at = NULL, finished_at = NULL,
			result = NULL, updated_at = ?
		WHERE id = ? AND state = ? AND EXISTS (
			SELECT 1 FROM tasks t WHERE t.id = steps.task_id AND t.state = ?)`,
		model.StepStateQueued, toUnix(time.Now()), id, model.StepStateFailed, model.TaskStateRunning)
	if err != nil {
		return false, fmt.Errorf("failed to reset step: %w", err)
	}
	return affected(res)
}

// Cancel moves a QUEUED step to CANCELLED
func (s *StepStore) Cancel(ctx context.Context, id string, finishedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE steps SET state = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		model.StepStateCancelled, toUnix(finishedAt), toUnix(time.Now()), id, model.StepStateQueued)
	if err != nil {
		return false, fmt.Errorf("failed to cancel step: %w", err)
	}
	return affected(res)
}

func marshalResult(result *model.StepResult) (sql.NullString, error) {
	if result == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal step result: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func scanStep(row rowScanner) (*model.Step, error) {
	var (
		step                                 model.Step
		control, capKey, assignedTo, idemKey sql.NullString
		result, errMsg                       sql.NullString
		inputs, deps                         string
		startedAt, finishedAt                sql.NullInt64
		createdAt, updatedAt                 int64
	)

	err := row.Scan(
		&step.ID,
		&step.TaskID,
		&step.Type,
		&control,
		&capKey,
		&assignedTo,
		&inputs,
		&deps,
		&step.State,
		&result,
		&step.Retries,
		&idemKey,
		&startedAt,
		&finishedAt,
		&errMsg,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrStepNotFound
		}
		return nil, fmt.Errorf("failed to scan step: %w", err)
	}

	if err := json.Unmarshal([]byte(inputs), &step.Inputs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal step inputs: %w", err)
	}
	if err := json.Unmarshal([]byte(deps), &step.Deps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal step deps: %w", err)
	}
	if result.Valid && strings.TrimSpace(result.String) != "" {
		step.Result = &model.StepResult{}
		if err := json.Unmarshal([]byte(result.String), step.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal step result: %w", err)
		}
	}

	step.Control = model.ControlKind(control.String)
	step.CapabilityKey = capKey.String
	step.AssignedTo = assignedTo.String
	step.IdempotencyKey = idemKey.String
	step.Error = errMsg.String
	step.StartedAt = fromNullUnix(startedAt)
	step.FinishedAt = fromNullUnix(finishedAt)
	step.CreatedAt = fromUnix(createdAt)
	step.UpdatedAt = fromUnix(updatedAt)

	return &step, nil
}

func scanSteps(rows *sql.Rows) ([]*model.Step, error) {
	defer rows.Close()

	var steps []*model.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return steps, nil
}
