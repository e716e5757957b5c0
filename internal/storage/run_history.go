package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RunStatus is the outcome of a single execution attempt
type RunStatus string

const (
	RunStatusRunning     RunStatus = "running"
	RunStatusSucceeded   RunStatus = "succeeded"
	RunStatusFailed      RunStatus = "failed"
	RunStatusRetrying    RunStatus = "retrying"
	RunStatusInterrupted RunStatus = "interrupted"
)

// StepRun represents one execution attempt of a step
type StepRun struct {
	ID          string          `json:"id"`
	StepID      string          `json:"step_id"`
	TaskID      string          `json:"task_id"`
	Attempt     int             `json:"attempt"`
	Shape       string          `json:"shape"`
	Status      RunStatus       `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Duration    time.Duration   `json:"duration,omitempty"`
}

// RunHistory defines the interface for step attempt storage
type RunHistory interface {
	// Store stores a new attempt record
	Store(ctx context.Context, run *StepRun) error

	// Update records the outcome of an attempt
	Update(ctx context.Context, run *StepRun) error

	// ListByStep lists the attempts of a step, oldest first
	ListByStep(ctx context.Context, stepID string) ([]*StepRun, error)

	// DeleteBefore deletes attempts started before the given time
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// SQLiteRunHistory implements RunHistory using SQLite
type SQLiteRunHistory struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteRunHistory creates a new SQLite-based run history
func NewSQLiteRunHistory(db *sql.DB, logger *zap.Logger) *SQLiteRunHistory {
	return &SQLiteRunHistory{
		logger: logger.Named("run-history"),
		db:     db,
	}
}

// Store implements RunHistory.Store
func (s *SQLiteRunHistory) Store(ctx context.Context, run *StepRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO step_runs (
			id, step_id, task_id, attempt, shape, status, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.StepID,
		run.TaskID,
		run.Attempt,
		run.Shape,
		run.Status,
		toUnix(run.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to store step run: %w", err)
	}
	return nil
}

// Update implements RunHistory.Update
func (s *SQLiteRunHistory) Update(ctx context.Context, run *StepRun) error {
	var resultStr string
	if len(run.Result) > 0 {
		resultStr = string(run.Result)
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE step_runs SET
			status = ?,
			result = ?,
			error = ?,
			completed_at = ?,
			duration = ?
		WHERE id = ?`,
		run.Status,
		nullString(resultStr),
		nullString(run.Error),
		nullUnix(run.CompletedAt),
		sql.NullInt64{Int64: int64(run.Duration), Valid: run.Duration != 0},
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update step run: %w", err)
	}
	return nil
}

// ListByStep implements RunHistory.ListByStep
func (s *SQLiteRunHistory) ListByStep(ctx context.Context, stepID string) ([]*StepRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, step_id, task_id, attempt, shape, status, result, error,
			started_at, completed_at, duration
		FROM step_runs
		WHERE step_id = ?
		ORDER BY started_at, attempt`, stepID)
	if err != nil {
		return nil, fmt.Errorf("failed to list step runs: %w", err)
	}
	defer rows.Close()

	var runs []*StepRun
	for rows.Next() {
		run := &StepRun{}
		var result, errorStr sql.NullString
		var startedAt int64
		var completedAt, durationNanos sql.NullInt64

		err := rows.Scan(
			&run.ID,
			&run.StepID,
			&run.TaskID,
			&run.Attempt,
			&run.Shape,
			&run.Status,
			&result,
			&errorStr,
			&startedAt,
			&completedAt,
			&durationNanos,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step run: %w", err)
		}

		if result.Valid && result.String != "" {
			run.Result = json.RawMessage(result.String)
		}
		run.Error = errorStr.String
		run.StartedAt = fromUnix(startedAt)
		run.CompletedAt = fromNullUnix(completedAt)
		if durationNanos.Valid {
			run.Duration = time.Duration(durationNanos.Int64)
		}

		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return runs, nil
}

// DeleteBefore implements RunHistory.DeleteBefore
func (s *SQLiteRunHistory) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM step_runs WHERE started_at < ?", toUnix(before))
	if err != nil {
		return 0, fmt.Errorf("failed to delete step runs: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old step run records",
		zap.Time("before", before),
		zap.Int64("deleted", deleted))

	return deleted, nil
}

var _ RunHistory = (*SQLiteRunHistory)(nil)
