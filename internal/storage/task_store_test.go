package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/taskgraph/internal/model"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "taskgraph.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestTask(workspaceID string) *model.Task {
	return &model.Task{
		ID:          uuid.New().String(),
		WorkspaceID: workspaceID,
		Title:       "Write a report",
		Inputs:      map[string]any{"topic": "queues"},
		Budget:      model.DefaultBudget,
		CreatedBy:   "actor-1",
	}
}

func TestTaskStore(t *testing.T) {
	ctx := context.Background()
	store := NewTaskStore(openTestDB(t), zap.NewNop())

	t.Run("Create and Get", func(t *testing.T) {
		task := newTestTask("ws-1")
		require.NoError(t, store.Create(ctx, task))

		got, err := store.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, task.ID, got.ID)
		assert.Equal(t, "ws-1", got.WorkspaceID)
		assert.Equal(t, model.TaskStateOpen, got.State)
		assert.Equal(t, "queues", got.Inputs["topic"])
		assert.Equal(t, model.DefaultBudget, got.Budget)
		assert.Equal(t, "actor-1", got.CreatedBy)
		assert.Nil(t, got.Metrics.StartedAt)
	})

	t.Run("Get unknown task", func(t *testing.T) {
		_, err := store.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrTaskNotFound)
	})

	t.Run("Workspace scoping", func(t *testing.T) {
		task := newTestTask("ws-a")
		require.NoError(t, store.Create(ctx, task))

		_, err := store.GetInWorkspace(ctx, "ws-b", task.ID)
		assert.ErrorIs(t, err, ErrTaskNotFound)

		got, err := store.GetInWorkspace(ctx, "ws-a", task.ID)
		require.NoError(t, err)
		assert.Equal(t, task.ID, got.ID)

		tasks, err := store.ListByWorkspace(ctx, "ws-a", 0, 10)
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, task.ID, tasks[0].ID)
	})

	t.Run("Conditional transitions", func(t *testing.T) {
		task := newTestTask("ws-1")
		require.NoError(t, store.Create(ctx, task))

		won, err := store.TransitionState(ctx, task.ID, model.TaskStateOpen, model.TaskStatePlanning)
		require.NoError(t, err)
		assert.True(t, won)

		won, err = store.TransitionState(ctx, task.ID, model.TaskStateOpen, model.TaskStatePlanning)
		require.NoError(t, err)
		assert.False(t, won, "second transition from OPEN must lose")

		now := time.Now()
		won, err = store.MarkRunning(ctx, task.ID, "root-1", now)
		require.NoError(t, err)
		assert.True(t, won)

		running, err := store.ListByState(ctx, model.TaskStateRunning)
		require.NoError(t, err)
		assert.NotEmpty(t, running)

		won, err = store.Finalize(ctx, task.ID, model.TaskStateDone, now)
		require.NoError(t, err)
		assert.True(t, won)

		won, err = store.Finalize(ctx, task.ID, model.TaskStateFailed, now)
		require.NoError(t, err)
		assert.False(t, won, "terminal tasks cannot be finalized again")

		got, err := store.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskStateDone, got.State)
		assert.Equal(t, "root-1", got.Graph.RootStepID)
		require.NotNil(t, got.Metrics.StartedAt)
		require.NotNil(t, got.Metrics.FinishedAt)
		assert.Equal(t, now.UnixMilli(), got.Metrics.FinishedAt.UnixMilli())
	})

	t.Run("Finalize waits for open steps", func(t *testing.T) {
		db := openTestDB(t)
		tasks := NewTaskStore(db, zap.NewNop())
		steps := NewStepStore(db, zap.NewNop())

		task := newTestTask("ws-1")
		require.NoError(t, tasks.Create(ctx, task))
		_, err := tasks.TransitionState(ctx, task.ID, model.TaskStateOpen, model.TaskStateRunning)
		require.NoError(t, err)
		require.NoError(t, steps.InsertMany(ctx, []*model.Step{capabilityStep("s-1", task.ID, "do_task")}))

		won, err := tasks.Finalize(ctx, task.ID, model.TaskStateFailed, time.Now())
		require.NoError(t, err)
		assert.False(t, won, "a QUEUED step keeps the task open")

		won, err = steps.Cancel(ctx, "s-1", time.Now())
		require.NoError(t, err)
		require.True(t, won)

		won, err = tasks.Finalize(ctx, task.ID, model.TaskStateFailed, time.Now())
		require.NoError(t, err)
		assert.True(t, won)
	})

	t.Run("Finalize rejects non-terminal state", func(t *testing.T) {
		_, err := store.Finalize(ctx, "any", model.TaskStateReview, time.Now())
		assert.Error(t, err)
	})

	t.Run("Planning failure", func(t *testing.T) {
		task := newTestTask("ws-1")
		require.NoError(t, store.Create(ctx, task))

		won, err := store.MarkPlanningFailed(ctx, task.ID, time.Now())
		require.NoError(t, err)
		assert.False(t, won, "only PLANNING tasks can fail planning")

		_, err = store.TransitionState(ctx, task.ID, model.TaskStateOpen, model.TaskStatePlanning)
		require.NoError(t, err)
		won, err = store.MarkPlanningFailed(ctx, task.ID, time.Now())
		require.NoError(t, err)
		assert.True(t, won)

		got, err := store.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskStateFailed, got.State)
		assert.NotNil(t, got.Metrics.FinishedAt)
	})

	t.Run("Spent tokens", func(t *testing.T) {
		task := newTestTask("ws-1")
		require.NoError(t, store.Create(ctx, task))

		require.NoError(t, store.AddSpentTokens(ctx, task.ID, 120))
		require.NoError(t, store.AddSpentTokens(ctx, task.ID, 30))
		require.NoError(t, store.AddSpentTokens(ctx, task.ID, 0))

		got, err := store.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, 150, got.Metrics.SpentTokens)
	})
}
