package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/taskgraph/internal/model"
)

func capabilityStep(id, taskID, key string, deps ...string) *model.Step {
	return &model.Step{
		ID:            id,
		TaskID:        taskID,
		Type:          model.StepTypeCapability,
		CapabilityKey: key,
		Inputs: model.StepInputs{
			Capability: &model.CapabilityInputs{TaskTitle: "t"},
		},
		Deps: deps,
	}
}

func TestStepStore(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store := NewStepStore(db, zap.NewNop())
	tasks := NewTaskStore(db, zap.NewNop())

	task := newTestTask("ws-1")
	task.ID = "task-1"
	require.NoError(t, tasks.Create(ctx, task))
	_, err := tasks.TransitionState(ctx, task.ID, model.TaskStateOpen, model.TaskStateRunning)
	require.NoError(t, err)

	root := &model.Step{
		ID:      "root",
		TaskID:  "task-1",
		Type:    model.StepTypeControl,
		Control: model.ControlSplit,
		Inputs: model.StepInputs{
			Split: &model.SplitInputs{Title: "t"},
		},
	}
	a := capabilityStep("a", "task-1", "research", "root")
	b := capabilityStep("b", "task-1", "write", "root", "a")
	require.NoError(t, store.InsertMany(ctx, []*model.Step{root, a, b}))

	t.Run("Get and ListByTask", func(t *testing.T) {
		got, err := store.Get(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, model.StepStateQueued, got.State)
		assert.Equal(t, []string{"root", "a"}, got.Deps)
		assert.Equal(t, model.ShapeCapability, got.Shape())
		require.NotNil(t, got.Inputs.Capability)
		assert.Nil(t, got.Result)

		steps, err := store.ListByTask(ctx, "task-1")
		require.NoError(t, err)
		require.Len(t, steps, 3)
		assert.Equal(t, "root", steps[0].ID)
		assert.Equal(t, model.ShapeSplit, steps[0].Shape())

		_, err = store.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrStepNotFound)
	})

	t.Run("Rejects invalid batches", func(t *testing.T) {
		err := store.InsertMany(ctx, []*model.Step{
			capabilityStep("x", "task-1", "k"),
			capabilityStep("x", "task-1", "k"),
		})
		assert.ErrorIs(t, err, ErrDuplicateStep)

		err = store.InsertMany(ctx, []*model.Step{capabilityStep("y", "task-2", "k", "root")})
		assert.ErrorIs(t, err, ErrForeignDependency)

		err = store.InsertMany(ctx, []*model.Step{capabilityStep("z", "task-1", "k", "nope")})
		assert.ErrorIs(t, err, ErrForeignDependency)

		_, err = store.Get(ctx, "y")
		assert.ErrorIs(t, err, ErrStepNotFound, "failed batch must not leave rows behind")
	})

	t.Run("Claim requires satisfied deps", func(t *testing.T) {
		n, err := store.CountUnmetDeps(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		won, err := store.Claim(ctx, "a", time.Now())
		require.NoError(t, err)
		assert.False(t, won)

		ready, err := store.ListReady(ctx, "task-1")
		require.NoError(t, err)
		require.Len(t, ready, 1)
		assert.Equal(t, "root", ready[0].ID)
	})

	t.Run("Only one claim wins", func(t *testing.T) {
		won, err := store.Claim(ctx, "root", time.Now())
		require.NoError(t, err)
		assert.True(t, won)

		won, err = store.Claim(ctx, "root", time.Now())
		require.NoError(t, err)
		assert.False(t, won)

		payload, _ := json.Marshal(map[string]string{"status": "split_triggered"})
		won, err = store.Complete(ctx, "root", &model.StepResult{Status: model.ResultOK, Payload: payload}, time.Now())
		require.NoError(t, err)
		assert.True(t, won)

		got, err := store.Get(ctx, "root")
		require.NoError(t, err)
		assert.Equal(t, model.StepStateSucceeded, got.State)
		require.NotNil(t, got.Result)
		assert.JSONEq(t, `{"status":"split_triggered"}`, string(got.Result.Payload))
		assert.NotNil(t, got.StartedAt)
		assert.NotNil(t, got.FinishedAt)
	})

	t.Run("Dependents", func(t *testing.T) {
		deps, err := store.ListDependents(ctx, "task-1", "root", model.StepStateQueued)
		require.NoError(t, err)
		assert.Len(t, deps, 2)

		ready, err := store.ListReady(ctx, "task-1")
		require.NoError(t, err)
		require.Len(t, ready, 1)
		assert.Equal(t, "a", ready[0].ID)
	})

	t.Run("Retry and failure transitions", func(t *testing.T) {
		won, err := store.Claim(ctx, "a", time.Now())
		require.NoError(t, err)
		require.True(t, won)

		won, err = store.RequeueForRetry(ctx, "a", "boom")
		require.NoError(t, err)
		assert.True(t, won)

		got, err := store.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, model.StepStateQueued, got.State)
		assert.Equal(t, 1, got.Retries)
		assert.Equal(t, "boom", got.Error)

		_, err = store.Claim(ctx, "a", time.Now())
		require.NoError(t, err)
		won, err = store.Fail(ctx, "a", "boom again", &model.StepResult{Status: model.ResultError, Notes: "boom again"}, time.Now())
		require.NoError(t, err)
		assert.True(t, won)

		stuck, err := store.ListStuck(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Empty(t, stuck)

		_, err = tasks.TransitionState(ctx, "task-1", model.TaskStateRunning, model.TaskStateFailed)
		require.NoError(t, err)
		won, err = store.ResetFailed(ctx, "a")
		require.NoError(t, err)
		assert.False(t, won, "steps of a finished task stay terminal")
		_, err = tasks.TransitionState(ctx, "task-1", model.TaskStateFailed, model.TaskStateRunning)
		require.NoError(t, err)

		won, err = store.ResetFailed(ctx, "a")
		require.NoError(t, err)
		assert.True(t, won)

		got, err = store.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, model.StepStateQueued, got.State)
		assert.Equal(t, 2, got.Retries)
		assert.Nil(t, got.Result)
	})

	t.Run("Cancel only affects queued steps", func(t *testing.T) {
		won, err := store.Cancel(ctx, "b", time.Now())
		require.NoError(t, err)
		assert.True(t, won)

		won, err = store.Cancel(ctx, "root", time.Now())
		require.NoError(t, err)
		assert.False(t, won)

		counts, err := store.CountByState(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, counts[model.StepStateSucceeded])
		assert.Equal(t, 1, counts[model.StepStateQueued])
		assert.Equal(t, 1, counts[model.StepStateCancelled])
	})

	t.Run("Stuck running steps", func(t *testing.T) {
		started := time.Now().Add(-time.Hour)
		won, err := store.Claim(ctx, "a", started)
		require.NoError(t, err)
		require.True(t, won)

		stuck, err := store.ListStuck(ctx, time.Now().Add(-time.Minute))
		require.NoError(t, err)
		require.Len(t, stuck, 1)
		assert.Equal(t, "a", stuck[0].ID)
	})

	t.Run("Release keeps the attempt", func(t *testing.T) {
		won, err := store.Release(ctx, "a")
		require.NoError(t, err)
		assert.True(t, won)

		got, err := store.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, model.StepStateQueued, got.State)
		assert.Equal(t, 2, got.Retries)
		assert.Nil(t, got.StartedAt)

		won, err = store.Release(ctx, "a")
		require.NoError(t, err)
		assert.False(t, won)
	})
}
