package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/taskgraph/internal/model"
	"github.com/t77yq/taskgraph/internal/queue"
	"github.com/t77yq/taskgraph/internal/storage"
	"github.com/t77yq/taskgraph/internal/testutil"
)

type fakeRouter struct {
	assignments map[string]string
	err         error
	calls       []string
}

func (r *fakeRouter) AssignCapability(_ context.Context, _, capabilityKey string) (string, error) {
	r.calls = append(r.calls, capabilityKey)
	if r.err != nil {
		return "", r.err
	}
	return r.assignments[capabilityKey], nil
}

type testEnv struct {
	tasks    *storage.TaskStore
	steps    *storage.StepStore
	queue    *queue.MemoryQueue
	router   *fakeRouter
	planner  *Planner
	advancer *Advancer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := zaptest.NewLogger(t)
	db := testutil.OpenSQLite(t)
	env := &testEnv{
		tasks:  storage.NewTaskStore(db, logger),
		steps:  storage.NewStepStore(db, logger),
		queue:  queue.NewMemoryQueue(time.Minute, 50*time.Millisecond, zap.NewNop()),
		router: &fakeRouter{assignments: map[string]string{}},
	}
	t.Cleanup(env.queue.Close)

	env.planner = NewPlanner(env.tasks, env.steps, env.router, logger)
	env.advancer = NewAdvancer(env.tasks, env.steps, env.queue, logger)
	return env
}

func (e *testEnv) createTask(t *testing.T, inputs map[string]any) *model.Task {
	t.Helper()

	task := &model.Task{
		ID:          uuid.New().String(),
		WorkspaceID: "ws-1",
		Title:       "Quarterly report",
		Inputs:      inputs,
		Budget:      model.DefaultBudget,
	}
	require.NoError(t, e.tasks.Create(context.Background(), task))
	return task
}

// drain returns the step ids currently waiting in the queue
func (e *testEnv) drain(t *testing.T) []string {
	t.Helper()

	var ids []string
	for {
		d, err := e.queue.Fetch(context.Background())
		if errors.Is(err, queue.ErrNoDelivery) {
			return ids
		}
		require.NoError(t, err)
		require.NoError(t, d.Ack())
		ids = append(ids, d.Job.StepID)
	}
}

func stepsByID(steps []*model.Step) map[string]*model.Step {
	m := make(map[string]*model.Step, len(steps))
	for _, s := range steps {
		m[s.ID] = s
	}
	return m
}

func TestPlanner(t *testing.T) {
	ctx := context.Background()

	t.Run("No hint plans a single default capability", func(t *testing.T) {
		env := newTestEnv(t)
		env.router.assignments[model.DefaultCapabilityKey] = "emp-1"
		task := env.createTask(t, map[string]any{"topic": "latency"})

		result, err := env.planner.PlanTask(ctx, task.ID)
		require.NoError(t, err)
		assert.True(t, result.Planned)
		assert.Equal(t, 2, result.Count)
		assert.Len(t, result.CapabilityStepIDs, 1)
		assert.Empty(t, result.JoinStepID)

		got, err := env.tasks.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskStateRunning, got.State)
		assert.Equal(t, result.RootStepID, got.Graph.RootStepID)
		assert.NotNil(t, got.Metrics.StartedAt)

		steps, err := env.steps.ListByTask(ctx, task.ID)
		require.NoError(t, err)
		require.Len(t, steps, 2)

		root := steps[0]
		assert.Equal(t, model.ShapeSplit, root.Shape())
		assert.Empty(t, root.Deps)
		require.NotNil(t, root.Inputs.Split)
		assert.Equal(t, "Quarterly report", root.Inputs.Split.Title)

		work := steps[1]
		assert.Equal(t, model.ShapeCapability, work.Shape())
		assert.Equal(t, model.DefaultCapabilityKey, work.CapabilityKey)
		assert.Equal(t, []string{root.ID}, work.Deps)
		assert.Equal(t, "emp-1", work.AssignedTo)
		require.NotNil(t, work.Inputs.Capability)
		assert.Equal(t, "latency", work.Inputs.Capability.TaskInputs["topic"])

		assert.Empty(t, env.drain(t), "planning must not enqueue")
	})

	t.Run("Hint with edge plans a join", func(t *testing.T) {
		env := newTestEnv(t)
		task := env.createTask(t, map[string]any{
			model.PlanHintKey: map[string]any{
				"desiredCapabilities": []any{
					map[string]any{"capabilityKey": "research"},
					map[string]any{"capabilityKey": "write", "assignedTo": "emp-writer"},
				},
				"edges": []any{
					map[string]any{"from": "research", "to": "write"},
				},
			},
		})

		result, err := env.planner.PlanTask(ctx, task.ID)
		require.NoError(t, err)
		require.True(t, result.Planned)
		assert.Equal(t, 4, result.Count)
		require.Len(t, result.CapabilityStepIDs, 2)
		require.NotEmpty(t, result.JoinStepID)

		steps, err := env.steps.ListByTask(ctx, task.ID)
		require.NoError(t, err)
		byID := stepsByID(steps)

		research := byID[result.CapabilityStepIDs[0]]
		write := byID[result.CapabilityStepIDs[1]]
		join := byID[result.JoinStepID]

		assert.Equal(t, "research", research.CapabilityKey)
		assert.Equal(t, []string{result.RootStepID}, research.Deps)
		assert.Equal(t, []string{result.RootStepID, research.ID}, write.Deps)
		assert.Equal(t, "emp-writer", write.AssignedTo)
		assert.Equal(t, model.ShapeJoinAll, join.Shape())
		assert.ElementsMatch(t, []string{research.ID, write.ID}, join.Deps)

		assert.Equal(t, []string{"research"}, env.router.calls, "preassigned capabilities skip the router")
	})

	t.Run("Planning twice is a no-op", func(t *testing.T) {
		env := newTestEnv(t)
		task := env.createTask(t, nil)

		first, err := env.planner.PlanTask(ctx, task.ID)
		require.NoError(t, err)
		require.True(t, first.Planned)

		second, err := env.planner.PlanTask(ctx, task.ID)
		require.NoError(t, err)
		assert.False(t, second.Planned)
		assert.Equal(t, "state=RUNNING", second.Reason)

		steps, err := env.steps.ListByTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Len(t, steps, first.Count)
	})

	t.Run("Router failure leaves step unassigned", func(t *testing.T) {
		env := newTestEnv(t)
		env.router.err = errors.New("directory down")
		task := env.createTask(t, nil)

		result, err := env.planner.PlanTask(ctx, task.ID)
		require.NoError(t, err)
		require.True(t, result.Planned)

		step, err := env.steps.Get(ctx, result.CapabilityStepIDs[0])
		require.NoError(t, err)
		assert.Empty(t, step.AssignedTo)
	})

	t.Run("Cyclic hint is rejected before leaving OPEN", func(t *testing.T) {
		env := newTestEnv(t)
		task := env.createTask(t, map[string]any{
			model.PlanHintKey: model.PlanHint{
				DesiredCapabilities: []model.CapabilityRef{{CapabilityKey: "a"}, {CapabilityKey: "b"}},
				Edges:               []model.PlanEdge{{From: "a", To: "b"}, {From: "b", To: "a"}},
			},
		})

		result, err := env.planner.PlanTask(ctx, task.ID)
		require.NoError(t, err)
		assert.False(t, result.Planned)
		assert.Contains(t, result.Reason, "invalid_plan_hint")
		assert.Contains(t, result.Reason, "circular dependency")

		got, err := env.tasks.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskStateOpen, got.State)

		steps, err := env.steps.ListByTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Empty(t, steps)
	})

	t.Run("Duplicate capability is rejected", func(t *testing.T) {
		env := newTestEnv(t)
		task := env.createTask(t, map[string]any{
			model.PlanHintKey: model.PlanHint{
				DesiredCapabilities: []model.CapabilityRef{{CapabilityKey: "a"}, {CapabilityKey: "a"}},
			},
		})

		result, err := env.planner.PlanTask(ctx, task.ID)
		require.NoError(t, err)
		assert.False(t, result.Planned)
		assert.Contains(t, result.Reason, "duplicate capability")
	})

	t.Run("Unknown task", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.planner.PlanTask(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrTaskNotFound)
	})
}

func TestCheckAcyclic(t *testing.T) {
	keys := []string{"a", "b", "c"}

	assert.NoError(t, checkAcyclic(keys, nil))
	assert.NoError(t, checkAcyclic(keys, []model.PlanEdge{{From: "a", To: "b"}, {From: "b", To: "c"}, {From: "a", To: "c"}}))
	assert.NoError(t, checkAcyclic(keys, []model.PlanEdge{{From: "a", To: "zzz"}}), "unknown keys are ignored")

	err := checkAcyclic(keys, []model.PlanEdge{{From: "a", To: "b"}, {From: "b", To: "c"}, {From: "c", To: "a"}})
	assert.ErrorIs(t, err, ErrCircularDependency)

	err = checkAcyclic(keys, []model.PlanEdge{{From: "b", To: "b"}})
	assert.ErrorIs(t, err, ErrCircularDependency)
}

func TestExponentialBackoff(t *testing.T) {
	b := &ExponentialBackoff{InitialDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2}

	assert.Equal(t, time.Second, b.NextRetry(0))
	assert.Equal(t, 2*time.Second, b.NextRetry(1))
	assert.Equal(t, 8*time.Second, b.NextRetry(3))
	assert.Equal(t, 10*time.Second, b.NextRetry(4))
	assert.Equal(t, 10*time.Second, b.NextRetry(1000))

	assert.False(t, RetryPolicy{}.ShouldRetry(0))
	assert.True(t, RetryPolicy{MaxRetries: 2}.ShouldRetry(1))
	assert.False(t, RetryPolicy{MaxRetries: 2}.ShouldRetry(2))
}
