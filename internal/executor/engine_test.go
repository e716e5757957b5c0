package executor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/taskgraph/internal/capability"
	"github.com/t77yq/taskgraph/internal/model"
	"github.com/t77yq/taskgraph/internal/queue"
	"github.com/t77yq/taskgraph/internal/scheduler"
	"github.com/t77yq/taskgraph/internal/service"
	"github.com/t77yq/taskgraph/internal/storage"
	"github.com/t77yq/taskgraph/internal/testutil"
	"github.com/t77yq/taskgraph/internal/watch"
)

// keyedRunner fails the capabilities listed in failing and records the
// order in which capabilities ran.
type keyedRunner struct {
	mu      sync.Mutex
	failing map[string]bool
	order   []string
}

func (r *keyedRunner) Run(_ context.Context, req capability.Request) (*capability.Response, error) {
	r.mu.Lock()
	r.order = append(r.order, req.CapabilityKey)
	fail := r.failing[req.CapabilityKey]
	r.mu.Unlock()

	time.Sleep(10 * time.Millisecond)
	if fail {
		return nil, errors.New(req.CapabilityKey + " unavailable")
	}
	payload, _ := json.Marshal(map[string]string{"capability": req.CapabilityKey})
	return &capability.Response{Status: model.ResultOK, Payload: payload, TokensUsed: 5}, nil
}

func (r *keyedRunner) ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

type engine struct {
	service *service.TaskService
	runner  *keyedRunner
}

// startEngine wires the whole dispatch loop on an in-process queue and a
// three-worker pool.
func startEngine(t *testing.T, failing ...string) *engine {
	t.Helper()

	logger := zaptest.NewLogger(t)
	db := testutil.OpenSQLite(t)
	tasks := storage.NewTaskStore(db, logger)
	steps := storage.NewStepStore(db, logger)
	employees := storage.NewEmployeeStore(db, logger)
	q := queue.NewMemoryQueue(time.Minute, 20*time.Millisecond, zap.NewNop())
	t.Cleanup(q.Close)

	runner := &keyedRunner{failing: map[string]bool{}}
	for _, key := range failing {
		runner.failing[key] = true
	}

	planner := scheduler.NewPlanner(tasks, steps, employees, logger)
	advancer := scheduler.NewAdvancer(tasks, steps, q, logger)
	watcher := watch.NewWatcher(tasks, steps, 20*time.Millisecond, logger)
	svc := service.NewTaskService(tasks, steps, planner, advancer, watcher, employees, nil, logger)

	stepExecutor := NewStepExecutor(tasks, steps, storage.NewSQLiteRunHistory(db, logger),
		advancer, runner, nil, scheduler.RetryPolicy{}, logger)
	backoff := &scheduler.ExponentialBackoff{InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 2}
	pool := NewPool(q, stepExecutor, backoff, 3, logger)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	t.Cleanup(func() {
		cancel()
		pool.Stop()
	})

	return &engine{service: svc, runner: runner}
}

func (e *engine) submit(t *testing.T, inputs map[string]any) (*model.Task, *scheduler.PlanResult) {
	t.Helper()
	ctx := context.Background()

	res, err := e.service.CreateTask(ctx, "actor-1", "ws-1", service.CreateTaskRequest{
		Title:  "Quarterly review",
		Inputs: inputs,
	})
	require.NoError(t, err)

	plan, err := e.service.PlanTask(ctx, "ws-1", res.Task.ID)
	require.NoError(t, err)
	require.True(t, plan.Planned, plan.Reason)
	return res.Task, plan
}

func (e *engine) waitTerminal(t *testing.T, taskID string) *watch.Snapshot {
	t.Helper()

	var snap *watch.Snapshot
	require.Eventually(t, func() bool {
		got, err := e.service.GetTask(context.Background(), "ws-1", taskID, true)
		if err != nil {
			return false
		}
		snap = got
		return got.Task.State.IsTerminal()
	}, 10*time.Second, 20*time.Millisecond)
	return snap
}

func stepsByKey(snap *watch.Snapshot) map[string]*model.Step {
	m := make(map[string]*model.Step, len(snap.Steps))
	for _, s := range snap.Steps {
		key := s.CapabilityKey
		if key == "" {
			key = s.Shape().String()
		}
		m[key] = s
	}
	return m
}

func TestEngine(t *testing.T) {
	t.Run("Chained capabilities run to DONE", func(t *testing.T) {
		e := startEngine(t)
		task, plan := e.submit(t, map[string]any{
			model.PlanHintKey: model.PlanHint{
				DesiredCapabilities: []model.CapabilityRef{
					{CapabilityKey: "research"}, {CapabilityKey: "write"},
				},
				Edges: []model.PlanEdge{{From: "research", To: "write"}},
			},
		})
		require.NotEmpty(t, plan.JoinStepID)

		snap := e.waitTerminal(t, task.ID)
		assert.Equal(t, model.TaskStateDone, snap.Task.State)
		require.Len(t, snap.Steps, 4)
		for _, s := range snap.Steps {
			assert.Equal(t, model.StepStateSucceeded, s.State, s.ID)
			assert.NotNil(t, s.FinishedAt)
		}
		assert.Equal(t, []string{"research", "write"}, e.runner.ran())
		assert.Equal(t, 10, snap.Task.Metrics.SpentTokens)
		assert.NotNil(t, snap.Task.Metrics.FinishedAt)
	})

	t.Run("Failing sibling fails the task and cancels dependents", func(t *testing.T) {
		e := startEngine(t, "research")
		task, _ := e.submit(t, map[string]any{
			model.PlanHintKey: model.PlanHint{
				DesiredCapabilities: []model.CapabilityRef{
					{CapabilityKey: "research"}, {CapabilityKey: "write"}, {CapabilityKey: "review"},
				},
				Edges: []model.PlanEdge{{From: "research", To: "write"}},
			},
		})

		snap := e.waitTerminal(t, task.ID)
		assert.Equal(t, model.TaskStateFailed, snap.Task.State)

		byKey := stepsByKey(snap)
		research := byKey["research"]
		assert.Equal(t, model.StepStateFailed, research.State)
		assert.Equal(t, "research unavailable", research.Error)
		assert.NotNil(t, research.FinishedAt)

		assert.Equal(t, model.StepStateSucceeded, byKey["review"].State)
		assert.Equal(t, model.StepStateCancelled, byKey["write"].State)
		assert.Equal(t, model.StepStateCancelled, byKey[model.ShapeJoinAll.String()].State)
		assert.NotContains(t, e.runner.ran(), "write")

		for _, s := range snap.Steps {
			assert.True(t, s.State.IsTerminal(), "step %s left %s", s.ID, s.State)
		}
	})
}
