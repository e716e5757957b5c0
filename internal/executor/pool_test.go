package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/taskgraph/internal/queue"
	"github.com/t77yq/taskgraph/internal/scheduler"
)

type scriptedRunner struct {
	mu       sync.Mutex
	attempts map[string]int
	script   func(stepID string, attempt int) (*Outcome, error)
}

func (r *scriptedRunner) ExecuteStep(_ context.Context, stepID string) (*Outcome, error) {
	r.mu.Lock()
	r.attempts[stepID]++
	attempt := r.attempts[stepID]
	r.mu.Unlock()
	return r.script(stepID, attempt)
}

func (r *scriptedRunner) count(stepID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[stepID]
}

func TestPool(t *testing.T) {
	q := queue.NewMemoryQueue(time.Minute, 20*time.Millisecond, zap.NewNop())
	defer q.Close()

	runner := &scriptedRunner{
		attempts: map[string]int{},
		script: func(stepID string, attempt int) (*Outcome, error) {
			switch stepID {
			case "flaky":
				if attempt == 1 {
					return nil, errors.New("store busy")
				}
				return &Outcome{Completed: true}, nil
			case "interrupted":
				if attempt == 1 {
					return nil, fmt.Errorf("%w: %w", ErrStepInterrupted, context.Canceled)
				}
				return &Outcome{Completed: true}, nil
			case "broken":
				return nil, fmt.Errorf("%w: boom", ErrStepFailed)
			case "dup":
				return &Outcome{Skipped: true, Reason: "state=SUCCEEDED"}, nil
			default:
				return &Outcome{Completed: true}, nil
			}
		},
	}

	backoff := &scheduler.ExponentialBackoff{InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 2}
	pool := NewPool(q, runner, backoff, 3, zap.NewNop())

	ctx := context.Background()
	for _, id := range []string{"ok-1", "ok-2", "flaky", "interrupted", "broken", "dup"} {
		require.NoError(t, q.Enqueue(ctx, queue.Job{StepID: id}))
	}

	pool.Start(ctx)
	require.Eventually(t, func() bool {
		return pool.Stats().Processed == 8
	}, 5*time.Second, 10*time.Millisecond)
	pool.Stop()

	stats := pool.Stats()
	assert.Equal(t, 3, stats.PoolSize)
	assert.Equal(t, 0, stats.InFlight)
	assert.Equal(t, int64(4), stats.Succeeded)
	assert.Equal(t, int64(1), stats.Skipped)
	assert.Equal(t, int64(2), stats.Failed)

	assert.Equal(t, 2, runner.count("flaky"), "transient errors are redelivered")
	assert.Equal(t, 2, runner.count("interrupted"), "released steps are redelivered")
	assert.Equal(t, 1, runner.count("broken"), "failed steps are not redelivered")
	assert.Equal(t, 0, q.Len())
}
