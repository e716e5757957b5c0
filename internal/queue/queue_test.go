package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/taskgraph/internal/queue"
	"github.com/t77yq/taskgraph/internal/testutil"
)

func TestJobKey(t *testing.T) {
	assert.Equal(t, "step-1:0", queue.Job{StepID: "step-1"}.Key())
	assert.Equal(t, "step-1:2", queue.Job{StepID: "step-1", Attempt: 2}.Key())
}

// exerciseQueue checks the contract shared by every implementation.
func exerciseQueue(t *testing.T, q queue.Queue) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	t.Run("Duplicate enqueues deliver once", func(t *testing.T) {
		job := queue.Job{StepID: "dup-step"}
		require.NoError(t, q.Enqueue(ctx, job))
		require.NoError(t, q.Enqueue(ctx, job))

		d, err := q.Fetch(ctx)
		require.NoError(t, err)
		assert.Equal(t, job, d.Job)
		assert.Equal(t, uint64(1), d.NumDelivered)
		require.NoError(t, d.Ack())

		_, err = q.Fetch(ctx)
		assert.ErrorIs(t, err, queue.ErrNoDelivery)
	})

	t.Run("New attempt is a new job", func(t *testing.T) {
		require.NoError(t, q.Enqueue(ctx, queue.Job{StepID: "dup-step", Attempt: 1}))

		d, err := q.Fetch(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, d.Job.Attempt)
		require.NoError(t, d.Ack())
	})

	t.Run("Nak redelivers", func(t *testing.T) {
		require.NoError(t, q.Enqueue(ctx, queue.Job{StepID: "nak-step"}))

		d, err := q.Fetch(ctx)
		require.NoError(t, err)
		require.NoError(t, d.Nak(50*time.Millisecond))

		var again *queue.Delivery
		require.Eventually(t, func() bool {
			again, err = q.Fetch(ctx)
			return err == nil
		}, 10*time.Second, 10*time.Millisecond)
		assert.Equal(t, "nak-step", again.Job.StepID)
		assert.Equal(t, uint64(2), again.NumDelivered)
		require.NoError(t, again.Term())
	})
}

func TestMemoryQueue(t *testing.T) {
	q := queue.NewMemoryQueue(time.Minute, 200*time.Millisecond, zap.NewNop())
	defer q.Close()

	exerciseQueue(t, q)

	t.Run("Closed queue", func(t *testing.T) {
		q.Close()
		err := q.Enqueue(context.Background(), queue.Job{StepID: "late"})
		assert.ErrorIs(t, err, queue.ErrQueueClosed)
	})
}

func TestJetStreamQueue(t *testing.T) {
	js, cleanup := testutil.SetupJetStream(t)
	defer cleanup()

	q, err := queue.NewJetStreamQueue(js, queue.Config{
		AckWait:   5 * time.Second,
		FetchWait: 500 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)

	stream, err := js.StreamInfo(queue.DefaultStreamName)
	require.NoError(t, err)
	assert.Equal(t, []string{queue.DefaultSubject}, stream.Config.Subjects)

	exerciseQueue(t, q)

	t.Run("Reuses existing stream", func(t *testing.T) {
		_, err := queue.NewJetStreamQueue(js, queue.Config{}, zap.NewNop())
		require.NoError(t, err)
	})
}
