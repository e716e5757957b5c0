package brain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/taskgraph/internal/storage"
	"github.com/t77yq/taskgraph/internal/testutil"
)

func TestRetriever(t *testing.T) {
	ctx := context.Background()
	r := NewRetriever(storage.NewDocumentStore(testutil.OpenSQLite(t), zap.NewNop()), zap.NewNop())

	best, err := r.Ingest(ctx, "ws-1", "Quarterly report on queue latency and queue depth")
	require.NoError(t, err)
	_, err = r.Ingest(ctx, "ws-1", "Latency budget for the report")
	require.NoError(t, err)
	_, err = r.Ingest(ctx, "ws-1", "Holiday schedule")
	require.NoError(t, err)
	_, err = r.Ingest(ctx, "ws-2", "Queue latency report from another tenant")
	require.NoError(t, err)

	t.Run("Ranks by term overlap within the workspace", func(t *testing.T) {
		hits, err := r.Search(ctx, "ws-1", "queue latency report", 3)
		require.NoError(t, err)
		require.Len(t, hits, 2)
		assert.Equal(t, best.ID, hits[0].ID)
		assert.InDelta(t, 1.0, hits[0].Score, 1e-9)
		assert.InDelta(t, 2.0/3.0, hits[1].Score, 1e-9)
	})

	t.Run("Respects limit", func(t *testing.T) {
		hits, err := r.Search(ctx, "ws-1", "queue latency report", 1)
		require.NoError(t, err)
		assert.Len(t, hits, 1)
	})

	t.Run("Empty query", func(t *testing.T) {
		hits, err := r.Search(ctx, "ws-1", "  ", 3)
		require.NoError(t, err)
		assert.Empty(t, hits)
	})

	t.Run("Remove", func(t *testing.T) {
		removed, err := r.Remove(ctx, "ws-1", best.ID)
		require.NoError(t, err)
		assert.True(t, removed)

		hits, err := r.Search(ctx, "ws-1", "queue depth", 3)
		require.NoError(t, err)
		assert.Empty(t, hits)
	})
}
