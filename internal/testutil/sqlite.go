package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/t77yq/taskgraph/internal/storage"
)

// OpenSQLite opens a fresh database under the test's temp dir
func OpenSQLite(t *testing.T) *sql.DB {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "taskgraph.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}
