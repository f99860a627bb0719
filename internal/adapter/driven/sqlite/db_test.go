package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDB_FileUsesWAL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bob.db")

	db, err := NewDB(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var mode string
	require.NoError(t, db.Reader.QueryRowContext(context.Background(), "PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
	assert.Equal(t, 1, db.Writer.Stats().MaxOpenConnections)
	assert.Equal(t, 4, db.Reader.Stats().MaxOpenConnections)
}

func TestNewDB_MissingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "bob.db")

	_, err := NewDB(context.Background(), path)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "writer")
}
