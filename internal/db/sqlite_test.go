package db

import (
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDSN_Write(t *testing.T) {
	dsn := buildDSN("/tmp/state.sqlite", "write")

	assert.Contains(t, dsn, "_journal_mode=WAL")
	assert.Contains(t, dsn, "_busy_timeout=5000")
	assert.Contains(t, dsn, "_synchronous=NORMAL")
	assert.Contains(t, dsn, "_txlock=immediate")
	assert.True(t, strings.HasPrefix(dsn, "/tmp/state.sqlite?"))
}

func TestBuildDSN_Read(t *testing.T) {
	dsn := buildDSN("/tmp/state.sqlite", "read")

	assert.Contains(t, dsn, "_journal_mode=WAL")
	assert.NotContains(t, dsn, "_txlock")
}

func TestOpenSQLite_InvalidMode(t *testing.T) {
	_, err := OpenSQLite(filepath.Join(t.TempDir(), "state.db"), "invalid", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid SQLite mode")
}

func TestOpenSQLite_WritePoolIsSerialized(t *testing.T) {
	pool, err := OpenSQLite(filepath.Join(t.TempDir(), "state.db"), "write", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	var journalMode string
	require.NoError(t, pool.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", strings.ToLower(journalMode))

	assert.Equal(t, 1, pool.Stats().MaxOpenConnections)
}

func TestOpenTestSQLite_RunsMigrations(t *testing.T) {
	writeDB, readDB := OpenTestSQLite(t)

	var n int
	require.NoError(t, writeDB.QueryRow(`SELECT COUNT(*) FROM queries`).Scan(&n))
	assert.Zero(t, n)
	require.NoError(t, readDB.QueryRow(`SELECT COUNT(*) FROM queries`).Scan(&n))
}
