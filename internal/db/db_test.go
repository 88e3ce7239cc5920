package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_FileIsDurable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ledger.db")
	conn, err := Open(path)
	require.NoError(t, err)
	defer conn.Close()

	assert.DirExists(t, filepath.Dir(path))

	var mode string
	require.NoError(t, conn.Get(&mode, "PRAGMA journal_mode"))
	assert.Equal(t, "wal", mode)

	var sync int
	require.NoError(t, conn.Get(&sync, "PRAGMA synchronous"))
	assert.Equal(t, 2, sync, "FULL")
}

func TestOpen_SynchronousOverride(t *testing.T) {
	conn, err := Open(filepath.Join(t.TempDir(), "x.db"), WithSynchronous(SyncNormal))
	require.NoError(t, err)
	defer conn.Close()

	var sync int
	require.NoError(t, conn.Get(&sync, "PRAGMA synchronous"))
	assert.Equal(t, 1, sync)
}

func TestMigrate(t *testing.T) {
	conn, err := Open(Memory)
	require.NoError(t, err)
	defer conn.Close()

	migrations := []string{
		"CREATE TABLE a (id INTEGER PRIMARY KEY)",
		"ALTER TABLE a ADD COLUMN name TEXT NOT NULL DEFAULT ''",
	}
	require.NoError(t, Migrate(conn, migrations[:1]))
	require.NoError(t, Migrate(conn, migrations))
	// already applied
	require.NoError(t, Migrate(conn, migrations))

	var version int
	require.NoError(t, conn.Get(&version, "PRAGMA user_version"))
	assert.Equal(t, 2, version)

	_, err = conn.Exec("INSERT INTO a (id, name) VALUES (1, 'x')")
	require.NoError(t, err)

	err = Migrate(conn, migrations[:1])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than this build")
}

func TestMigrate_FailedStepRollsBack(t *testing.T) {
	conn, err := Open(Memory)
	require.NoError(t, err)
	defer conn.Close()

	err = Migrate(conn, []string{"CREATE TABLE ok (id INTEGER)", "CREATE TABLE broken ("})
	require.Error(t, err)

	var version int
	require.NoError(t, conn.Get(&version, "PRAGMA user_version"))
	assert.Equal(t, 1, version)
}

func TestCheckIntegrity(t *testing.T) {
	conn, err := Open(Memory)
	require.NoError(t, err)
	defer conn.Close()
	assert.NoError(t, CheckIntegrity(conn))
}
