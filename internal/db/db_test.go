package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSqliteDB_Memory_Defaults(t *testing.T) {
	database, err := NewSqliteDB()
	require.NoError(t, err)
	defer database.Close()

	_, err = database.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT);")
	require.NoError(t, err)
}

func TestNewSqliteDB_File_CreatesParent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "records.db")

	database, err := NewSqliteDB(WithPath(dbPath))
	require.NoError(t, err)
	defer database.Close()

	assert.DirExists(t, filepath.Dir(dbPath))
}

func TestNewSqliteDB_ReadOnly_RejectsWrites(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "records.db")

	rw, err := NewSqliteDB(WithPath(dbPath))
	require.NoError(t, err)
	_, err = rw.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY);")
	require.NoError(t, err)
	require.NoError(t, rw.Close())

	ro, err := NewSqliteDB(WithPath(dbPath), WithReadOnly())
	require.NoError(t, err)
	defer ro.Close()

	var count int
	require.NoError(t, ro.Get(&count, "SELECT COUNT(*) FROM t"))
	assert.Equal(t, 0, count)

	_, err = ro.Exec("INSERT INTO t (id) VALUES (1)")
	assert.Error(t, err)
}
