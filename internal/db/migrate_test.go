package db

import (
	"database/sql"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemory(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"m/V1__create_a.up.sql":   {Data: []byte("CREATE TABLE a (id INTEGER PRIMARY KEY);")},
		"m/V1__create_a.down.sql": {Data: []byte("DROP TABLE a;")},
		"m/V2__create_b.up.sql":   {Data: []byte("CREATE TABLE b (id INTEGER PRIMARY KEY);")},
		"m/V2__create_b.down.sql": {Data: []byte("DROP TABLE b;")},
		"m/README.md":             {Data: []byte("ignored")},
		"m/Vx__bad.up.sql":        {Data: []byte("ignored")},
	}
}

// TestInitialize verifies schema_migrations table creation.
func TestInitialize(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, testMigrations(), "m")

	require.NoError(t, m.Initialize())

	_, err := db.Exec("INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
		1, 123456, "test_migration", strings.Repeat("a", 64))
	assert.NoError(t, err)
}

// TestUp verifies migrations are applied in version order and only once.
func TestUp(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, testMigrations(), "m")
	require.NoError(t, m.Initialize())

	_, err := m.CurrentVersion()
	require.NoError(t, err)

	require.NoError(t, m.Up())
	require.NoError(t, m.Up())

	v, err := m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	applied, err := m.GetAppliedMigrations()
	require.NoError(t, err)
	require.Len(t, applied, 2)
	assert.Equal(t, "create_a", applied[0].Description)
	assert.Len(t, applied[0].Checksum, 64)
}

// TestUp_ModifiedMigration verifies checksum drift is reported.
func TestUp_ModifiedMigration(t *testing.T) {
	db := openMemory(t)
	fsys := testMigrations()
	m := NewMigrator(db, fsys, "m")
	require.NoError(t, m.Initialize())
	require.NoError(t, m.Up())

	fsys["m/V1__create_a.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE a (id TEXT);")}
	err := NewMigrator(db, fsys, "m").Up()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "V1")
}

// TestDown verifies rollback of the latest migration.
func TestDown(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, testMigrations(), "m")
	require.NoError(t, m.Initialize())
	require.NoError(t, m.Up())

	require.NoError(t, m.Down())
	v, err := m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	var name string
	err = db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='b'").Scan(&name)
	assert.ErrorIs(t, err, sql.ErrNoRows)

	require.NoError(t, m.Down())
	assert.Error(t, m.Down(), "nothing left to roll back")
}

// TestEmbeddedMigrations verifies the shipped schema applies and rolls back.
func TestEmbeddedMigrations(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, migrationFS, "migrations")
	require.NoError(t, m.Initialize())
	require.NoError(t, m.Up())
	require.NoError(t, m.Down())
	require.NoError(t, m.Up())
}
