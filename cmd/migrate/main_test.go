package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFilename(t *testing.T) {
	tests := []struct {
		filename string
		valid    bool
		version  int
		name     string
	}{
		{"0001_init.sql", true, 1, "init"},
		{"0002_immutability_triggers.sql", true, 2, "immutability_triggers"},
		{"001_invalid.sql", false, 0, ""},       // wrong number format
		{"0001_test", false, 0, ""},             // missing .sql
		{"0001.sql", false, 0, ""},              // missing name
		{"invalid_0001_test.sql", false, 0, ""}, // wrong order
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			version, name, ok := parseFilename(tt.filename)
			assert.Equal(t, tt.valid, ok)
			assert.Equal(t, tt.version, version)
			assert.Equal(t, tt.name, name)
		})
	}
}

func TestMigrationChecksumConsistency(t *testing.T) {
	a := checksum([]byte("CREATE TABLE test (id INTEGER);"))
	b := checksum([]byte("CREATE TABLE test (id INTEGER);"))
	c := checksum([]byte("CREATE TABLE different (id INTEGER);"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestReadMigrations_SortsAndSkipsInvalid(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"0002_second.sql": "SELECT 2;",
		"0001_first.sql":  "SELECT 1;",
		"notes.txt":       "ignored",
	}
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}

	migrations, err := readMigrations(dir, zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, 1, migrations[0].Version)
	assert.Equal(t, "first", migrations[0].Name)
	assert.Equal(t, "SELECT 2;", migrations[1].SQL)
}

func TestReadMigrations_DuplicateVersion(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0001_a.sql"), []byte("SELECT 1;"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0001_b.sql"), []byte("SELECT 1;"), 0o644))

	_, err := readMigrations(dir, zerolog.Nop())
	assert.Error(t, err)
}

func TestReadMigrations_RepositoryFiles(t *testing.T) {
	migrations, err := readMigrations(filepath.Join("..", "..", "migrations", "postgres"), zerolog.Nop())
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(migrations), 2)
	assert.Equal(t, "init", migrations[0].Name)
}

func TestPlan(t *testing.T) {
	migrations := []Migration{
		{Version: 1, Name: "a", Checksum: "c1"},
		{Version: 2, Name: "b", Checksum: "c2"},
	}

	pending, err := plan(migrations, []AppliedMigration{{Version: 1, Checksum: "c1"}})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Version)

	_, err = plan(migrations, []AppliedMigration{{Version: 1, Checksum: "tampered"}})
	assert.ErrorContains(t, err, "modified after being applied")
}
