package db

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")

	c, err := NewCatalog(path)
	require.NoError(t, err)
	assert.Empty(t, c.ListTables())

	require.NoError(t, c.CreateTable("b", 7))
	require.NoError(t, c.CreateTable("a", 3))
	assert.ErrorIs(t, c.CreateTable("a", 9), ErrTableExists)

	reloaded, err := NewCatalog(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, reloaded.ListTables())
	meta, ok := reloaded.GetTable("b")
	require.True(t, ok)
	assert.Equal(t, int32(7), meta.FirstPageID)

	dropped, err := reloaded.DropTable("a")
	require.NoError(t, err)
	assert.Equal(t, int32(3), dropped.FirstPageID)
	_, err = reloaded.DropTable("a")
	assert.ErrorIs(t, err, ErrTableNotFound)

	again, err := NewCatalog(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, again.ListTables())
}

func TestCatalogRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewCatalog(path)
	assert.Error(t, err)
}
