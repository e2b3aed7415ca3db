package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadTableSchema(t *testing.T) {
	source, err := OpenSource(filepath.Join(t.TempDir(), "schema.db"))
	require.NoError(t, err)
	defer source.Close()

	_, err = source.Exec(`CREATE TABLE orders (order_id INTEGER PRIMARY KEY, status TEXT NOT NULL, total REAL)`)
	require.NoError(t, err)

	schema, err := LoadTableSchema(source, "orders")
	require.NoError(t, err)

	assert.Equal(t, []string{"order_id", "status", "total"}, schema.ColumnNames())
	assert.Equal(t, "order_id", schema.PrimaryKey())
	assert.True(t, schema.Columns[1].NotNull)
}

func TestLoadTableSchemaMissingTable(t *testing.T) {
	source, err := OpenSource(filepath.Join(t.TempDir(), "schema.db"))
	require.NoError(t, err)
	defer source.Close()

	_, err = LoadTableSchema(source, "ghosts")
	assert.Error(t, err)
}

func TestSchemaCacheInvalidate(t *testing.T) {
	source, err := OpenSource(filepath.Join(t.TempDir(), "schema.db"))
	require.NoError(t, err)
	defer source.Close()

	_, err = source.Exec(`CREATE TABLE t (id INTEGER PRIMARY KEY, a TEXT)`)
	require.NoError(t, err)

	cache, err := NewSchemaCache(source)
	require.NoError(t, err)

	schema, err := cache.Get("t")
	require.NoError(t, err)
	assert.Len(t, schema.Columns, 2)

	_, err = source.Exec(`ALTER TABLE t ADD COLUMN b TEXT`)
	require.NoError(t, err)

	// Stale until invalidated
	schema, err = cache.Get("t")
	require.NoError(t, err)
	assert.Len(t, schema.Columns, 2)

	cache.Invalidate("t")
	schema, err = cache.Get("t")
	require.NoError(t, err)
	assert.Len(t, schema.Columns, 3)
}

func TestEffectivePrimaryKey(t *testing.T) {
	source, err := OpenSource(filepath.Join(t.TempDir(), "schema.db"))
	require.NoError(t, err)
	defer source.Close()

	_, err = source.Exec(`CREATE TABLE with_pk (code TEXT PRIMARY KEY, v TEXT)`)
	require.NoError(t, err)
	_, err = source.Exec(`CREATE TABLE without_pk (a TEXT, b TEXT)`)
	require.NoError(t, err)

	cache, err := NewSchemaCache(source)
	require.NoError(t, err)

	pk, err := cache.EffectivePrimaryKey("with_pk", "configured")
	require.NoError(t, err)
	assert.Equal(t, "configured", pk)

	pk, err = cache.EffectivePrimaryKey("with_pk", "")
	require.NoError(t, err)
	assert.Equal(t, "code", pk)

	pk, err = cache.EffectivePrimaryKey("without_pk", "")
	require.NoError(t, err)
	assert.Equal(t, "rowid", pk)
}
