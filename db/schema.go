package db

import (
	"database/sql"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ColumnInfo is the metadata of a single column as reported by table_info
type ColumnInfo struct {
	Name    string
	Type    string
	NotNull bool
	PK      int // 1-based position in the primary key, 0 if not part of it
}

// TableSchema holds the column layout of a source table
type TableSchema struct {
	Table     string
	Columns   []ColumnInfo
	PKColumns []string
}

// PrimaryKey returns the table's single-column primary key name, or ""
// when the table has no PK or a composite one.
func (s *TableSchema) PrimaryKey() string {
	if len(s.PKColumns) == 1 {
		return s.PKColumns[0]
	}
	return ""
}

// ColumnNames returns the column names in declaration order
func (s *TableSchema) ColumnNames() []string {
	names := make([]string, 0, len(s.Columns))
	for _, col := range s.Columns {
		names = append(names, col.Name)
	}
	return names
}

const defaultSchemaCacheSize = 128

// SchemaCache caches table schemas so capture does not hit table_info on
// every statement. Invalidate after DDL against a cached table.
type SchemaCache struct {
	source *sql.DB
	cache  *lru.Cache[string, *TableSchema]
}

// NewSchemaCache creates a schema cache over the given source connection
func NewSchemaCache(source *sql.DB) (*SchemaCache, error) {
	cache, err := lru.New[string, *TableSchema](defaultSchemaCacheSize)
	if err != nil {
		return nil, err
	}
	return &SchemaCache{source: source, cache: cache}, nil
}

// Get returns the schema for a table, loading and caching it on miss
func (c *SchemaCache) Get(table string) (*TableSchema, error) {
	if schema, ok := c.cache.Get(table); ok {
		return schema, nil
	}

	schema, err := LoadTableSchema(c.source, table)
	if err != nil {
		return nil, err
	}
	c.cache.Add(table, schema)
	return schema, nil
}

// Invalidate drops a table from the cache
func (c *SchemaCache) Invalidate(table string) {
	c.cache.Remove(table)
}

// LoadTableSchema reads a table's layout via PRAGMA table_info
func LoadTableSchema(source *sql.DB, table string) (*TableSchema, error) {
	rows, err := source.Query(fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return nil, fmt.Errorf("failed to read schema of %s: %w", table, err)
	}
	defer rows.Close()

	schema := &TableSchema{Table: table}
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultSQL sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultSQL, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan table_info row: %w", err)
		}
		schema.Columns = append(schema.Columns, ColumnInfo{
			Name:    name,
			Type:    colType,
			NotNull: notNull != 0,
			PK:      pk,
		})
		if pk > 0 {
			schema.PKColumns = append(schema.PKColumns, name)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(schema.Columns) == 0 {
		return nil, fmt.Errorf("table %s does not exist", table)
	}
	return schema, nil
}

// EffectivePrimaryKey resolves the ordering key used for captured rows and
// initial-sync pagination: the configured key wins, then the declared
// single-column PK, then the implicit rowid.
func (c *SchemaCache) EffectivePrimaryKey(table, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	schema, err := c.Get(table)
	if err != nil {
		return "", err
	}
	if pk := schema.PrimaryKey(); pk != "" {
		return pk, nil
	}
	return "rowid", nil
}
