package transform

import (
	"testing"

	"github.com/driftsync/driftsync/cfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrimAndLowercaseWithRename(t *testing.T) {
	mapping := &cfg.TableMapping{
		SourceTable: "users",
		TargetTable: "users_backup",
		PrimaryKey:  "id",
		FieldMappings: []cfg.FieldMapping{
			{SourceField: "name", TargetField: "user_name", Converter: cfg.ConverterTrim},
			{SourceField: "email", TargetField: "email", Converter: cfg.ConverterLowercase},
		},
	}

	transformer, err := New(mapping)
	require.NoError(t, err)

	row, err := transformer.TransformRow(map[string]interface{}{
		"name":  " Zhang ",
		"email": "A@B.COM",
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]interface{}{
		"user_name": "Zhang",
		"email":     "a@b.com",
	}, row)
}

func TestUnmappedFieldsPassThrough(t *testing.T) {
	transformer, err := New(&cfg.TableMapping{
		SourceTable: "users", TargetTable: "users", PrimaryKey: "id",
	})
	require.NoError(t, err)

	row, err := transformer.TransformRow(map[string]interface{}{"id": int64(1), "name": "Zhang"})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"id": int64(1), "name": "Zhang"}, row)
}

func TestDefaultConverter(t *testing.T) {
	transformer, err := New(&cfg.TableMapping{
		SourceTable: "users", TargetTable: "users", PrimaryKey: "id",
		FieldMappings: []cfg.FieldMapping{
			{
				SourceField: "status", TargetField: "status",
				Converter:       cfg.ConverterDefault,
				ConverterParams: map[string]interface{}{"value": "active"},
			},
		},
	})
	require.NoError(t, err)

	row, err := transformer.TransformRow(map[string]interface{}{"status": nil})
	require.NoError(t, err)
	assert.Equal(t, "active", row["status"])

	row, err = transformer.TransformRow(map[string]interface{}{"status": ""})
	require.NoError(t, err)
	assert.Equal(t, "active", row["status"])

	row, err = transformer.TransformRow(map[string]interface{}{"status": "frozen"})
	require.NoError(t, err)
	assert.Equal(t, "frozen", row["status"])
}

func TestTypecast(t *testing.T) {
	tests := []struct {
		name       string
		targetType string
		input      interface{}
		want       interface{}
	}{
		{"string to int", "int", "42", int64(42)},
		{"float to int", "int", float64(7.9), int64(7)},
		{"string to float", "float", "3.5", 3.5},
		{"int to str", "str", int64(42), "42"},
		{"int to bool", "bool", int64(1), true},
		{"string to bool", "bool", "true", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Convert(tc.input, cfg.ConverterTypecast,
				map[string]interface{}{"target_type": tc.targetType})
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestTypecastFailureIsDataError(t *testing.T) {
	_, err := Convert("not a number", cfg.ConverterTypecast,
		map[string]interface{}{"target_type": "int"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrData)
}

func TestTypecastNilPassesThrough(t *testing.T) {
	got, err := Convert(nil, cfg.ConverterTypecast,
		map[string]interface{}{"target_type": "int"})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestNonStringPassThroughForStringConverters(t *testing.T) {
	got, err := Convert(int64(5), cfg.ConverterLowercase, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got)
}

func TestRowFilter(t *testing.T) {
	tests := []struct {
		name      string
		condition string
		row       map[string]interface{}
		want      bool
	}{
		{"equality match", "status = 'active'", map[string]interface{}{"status": "active"}, true},
		{"equality miss", "status = 'active'", map[string]interface{}{"status": "frozen"}, false},
		{"inequality", "status != 'deleted'", map[string]interface{}{"status": "active"}, true},
		{"numeric equality", "kind = 2", map[string]interface{}{"kind": int64(2)}, true},
		{"numeric equality json decoded", "kind = 2", map[string]interface{}{"kind": float64(2)}, true},
		{"is null match", "deleted_at IS NULL", map[string]interface{}{"deleted_at": nil}, true},
		{"is null miss", "deleted_at IS NULL", map[string]interface{}{"deleted_at": "2024-01-01"}, false},
		{"is not null", "deleted_at IS NOT NULL", map[string]interface{}{"deleted_at": "2024-01-01"}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			filter, err := ParseRowFilter(tc.condition)
			require.NoError(t, err)
			assert.Equal(t, tc.want, filter.Match(tc.row))
		})
	}
}

func TestRowFilterDropsRowInTransform(t *testing.T) {
	transformer, err := New(&cfg.TableMapping{
		SourceTable: "users", TargetTable: "users", PrimaryKey: "id",
		FilterCondition: "deleted_at IS NULL",
	})
	require.NoError(t, err)

	kept, err := transformer.TransformRow(map[string]interface{}{"id": int64(1), "deleted_at": nil})
	require.NoError(t, err)
	assert.NotNil(t, kept)

	dropped, err := transformer.TransformRow(map[string]interface{}{"id": int64(2), "deleted_at": "2024-01-01"})
	require.NoError(t, err)
	assert.Nil(t, dropped)
}

func TestUnsupportedFilterCondition(t *testing.T) {
	_, err := ParseRowFilter("status IN ('a', 'b')")
	assert.Error(t, err)
}

func TestTransformBatch(t *testing.T) {
	transformer, err := New(&cfg.TableMapping{
		SourceTable: "users", TargetTable: "users", PrimaryKey: "id",
		FilterCondition: "active = 1",
	})
	require.NoError(t, err)

	rows, err := transformer.TransformBatch([]map[string]interface{}{
		{"id": int64(1), "active": int64(1)},
		{"id": int64(2), "active": int64(0)},
		{"id": int64(3), "active": int64(1)},
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
}
