// Package transform reshapes captured source rows for their target tables:
// an optional row filter, field renames, and per-field value converters.
// Transformers are stateless once built and safe for concurrent use.
package transform

import (
	"fmt"

	"github.com/driftsync/driftsync/cfg"
)

// Transformer applies one table mapping
type Transformer struct {
	mapping *cfg.TableMapping
	fields  map[string]*cfg.FieldMapping
	filter  *RowFilter
}

// New builds a transformer for a table mapping
func New(mapping *cfg.TableMapping) (*Transformer, error) {
	filter, err := ParseRowFilter(mapping.FilterCondition)
	if err != nil {
		return nil, err
	}

	fields := make(map[string]*cfg.FieldMapping, len(mapping.FieldMappings))
	for i := range mapping.FieldMappings {
		fm := &mapping.FieldMappings[i]
		fields[fm.SourceField] = fm
	}

	return &Transformer{mapping: mapping, fields: fields, filter: filter}, nil
}

// TargetTable returns the mapped target table name
func (t *Transformer) TargetTable() string {
	return t.mapping.TargetTable
}

// PrimaryKey returns the mapping's primary key field name
func (t *Transformer) PrimaryKey() string {
	return t.mapping.PrimaryKey
}

// TransformRow reshapes one source row. A nil result with nil error means
// the row was dropped by the filter.
func (t *Transformer) TransformRow(row map[string]interface{}) (map[string]interface{}, error) {
	if row == nil {
		return nil, nil
	}
	if !t.filter.Match(row) {
		return nil, nil
	}

	result := make(map[string]interface{}, len(row))
	for sourceField, value := range row {
		fm, mapped := t.fields[sourceField]
		if !mapped {
			result[sourceField] = value
			continue
		}

		if fm.Converter != "" {
			converted, err := Convert(value, fm.Converter, fm.ConverterParams)
			if err != nil {
				return nil, fmt.Errorf("field %s.%s: %w", t.mapping.SourceTable, sourceField, err)
			}
			value = converted
		}
		result[fm.TargetField] = value
	}
	return result, nil
}

// TransformBatch reshapes a slice of rows, dropping filtered ones
func (t *Transformer) TransformBatch(rows []map[string]interface{}) ([]map[string]interface{}, error) {
	result := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		transformed, err := t.TransformRow(row)
		if err != nil {
			return nil, err
		}
		if transformed != nil {
			result = append(result, transformed)
		}
	}
	return result, nil
}
