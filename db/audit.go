package db

import (
	"encoding/json"
	"fmt"
	"time"
)

// Operation is the kind of DML a statement performs
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
	// OpOther marks statements that are executed without capture
	OpOther Operation = ""
)

// DefaultAuditTable is the audit log table created in the source database
const DefaultAuditTable = "_cdc_audit_log"

// AuditRecord is one row of the audit log. The log is append-only; rows are
// committed in the same transaction as the business write they describe.
type AuditRecord struct {
	ID         int64
	TableName  string
	Operation  Operation
	RowID      string
	BeforeData map[string]interface{} // pre-image, UPDATE/DELETE only
	AfterData  map[string]interface{} // post-image, INSERT/UPDATE only
	CreatedAt  time.Time
	ConsumedAt *time.Time
	RetryCount int
}

// ChangeEvent is the in-memory unit of the sync data flow, derived 1:1 from
// an audit record.
type ChangeEvent struct {
	AuditID   int64
	Timestamp time.Time
	Operation Operation
	TableName string
	RowID     string
	Before    map[string]interface{}
	After     map[string]interface{}
}

// EventID returns the globally unique event identifier within a source
func (e ChangeEvent) EventID() string {
	return fmt.Sprintf("%d:%s:%s", e.AuditID, e.TableName, e.RowID)
}

// ToChangeEvent converts an audit record to its change event
func (r AuditRecord) ToChangeEvent() ChangeEvent {
	return ChangeEvent{
		AuditID:   r.ID,
		Timestamp: r.CreatedAt,
		Operation: r.Operation,
		TableName: r.TableName,
		RowID:     r.RowID,
		Before:    r.BeforeData,
		After:     r.AfterData,
	}
}

// auditSchemaStatements returns the DDL for the audit table and its indexes.
// The partial index keeps the unconsumed scan cheap regardless of log size.
func auditSchemaStatements(table string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			table_name TEXT NOT NULL,
			operation TEXT NOT NULL CHECK(operation IN ('INSERT', 'UPDATE', 'DELETE')),
			row_id TEXT,
			before_data JSON,
			after_data JSON,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			consumed_at TIMESTAMP,
			retry_count INTEGER DEFAULT 0
		)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_unconsumed ON %s(id) WHERE consumed_at IS NULL`, table, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_table ON %s(table_name, created_at)`, table, table),
	}
}

// encodeRowData serializes a captured row image to JSON for the audit table.
// Nil maps become SQL NULL.
func encodeRowData(data map[string]interface{}) (interface{}, error) {
	if data == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode row data: %w", err)
	}
	return string(encoded), nil
}

// decodeRowData parses a JSON column back into a row image
func decodeRowData(raw []byte) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to decode row data: %w", err)
	}
	return data, nil
}
