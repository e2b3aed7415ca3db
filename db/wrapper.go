package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"

	"github.com/driftsync/driftsync/telemetry"
)

// Signaler receives a nudge after every committed capture. The audit poller
// subscribes so in-process writes surface before the poll interval elapses.
type Signaler interface {
	Signal(table string)
}

// CDCConnection wraps a SQLite source connection and intercepts DML.
// Captured statements run inside a single transaction together with the
// audit rows describing them; the business write and its audit trail commit
// or roll back as one.
//
// Writers that bypass the wrapper are invisible to the sync pipeline.
type CDCConnection struct {
	source     *sql.DB
	auditTable string
	allow      []glob.Glob
	schemas    *SchemaCache
	signaler   Signaler
	fallbacks  atomic.Uint64
}

// WrapperOption configures a CDCConnection
type WrapperOption func(*CDCConnection) error

// WithAuditTable overrides the audit table name
func WithAuditTable(name string) WrapperOption {
	return func(c *CDCConnection) error {
		c.auditTable = name
		return nil
	}
}

// WithAllowList restricts capture to tables matching the given glob
// patterns. An empty list captures all tables.
func WithAllowList(patterns []string) WrapperOption {
	return func(c *CDCConnection) error {
		for _, pattern := range patterns {
			compiled, err := glob.Compile(pattern)
			if err != nil {
				return fmt.Errorf("invalid table pattern %q: %w", pattern, err)
			}
			c.allow = append(c.allow, compiled)
		}
		return nil
	}
}

// WithSignaler wires a change signal hub into the wrapper
func WithSignaler(s Signaler) WrapperOption {
	return func(c *CDCConnection) error {
		c.signaler = s
		return nil
	}
}

// NewCDCConnection wraps an open source database. It ensures the audit
// table and its indexes exist before returning.
func NewCDCConnection(source *sql.DB, opts ...WrapperOption) (*CDCConnection, error) {
	conn := &CDCConnection{
		source:     source,
		auditTable: DefaultAuditTable,
	}
	for _, opt := range opts {
		if err := opt(conn); err != nil {
			return nil, err
		}
	}

	schemas, err := NewSchemaCache(source)
	if err != nil {
		return nil, err
	}
	conn.schemas = schemas

	for _, stmt := range auditSchemaStatements(conn.auditTable) {
		if _, err := source.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to ensure audit table: %w", err)
		}
	}
	return conn, nil
}

// OpenCDCConnection opens the source database at path and wraps it
func OpenCDCConnection(path string, opts ...WrapperOption) (*CDCConnection, error) {
	source, err := OpenSource(path)
	if err != nil {
		return nil, err
	}
	conn, err := NewCDCConnection(source, opts...)
	if err != nil {
		source.Close()
		return nil, err
	}
	return conn, nil
}

// DB exposes the underlying connection for reads and schema management
func (c *CDCConnection) DB() *sql.DB {
	return c.source
}

// AuditTable returns the audit table name in use
func (c *CDCConnection) AuditTable() string {
	return c.auditTable
}

// CaptureFallbacks reports how many recognized DML statements were executed
// without capture because the table could not be determined.
func (c *CDCConnection) CaptureFallbacks() uint64 {
	return c.fallbacks.Load()
}

// Close closes the underlying connection
func (c *CDCConnection) Close() error {
	return c.source.Close()
}

func (c *CDCConnection) shouldCapture(table string) bool {
	if table == c.auditTable {
		return false
	}
	if len(c.allow) == 0 {
		return true
	}
	for _, pattern := range c.allow {
		if pattern.Match(table) {
			return true
		}
	}
	return false
}

// Exec executes a statement, capturing audit rows for INSERT/UPDATE/DELETE
// against audited tables. Non-DML and non-audited statements execute
// directly against the source.
func (c *CDCConnection) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	op, table := Classify(query)

	if op == OpOther {
		return c.source.ExecContext(ctx, query, args...)
	}
	if table == "" {
		// Recognized DML the classifier cannot attribute to a table.
		// Executed uncaptured; downstream targets will not see this write.
		c.fallbacks.Add(1)
		telemetry.CaptureFallbacks.Inc()
		log.Warn().Str("query", truncateQuery(query)).Msg("DML statement not captured: table unresolved")
		return c.source.ExecContext(ctx, query, args...)
	}
	if !c.shouldCapture(table) {
		return c.source.ExecContext(ctx, query, args...)
	}

	tx, err := c.source.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin capture transaction: %w", err)
	}

	result, err := c.captureExec(ctx, tx, query, args, op, table)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit capture transaction: %w", err)
	}

	c.signal(table)
	return result, nil
}

// ExecMany executes a statement once per parameter tuple, producing one
// audit row per affected row with ordering preserved. All tuples and their
// audit rows share one transaction.
func (c *CDCConnection) ExecMany(ctx context.Context, query string, paramSets [][]interface{}) error {
	op, table := Classify(query)

	if op == OpOther || table == "" || !c.shouldCapture(table) {
		if op != OpOther && table == "" {
			c.fallbacks.Add(1)
			telemetry.CaptureFallbacks.Inc()
		}
		tx, err := c.source.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		for _, params := range paramSets {
			if _, err := tx.ExecContext(ctx, query, params...); err != nil {
				tx.Rollback()
				return err
			}
		}
		return tx.Commit()
	}

	tx, err := c.source.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin capture transaction: %w", err)
	}
	for _, params := range paramSets {
		if _, err := c.captureExec(ctx, tx, query, params, op, table); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit capture transaction: %w", err)
	}

	c.signal(table)
	return nil
}

// Tx is an explicit wrapper transaction. Statements captured through it
// accumulate audit rows in the same transaction; Commit makes the business
// writes and their audit trail durable together.
type Tx struct {
	conn     *CDCConnection
	tx       *sql.Tx
	touched  map[string]struct{}
	finished bool
}

// Begin starts an explicit capture transaction
func (c *CDCConnection) Begin(ctx context.Context) (*Tx, error) {
	tx, err := c.source.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{conn: c, tx: tx, touched: map[string]struct{}{}}, nil
}

// Exec executes a statement inside the wrapper transaction
func (t *Tx) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	op, table := Classify(query)

	if op == OpOther {
		return t.tx.ExecContext(ctx, query, args...)
	}
	if table == "" {
		t.conn.fallbacks.Add(1)
		telemetry.CaptureFallbacks.Inc()
		log.Warn().Str("query", truncateQuery(query)).Msg("DML statement not captured: table unresolved")
		return t.tx.ExecContext(ctx, query, args...)
	}
	if !t.conn.shouldCapture(table) {
		return t.tx.ExecContext(ctx, query, args...)
	}

	t.touched[table] = struct{}{}
	return t.conn.captureExec(ctx, t.tx, query, args, op, table)
}

// Commit commits business writes and audit rows atomically
func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return err
	}
	t.finished = true
	for table := range t.touched {
		t.conn.signal(table)
	}
	return nil
}

// Rollback discards business writes and audit rows together
func (t *Tx) Rollback() error {
	if t.finished {
		return nil
	}
	t.finished = true
	return t.tx.Rollback()
}

func (c *CDCConnection) signal(table string) {
	if c.signaler != nil {
		c.signaler.Signal(table)
	}
}

// capturedRow is a row image paired with the rowid it was read under, used
// to re-read the post-image of UPDATEs.
type capturedRow struct {
	rowid int64 // -1 when the table has no rowid
	data  map[string]interface{}
}

// captureExec runs one captured statement inside tx: pre-image reads, the
// statement itself, post-image reads, and the audit inserts.
func (c *CDCConnection) captureExec(ctx context.Context, tx *sql.Tx, query string, args []interface{}, op Operation, table string) (sql.Result, error) {
	schema, err := c.schemas.Get(table)
	if err != nil {
		return nil, err
	}
	pk := schema.PrimaryKey()

	var before []capturedRow
	if op == OpUpdate || op == OpDelete {
		before, err = c.fetchMatchedRows(ctx, tx, table, query, args)
		if err != nil {
			return nil, fmt.Errorf("failed to capture pre-image for %s: %w", table, err)
		}
	}

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	switch op {
	case OpInsert:
		rows, err := c.fetchInsertedRows(ctx, tx, table, result)
		if err != nil {
			return nil, fmt.Errorf("failed to capture post-image for %s: %w", table, err)
		}
		for _, row := range rows {
			if err := c.appendAudit(ctx, tx, table, op, rowIDOf(pk, row.data, row.rowid), nil, row.data); err != nil {
				return nil, err
			}
		}

	case OpUpdate:
		for _, pre := range before {
			post, err := c.refetchRow(ctx, tx, table, pk, pre)
			if err != nil {
				return nil, fmt.Errorf("failed to capture post-image for %s: %w", table, err)
			}
			if err := c.appendAudit(ctx, tx, table, op, rowIDOf(pk, pre.data, pre.rowid), pre.data, post); err != nil {
				return nil, err
			}
		}

	case OpDelete:
		for _, pre := range before {
			if err := c.appendAudit(ctx, tx, table, op, rowIDOf(pk, pre.data, pre.rowid), pre.data, nil); err != nil {
				return nil, err
			}
		}
	}

	return result, nil
}

// fetchMatchedRows materializes the rows a statement's predicate matches.
// The WHERE parameters are the trailing placeholders of the original
// argument list (SET parameters precede them in an UPDATE).
func (c *CDCConnection) fetchMatchedRows(ctx context.Context, tx *sql.Tx, table, query string, args []interface{}) ([]capturedRow, error) {
	where := extractWhereClause(query)

	selectSQL := fmt.Sprintf("SELECT rowid AS _cdc_rowid_, * FROM %q", table)
	params := []interface{}{}
	if where != "" {
		selectSQL += " WHERE " + where
		n := countPlaceholders(where)
		if n > len(args) {
			return nil, fmt.Errorf("predicate references %d parameters, statement has %d", n, len(args))
		}
		params = args[len(args)-n:]
	}

	rows, err := tx.QueryContext(ctx, selectSQL, params...)
	if err != nil {
		// WITHOUT ROWID tables reject the rowid alias; retry on columns only
		selectSQL = strings.Replace(selectSQL, "SELECT rowid AS _cdc_rowid_, *", "SELECT *", 1)
		rows, err = tx.QueryContext(ctx, selectSQL, params...)
		if err != nil {
			return nil, err
		}
	}
	defer rows.Close()

	return scanCapturedRows(rows)
}

// fetchInsertedRows reads back the rows created by an INSERT using the
// auto-assigned rowid. Multi-row inserts are read as the trailing rowid
// range ending at LastInsertId.
func (c *CDCConnection) fetchInsertedRows(ctx context.Context, tx *sql.Tx, table string, result sql.Result) ([]capturedRow, error) {
	lastID, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	affected, err := result.RowsAffected()
	if err != nil || affected < 1 {
		affected = 1
	}

	rows, err := tx.QueryContext(ctx,
		fmt.Sprintf("SELECT rowid AS _cdc_rowid_, * FROM %q WHERE rowid > ? AND rowid <= ? ORDER BY rowid", table),
		lastID-affected, lastID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanCapturedRows(rows)
}

// refetchRow re-reads a single row after an UPDATE, by rowid when
// available, else by the pre-image primary key.
func (c *CDCConnection) refetchRow(ctx context.Context, tx *sql.Tx, table, pk string, pre capturedRow) (map[string]interface{}, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if pre.rowid >= 0 {
		rows, err = tx.QueryContext(ctx,
			fmt.Sprintf("SELECT rowid AS _cdc_rowid_, * FROM %q WHERE rowid = ?", table), pre.rowid)
	} else if pk != "" {
		rows, err = tx.QueryContext(ctx,
			fmt.Sprintf("SELECT * FROM %q WHERE %q = ?", table, pk), pre.data[pk])
	} else {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	captured, err := scanCapturedRows(rows)
	if err != nil {
		return nil, err
	}
	if len(captured) == 0 {
		// The update moved the row out from under its identifier
		return nil, nil
	}
	return captured[0].data, nil
}

func (c *CDCConnection) appendAudit(ctx context.Context, tx *sql.Tx, table string, op Operation, rowID string, before, after map[string]interface{}) error {
	beforeJSON, err := encodeRowData(before)
	if err != nil {
		return err
	}
	afterJSON, err := encodeRowData(after)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (table_name, operation, row_id, before_data, after_data) VALUES (?, ?, ?, ?, ?)",
		c.auditTable), table, string(op), rowID, beforeJSON, afterJSON)
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	telemetry.EventsCaptured.With(string(op)).Inc()
	return nil
}

// scanCapturedRows converts a result set to row images, peeling off the
// _cdc_rowid_ helper column when present.
func scanCapturedRows(rows *sql.Rows) ([]capturedRow, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var captured []capturedRow
	for rows.Next() {
		values := make([]interface{}, len(columns))
		pointers := make([]interface{}, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, err
		}

		row := capturedRow{rowid: -1, data: make(map[string]interface{}, len(columns))}
		for i, name := range columns {
			value := normalizeValue(values[i])
			if name == "_cdc_rowid_" {
				if id, ok := value.(int64); ok {
					row.rowid = id
				}
				continue
			}
			row.data[name] = value
		}
		captured = append(captured, row)
	}
	return captured, rows.Err()
}

// normalizeValue maps driver values to JSON-friendly types
func normalizeValue(value interface{}) interface{} {
	if raw, ok := value.([]byte); ok {
		return string(raw)
	}
	return value
}

// rowIDOf serializes the row identifier: the primary-key value when the
// table declares one, else the rowid.
func rowIDOf(pk string, data map[string]interface{}, rowid int64) string {
	if pk != "" && data != nil {
		if value, ok := data[pk]; ok && value != nil {
			return formatValue(value)
		}
	}
	if rowid >= 0 {
		return strconv.FormatInt(rowid, 10)
	}
	return ""
}

func formatValue(value interface{}) string {
	switch v := value.(type) {
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

func truncateQuery(query string) string {
	const limit = 120
	if len(query) <= limit {
		return query
	}
	return query[:limit] + "..."
}
