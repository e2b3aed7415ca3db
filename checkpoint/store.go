// Package checkpoint persists sync progress in a local SQLite metadata
// file, separate from the source database. A target's position advances
// only after that target has acknowledged the batch, so a restart replays
// from a safe floor.
package checkpoint

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Status values of an initial-sync checkpoint
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Position is the incremental progress of one (source, target) pair
type Position struct {
	SourceDB        string
	TargetName      string
	LastAuditID     int64
	TotalEvents     int64
	LastProcessedAt time.Time
}

// InitialCheckpoint is the backfill progress of one (source, table) pair
type InitialCheckpoint struct {
	SourceDB    string
	TableName   string
	LastPK      string // string-encoded; "" means start from the minimum
	TotalSynced int64
	Status      string
	StartedAt   time.Time
	UpdatedAt   time.Time
}

// SyncError is one row of the per-target error log
type SyncError struct {
	ID         int64
	SourceDB   string
	TargetName string
	EventID    string
	Kind       string
	Message    string
	RetryCount int
	Resolved   bool
	CreatedAt  time.Time
}

var schemas = []string{
	`CREATE TABLE IF NOT EXISTS sync_positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_db_path TEXT NOT NULL,
		target_name TEXT NOT NULL,
		last_audit_id INTEGER NOT NULL DEFAULT 0,
		total_events INTEGER NOT NULL DEFAULT 0,
		last_processed_at TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(source_db_path, target_name)
	)`,
	`CREATE TABLE IF NOT EXISTS initial_sync_checkpoints (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_db_path TEXT NOT NULL,
		table_name TEXT NOT NULL,
		last_pk TEXT,
		total_synced INTEGER DEFAULT 0,
		status TEXT DEFAULT 'running',
		started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(source_db_path, table_name)
	)`,
	`CREATE TABLE IF NOT EXISTS sync_errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_db_path TEXT NOT NULL,
		target_name TEXT NOT NULL,
		event_id TEXT,
		error_type TEXT NOT NULL,
		error_message TEXT NOT NULL,
		retry_count INTEGER DEFAULT 0,
		resolved BOOLEAN DEFAULT FALSE,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		resolved_at TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS sync_stats (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_db_path TEXT NOT NULL,
		target_name TEXT NOT NULL,
		table_name TEXT NOT NULL,
		operation TEXT NOT NULL,
		count INTEGER DEFAULT 0,
		last_sync_at TIMESTAMP,
		UNIQUE(source_db_path, target_name, table_name, operation)
	)`,
	`CREATE TABLE IF NOT EXISTS sync_meta (
		source_db_path TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(source_db_path, key)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_source ON sync_positions(source_db_path, target_name)`,
	`CREATE INDEX IF NOT EXISTS idx_initial_source ON initial_sync_checkpoints(source_db_path, table_name)`,
	`CREATE INDEX IF NOT EXISTS idx_errors_unresolved ON sync_errors(resolved, created_at) WHERE resolved = FALSE`,
}

// Store is the durable checkpoint store. Single writer per run; every write
// is an atomic replace.
type Store struct {
	meta *sql.DB
	path string
}

// Open creates or opens the checkpoint database at path
func Open(path string) (*Store, error) {
	dsn := path
	if !strings.Contains(path, ":memory:") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	}

	meta, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
	}
	meta.SetMaxOpenConns(1)
	meta.SetMaxIdleConns(1)

	for _, schema := range schemas {
		if _, err := meta.Exec(schema); err != nil {
			meta.Close()
			return nil, fmt.Errorf("failed to create checkpoint schema: %w", err)
		}
	}

	return &Store{meta: meta, path: path}, nil
}

// Close closes the store
func (s *Store) Close() error {
	return s.meta.Close()
}

// SavePosition durably upserts the incremental position for a target.
// last_audit_id never decreases.
func (s *Store) SavePosition(pos Position) error {
	_, err := s.meta.Exec(`
		INSERT INTO sync_positions (source_db_path, target_name, last_audit_id, total_events, last_processed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(source_db_path, target_name) DO UPDATE SET
			last_audit_id = MAX(last_audit_id, excluded.last_audit_id),
			total_events = excluded.total_events,
			last_processed_at = excluded.last_processed_at,
			updated_at = CURRENT_TIMESTAMP`,
		pos.SourceDB, pos.TargetName, pos.LastAuditID, pos.TotalEvents,
		pos.LastProcessedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save position for %s: %w", pos.TargetName, err)
	}
	return nil
}

// LoadPosition returns the last durable position for a target, or the zero
// position when none was saved.
func (s *Store) LoadPosition(sourceDB, targetName string) (Position, error) {
	pos := Position{SourceDB: sourceDB, TargetName: targetName}

	var processedAt sql.NullString
	err := s.meta.QueryRow(`
		SELECT last_audit_id, total_events, last_processed_at
		FROM sync_positions
		WHERE source_db_path = ? AND target_name = ?`,
		sourceDB, targetName).Scan(&pos.LastAuditID, &pos.TotalEvents, &processedAt)
	if err == sql.ErrNoRows {
		return pos, nil
	}
	if err != nil {
		return pos, fmt.Errorf("failed to load position for %s: %w", targetName, err)
	}
	if processedAt.Valid {
		pos.LastProcessedAt, _ = time.Parse(time.RFC3339Nano, processedAt.String)
	}
	return pos, nil
}

// SaveInitialCheckpoint upserts a backfill checkpoint, preserving the
// original started_at across updates.
func (s *Store) SaveInitialCheckpoint(cp InitialCheckpoint) error {
	var lastPK interface{}
	if cp.LastPK != "" {
		lastPK = cp.LastPK
	}
	_, err := s.meta.Exec(`
		INSERT INTO initial_sync_checkpoints (source_db_path, table_name, last_pk, total_synced, status, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(source_db_path, table_name) DO UPDATE SET
			last_pk = excluded.last_pk,
			total_synced = excluded.total_synced,
			status = excluded.status,
			updated_at = CURRENT_TIMESTAMP`,
		cp.SourceDB, cp.TableName, lastPK, cp.TotalSynced, cp.Status)
	if err != nil {
		return fmt.Errorf("failed to save initial checkpoint for %s: %w", cp.TableName, err)
	}
	return nil
}

// LoadInitialCheckpoint returns the backfill checkpoint for a table, or nil
func (s *Store) LoadInitialCheckpoint(sourceDB, table string) (*InitialCheckpoint, error) {
	cp := &InitialCheckpoint{SourceDB: sourceDB}

	var (
		lastPK    sql.NullString
		startedAt string
		updatedAt string
	)
	err := s.meta.QueryRow(`
		SELECT table_name, last_pk, total_synced, status, started_at, updated_at
		FROM initial_sync_checkpoints
		WHERE source_db_path = ? AND table_name = ?`,
		sourceDB, table).Scan(&cp.TableName, &lastPK, &cp.TotalSynced, &cp.Status, &startedAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load initial checkpoint for %s: %w", table, err)
	}
	cp.LastPK = lastPK.String
	cp.StartedAt = parseStoredTime(startedAt)
	cp.UpdatedAt = parseStoredTime(updatedAt)
	return cp, nil
}

// ListInitialCheckpoints returns all backfill checkpoints for a source,
// keyed by table name.
func (s *Store) ListInitialCheckpoints(sourceDB string) (map[string]InitialCheckpoint, error) {
	rows, err := s.meta.Query(`
		SELECT table_name, last_pk, total_synced, status, started_at, updated_at
		FROM initial_sync_checkpoints
		WHERE source_db_path = ?`, sourceDB)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	checkpoints := map[string]InitialCheckpoint{}
	for rows.Next() {
		cp := InitialCheckpoint{SourceDB: sourceDB}
		var (
			lastPK    sql.NullString
			startedAt string
			updatedAt string
		)
		if err := rows.Scan(&cp.TableName, &lastPK, &cp.TotalSynced, &cp.Status, &startedAt, &updatedAt); err != nil {
			return nil, err
		}
		cp.LastPK = lastPK.String
		cp.StartedAt = parseStoredTime(startedAt)
		cp.UpdatedAt = parseStoredTime(updatedAt)
		checkpoints[cp.TableName] = cp
	}
	return checkpoints, rows.Err()
}

// DeleteInitialCheckpoint removes a table's backfill checkpoint so the next
// run starts the scan over.
func (s *Store) DeleteInitialCheckpoint(sourceDB, table string) error {
	_, err := s.meta.Exec(`
		DELETE FROM initial_sync_checkpoints
		WHERE source_db_path = ? AND table_name = ?`, sourceDB, table)
	return err
}

// SaveHandoffID pins the audit id at which the incremental stream begins
func (s *Store) SaveHandoffID(sourceDB string, handoffID int64) error {
	_, err := s.meta.Exec(`
		INSERT INTO sync_meta (source_db_path, key, value, updated_at)
		VALUES (?, 'handoff_id', ?, CURRENT_TIMESTAMP)
		ON CONFLICT(source_db_path, key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP`,
		sourceDB, fmt.Sprintf("%d", handoffID))
	return err
}

// LoadHandoffID returns the pinned handoff id, or 0 when none was recorded
func (s *Store) LoadHandoffID(sourceDB string) (int64, error) {
	var value string
	err := s.meta.QueryRow(`
		SELECT value FROM sync_meta WHERE source_db_path = ? AND key = 'handoff_id'`,
		sourceDB).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var handoffID int64
	_, err = fmt.Sscanf(value, "%d", &handoffID)
	return handoffID, err
}

// LogError records a sync failure and returns its id
func (s *Store) LogError(sourceDB, targetName, eventID, kind, message string) (int64, error) {
	result, err := s.meta.Exec(`
		INSERT INTO sync_errors (source_db_path, target_name, event_id, error_type, error_message)
		VALUES (?, ?, ?, ?, ?)`,
		sourceDB, targetName, eventID, kind, message)
	if err != nil {
		return 0, fmt.Errorf("failed to log sync error: %w", err)
	}
	return result.LastInsertId()
}

// ListUnresolvedErrors returns open errors, optionally filtered by target
func (s *Store) ListUnresolvedErrors(sourceDB, targetName string) ([]SyncError, error) {
	query := `
		SELECT id, target_name, COALESCE(event_id, ''), error_type, error_message, retry_count, created_at
		FROM sync_errors
		WHERE source_db_path = ? AND resolved = FALSE`
	args := []interface{}{sourceDB}
	if targetName != "" {
		query += " AND target_name = ?"
		args = append(args, targetName)
	}
	query += " ORDER BY created_at"

	rows, err := s.meta.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var errors []SyncError
	for rows.Next() {
		e := SyncError{SourceDB: sourceDB}
		var createdAt string
		if err := rows.Scan(&e.ID, &e.TargetName, &e.EventID, &e.Kind, &e.Message, &e.RetryCount, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = parseStoredTime(createdAt)
		errors = append(errors, e)
	}
	return errors, rows.Err()
}

// ResolveError marks an error resolved
func (s *Store) ResolveError(errorID int64) error {
	_, err := s.meta.Exec(`
		UPDATE sync_errors SET resolved = TRUE, resolved_at = CURRENT_TIMESTAMP WHERE id = ?`, errorID)
	return err
}

// IncrementRetry bumps an error's retry counter and returns the new value
func (s *Store) IncrementRetry(errorID int64) (int, error) {
	_, err := s.meta.Exec(`UPDATE sync_errors SET retry_count = retry_count + 1 WHERE id = ?`, errorID)
	if err != nil {
		return 0, err
	}
	var count int
	err = s.meta.QueryRow(`SELECT retry_count FROM sync_errors WHERE id = ?`, errorID).Scan(&count)
	return count, err
}

// UpdateStats accumulates per-(target, table, operation) apply counters
func (s *Store) UpdateStats(sourceDB, targetName, table, operation string, count int64) error {
	_, err := s.meta.Exec(`
		INSERT INTO sync_stats (source_db_path, target_name, table_name, operation, count, last_sync_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(source_db_path, target_name, table_name, operation) DO UPDATE SET
			count = count + ?,
			last_sync_at = CURRENT_TIMESTAMP`,
		sourceDB, targetName, table, operation, count, count)
	return err
}

// Stats returns apply counters for a target keyed by "table.operation"
func (s *Store) Stats(sourceDB, targetName string) (map[string]int64, error) {
	rows, err := s.meta.Query(`
		SELECT table_name, operation, count
		FROM sync_stats
		WHERE source_db_path = ? AND target_name = ?`, sourceDB, targetName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]int64{}
	for rows.Next() {
		var (
			table     string
			operation string
			count     int64
		)
		if err := rows.Scan(&table, &operation, &count); err != nil {
			return nil, err
		}
		stats[table+"."+operation] = count
	}
	return stats, rows.Err()
}

func parseStoredTime(raw string) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts
		}
	}
	return time.Time{}
}
