package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultReaderBatchSize bounds a single fetch
	DefaultReaderBatchSize = 100
	// DefaultPollInterval is the sleep between empty fetches
	DefaultPollInterval = time.Second
)

// AuditStats summarizes the audit table for status and lag reporting
type AuditStats struct {
	Total      int64
	Unconsumed int64
	MaxID      int64
	LastReadID int64
	Pending    int64
}

// AuditReader polls the audit table and yields unconsumed records in
// ascending id order. The cursor advances only on MarkConsumed or an
// explicit AdvanceCursor, never on a fetch, so a crash
// between fetch and apply re-delivers; the apply path absorbs the repeat
// through idempotent upserts.
type AuditReader struct {
	source     *sql.DB
	auditTable string
	batchSize  int
	pollEvery  time.Duration
	cursor     atomic.Int64
	running    atomic.Bool
	wake       chan struct{}

	lifecycleMu sync.Mutex
}

// ReaderOption configures an AuditReader
type ReaderOption func(*AuditReader)

// WithReaderBatchSize sets the fetch bound
func WithReaderBatchSize(n int) ReaderOption {
	return func(r *AuditReader) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithPollInterval sets the sleep between empty fetches
func WithPollInterval(d time.Duration) ReaderOption {
	return func(r *AuditReader) {
		if d > 0 {
			r.pollEvery = d
		}
	}
}

// WithAuditTableName points the reader at a non-default audit table
func WithAuditTableName(name string) ReaderOption {
	return func(r *AuditReader) {
		r.auditTable = name
	}
}

// NewAuditReader creates a reader over the given source connection
func NewAuditReader(source *sql.DB, opts ...ReaderOption) *AuditReader {
	reader := &AuditReader{
		source:     source,
		auditTable: DefaultAuditTable,
		batchSize:  DefaultReaderBatchSize,
		pollEvery:  DefaultPollInterval,
		wake:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(reader)
	}
	return reader
}

// Start opens the reader from the given floor. Events with id <= fromID are
// never yielded.
func (r *AuditReader) Start(fromID int64) {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	r.cursor.Store(fromID)
	r.running.Store(true)
	log.Info().
		Int64("from_id", fromID).
		Int("batch_size", r.batchSize).
		Dur("poll_interval", r.pollEvery).
		Msg("Audit reader started")
}

// Stop halts the reader; FetchBatch returns empty afterwards
func (r *AuditReader) Stop() {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if r.running.CompareAndSwap(true, false) {
		log.Info().Int64("cursor", r.cursor.Load()).Msg("Audit reader stopped")
	}
}

// IsRunning reports whether the reader has been started and not stopped
func (r *AuditReader) IsRunning() bool {
	return r.running.Load()
}

// Cursor returns the current consumption floor
func (r *AuditReader) Cursor() int64 {
	return r.cursor.Load()
}

// Signal implements the wrapper's Signaler: a committed capture wakes a
// sleeping FetchBatch immediately.
func (r *AuditReader) Signal(string) {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// SetBatchSize adjusts the fetch bound at runtime (engine backpressure)
func (r *AuditReader) SetBatchSize(n int) {
	if n > 0 {
		r.lifecycleMu.Lock()
		r.batchSize = n
		r.lifecycleMu.Unlock()
	}
}

// FetchBatch returns up to batch_size events with id beyond the cursor.
// When the audit table has nothing new it sleeps one poll interval (or
// until a capture signal) and returns empty. A full batch is returned
// without sleeping so the caller can immediately re-fetch.
func (r *AuditReader) FetchBatch(ctx context.Context) ([]ChangeEvent, error) {
	if !r.running.Load() {
		return nil, nil
	}

	r.lifecycleMu.Lock()
	limit := r.batchSize
	r.lifecycleMu.Unlock()

	events, err := r.fetchUnconsumed(ctx, r.cursor.Load(), limit)
	if err != nil {
		return nil, err
	}

	if len(events) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.wake:
		case <-time.After(r.pollEvery):
		}
		return nil, nil
	}

	return events, nil
}

func (r *AuditReader) fetchUnconsumed(ctx context.Context, afterID int64, limit int) ([]ChangeEvent, error) {
	rows, err := r.source.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, table_name, operation, row_id, before_data, after_data, created_at, retry_count
		FROM %s
		WHERE id > ? AND consumed_at IS NULL
		ORDER BY id
		LIMIT ?`, r.auditTable), afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch audit records: %w", err)
	}
	defer rows.Close()

	var events []ChangeEvent
	for rows.Next() {
		var (
			record     AuditRecord
			rowID      sql.NullString
			beforeJSON []byte
			afterJSON  []byte
			createdAt  string
		)
		if err := rows.Scan(&record.ID, &record.TableName, &record.Operation, &rowID,
			&beforeJSON, &afterJSON, &createdAt, &record.RetryCount); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		record.RowID = rowID.String
		record.CreatedAt = parseAuditTimestamp(createdAt)

		if record.BeforeData, err = decodeRowData(beforeJSON); err != nil {
			return nil, fmt.Errorf("audit record %d: %w", record.ID, err)
		}
		if record.AfterData, err = decodeRowData(afterJSON); err != nil {
			return nil, fmt.Errorf("audit record %d: %w", record.ID, err)
		}

		events = append(events, record.ToChangeEvent())
	}
	return events, rows.Err()
}

// MarkConsumed stamps the given records consumed and advances the cursor to
// the highest id. Small transaction; retried records keep their ids.
func (r *AuditReader) MarkConsumed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, 0, len(ids)+1)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	args = append(args, now)
	maxID := int64(0)
	for _, id := range ids {
		args = append(args, id)
		if id > maxID {
			maxID = id
		}
	}

	_, err := r.source.ExecContext(ctx, fmt.Sprintf(
		"UPDATE %s SET consumed_at = ? WHERE id IN (%s)", r.auditTable, placeholders), args...)
	if err != nil {
		return fmt.Errorf("failed to mark audit records consumed: %w", err)
	}

	if maxID > r.cursor.Load() {
		r.cursor.Store(maxID)
	}
	return nil
}

// AdvanceCursor moves the in-memory consumption floor without stamping
// consumed_at. Used when healthy targets are past an id but a halted
// target still needs the rows replayable after restart.
func (r *AuditReader) AdvanceCursor(id int64) {
	if id > r.cursor.Load() {
		r.cursor.Store(id)
	}
}

// IncrementRetry bumps the retry counter of an audit record after a failed
// apply.
func (r *AuditReader) IncrementRetry(ctx context.Context, id int64) error {
	_, err := r.source.ExecContext(ctx, fmt.Sprintf(
		"UPDATE %s SET retry_count = retry_count + 1 WHERE id = ?", r.auditTable), id)
	return err
}

// Stats reports audit table counters for status output and telemetry
func (r *AuditReader) Stats(ctx context.Context) (AuditStats, error) {
	stats := AuditStats{LastReadID: r.cursor.Load()}

	row := r.source.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE consumed_at IS NULL),
		       COALESCE(MAX(id), 0)
		FROM %s`, r.auditTable))
	if err := row.Scan(&stats.Total, &stats.Unconsumed, &stats.MaxID); err != nil {
		return stats, fmt.Errorf("failed to read audit stats: %w", err)
	}

	if pending := stats.MaxID - stats.LastReadID; pending > 0 {
		stats.Pending = pending
	}
	return stats, nil
}

// MaxAuditID returns the current high-water mark of the audit log. Zero
// when the log is empty.
func MaxAuditID(ctx context.Context, source *sql.DB, auditTable string) (int64, error) {
	var maxID int64
	err := source.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT COALESCE(MAX(id), 0) FROM %s", auditTable)).Scan(&maxID)
	return maxID, err
}

// parseAuditTimestamp handles both SQLite's CURRENT_TIMESTAMP format and
// RFC 3339 strings.
func parseAuditTimestamp(raw string) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts
		}
	}
	return time.Time{}
}
