package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/driftsync/driftsync/cfg"
	"github.com/driftsync/driftsync/checkpoint"
	"github.com/driftsync/driftsync/db"
	"github.com/driftsync/driftsync/target"
	"github.com/driftsync/driftsync/telemetry"
	"github.com/driftsync/driftsync/transform"
)

// InitialSync copies baseline rows for each mapped table to every target,
// scanning in primary-key order with seek pagination. The audit high-water
// mark is pinned before the first scan so the incremental stream starts
// with no gap.
type InitialSync struct {
	source  *sql.DB
	schemas *db.SchemaCache
	store   *checkpoint.Store
	config  *cfg.Configuration
	targets []target.Writer
	dialect goqu.DialectWrapper
}

// NewInitialSync builds a backfill runner over an open source connection
func NewInitialSync(source *sql.DB, schemas *db.SchemaCache, store *checkpoint.Store,
	config *cfg.Configuration, targets []target.Writer) *InitialSync {
	return &InitialSync{
		source:  source,
		schemas: schemas,
		store:   store,
		config:  config,
		targets: targets,
		dialect: goqu.Dialect("sqlite3"),
	}
}

// Run pins the handoff id, backfills the given tables (all mapped tables
// when nil), and returns the handoff id the incremental stream starts from.
func (s *InitialSync) Run(ctx context.Context, tables []string) (int64, error) {
	handoffID, err := db.MaxAuditID(ctx, s.source, db.DefaultAuditTable)
	if err != nil {
		return 0, fmt.Errorf("failed to pin handoff id: %w", err)
	}
	if err := s.store.SaveHandoffID(s.config.Source.DBPath, handoffID); err != nil {
		return 0, fmt.Errorf("failed to persist handoff id: %w", err)
	}

	if tables == nil {
		tables = s.config.SourceTables()
	}

	log.Info().Strs("tables", tables).Int64("handoff_id", handoffID).Msg("Initial sync starting")

	for _, table := range tables {
		count, err := s.SyncTable(ctx, table)
		if err != nil {
			return 0, err
		}
		log.Info().Str("table", table).Int64("rows", count).Msg("Initial sync table complete")
	}

	return handoffID, nil
}

// SyncTable backfills one table, resuming from its checkpoint. Returns the
// table's running total of synced rows, which includes the total recorded
// in the checkpoint it resumed from; 0 when the table was already completed.
func (s *InitialSync) SyncTable(ctx context.Context, table string) (int64, error) {
	mapping := s.config.Mapping(table)
	if mapping == nil {
		return 0, fmt.Errorf("table %s has no mapping", table)
	}

	cp, err := s.store.LoadInitialCheckpoint(s.config.Source.DBPath, table)
	if err != nil {
		return 0, err
	}
	if cp != nil && cp.Status == checkpoint.StatusCompleted {
		log.Info().Str("table", table).Int64("total_synced", cp.TotalSynced).
			Msg("Initial sync already completed, skipping")
		return 0, nil
	}

	pk, err := s.schemas.EffectivePrimaryKey(table, mapping.PrimaryKey)
	if err != nil {
		return 0, err
	}

	transformer, err := transform.New(mapping)
	if err != nil {
		return 0, err
	}

	var lastPK interface{}
	var synced int64
	if cp != nil && cp.LastPK != "" {
		lastPK = cp.LastPK
		synced = cp.TotalSynced
	}

	log.Info().Str("table", table).Str("pk", pk).Interface("resume_from", lastPK).
		Msg("Initial sync table starting")

	batchNum := 0
	for {
		if err := ctx.Err(); err != nil {
			return synced, err
		}

		rows, nextPK, err := s.fetchPage(ctx, table, pk, lastPK, nil, s.config.BatchSize)
		if err != nil {
			s.failTable(table, lastPK, synced)
			return synced, err
		}
		if len(rows) == 0 {
			break
		}

		transformed, err := transformer.TransformBatch(rows)
		if err != nil {
			s.failTable(table, lastPK, synced)
			return synced, err
		}

		if err := s.applyToAllTargets(ctx, transformer.TargetTable(), transformer.PrimaryKey(), transformed); err != nil {
			s.failTable(table, lastPK, synced)
			return synced, err
		}

		synced += int64(len(rows))
		lastPK = nextPK
		batchNum++
		telemetry.InitialSyncRows.With(table).Add(float64(len(rows)))

		if batchNum%s.config.CheckpointInterval == 0 {
			if err := s.saveProgress(table, lastPK, synced, checkpoint.StatusRunning); err != nil {
				return synced, err
			}
			log.Debug().Str("table", table).Int64("synced", synced).
				Interface("last_pk", lastPK).Msg("Initial sync checkpoint")
		}
	}

	if err := s.saveProgress(table, lastPK, synced, checkpoint.StatusCompleted); err != nil {
		return synced, err
	}
	return synced, nil
}

// SyncTableParallel backfills a large table by partitioning its integer
// key space into contiguous ranges scanned concurrently. Range failures
// are independent; the table completes only when every range completes.
func (s *InitialSync) SyncTableParallel(ctx context.Context, table string, workers int) (int64, error) {
	if workers < 2 {
		return s.SyncTable(ctx, table)
	}

	mapping := s.config.Mapping(table)
	if mapping == nil {
		return 0, fmt.Errorf("table %s has no mapping", table)
	}

	cp, err := s.store.LoadInitialCheckpoint(s.config.Source.DBPath, table)
	if err != nil {
		return 0, err
	}
	if cp != nil && cp.Status == checkpoint.StatusCompleted {
		return 0, nil
	}

	pk, err := s.schemas.EffectivePrimaryKey(table, mapping.PrimaryKey)
	if err != nil {
		return 0, err
	}

	var minPK, maxPK sql.NullInt64
	err = s.source.QueryRowContext(ctx,
		fmt.Sprintf("SELECT MIN(%q), MAX(%q) FROM %q", pk, pk, table)).Scan(&minPK, &maxPK)
	if err != nil {
		return 0, fmt.Errorf("failed to read key range of %s: %w", table, err)
	}
	if !minPK.Valid {
		// Empty table
		return 0, s.saveProgress(table, nil, 0, checkpoint.StatusCompleted)
	}

	transformer, err := transform.New(mapping)
	if err != nil {
		return 0, err
	}

	span := maxPK.Int64 - minPK.Int64 + 1
	step := span / int64(workers)
	if step < 1 {
		step = 1
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		total  int64
		errs   []error
	)

	for i := 0; i < workers; i++ {
		rangeStart := minPK.Int64 + int64(i)*step - 1 // exclusive floor
		rangeEnd := minPK.Int64 + int64(i+1)*step - 1 // inclusive ceiling
		if i == workers-1 {
			rangeEnd = maxPK.Int64
		}

		wg.Add(1)
		go func(floor, ceiling int64) {
			defer wg.Done()
			count, err := s.syncRange(ctx, table, pk, transformer, floor, ceiling)
			mu.Lock()
			defer mu.Unlock()
			total += count
			if err != nil {
				errs = append(errs, fmt.Errorf("range (%d, %d]: %w", floor, ceiling, err))
			}
		}(rangeStart, rangeEnd)
	}
	wg.Wait()

	if len(errs) > 0 {
		s.failTable(table, nil, total)
		return total, errs[0]
	}

	return total, s.saveProgress(table, nil, total, checkpoint.StatusCompleted)
}

// syncRange runs the seek loop over one (floor, ceiling] slice of the key
// space.
func (s *InitialSync) syncRange(ctx context.Context, table, pk string, transformer *transform.Transformer, floor, ceiling int64) (int64, error) {
	var synced int64
	lastPK := interface{}(floor)

	for {
		if err := ctx.Err(); err != nil {
			return synced, err
		}

		rows, nextPK, err := s.fetchPage(ctx, table, pk, lastPK, ceiling, s.config.BatchSize)
		if err != nil {
			return synced, err
		}
		if len(rows) == 0 {
			return synced, nil
		}

		transformed, err := transformer.TransformBatch(rows)
		if err != nil {
			return synced, err
		}
		if err := s.applyToAllTargets(ctx, transformer.TargetTable(), transformer.PrimaryKey(), transformed); err != nil {
			return synced, err
		}

		synced += int64(len(rows))
		lastPK = nextPK
		telemetry.InitialSyncRows.With(table).Add(float64(len(rows)))
	}
}

// fetchPage reads one page with the seek pattern: WHERE pk > last ORDER BY
// pk LIMIT n. Never offset-based. A non-nil ceiling bounds range workers.
func (s *InitialSync) fetchPage(ctx context.Context, table, pk string, lastPK, ceiling interface{}, limit int) ([]map[string]interface{}, interface{}, error) {
	ds := s.dialect.From(table).Order(goqu.C(pk).Asc()).Limit(uint(limit)).Prepared(true)
	if pk == "rowid" {
		ds = ds.Select(goqu.L("rowid"), goqu.L("*"))
	}
	if lastPK != nil {
		ds = ds.Where(goqu.C(pk).Gt(lastPK))
	}
	if ceiling != nil {
		ds = ds.Where(goqu.C(pk).Lte(ceiling))
	}

	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.source.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to scan %s: %w", table, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var (
		page   []map[string]interface{}
		nextPK interface{}
	)
	for rows.Next() {
		values := make([]interface{}, len(columns))
		pointers := make([]interface{}, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, nil, err
		}

		row := make(map[string]interface{}, len(columns))
		for i, name := range columns {
			if raw, ok := values[i].([]byte); ok {
				row[name] = string(raw)
			} else {
				row[name] = values[i]
			}
		}

		nextPK = row[pk]
		if pk == "rowid" {
			// Pagination key only; rowid is not a real column downstream
			delete(row, "rowid")
		}
		page = append(page, row)
	}
	return page, nextPK, rows.Err()
}

// applyToAllTargets upserts one transformed page to every target in
// parallel. Any target failure fails the batch; the checkpoint stays put
// so a retry rescans from the last durable key.
func (s *InitialSync) applyToAllTargets(ctx context.Context, targetTable, pk string, rows []map[string]interface{}) error {
	if len(rows) == 0 {
		return nil
	}

	ops := make([]target.Op, len(rows))
	for i, row := range rows {
		ops[i] = target.Upsert(row)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, writer := range s.targets {
		wg.Add(1)
		go func(w target.Writer) {
			defer wg.Done()
			if err := w.ApplyBatch(ctx, targetTable, pk, ops); err != nil {
				log.Error().Err(err).Str("target", w.Name()).Str("table", targetTable).
					Msg("Initial sync batch failed")
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(writer)
	}
	wg.Wait()

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func (s *InitialSync) saveProgress(table string, lastPK interface{}, synced int64, status string) error {
	encoded := ""
	if lastPK != nil {
		encoded = fmt.Sprint(lastPK)
	}
	return s.store.SaveInitialCheckpoint(checkpoint.InitialCheckpoint{
		SourceDB:    s.config.Source.DBPath,
		TableName:   table,
		LastPK:      encoded,
		TotalSynced: synced,
		Status:      status,
	})
}

func (s *InitialSync) failTable(table string, lastPK interface{}, synced int64) {
	if err := s.saveProgress(table, lastPK, synced, checkpoint.StatusFailed); err != nil {
		log.Warn().Err(err).Str("table", table).Msg("Failed to record initial sync failure")
	}
}
