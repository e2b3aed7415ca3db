// Package engine coordinates the sync lifecycle: baseline backfill, then
// the continuous incremental stream, fanning batches out to every target
// with independent retry and durable per-target progress.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/driftsync/driftsync/cfg"
	"github.com/driftsync/driftsync/checkpoint"
	"github.com/driftsync/driftsync/db"
	"github.com/driftsync/driftsync/notify"
	"github.com/driftsync/driftsync/target"
	"github.com/driftsync/driftsync/telemetry"
	"github.com/driftsync/driftsync/transform"
)

const (
	// CheckpointFileName is the metadata database under checkpoint_dir
	CheckpointFileName = "checkpoints.db"
	// applyAttemptTimeout bounds a single target apply attempt
	applyAttemptTimeout = 30 * time.Second
)

// targetState is the runtime of one target inside a running engine
type targetState struct {
	conf       cfg.TargetConfiguration
	writer     target.Writer
	position   atomic.Int64 // highest audit id durably applied
	retryCount atomic.Int64
	lastError  atomic.Value // string
	halted     atomic.Bool
}

func (t *targetState) recordError(err error) {
	t.lastError.Store(err.Error())
}

// Engine drives capture consumption end to end. One engine per source
// database; all mutable state is scoped to the instance.
type Engine struct {
	config *cfg.Configuration
	store  *checkpoint.Store
	hub    *notify.Hub
	alerts *notify.Manager

	source  *db.CDCConnection
	reader  *db.AuditReader
	schemas *db.SchemaCache

	targets      []*targetState
	transformers map[string]*transform.Transformer

	state       atomic.Int32
	totalEvents atomic.Int64
	stats       *tableStats
	lastError   atomic.Value // string
	startedAt   time.Time

	cancel      context.CancelFunc
	done        chan struct{}
	lifecycleMu sync.Mutex
}

// New builds an engine from a frozen configuration
func New(config *cfg.Configuration) (*Engine, error) {
	transformers := make(map[string]*transform.Transformer, len(config.Mappings))
	for i := range config.Mappings {
		mapping := &config.Mappings[i]
		transformer, err := transform.New(mapping)
		if err != nil {
			return nil, fmt.Errorf("mapping %s: %w", mapping.SourceTable, err)
		}
		transformers[mapping.SourceTable] = transformer
	}

	store, err := checkpoint.Open(filepath.Join(config.CheckpointDir, CheckpointFileName))
	if err != nil {
		return nil, err
	}

	alerters := []notify.Alerter{notify.LogAlerter{}}
	if config.Notify.WebhookURL != "" {
		alerters = append(alerters, notify.NewWebhookAlerter(config.Notify.WebhookURL))
	}

	engine := &Engine{
		config:       config,
		store:        store,
		hub:          notify.NewHub(),
		alerts:       notify.NewManager(alerters...),
		transformers: transformers,
		stats:        newTableStats(),
		done:         make(chan struct{}),
	}
	engine.state.Store(int32(StateIdle))
	return engine, nil
}

// Hub exposes the capture signal hub so callers sharing the process can
// wire their wrapper into the engine's reader.
func (e *Engine) Hub() *notify.Hub {
	return e.hub
}

// State returns the current lifecycle state
func (e *Engine) State() State {
	return State(e.state.Load())
}

// IsRunning reports whether the engine is between Start and Stop
func (e *Engine) IsRunning() bool {
	switch e.State() {
	case StateInitialSyncing, StateIncremental:
		return true
	}
	return false
}

// Start connects to the source and all targets, runs initial sync for
// tables without a completed checkpoint (when runInitial), then streams
// incrementally until Stop. Connection and reachability failures surface
// here; the stream itself runs in the background.
func (e *Engine) Start(ctx context.Context, tables []string, runInitial bool) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if e.IsRunning() {
		return errors.New("engine already running")
	}

	sourceDB, err := db.OpenSource(e.config.Source.DBPath)
	if err != nil {
		return err
	}

	if mode, err := db.JournalMode(sourceDB); err != nil {
		sourceDB.Close()
		return err
	} else if mode != "WAL" {
		sourceDB.Close()
		return fmt.Errorf("source must run in WAL journal mode, got %s", mode)
	}

	source, err := db.NewCDCConnection(sourceDB,
		db.WithAllowList(e.config.Source.Tables),
		db.WithSignaler(e.hub))
	if err != nil {
		sourceDB.Close()
		return err
	}
	e.source = source

	schemas, err := db.NewSchemaCache(sourceDB)
	if err != nil {
		source.Close()
		return err
	}
	e.schemas = schemas

	if err := e.connectTargets(ctx); err != nil {
		source.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	e.startedAt = time.Now()

	e.reader = db.NewAuditReader(sourceDB,
		db.WithReaderBatchSize(e.config.BatchSize),
		db.WithPollInterval(time.Duration(e.config.PollIntervalMS)*time.Millisecond))

	wake, cancelWake := e.hub.Subscribe()
	go func() {
		for range wake {
			e.reader.Signal("")
		}
	}()

	go func() {
		defer close(e.done)
		defer cancelWake()
		e.run(runCtx, tables, runInitial)
	}()

	log.Info().
		Str("source", e.config.Source.DBPath).
		Int("targets", len(e.targets)).
		Bool("run_initial", runInitial).
		Msg("Sync engine started")
	return nil
}

func (e *Engine) connectTargets(ctx context.Context) error {
	e.targets = e.targets[:0]
	for _, conf := range e.config.Targets {
		writer, err := target.New(conf)
		if err != nil {
			e.disconnectTargets()
			return err
		}
		if err := writer.Connect(ctx); err != nil {
			e.disconnectTargets()
			return fmt.Errorf("target %s unreachable: %w", conf.Name, err)
		}
		if err := writer.Ping(ctx); err != nil {
			writer.Disconnect()
			e.disconnectTargets()
			return fmt.Errorf("target %s unreachable: %w", conf.Name, err)
		}
		e.targets = append(e.targets, &targetState{conf: conf, writer: writer})
	}
	return nil
}

func (e *Engine) disconnectTargets() {
	for _, t := range e.targets {
		if err := t.writer.Disconnect(); err != nil {
			log.Warn().Err(err).Str("target", t.conf.Name).Msg("Target disconnect failed")
		}
	}
}

// RunInitial performs only the baseline backfill: connect, pin the
// handoff id, copy tables lacking a completed checkpoint, disconnect.
// Used by one-shot initial sync runs.
func (e *Engine) RunInitial(ctx context.Context, tables []string) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if e.IsRunning() {
		return errors.New("engine already running")
	}

	sourceDB, err := db.OpenSource(e.config.Source.DBPath)
	if err != nil {
		return err
	}
	defer sourceDB.Close()

	schemas, err := db.NewSchemaCache(sourceDB)
	if err != nil {
		return err
	}
	e.schemas = schemas

	if err := e.connectTargets(ctx); err != nil {
		return err
	}
	defer e.disconnectTargets()

	e.transition(StateInitialSyncing)
	defer e.transition(StateStopped)

	pending, err := e.tablesNeedingInitialSync(tables)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		log.Info().Msg("All tables already backfilled")
		return nil
	}

	writers := make([]target.Writer, len(e.targets))
	for i, t := range e.targets {
		writers[i] = t.writer
	}
	initial := NewInitialSync(sourceDB, schemas, e.store, e.config, writers)
	_, err = initial.Run(ctx, pending)
	return err
}

// Stop finishes the in-flight batch within the shutdown grace deadline,
// persists checkpoints, and closes all connections.
func (e *Engine) Stop() error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if e.cancel == nil {
		return nil
	}

	e.transition(StateStopping)
	log.Info().Msg("Sync engine stopping")

	grace := time.Duration(e.config.ShutdownGraceMS) * time.Millisecond
	e.reader.Stop()

	// Give the in-flight batch the grace period before cancelling it
	select {
	case <-e.done:
	case <-time.After(grace):
		log.Warn().Dur("grace", grace).Msg("Shutdown grace exceeded, cancelling in-flight work")
		e.cancel()
		<-e.done
	}
	e.cancel()
	e.cancel = nil

	e.persistPositions()
	e.disconnectTargets()
	if err := e.source.Close(); err != nil {
		log.Warn().Err(err).Msg("Source close failed")
	}

	e.transition(StateStopped)
	log.Info().Msg("Sync engine stopped")
	return nil
}

// Close releases the checkpoint store. Call after Stop.
func (e *Engine) Close() error {
	return e.store.Close()
}

// GetStatus returns a snapshot of engine progress
func (e *Engine) GetStatus() Status {
	status := Status{
		State:       e.State(),
		SourceDB:    e.config.Source.DBPath,
		TotalEvents: e.totalEvents.Load(),
		TableStats:  e.stats.snapshot(),
	}
	if lastError, ok := e.lastError.Load().(string); ok {
		status.LastError = lastError
	}

	var maxID int64
	if e.reader != nil {
		if stats, err := e.reader.Stats(context.Background()); err == nil {
			status.Backlog = stats.Unconsumed
			maxID = stats.MaxID
			telemetry.AuditBacklog.Set(float64(stats.Unconsumed))
		}
	}

	for _, t := range e.targets {
		ts := TargetStatus{
			Name:        t.conf.Name,
			LastAuditID: t.position.Load(),
			RetryCount:  t.retryCount.Load(),
			Halted:      t.halted.Load(),
		}
		if lastError, ok := t.lastError.Load().(string); ok {
			ts.LastError = lastError
		}
		if lag := maxID - ts.LastAuditID; lag > 0 {
			ts.Lag = lag
		}
		telemetry.TargetLag.With(t.conf.Name).Set(float64(ts.Lag))
		status.Targets = append(status.Targets, ts)
	}

	if elapsed := time.Since(e.startedAt).Seconds(); elapsed > 0 && status.TotalEvents > 0 {
		status.EventsPerSecond = float64(status.TotalEvents) / elapsed
	}
	return status
}

func (e *Engine) transition(next State) {
	// Failed is absorbing; only an explicit Stop moves past it
	if e.State() == StateFailed && next != StateStopping && next != StateStopped {
		return
	}
	e.state.Store(int32(next))
}

func (e *Engine) fail(err error) {
	e.lastError.Store(err.Error())
	e.transition(StateFailed)
	e.alerts.Errorf("sync failed", "%v", err)
}

// run is the engine's main loop: initial sync, then incremental streaming
func (e *Engine) run(ctx context.Context, tables []string, runInitial bool) {
	startID, err := e.prepareStart(ctx, tables, runInitial)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Initial sync failed")
			e.fail(err)
		}
		return
	}

	e.transition(StateIncremental)
	e.reader.Start(startID)
	log.Info().Int64("start_id", startID).Msg("Incremental sync started")

	e.incrementalLoop(ctx)
}

// prepareStart runs initial sync where needed and resolves the floor the
// incremental stream begins from.
func (e *Engine) prepareStart(ctx context.Context, tables []string, runInitial bool) (int64, error) {
	if runInitial {
		e.transition(StateInitialSyncing)

		pending, err := e.tablesNeedingInitialSync(tables)
		if err != nil {
			return 0, err
		}
		if len(pending) > 0 {
			writers := make([]target.Writer, len(e.targets))
			for i, t := range e.targets {
				writers[i] = t.writer
			}
			initial := NewInitialSync(e.source.DB(), e.schemas, e.store, e.config, writers)
			if _, err := initial.Run(ctx, pending); err != nil {
				return 0, err
			}
		}
	}

	// The stream floor: the min of per-target positions keeps every target
	// replayable; targets ahead of it re-observe events their own cursor
	// already guards against.
	minPosition := int64(-1)
	for _, t := range e.targets {
		pos, err := e.store.LoadPosition(e.config.Source.DBPath, t.conf.Name)
		if err != nil {
			return 0, err
		}
		t.position.Store(pos.LastAuditID)
		if minPosition < 0 || pos.LastAuditID < minPosition {
			minPosition = pos.LastAuditID
		}
	}
	if minPosition < 0 {
		minPosition = 0
	}

	if handoffID, err := e.store.LoadHandoffID(e.config.Source.DBPath); err == nil && handoffID > 0 && minPosition == 0 {
		// First incremental run after a backfill: replay from the pinned
		// boundary; upserts absorb the overlap with the baseline scan.
		return handoffID, nil
	}
	return minPosition, nil
}

func (e *Engine) tablesNeedingInitialSync(tables []string) ([]string, error) {
	if tables == nil {
		tables = e.config.SourceTables()
	}

	checkpoints, err := e.store.ListInitialCheckpoints(e.config.Source.DBPath)
	if err != nil {
		return nil, err
	}

	var pending []string
	for _, table := range tables {
		if cp, ok := checkpoints[table]; ok && cp.Status == checkpoint.StatusCompleted {
			continue
		}
		pending = append(pending, table)
	}
	return pending, nil
}

// incrementalLoop drives fetch → transform → fan-out → checkpoint
func (e *Engine) incrementalLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil || !e.reader.IsRunning() || e.State() == StateFailed {
			return
		}

		events, err := e.reader.FetchBatch(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error().Err(err).Msg("Audit fetch failed")
			e.sleep(ctx, 5*time.Second)
			continue
		}
		if len(events) == 0 {
			e.adjustBatchSize(ctx)
			continue
		}

		telemetry.BatchSize.Observe(float64(len(events)))
		if err := e.processBatch(ctx, events); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error().Err(err).Msg("Batch processing failed")
			e.sleep(ctx, 5*time.Second)
		}
	}
}

// appliedOp pairs an event with its target-side rendering
type appliedOp struct {
	event       db.ChangeEvent
	targetTable string
	primaryKey  string
	op          target.Op
	skip        bool // filtered out or unmapped; consumes without applying
}

// processBatch transforms one batch and fans it out to every healthy
// target. Audit rows are marked consumed only after every target, halted
// ones included, has applied the batch, so the log stays replayable for
// laggards.
func (e *Engine) processBatch(ctx context.Context, events []db.ChangeEvent) error {
	ops := make([]appliedOp, 0, len(events))
	for _, event := range events {
		op, err := e.renderEvent(event)
		if err != nil {
			if errors.Is(err, transform.ErrData) {
				e.recordDataError("", event, err)
				if !e.config.SkipDataErrors {
					e.fail(fmt.Errorf("data error on %s: %w", event.EventID(), err))
					return err
				}
				op = appliedOp{event: event, skip: true}
			} else {
				return err
			}
		}
		ops = append(ops, op)
	}

	var wg sync.WaitGroup
	succeeded := make([]bool, len(e.targets))
	for i, t := range e.targets {
		if t.halted.Load() {
			continue
		}
		wg.Add(1)
		go func(i int, t *targetState) {
			defer wg.Done()
			succeeded[i] = e.applyToTarget(ctx, t, ops)
		}(i, t)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}

	allApplied := true
	healthyApplied := true
	maxID := events[len(events)-1].AuditID
	for i, t := range e.targets {
		if t.halted.Load() {
			allApplied = false
			continue
		}
		if !succeeded[i] {
			allApplied = false
			healthyApplied = false
			continue
		}
		t.position.Store(maxID)
		if err := e.store.SavePosition(checkpoint.Position{
			SourceDB:        e.config.Source.DBPath,
			TargetName:      t.conf.Name,
			LastAuditID:     maxID,
			TotalEvents:     e.totalEvents.Load() + int64(len(events)),
			LastProcessedAt: time.Now(),
		}); err != nil {
			return err
		}
	}

	switch {
	case allApplied:
		// Every target acknowledged: stamp consumed_at and move on
		ids := make([]int64, len(events))
		for i, event := range events {
			ids[i] = event.AuditID
		}
		if err := e.reader.MarkConsumed(ctx, ids); err != nil {
			return err
		}
	case healthyApplied:
		// A halted target keeps these rows unconsumed for its restart;
		// healthy targets are guarded by their own positions, so the
		// in-memory cursor can move past the batch.
		e.reader.AdvanceCursor(maxID)
	default:
		return nil
	}

	e.totalEvents.Add(int64(len(events)))
	for _, op := range ops {
		if !op.skip {
			e.stats.record(op.event.TableName, string(op.event.Operation), 1)
		}
	}

	e.adjustBatchSize(ctx)
	return nil
}

// renderEvent turns a change event into its target-side op
func (e *Engine) renderEvent(event db.ChangeEvent) (appliedOp, error) {
	transformer, ok := e.transformers[event.TableName]
	if !ok {
		log.Warn().Str("table", event.TableName).Msg("No mapping for captured table")
		return appliedOp{event: event, skip: true}, nil
	}

	rendered := appliedOp{
		event:       event,
		targetTable: transformer.TargetTable(),
		primaryKey:  transformer.PrimaryKey(),
	}

	if event.Operation == db.OpDelete {
		rendered.op = target.Delete(event.RowID)
		return rendered, nil
	}

	row, err := transformer.TransformRow(event.After)
	if err != nil {
		return rendered, err
	}
	if row == nil {
		rendered.skip = true
		return rendered, nil
	}
	rendered.op = target.Upsert(row)
	return rendered, nil
}

// applyToTarget applies the batch to one target with exponential backoff.
// Returns true when every op landed. Exceeding the retry budget on a
// retryable error, or hitting a data error without skip policy, halts the
// target; healthy targets keep streaming.
func (e *Engine) applyToTarget(ctx context.Context, t *targetState, ops []appliedOp) bool {
	// Events at or below this target's durable position were already
	// applied in a previous run; re-applying is safe but pointless.
	guard := t.position.Load()

	for start := 0; start < len(ops); {
		if ops[start].skip || ops[start].event.AuditID <= guard {
			start++
			continue
		}

		// Chunk consecutive ops that share a target table
		end := start + 1
		for end < len(ops) && !ops[end].skip &&
			ops[end].targetTable == ops[start].targetTable {
			end++
		}
		chunk := make([]target.Op, 0, end-start)
		for _, op := range ops[start:end] {
			if !op.skip {
				chunk = append(chunk, op.op)
			}
		}

		if !e.applyChunk(ctx, t, ops[start].targetTable, ops[start].primaryKey, chunk, ops[start:end]) {
			return false
		}

		for _, op := range ops[start:end] {
			if !op.skip {
				telemetry.EventsApplied.With(t.conf.Name, string(op.event.Operation)).Inc()
				if err := e.store.UpdateStats(e.config.Source.DBPath, t.conf.Name,
					op.event.TableName, string(op.event.Operation), 1); err != nil {
					log.Warn().Err(err).Msg("Failed to update sync stats")
				}
			}
		}
		start = end
	}
	return true
}

func (e *Engine) applyChunk(ctx context.Context, t *targetState, table, pk string, chunk []target.Op, source []appliedOp) bool {
	policy := t.conf.Retry

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = time.Duration(policy.BackoffFactor * float64(time.Second))
	expo.Multiplier = 2
	expo.RandomizationFactor = 0
	expo.MaxInterval = time.Duration(policy.MaxDelayS) * time.Second
	expo.MaxElapsedTime = 0

	attempt := 0
	operation := func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, applyAttemptTimeout)
		defer cancel()

		start := time.Now()
		err := t.writer.ApplyBatch(attemptCtx, table, pk, chunk)
		telemetry.ApplyDuration.With(t.conf.Name).Observe(time.Since(start).Seconds())
		if err == nil {
			return nil
		}

		var targetErr *target.Error
		kind := string(target.KindConnection)
		if errors.As(err, &targetErr) {
			kind = string(targetErr.Kind)
		}
		telemetry.ApplyFailures.With(t.conf.Name, kind).Inc()
		t.recordError(err)

		if !target.Retryable(err) {
			return backoff.Permanent(err)
		}

		t.retryCount.Add(1)
		if attempt > policy.MaxRetries {
			return backoff.Permanent(fmt.Errorf("retry budget exhausted after %d attempts: %w", attempt, err))
		}
		log.Warn().Err(err).Str("target", t.conf.Name).Int("attempt", attempt).
			Msg("Target apply failed, retrying")
		return err
	}

	err := backoff.Retry(operation, backoff.WithContext(expo, ctx))
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var targetErr *target.Error
	if errors.As(err, &targetErr) && targetErr.Kind == target.KindData {
		return e.handleDataError(ctx, t, table, pk, source, err)
	}

	e.haltTarget(t, err)
	return false
}

// handleDataError isolates the failing event by applying the chunk one op
// at a time. With skip policy the bad events are logged and skipped; the
// target halts otherwise.
func (e *Engine) handleDataError(ctx context.Context, t *targetState, table, pk string, source []appliedOp, batchErr error) bool {
	for _, op := range source {
		if op.skip {
			continue
		}
		if err := t.writer.ApplyBatch(ctx, table, pk, []target.Op{op.op}); err != nil {
			if target.Retryable(err) {
				t.recordError(err)
				return false
			}
			e.recordDataError(t.conf.Name, op.event, err)
			if !e.config.SkipDataErrors {
				e.haltTarget(t, err)
				return false
			}
			telemetry.EventsSkipped.With(t.conf.Name).Inc()
		}
	}
	return true
}

func (e *Engine) recordDataError(targetName string, event db.ChangeEvent, err error) {
	log.Error().Err(err).Str("event_id", event.EventID()).Str("target", targetName).
		Msg("Data error")
	if _, logErr := e.store.LogError(e.config.Source.DBPath, targetName,
		event.EventID(), string(target.KindData), err.Error()); logErr != nil {
		log.Warn().Err(logErr).Msg("Failed to record sync error")
	}
}

func (e *Engine) haltTarget(t *targetState, err error) {
	if t.halted.CompareAndSwap(false, true) {
		t.recordError(err)
		log.Error().Err(err).Str("target", t.conf.Name).Msg("Target halted")
		e.alerts.Errorf("target halted", "target %s: %v", t.conf.Name, err)
		if _, logErr := e.store.LogError(e.config.Source.DBPath, t.conf.Name,
			"", "halt", err.Error()); logErr != nil {
			log.Warn().Err(logErr).Msg("Failed to record sync error")
		}
	}
}

// adjustBatchSize widens the fetch bound while the backlog exceeds the
// soft limit, and narrows it back once the backlog drains.
func (e *Engine) adjustBatchSize(ctx context.Context) {
	stats, err := e.reader.Stats(ctx)
	if err != nil {
		return
	}
	telemetry.AuditBacklog.Set(float64(stats.Unconsumed))

	if stats.Unconsumed > int64(e.config.BacklogSoftLimit) {
		e.reader.SetBatchSize(e.config.MaxBatchSize)
	} else {
		e.reader.SetBatchSize(e.config.BatchSize)
	}
}

func (e *Engine) persistPositions() {
	for _, t := range e.targets {
		if position := t.position.Load(); position > 0 {
			if err := e.store.SavePosition(checkpoint.Position{
				SourceDB:        e.config.Source.DBPath,
				TargetName:      t.conf.Name,
				LastAuditID:     position,
				TotalEvents:     e.totalEvents.Load(),
				LastProcessedAt: time.Now(),
			}); err != nil {
				log.Warn().Err(err).Str("target", t.conf.Name).Msg("Failed to persist position")
			}
		}
	}
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
