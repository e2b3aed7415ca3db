package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/cfg"
	"github.com/driftsync/driftsync/db"
	"github.com/driftsync/driftsync/target"
)

// fakeWriter is an in-memory target. Rows live in table -> key -> row
// maps so tests can assert final state; optional scripted failures
// exercise the retry paths.
type fakeWriter struct {
	mu      sync.Mutex
	name    string
	tables  map[string]map[string]map[string]interface{}
	applied int // ApplyBatch invocations

	failTransient int   // fail this many calls with a connection error
	failDataKeys  map[string]bool
}

func newFakeWriter(name string) *fakeWriter {
	return &fakeWriter{
		name:         name,
		tables:       map[string]map[string]map[string]interface{}{},
		failDataKeys: map[string]bool{},
	}
}

func (f *fakeWriter) Name() string                     { return f.name }
func (f *fakeWriter) Connect(context.Context) error    { return nil }
func (f *fakeWriter) Disconnect() error                { return nil }
func (f *fakeWriter) Ping(context.Context) error       { return nil }

func (f *fakeWriter) ApplyBatch(_ context.Context, table, primaryKey string, ops []target.Op) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied++

	if f.failTransient > 0 {
		f.failTransient--
		return &target.Error{Kind: target.KindConnection, Target: f.name, Table: table,
			Err: fmt.Errorf("injected connection failure")}
	}

	rows, ok := f.tables[table]
	if !ok {
		rows = map[string]map[string]interface{}{}
		f.tables[table] = rows
	}

	for _, op := range ops {
		switch op.Kind {
		case target.OpUpsert:
			key := fmt.Sprint(op.Row[primaryKey])
			if f.failDataKeys[key] {
				return &target.Error{Kind: target.KindData, Target: f.name, Table: table,
					Err: fmt.Errorf("injected data failure for key %s", key)}
			}
			rows[key] = op.Row
		case target.OpDelete:
			delete(rows, fmt.Sprint(op.Key))
		}
	}
	return nil
}

func (f *fakeWriter) rowCount(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tables[table])
}

func (f *fakeWriter) row(table, key string) map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tables[table][key]
}

// testConfig builds a frozen config over a temp source and checkpoint dir
func testConfig(t *testing.T, sourcePath string) *cfg.Configuration {
	t.Helper()
	config := cfg.Default()
	config.Source.DBPath = sourcePath
	config.CheckpointDir = t.TempDir()
	config.BatchSize = 100
	config.Targets = []cfg.TargetConfiguration{
		{
			Name: "alpha", Type: cfg.TargetMySQL, BatchSize: 100,
			Retry: cfg.RetryPolicy{MaxRetries: 3, BackoffFactor: 0.001, MaxDelayS: 1},
		},
		{
			Name: "beta", Type: cfg.TargetMySQL, BatchSize: 100,
			Retry: cfg.RetryPolicy{MaxRetries: 3, BackoffFactor: 0.001, MaxDelayS: 1},
		},
	}
	config.Mappings = []cfg.TableMapping{
		{SourceTable: "users", TargetTable: "users", PrimaryKey: "id"},
	}
	return config
}

// testEngine wires an engine over a live temp source with fake writers,
// bypassing real target connections.
func testEngine(t *testing.T, writers ...*fakeWriter) (*Engine, *db.CDCConnection) {
	t.Helper()

	sourcePath := filepath.Join(t.TempDir(), "source.db")
	sourceDB, err := db.OpenSource(sourcePath)
	require.NoError(t, err)
	t.Cleanup(func() { sourceDB.Close() })

	_, err = sourceDB.Exec(`CREATE TABLE users (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT, email TEXT)`)
	require.NoError(t, err)

	conn, err := db.NewCDCConnection(sourceDB)
	require.NoError(t, err)

	config := testConfig(t, sourcePath)
	config.Targets = config.Targets[:len(writers)]

	eng, err := New(config)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	eng.source = conn
	eng.schemas, err = db.NewSchemaCache(sourceDB)
	require.NoError(t, err)
	eng.reader = db.NewAuditReader(sourceDB, db.WithReaderBatchSize(config.BatchSize))
	eng.reader.Start(0)

	for i, writer := range writers {
		eng.targets = append(eng.targets, &targetState{conf: config.Targets[i], writer: writer})
	}
	return eng, conn
}
