package checkpoint

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestLoadPositionReturnsZeroWhenAbsent(t *testing.T) {
	store := newTestStore(t)

	pos, err := store.LoadPosition("/data/app.db", "mysql_prod")
	require.NoError(t, err)
	assert.EqualValues(t, 0, pos.LastAuditID)
	assert.EqualValues(t, 0, pos.TotalEvents)
}

func TestSaveAndLoadPosition(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SavePosition(Position{
		SourceDB:        "/data/app.db",
		TargetName:      "mysql_prod",
		LastAuditID:     42,
		TotalEvents:     100,
		LastProcessedAt: time.Now(),
	}))

	pos, err := store.LoadPosition("/data/app.db", "mysql_prod")
	require.NoError(t, err)
	assert.EqualValues(t, 42, pos.LastAuditID)
	assert.EqualValues(t, 100, pos.TotalEvents)
	assert.False(t, pos.LastProcessedAt.IsZero())
}

func TestPositionMonotonicity(t *testing.T) {
	store := newTestStore(t)

	save := func(id int64) {
		require.NoError(t, store.SavePosition(Position{
			SourceDB: "/data/app.db", TargetName: "mysql_prod",
			LastAuditID: id, LastProcessedAt: time.Now(),
		}))
	}

	save(42)
	save(7) // stale write must not move the position backwards

	pos, err := store.LoadPosition("/data/app.db", "mysql_prod")
	require.NoError(t, err)
	assert.EqualValues(t, 42, pos.LastAuditID)
}

func TestPositionsAreIndependentPerTarget(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SavePosition(Position{
		SourceDB: "/data/app.db", TargetName: "mysql_prod", LastAuditID: 10, LastProcessedAt: time.Now(),
	}))
	require.NoError(t, store.SavePosition(Position{
		SourceDB: "/data/app.db", TargetName: "oracle_dr", LastAuditID: 5, LastProcessedAt: time.Now(),
	}))

	mysql, err := store.LoadPosition("/data/app.db", "mysql_prod")
	require.NoError(t, err)
	oracle, err := store.LoadPosition("/data/app.db", "oracle_dr")
	require.NoError(t, err)
	assert.EqualValues(t, 10, mysql.LastAuditID)
	assert.EqualValues(t, 5, oracle.LastAuditID)
}

func TestInitialCheckpointRoundTrip(t *testing.T) {
	store := newTestStore(t)

	cp, err := store.LoadInitialCheckpoint("/data/app.db", "users")
	require.NoError(t, err)
	assert.Nil(t, cp)

	require.NoError(t, store.SaveInitialCheckpoint(InitialCheckpoint{
		SourceDB:    "/data/app.db",
		TableName:   "users",
		LastPK:      "5000",
		TotalSynced: 5000,
		Status:      StatusRunning,
	}))

	cp, err = store.LoadInitialCheckpoint("/data/app.db", "users")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "5000", cp.LastPK)
	assert.EqualValues(t, 5000, cp.TotalSynced)
	assert.Equal(t, StatusRunning, cp.Status)

	require.NoError(t, store.SaveInitialCheckpoint(InitialCheckpoint{
		SourceDB:    "/data/app.db",
		TableName:   "users",
		LastPK:      "10000",
		TotalSynced: 10000,
		Status:      StatusCompleted,
	}))

	cp, err = store.LoadInitialCheckpoint("/data/app.db", "users")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, StatusCompleted, cp.Status)

	checkpoints, err := store.ListInitialCheckpoints("/data/app.db")
	require.NoError(t, err)
	require.Len(t, checkpoints, 1)
	assert.Contains(t, checkpoints, "users")
}

func TestDeleteInitialCheckpoint(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SaveInitialCheckpoint(InitialCheckpoint{
		SourceDB: "/data/app.db", TableName: "users", Status: StatusCompleted,
	}))
	require.NoError(t, store.DeleteInitialCheckpoint("/data/app.db", "users"))

	cp, err := store.LoadInitialCheckpoint("/data/app.db", "users")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestHandoffID(t *testing.T) {
	store := newTestStore(t)

	id, err := store.LoadHandoffID("/data/app.db")
	require.NoError(t, err)
	assert.EqualValues(t, 0, id)

	require.NoError(t, store.SaveHandoffID("/data/app.db", 1234))
	id, err = store.LoadHandoffID("/data/app.db")
	require.NoError(t, err)
	assert.EqualValues(t, 1234, id)
}

func TestErrorLog(t *testing.T) {
	store := newTestStore(t)

	errorID, err := store.LogError("/data/app.db", "mysql_prod", "12:users:1", "data", "typecast failed")
	require.NoError(t, err)

	unresolved, err := store.ListUnresolvedErrors("/data/app.db", "mysql_prod")
	require.NoError(t, err)
	require.Len(t, unresolved, 1)
	assert.Equal(t, "12:users:1", unresolved[0].EventID)
	assert.Equal(t, "data", unresolved[0].Kind)

	count, err := store.IncrementRetry(errorID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, store.ResolveError(errorID))
	unresolved, err = store.ListUnresolvedErrors("/data/app.db", "")
	require.NoError(t, err)
	assert.Empty(t, unresolved)
}

func TestStatsAccumulate(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.UpdateStats("/data/app.db", "mysql_prod", "users", "INSERT", 3))
	require.NoError(t, store.UpdateStats("/data/app.db", "mysql_prod", "users", "INSERT", 2))
	require.NoError(t, store.UpdateStats("/data/app.db", "mysql_prod", "users", "DELETE", 1))

	stats, err := store.Stats("/data/app.db", "mysql_prod")
	require.NoError(t, err)
	assert.EqualValues(t, 5, stats["users.INSERT"])
	assert.EqualValues(t, 1, stats["users.DELETE"])
}
