package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedUsers(t *testing.T, conn *CDCConnection, count int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < count; i++ {
		_, err := conn.Exec(ctx, "INSERT INTO users (name, email) VALUES (?, ?)", "user", "u@x.com")
		require.NoError(t, err)
	}
}

func TestFetchBatchYieldsInOrder(t *testing.T) {
	conn := newTestConnection(t)
	seedUsers(t, conn, 5)

	reader := NewAuditReader(conn.DB(), WithReaderBatchSize(3))
	reader.Start(0)

	events, err := reader.FetchBatch(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.EqualValues(t, 1, events[0].AuditID)
	assert.EqualValues(t, 2, events[1].AuditID)
	assert.EqualValues(t, 3, events[2].AuditID)

	// Cursor untouched before MarkConsumed: a refetch re-delivers
	again, err := reader.FetchBatch(context.Background())
	require.NoError(t, err)
	require.Len(t, again, 3)
	assert.EqualValues(t, 1, again[0].AuditID)
}

func TestMarkConsumedAdvancesCursor(t *testing.T) {
	conn := newTestConnection(t)
	seedUsers(t, conn, 5)

	reader := NewAuditReader(conn.DB(), WithReaderBatchSize(3))
	reader.Start(0)
	ctx := context.Background()

	events, err := reader.FetchBatch(ctx)
	require.NoError(t, err)
	require.Len(t, events, 3)

	ids := []int64{events[0].AuditID, events[1].AuditID, events[2].AuditID}
	require.NoError(t, reader.MarkConsumed(ctx, ids))
	assert.EqualValues(t, 3, reader.Cursor())

	next, err := reader.FetchBatch(ctx)
	require.NoError(t, err)
	require.Len(t, next, 2)
	assert.EqualValues(t, 4, next[0].AuditID)
	assert.EqualValues(t, 5, next[1].AuditID)
}

func TestStartFloorSkipsEarlierRecords(t *testing.T) {
	conn := newTestConnection(t)
	seedUsers(t, conn, 4)

	reader := NewAuditReader(conn.DB())
	reader.Start(2)

	events, err := reader.FetchBatch(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.EqualValues(t, 3, events[0].AuditID)
}

func TestResumeAfterRestart(t *testing.T) {
	conn := newTestConnection(t)
	seedUsers(t, conn, 3)
	ctx := context.Background()

	reader := NewAuditReader(conn.DB())
	reader.Start(0)
	events, err := reader.FetchBatch(ctx)
	require.NoError(t, err)
	require.NoError(t, reader.MarkConsumed(ctx, []int64{events[0].AuditID, events[1].AuditID, events[2].AuditID}))
	reader.Stop()

	seedUsers(t, conn, 2)

	// A fresh reader started from the durable floor sees exactly the new rows
	restarted := NewAuditReader(conn.DB())
	restarted.Start(3)
	next, err := restarted.FetchBatch(ctx)
	require.NoError(t, err)
	require.Len(t, next, 2)
	assert.EqualValues(t, 4, next[0].AuditID)
	assert.EqualValues(t, 5, next[1].AuditID)
}

func TestFetchBatchHonorsCancellation(t *testing.T) {
	conn := newTestConnection(t)

	reader := NewAuditReader(conn.DB(), WithPollInterval(10*time.Second))
	reader.Start(0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := reader.FetchBatch(ctx)
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("FetchBatch did not return promptly on cancellation")
	}
	assert.EqualValues(t, 0, reader.Cursor())
}

func TestSignalWakesSleepingReader(t *testing.T) {
	conn := newTestConnection(t)

	reader := NewAuditReader(conn.DB(), WithPollInterval(10*time.Second))
	reader.Start(0)

	start := time.Now()
	done := make(chan struct{})
	go func() {
		reader.FetchBatch(context.Background())
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	reader.Signal("users")

	select {
	case <-done:
		assert.Less(t, time.Since(start), 5*time.Second)
	case <-time.After(5 * time.Second):
		t.Fatal("signal did not wake the reader")
	}
}

func TestStats(t *testing.T) {
	conn := newTestConnection(t)
	seedUsers(t, conn, 4)
	ctx := context.Background()

	reader := NewAuditReader(conn.DB())
	reader.Start(0)

	events, err := reader.FetchBatch(ctx)
	require.NoError(t, err)
	require.NoError(t, reader.MarkConsumed(ctx, []int64{events[0].AuditID, events[1].AuditID}))

	stats, err := reader.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 4, stats.Total)
	assert.EqualValues(t, 2, stats.Unconsumed)
	assert.EqualValues(t, 4, stats.MaxID)
	assert.EqualValues(t, 2, stats.LastReadID)
	assert.EqualValues(t, 2, stats.Pending)
}

func TestStoppedReaderReturnsNothing(t *testing.T) {
	conn := newTestConnection(t)
	seedUsers(t, conn, 1)

	reader := NewAuditReader(conn.DB())
	reader.Start(0)
	reader.Stop()

	events, err := reader.FetchBatch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events)
}
