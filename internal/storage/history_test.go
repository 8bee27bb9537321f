package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestHistory(t *testing.T) *SQLiteHistory {
	t.Helper()

	h, err := NewSQLiteHistory(filepath.Join(t.TempDir(), "history.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func TestSQLiteHistory_Lifecycle(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()

	started := time.Now().Add(-time.Second)
	record := &ExecutionRecord{
		ID:        "rec-1",
		TaskID:    "demo",
		Tool:      "@easypost/track",
		StartedAt: started,
	}
	require.NoError(t, h.Store(ctx, record))

	got, err := h.Get(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeRunning, got.Outcome)
	assert.Nil(t, got.CompletedAt)
	assert.WithinDuration(t, started, got.StartedAt, time.Millisecond)

	completed := time.Now()
	record.Outcome = OutcomeSuspended
	record.ChildID = "demo/encodedKey"
	record.CompletedAt = &completed
	record.Duration = completed.Sub(started)
	require.NoError(t, h.Update(ctx, record))

	got, err = h.Get(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuspended, got.Outcome)
	assert.Equal(t, "demo/encodedKey", got.ChildID)
	require.NotNil(t, got.CompletedAt)
	assert.WithinDuration(t, completed, *got.CompletedAt, time.Millisecond)
	assert.Equal(t, record.Duration, got.Duration)
	assert.Empty(t, got.Result)

	_, err = h.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrRecordNotFound)

	assert.ErrorIs(t, h.Update(ctx, &ExecutionRecord{ID: "missing", Outcome: OutcomeDone}), ErrRecordNotFound)
}

func TestSQLiteHistory_ListAndCount(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	records := []*ExecutionRecord{
		{ID: "a", TaskID: "demo", Tool: "@easypost/track", Outcome: OutcomeSuspended, StartedAt: base},
		{ID: "b", TaskID: "demo/encodedKey", Tool: "@animus/encode-base64", Outcome: OutcomeDone, StartedAt: base.Add(time.Minute)},
		{ID: "c", TaskID: "demo", Tool: "@easypost/track", Outcome: OutcomeDone, StartedAt: base.Add(2 * time.Minute)},
	}
	for _, r := range records {
		require.NoError(t, h.Store(ctx, r))
	}
	records[2].Result = json.RawMessage(`{"status":"in_transit"}`)
	require.NoError(t, h.Update(ctx, records[2]))

	all, err := h.List(ctx, nil, 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID, "newest first")
	assert.JSONEq(t, `{"status":"in_transit"}`, string(all[0].Result))

	demo, err := h.List(ctx, map[string]any{"task_id": "demo"}, 0, 10)
	require.NoError(t, err)
	assert.Len(t, demo, 2)

	page, err := h.List(ctx, nil, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "b", page[0].ID)

	n, err := h.Count(ctx, map[string]any{"outcome": OutcomeDone, "tool": "@easypost/track"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = h.List(ctx, map[string]any{"1=1; DROP TABLE execution_history; --": 1}, 0, 10)
	assert.Error(t, err)
	_, err = h.Count(ctx, map[string]any{"result": "x"})
	assert.Error(t, err)
}

func TestSQLiteHistory_DeleteBefore(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, h.Store(ctx, &ExecutionRecord{ID: "old", TaskID: "x", Tool: "@acme/t", StartedAt: now.Add(-48 * time.Hour)}))
	require.NoError(t, h.Store(ctx, &ExecutionRecord{ID: "new", TaskID: "y", Tool: "@acme/t", StartedAt: now}))

	deleted, err := h.DeleteBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	n, err := h.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteHistory_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	h, err := NewSQLiteHistory(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, h.Store(ctx, &ExecutionRecord{ID: "kept", TaskID: "demo", Tool: "@acme/t", StartedAt: time.Now()}))
	require.NoError(t, h.Close())

	h, err = NewSQLiteHistory(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer h.Close()

	_, err = h.Get(ctx, "kept")
	assert.NoError(t, err, "records survive a restart")
}
