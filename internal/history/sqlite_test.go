package history

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.LogRequest(ctx, &Entry{
		RequestID:   "req_1",
		ModelName:   "claude-sonnet-4",
		ActualModel: "anthropic/claude-sonnet-4",
		RequestData: json.RawMessage(`{"model":"claude-sonnet-4"}`),
		UserAgent:   "test-agent",
		IsStreaming: true,
	}))

	require.NoError(t, store.UpdateUpstreamRequest(ctx, "req_1",
		json.RawMessage(`{"model":"anthropic/claude-sonnet-4"}`)))

	require.NoError(t, store.LogResponse(ctx, "req_1",
		json.RawMessage(`{"content":[{"type":"text","text":"hi"}]}`),
		StatusCompleted, 100, 20))

	entries, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	entry := entries[0]
	assert.Equal(t, "req_1", entry.RequestID)
	assert.Equal(t, "claude-sonnet-4", entry.ModelName)
	assert.Equal(t, "anthropic/claude-sonnet-4", entry.ActualModel)
	assert.Equal(t, "test-agent", entry.UserAgent)
	assert.True(t, entry.IsStreaming)
	assert.Equal(t, StatusCompleted, entry.Status)
	assert.Equal(t, 100, entry.InputTokens)
	assert.Equal(t, 20, entry.OutputTokens)
	assert.Equal(t, 120, entry.TotalTokens)
	assert.JSONEq(t, `{"model":"claude-sonnet-4"}`, string(entry.RequestData))
	assert.JSONEq(t, `{"model":"anthropic/claude-sonnet-4"}`, string(entry.UpstreamRequest))
	assert.JSONEq(t, `{"content":[{"type":"text","text":"hi"}]}`, string(entry.ResponseData))
}

func TestSQLiteByRequestID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"req_1", "req_2"} {
		require.NoError(t, store.LogRequest(ctx, &Entry{
			RequestID:   id,
			ModelName:   "claude-sonnet-4",
			RequestData: json.RawMessage(`{}`),
		}))
	}
	require.NoError(t, store.LogResponse(ctx, "req_2",
		json.RawMessage(`{"content":[]}`), StatusCompleted, 5, 7))

	entry, err := store.ByRequestID(ctx, "req_2")
	require.NoError(t, err)
	assert.Equal(t, "req_2", entry.RequestID)
	assert.Equal(t, StatusCompleted, entry.Status)
	assert.Equal(t, 12, entry.TotalTokens)
	assert.JSONEq(t, `{"content":[]}`, string(entry.ResponseData))

	_, err = store.ByRequestID(ctx, "req_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLitePendingDefaults(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.LogRequest(ctx, &Entry{
		RequestID:   "req_1",
		ModelName:   "m",
		RequestData: json.RawMessage(`{}`),
	}))

	entries, err := store.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	assert.Equal(t, StatusPending, entries[0].Status)
	assert.False(t, entries[0].Timestamp.IsZero())
	assert.Empty(t, entries[0].ResponseData)
}

func TestSQLiteDuplicateRequestIDRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := &Entry{RequestID: "req_1", ModelName: "m", RequestData: json.RawMessage(`{}`)}
	require.NoError(t, store.LogRequest(ctx, entry))
	assert.Error(t, store.LogRequest(ctx, &Entry{
		RequestID:   "req_1",
		ModelName:   "m",
		RequestData: json.RawMessage(`{}`),
	}))
}

func TestSQLiteRecentOrderAndLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"req_a", "req_b", "req_c"} {
		require.NoError(t, store.LogRequest(ctx, &Entry{
			RequestID:   id,
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
			ModelName:   "m",
			RequestData: json.RawMessage(`{}`),
		}))
	}

	entries, err := store.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "req_c", entries[0].RequestID)
	assert.Equal(t, "req_b", entries[1].RequestID)
}

func TestSQLiteSummary(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seed := []struct {
		id     string
		model  string
		status string
		in     int
		out    int
	}{
		{id: "req_1", model: "anthropic/claude-sonnet-4", status: StatusCompleted, in: 100, out: 50},
		{id: "req_2", model: "anthropic/claude-sonnet-4", status: StatusCompleted, in: 200, out: 30},
		{id: "req_3", model: "anthropic/claude-sonnet-4", status: StatusError, in: 0, out: 0},
		{id: "req_4", model: "openai/gpt-4o", status: StatusPartial, in: 10, out: 5},
	}

	for _, s := range seed {
		require.NoError(t, store.LogRequest(ctx, &Entry{
			RequestID:   s.id,
			ModelName:   "claude-sonnet-4",
			ActualModel: s.model,
			RequestData: json.RawMessage(`{}`),
		}))
		require.NoError(t, store.LogResponse(ctx, s.id, nil, s.status, s.in, s.out))
	}

	summaries, err := store.Summary(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	byModel := map[string]ModelSummary{}
	for _, s := range summaries {
		byModel[s.Model] = s
	}

	sonnet := byModel["anthropic/claude-sonnet-4"]
	assert.Equal(t, 3, sonnet.RequestCount)
	assert.Equal(t, 300, sonnet.TotalInputTokens)
	assert.Equal(t, 80, sonnet.TotalOutputTokens)
	assert.Equal(t, 380, sonnet.TotalTokens)
	assert.Equal(t, 2, sonnet.CompletedRequests)
	assert.Equal(t, 1, sonnet.ErrorRequests)
	assert.InDelta(t, 100.0*2/3, sonnet.SuccessRate, 0.01)

	gpt := byModel["openai/gpt-4o"]
	assert.Equal(t, 1, gpt.RequestCount)
	assert.Equal(t, 1, gpt.PartialRequests)
}
