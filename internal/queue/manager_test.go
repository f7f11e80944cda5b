// ABOUTME: Integration tests for the Manager: enqueue validation and URL
// ABOUTME: normalization, webhook result ingestion, purge.
package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filipekp/queue/internal/queue"
	"github.com/filipekp/queue/internal/store"
	"github.com/filipekp/queue/internal/testutil"
)

func newManager(t *testing.T, db *testutil.TestDB) *queue.Manager {
	t.Helper()
	mgr, err := queue.NewManager(db.Store, "Europe/Prague")
	require.NoError(t, err)
	return mgr
}

// enqueueAsync inserts an async item and returns its id and resolution token.
func enqueueAsync(t *testing.T, db *testutil.TestDB, mgr *queue.Manager, proc int64) (int64, string) {
	t.Helper()
	id, err := mgr.Enqueue(context.Background(), queue.EnqueueRequest{
		URL:         "https://example.com/job",
		WebhookURL:  "https://example.com/hook/{hash}",
		ProcessorID: proc,
		Type:        store.TypeAsync,
		Retry:       1,
	})
	require.NoError(t, err)
	return id, queue.WebhookToken(id)
}

func TestEnqueueRejectsBadType(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	mgr := newManager(t, db)
	proc := db.MustCreateProcessor(t, "enq-type")

	_, err := mgr.Enqueue(context.Background(), queue.EnqueueRequest{
		URL:         "https://example.com/job",
		ProcessorID: proc,
		Type:        "batch",
	})
	assert.True(t, errors.Is(err, store.ErrInvalidArgument))
}

func TestEnqueueNormalizesEscapedURL(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	mgr := newManager(t, db)
	ctx := context.Background()
	proc := db.MustCreateProcessor(t, "enq-url")

	id, err := mgr.Enqueue(ctx, queue.EnqueueRequest{
		URL:         "https://example.com/job?a=1&amp;b=%C3%A9",
		ProcessorID: proc,
		Type:        store.TypeSync,
		Data:        map[string]any{"order": 42},
		Retry:       2,
	})
	require.NoError(t, err)

	it, err := db.GetItem(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, it)
	assert.Equal(t, "https://example.com/job?a=1&b=é", it.URL)
	assert.JSONEq(t, `{"order":42}`, it.Data)
	assert.Equal(t, store.StateNew, it.State)
}

func TestIngestWebhookResultResolvesItem(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	mgr := newManager(t, db)
	ctx := context.Background()
	proc := db.MustCreateProcessor(t, "ingest")
	id, token := enqueueAsync(t, db, mgr, proc)

	// The row sits in process_async after dispatch accepted it.
	require.NoError(t, db.FinalizeItem(ctx, id, store.StateProcessAsync, 200, "accepted", nil))

	affected, err := mgr.IngestWebhookResult(ctx, token, map[string]any{
		"http_code": float64(200),
		"result":    "import finished",
		"datetime":  time.Now().Format(queue.WebhookDatetimeFormat),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	it, err := db.GetItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StateDone, it.State)
	require.NotNil(t, it.StateCode)
	assert.Equal(t, int32(200), *it.StateCode)
	require.NotNil(t, it.Message)
	assert.Equal(t, "import finished", *it.Message)
	assert.NotNil(t, it.DateEnd)

	// The delivery is logged.
	responses, err := db.ListResponses(ctx, id)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, int32(200), responses[0].Code)
}

func TestIngestWebhookResultServerErrorMeansError(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	mgr := newManager(t, db)
	ctx := context.Background()
	proc := db.MustCreateProcessor(t, "ingest-err")
	id, token := enqueueAsync(t, db, mgr, proc)

	affected, err := mgr.IngestWebhookResult(ctx, token, map[string]any{
		"http_code": "503",
		"result":    map[string]any{"reason": "downstream unavailable"},
		"datetime":  time.Now().Format(queue.WebhookDatetimeFormat),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	it, err := db.GetItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StateError, it.State)
	require.NotNil(t, it.StateCode)
	assert.Equal(t, int32(503), *it.StateCode)
	require.NotNil(t, it.Message)
	assert.JSONEq(t, `{"reason":"downstream unavailable"}`, *it.Message)
}

func TestIngestWebhookResultValidation(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	mgr := newManager(t, db)
	ctx := context.Background()
	proc := db.MustCreateProcessor(t, "ingest-val")
	_, token := enqueueAsync(t, db, mgr, proc)

	now := time.Now().Format(queue.WebhookDatetimeFormat)

	tests := []struct {
		name    string
		payload map[string]any
	}{
		{"missing http_code", map[string]any{"result": "x", "datetime": now}},
		{"missing result", map[string]any{"http_code": 200, "datetime": now}},
		{"missing datetime", map[string]any{"http_code": 200, "result": "x"}},
		{"null result", map[string]any{"http_code": 200, "result": nil, "datetime": now}},
		{"http_code not numeric", map[string]any{"http_code": "abc", "result": "x", "datetime": now}},
		{"datetime wrong format", map[string]any{"http_code": 200, "result": "x", "datetime": "2026-08-29 10:00:00"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := mgr.IngestWebhookResult(ctx, token, tt.payload)
			assert.True(t, errors.Is(err, store.ErrInvalidArgument), "got %v", err)
		})
	}
}

func TestIngestWebhookResultUnknownIDAffectsNothing(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	mgr := newManager(t, db)

	affected, err := mgr.IngestWebhookResult(context.Background(), queue.WebhookToken(987654), map[string]any{
		"http_code": 200,
		"result":    "x",
		"datetime":  time.Now().Format(queue.WebhookDatetimeFormat),
	})
	require.NoError(t, err)
	assert.Zero(t, affected)
}

func TestProcessorExists(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	mgr := newManager(t, db)
	ctx := context.Background()
	proc := db.MustCreateProcessor(t, "exists")

	assert.NoError(t, mgr.ProcessorExists(ctx, proc))
	assert.ErrorContains(t, mgr.ProcessorExists(ctx, proc+100), "not exists")
}
