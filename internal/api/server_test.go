// ABOUTME: Handler tests for the HTTP surface: webhook ingestion contract,
// ABOUTME: error mapping, healthz degradation.
package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filipekp/queue/internal/api"
	"github.com/filipekp/queue/internal/queue"
	"github.com/filipekp/queue/internal/store"
	"github.com/filipekp/queue/internal/testutil"
)

func newHandler(t *testing.T, db *testutil.TestDB) http.Handler {
	t.Helper()
	mgr, err := queue.NewManager(db.Store, "Europe/Prague")
	require.NoError(t, err)
	return api.NewServer(mgr, db.Pool).Handler()
}

// pendingAsyncItem inserts an async row parked in process_async and returns
// its id and resolution token.
func pendingAsyncItem(t *testing.T, db *testutil.TestDB, proc int64) (int64, string) {
	t.Helper()
	ctx := context.Background()
	id, err := db.InsertItem(ctx, store.InsertItemParams{
		ProcessorID: proc,
		ProcessType: store.TypeAsync,
		URL:         "https://example.com/job",
		Data:        "{}",
		Retry:       1,
	})
	require.NoError(t, err)
	require.NoError(t, db.FinalizeItem(ctx, id, store.StateProcessAsync, 200, "accepted", nil))
	return id, queue.WebhookToken(id)
}

func postWebhook(t *testing.T, handler http.Handler, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/"+token, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestWebhookResolvesAsyncItem(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	handler := newHandler(t, db)
	proc := db.MustCreateProcessor(t, "api-hook")
	id, token := pendingAsyncItem(t, db, proc)

	payload, err := json.Marshal(map[string]any{
		"http_code": 200,
		"result":    "import finished",
		"datetime":  time.Now().Format(queue.WebhookDatetimeFormat),
	})
	require.NoError(t, err)

	rec := postWebhook(t, handler, token, string(payload))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Affected int64 `json:"affected"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.Affected)

	it, err := db.GetItem(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.StateDone, it.State)
}

func TestWebhookUnknownIDAffectsNothing(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	handler := newHandler(t, db)

	payload := `{"http_code":200,"result":"x","datetime":"` +
		time.Now().Format(queue.WebhookDatetimeFormat) + `"}`
	rec := postWebhook(t, handler, queue.WebhookToken(987654), payload)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"affected":0}`, rec.Body.String())
}

func TestWebhookRejectsBadInput(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	handler := newHandler(t, db)
	proc := db.MustCreateProcessor(t, "api-bad")
	_, token := pendingAsyncItem(t, db, proc)

	goodTime := time.Now().Format(queue.WebhookDatetimeFormat)

	tests := []struct {
		name  string
		token string
		body  string
	}{
		{"garbage token", "not-a-token", `{"http_code":200,"result":"x","datetime":"` + goodTime + `"}`},
		{"body not json", token, "not json"},
		{"missing result", token, `{"http_code":200,"datetime":"` + goodTime + `"}`},
		{"bad datetime", token, `{"http_code":200,"result":"x","datetime":"yesterday"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postWebhook(t, handler, tt.token, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	handler := newHandler(t, db)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHealthzDegradedWithoutDB(t *testing.T) {
	t.Parallel()
	handler := api.NewServer(nil, nil).Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	handler := api.NewServer(nil, nil).Handler()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
