// ABOUTME: Tests for notify-webhook delivery: status handling and error paths.
package notify_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filipekp/queue/internal/notify"
)

func TestSendDeliversJSON(t *testing.T) {
	t.Parallel()
	var gotBody []byte
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	status, err := notify.Send(context.Background(), srv.Client(), srv.URL, []byte(`{"id":7}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)
	assert.JSONEq(t, `{"id":7}`, string(gotBody))
	assert.Equal(t, "application/json", gotContentType)
}

func TestSendNon2xxIsError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	status, err := notify.Send(context.Background(), srv.Client(), srv.URL, []byte(`{}`))
	require.Error(t, err)
	assert.Equal(t, http.StatusBadGateway, status)
}

func TestSendTransportFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // nothing listening anymore

	status, err := notify.Send(context.Background(), &http.Client{}, srv.URL, []byte(`{}`))
	require.Error(t, err)
	assert.Zero(t, status)
}
