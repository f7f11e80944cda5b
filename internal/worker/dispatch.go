// ABOUTME: HTTP dispatch of claimed jobs: bounded timeout, capped redirects, gzip transfer.
// ABOUTME: The client is built once per worker; dispatch returns status + body for finalize.
package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// maxRedirects caps redirect chains on dispatched calls.
	maxRedirects = 10
	// maxResponseBytes caps how much of a target's response is read into the
	// row message.
	maxResponseBytes = 1 << 20

	userAgent = "QueueProcessor/1.0"
)

// NewDispatchClient builds the HTTP client used for job dispatch: bounded by
// timeout, following up to 10 redirects, with transparent gzip negotiation
// left to the transport.
func NewDispatchClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
}

// dispatch POSTs body to url and returns the response status and payload.
// A transport-level failure returns a zero status and the error.
func dispatch(ctx context.Context, client *http.Client, url string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("call url: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, payload, nil
}
