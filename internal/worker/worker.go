// Package worker implements the claim-execute-finalize engine. A Worker is a
// single-threaded, blocking loop bound to one processor identity and one OS
// process id; parallelism comes from running more processes, coordinated
// only through the shared queue table. See internal/store for the claim
// primitive and the reconnect protocol the loop leans on.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/filipekp/queue/internal/notify"
	"github.com/filipekp/queue/internal/queue"
	"github.com/filipekp/queue/internal/store"
)

const (
	// claimBatch is how many rows a worker keeps in flight: one being
	// processed, one pipelined for the next iteration.
	claimBatch = 2

	// defaultDependencyWaitMargin is the fixed tail added to the
	// dependency-wait ceiling on top of siblings × request timeout.
	defaultDependencyWaitMargin = 240 * time.Second

	// defaultReconnectAttempts and defaultReconnectPause bound the recovery
	// protocol after a lost database connection.
	defaultReconnectAttempts = 5
	defaultReconnectPause    = 5 * time.Second

	// codeDependencyFailed marks both dependency-wait failure modes.
	codeDependencyFailed = 504
	// codeInternalError is the best-effort status for failures with no HTTP
	// status of their own.
	codeInternalError = 500
)

// WebhookHashPlaceholder is the token slot inside a webhook_url template.
const WebhookHashPlaceholder = "{hash}"

var (
	errDependencyFailed  = errors.New("children of parent group ended in error")
	errDependencyTimeout = errors.New("wait for parent group timed out")
)

// Config holds worker tuning parameters (sourced from config.Config).
type Config struct {
	ProcessorID          int64
	RequestTimeout       time.Duration
	IdleSleep            time.Duration
	DependencyPoll       time.Duration
	StaleClaimAfter      time.Duration
	DependencyWaitMargin time.Duration
	ReconnectAttempts    int
	ReconnectPause       time.Duration
}

// Worker is one claim-execute-finalize loop instance.
type Worker struct {
	conn         *store.Conn
	st           *store.Store
	cfg          Config
	client       *http.Client
	notifyClient *http.Client
	pid          int64
	moreTasks    bool
	log          *slog.Logger
}

// New creates a Worker over its own connection session. notifyClient may be
// nil, in which case outbound notify webhooks are skipped.
func New(conn *store.Conn, cfg Config, notifyClient *http.Client) *Worker {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 240 * time.Second
	}
	if cfg.IdleSleep == 0 {
		cfg.IdleSleep = 60 * time.Second
	}
	if cfg.DependencyPoll == 0 {
		cfg.DependencyPoll = 5 * time.Second
	}
	if cfg.StaleClaimAfter == 0 {
		cfg.StaleClaimAfter = time.Hour
	}
	if cfg.DependencyWaitMargin == 0 {
		cfg.DependencyWaitMargin = defaultDependencyWaitMargin
	}
	if cfg.ReconnectAttempts == 0 {
		cfg.ReconnectAttempts = defaultReconnectAttempts
	}
	if cfg.ReconnectPause == 0 {
		cfg.ReconnectPause = defaultReconnectPause
	}
	return &Worker{
		conn:         conn,
		st:           store.New(conn),
		cfg:          cfg,
		client:       NewDispatchClient(cfg.RequestTimeout),
		notifyClient: notifyClient,
		pid:          int64(os.Getpid()),
		log: slog.Default().With(
			"processor", cfg.ProcessorID, "pid", os.Getpid()),
	}
}

// Run executes the loop until ctx is cancelled or the connection is lost
// beyond recovery. The processor id must be registered; an unknown id is a
// fatal bootstrap error.
func (w *Worker) Run(ctx context.Context) error {
	ok, err := w.st.ProcessorExists(ctx, w.cfg.ProcessorID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("queue processor %d not exists", w.cfg.ProcessorID)
	}

	if n, err := w.st.ReleaseStaleClaims(ctx, w.cfg.ProcessorID, w.cfg.StaleClaimAfter); err != nil {
		w.log.Error("release stale claims", "error", err)
	} else if n > 0 {
		w.log.Info("released stale claims", "count", n)
	}

	w.log.Info("queue worker started")

	for {
		if ctx.Err() != nil {
			w.log.Info("queue worker stopping")
			return nil
		}

		worked, err := w.RunOnce(ctx)
		switch {
		case err == nil:
		case store.IsConnectionLost(err):
			w.log.Warn("database connection lost", "error", err)
			if recErr := w.recoverConnection(ctx); recErr != nil {
				return recErr
			}
			continue
		case errors.Is(err, context.Canceled):
			w.log.Info("queue worker stopping")
			return nil
		default:
			// A store failure aborts the iteration, never the loop.
			w.log.Error("iteration failed", "error", err)
		}

		if !worked {
			if err := w.idle(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					w.log.Info("queue worker stopping")
					return nil
				}
				return err
			}
		}
	}
}

// RunOnce performs a single loop iteration: claim (priority reclaim first),
// process the earliest owned row, finalize it. Returns whether any row was
// processed. Exposed for tests.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	// Priority reclaim: retry-eligible error rows jump the queue.
	retryable, err := w.st.ClaimRetryable(ctx, w.cfg.ProcessorID, w.pid, claimBatch)
	if err != nil {
		return false, err
	}
	if len(retryable) > 0 {
		claimsTotal.WithLabelValues("retry").Add(float64(len(retryable)))
		w.moreTasks = false
		for i := range retryable {
			w.log.Info("retrying errored item",
				"id", retryable[i].ID, "attempt", retryable[i].RetryCounter+1)
			w.processItem(ctx, &retryable[i])
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
		}
		return true, nil
	}

	// Fresh claim tops the pipeline back up to two rows.
	held := 0
	if w.moreTasks {
		held = 1
	}
	if limit := claimBatch - held; limit > 0 {
		err := w.conn.WithTx(ctx, "claim_items", func() error {
			claimed, err := w.st.ClaimNew(ctx, w.cfg.ProcessorID, w.pid, limit)
			if err != nil {
				return err
			}
			if claimed > 0 {
				claimsTotal.WithLabelValues("fresh").Add(float64(claimed))
			}
			return nil
		})
		if err != nil {
			return false, err
		}
	}

	owned, err := w.st.OwnedNew(ctx, w.cfg.ProcessorID, w.pid, claimBatch)
	if err != nil {
		return false, err
	}
	if len(owned) == 0 {
		w.moreTasks = false
		return false, nil
	}

	// Pipelining: a second claimed row means the next iteration processes it
	// before claiming more.
	w.moreTasks = len(owned) > 1

	w.processItem(ctx, &owned[0])
	return true, ctx.Err()
}

// processItem drives one row through process → (wait →) dispatch → finalize.
// Per-row failures are written onto the row; they never escape to the loop.
func (w *Worker) processItem(ctx context.Context, it *store.Item) {
	if err := w.st.MarkProcessing(ctx, it.ID); err != nil {
		w.log.Error("mark processing", "id", it.ID, "error", err)
		return
	}
	started := time.Now()

	if it.ParentGroupID != nil {
		if err := w.waitForGroup(ctx, it, started); err != nil {
			w.finalize(ctx, it, store.StateError, codeDependencyFailed, err.Error())
			return
		}
	}

	w.log.Info("call url", "id", it.ID, "url", it.URL)

	body, err := w.buildBody(it)
	if err != nil {
		w.finalize(ctx, it, store.StateError, codeInternalError, err.Error())
		return
	}

	if err := w.st.AppendRequest(ctx, it.ID, it.URL); err != nil {
		w.log.Error("append request log", "id", it.ID, "error", err)
	}

	status, payload, err := dispatch(ctx, w.client, it.URL, body)
	if err != nil {
		dispatchErrors.Inc()
		w.finalize(ctx, it, store.StateError, codeInternalError, err.Error())
		return
	}

	state, code, message := finalizeOutcome(it.ProcessType, status, payload)
	w.finalize(ctx, it, state, code, message)
	if state == store.StateDone {
		w.log.Info("url done", "id", it.ID, "url", it.URL)
	}
}

// buildBody decodes the row's JSON data for the POST body. Async rows also
// carry the completed callback URL (token substituted into the template) so
// the target knows where to post its result.
func (w *Worker) buildBody(it *store.Item) ([]byte, error) {
	data := map[string]any{}
	if it.Data != "" {
		if err := json.Unmarshal([]byte(it.Data), &data); err != nil {
			return nil, fmt.Errorf("decode item data: %w", err)
		}
	}
	if it.ProcessType == store.TypeAsync && it.WebhookURL != nil {
		token := queue.WebhookToken(it.ID)
		data["webhook_url"] = strings.ReplaceAll(*it.WebhookURL, WebhookHashPlaceholder, token)
	}
	return json.Marshal(data)
}

// finalizeOutcome maps a dispatch response onto the row's next state.
func finalizeOutcome(processType string, status int, payload []byte) (state string, code int32, message string) {
	if status != http.StatusOK {
		return store.StateError, int32(status), string(payload)
	}

	// A 200 with a non-empty `errors` field is an application-level failure.
	var parsed struct {
		Errors json.RawMessage `json:"errors"`
	}
	if err := json.Unmarshal(payload, &parsed); err == nil && hasErrors(parsed.Errors) {
		return store.StateError, codeInternalError, string(parsed.Errors)
	}

	if processType == store.TypeAsync {
		return store.StateProcessAsync, http.StatusOK, string(payload)
	}
	return store.StateDone, http.StatusOK, string(payload)
}

// hasErrors reports whether a raw JSON `errors` value is present and
// non-empty (not null, "", [], {}, false or 0).
func hasErrors(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	switch trimmed {
	case "", "null", `""`, "[]", "{}", "false", "0":
		return false
	}
	return true
}

// finalize writes the outcome onto the row and fires the notify webhook.
// Async successes keep date_end open until the external webhook resolves
// them; everything else closes now.
func (w *Worker) finalize(ctx context.Context, it *store.Item, state string, code int32, message string) {
	var end *time.Time
	if state != store.StateProcessAsync {
		now := time.Now()
		end = &now
	}
	if err := w.st.FinalizeItem(ctx, it.ID, state, code, message, end); err != nil {
		w.log.Error("finalize item", "id", it.ID, "state", state, "error", err)
		return
	}
	finalizedTotal.WithLabelValues(state).Inc()
	if state == store.StateError {
		w.log.Error("item failed", "id", it.ID, "code", code, "message", message)
	}

	// Async rows are not final yet; their webhook_url is the correlation
	// channel, resolved by the external callback instead.
	if state != store.StateProcessAsync {
		w.notifyWebhook(ctx, it, state, code)
	}
}

// notifyWebhook fires the per-job notify-on-finalize channel: the row's own
// webhook_url, independent of the async correlation template. A failure
// here never touches the job's own state.
func (w *Worker) notifyWebhook(ctx context.Context, it *store.Item, state string, code int32) {
	if w.notifyClient == nil || it.WebhookURL == nil || *it.WebhookURL == "" {
		return
	}

	// Re-fetch so the notification carries the final persisted message.
	fresh, err := w.st.GetItem(ctx, it.ID)
	if err != nil || fresh == nil {
		w.log.Error("notify webhook: refetch item", "id", it.ID, "error", err)
		return
	}

	message := ""
	if fresh.Message != nil {
		message = *fresh.Message
	}
	payload, _ := json.Marshal(map[string]any{
		"id":         fresh.ID,
		"state":      state,
		"state_code": code,
		"message":    message,
	})

	url := *it.WebhookURL
	if strings.Contains(url, WebhookHashPlaceholder) {
		url = strings.ReplaceAll(url, WebhookHashPlaceholder, queue.WebhookToken(it.ID))
	}

	remote, err := notify.Send(ctx, w.notifyClient, url, payload)
	if err != nil {
		w.log.Warn("notify webhook failed", "id", it.ID, "url", url, "status", remote, "error", err)
		return
	}
	w.log.Info("notify webhook delivered", "id", it.ID, "url", url, "status", remote)
}

// waitForGroup blocks until every sibling of the parent group reaches a
// terminal state. The ceiling is proportional to the number of outstanding
// siblings at wait start: each may legitimately take a full request timeout.
func (w *Worker) waitForGroup(ctx context.Context, it *store.Item, started time.Time) error {
	if err := w.st.SetState(ctx, it.ID, store.StateWait); err != nil {
		return err
	}

	groupID := *it.ParentGroupID
	siblings, err := w.st.CountGroupPending(ctx, groupID, 0)
	if err != nil {
		return err
	}
	ceiling := time.Duration(siblings)*w.cfg.RequestTimeout + w.cfg.DependencyWaitMargin
	deadline := started.Add(ceiling)

	w.log.Info("waiting for parent group",
		"id", it.ID, "group", groupID, "siblings", siblings, "ceiling", ceiling)

	for {
		pending, err := w.st.CountGroupPending(ctx, groupID, w.pid)
		if err != nil {
			return err
		}
		if pending == 0 {
			failed, err := w.st.GroupHasError(ctx, groupID)
			if err != nil {
				return err
			}
			if failed {
				return errDependencyFailed
			}
			return w.st.SetState(ctx, it.ID, store.StateProcess)
		}
		if time.Now().After(deadline) {
			return errDependencyTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.cfg.DependencyPoll):
		}
	}
}

// recoverConnection is the bounded reconnect protocol: 5 attempts, 5s apart
// by default. Exhaustion is fatal so a supervisor restarts the process.
func (w *Worker) recoverConnection(ctx context.Context) error {
	var err error
	for attempt := 1; attempt <= w.cfg.ReconnectAttempts; attempt++ {
		err = w.conn.Reconnect(ctx)
		if err == nil {
			w.log.Info("database connection re-established", "attempt", attempt)
			return nil
		}
		w.log.Warn("reconnect attempt failed", "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.cfg.ReconnectPause):
		}
	}
	return fmt.Errorf("reconnect failed after %d attempts: %w", w.cfg.ReconnectAttempts, err)
}

// idle releases stale claims, sleeps until the next poll and verifies the
// connection still answers. A connection that cannot be re-established is as
// fatal here as on the processing path; continuing would touch a dead
// session.
func (w *Worker) idle(ctx context.Context) error {
	if n, err := w.st.ReleaseStaleClaims(ctx, w.cfg.ProcessorID, w.cfg.StaleClaimAfter); err == nil && n > 0 {
		w.log.Info("released stale claims", "count", n)
	}

	select {
	case <-ctx.Done():
		return nil
	case <-time.After(w.cfg.IdleSleep):
	}

	if !w.conn.IsConnected(ctx) {
		w.log.Warn("database connection lost while idle")
		return w.recoverConnection(ctx)
	}
	return nil
}
