// Package queue is the producer-facing surface of the task queue: enqueue,
// webhook-token issuance, async-result ingestion, stale-item purge and
// processor lookup. Workers live in internal/worker; this package never
// claims or executes anything.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/filipekp/queue/internal/store"
)

// WebhookDatetimeFormat is the accepted format of the `datetime` field on
// webhook results: ISO-8601 with microseconds and a numeric offset.
const WebhookDatetimeFormat = "2006-01-02T15:04:05.000000-07:00"

// Manager exposes the enqueue and webhook-ingestion API over a Store.
type Manager struct {
	st  *store.Store
	loc *time.Location
	log *slog.Logger
}

// NewManager creates a Manager. timezone names the location webhook result
// timestamps are normalized to before persisting.
func NewManager(st *store.Store, timezone string) (*Manager, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", timezone, err)
	}
	return &Manager{st: st, loc: loc, log: slog.Default()}, nil
}

// EnqueueRequest describes one job to enqueue.
type EnqueueRequest struct {
	URL           string
	WebhookURL    string         // template; `{hash}` is replaced with the issued token when async
	Data          map[string]any // opaque payload, JSON-encoded into the row
	ProcessorID   int64
	GroupID       *int64
	ParentGroupID *int64
	Type          string // sync | async
	Retry         int32  // max attempts; -1 = unlimited
	Delay         int32  // initial backoff seconds
}

// Enqueue normalizes and validates the request, inserts a state=new row and
// returns the generated id.
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (int64, error) {
	if req.Type != store.TypeSync && req.Type != store.TypeAsync {
		return 0, fmt.Errorf("%w: bad type %q for queue", store.ErrInvalidArgument, req.Type)
	}

	// Producers often hand over entity-escaped links copied out of HTML.
	normalized, err := url.QueryUnescape(strings.ReplaceAll(req.URL, "&amp;", "&"))
	if err != nil {
		return 0, fmt.Errorf("%w: bad url %q", store.ErrInvalidArgument, req.URL)
	}

	data := req.Data
	if data == nil {
		data = map[string]any{}
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("%w: data not serializable", store.ErrInvalidArgument)
	}

	var webhook *string
	if req.WebhookURL != "" {
		webhook = &req.WebhookURL
	}

	id, err := m.st.InsertItem(ctx, store.InsertItemParams{
		GroupID:       req.GroupID,
		ParentGroupID: req.ParentGroupID,
		ProcessorID:   req.ProcessorID,
		ProcessType:   req.Type,
		WebhookURL:    webhook,
		URL:           normalized,
		Data:          string(encoded),
		Retry:         req.Retry,
		Delay:         req.Delay,
	})
	if err != nil {
		return 0, err
	}
	m.log.Info("queue item enqueued", "id", id, "processor", req.ProcessorID, "type", req.Type)
	return id, nil
}

// IngestWebhookResult resolves a process_async item from an external webhook
// callback. token is the correlation token issued at dispatch; payload must
// carry http_code, result and datetime. Returns the number of rows updated
// (0 or 1). This is the sole entry point external callers use to resolve
// async items.
func (m *Manager) IngestWebhookResult(ctx context.Context, token string, payload map[string]any) (int64, error) {
	queueID, err := ParseWebhookToken(token)
	if err != nil {
		return 0, err
	}

	for _, field := range []string{"http_code", "result", "datetime"} {
		if _, ok := payload[field]; !ok || payload[field] == nil {
			return 0, fmt.Errorf("%w: response has not required attribute `%s`", store.ErrInvalidArgument, field)
		}
	}

	httpCode, err := toInt(payload["http_code"])
	if err != nil {
		return 0, fmt.Errorf("%w: attribute http_code is not numeric", store.ErrInvalidArgument)
	}

	datetimeStr, ok := payload["datetime"].(string)
	if !ok {
		return 0, fmt.Errorf("%w: attribute datetime is not a string", store.ErrInvalidArgument)
	}
	datetime, err := time.Parse(WebhookDatetimeFormat, datetimeStr)
	if err != nil {
		return 0, fmt.Errorf("%w: attribute datetime %q has not valid format, valid format is `%s`",
			store.ErrInvalidArgument, datetimeStr, WebhookDatetimeFormat)
	}
	datetime = datetime.In(m.loc)

	state := store.StateDone
	if httpCode >= 500 {
		state = store.StateError
	}

	message := serializeResult(payload["result"])

	affected, err := m.st.ResolveAsync(ctx, queueID, state, int32(httpCode), message, datetime)
	if err != nil {
		return 0, err
	}
	if affected > 0 {
		if err := m.st.AppendResponse(ctx, queueID, int32(httpCode), message); err != nil {
			return affected, err
		}
	}
	m.log.Info("webhook result ingested", "id", queueID, "state", state, "code", httpCode)
	return affected, nil
}

// PurgeOlderThan deletes queue rows older than interval.
func (m *Manager) PurgeOlderThan(ctx context.Context, interval time.Duration) (int64, error) {
	n, err := m.st.PurgeOlderThan(ctx, interval)
	if err != nil {
		return 0, err
	}
	m.log.Info("old queue items purged", "deleted", n, "older_than", interval)
	return n, nil
}

// NextGroupID reserves the next free group id (max+2 convention).
func (m *Manager) NextGroupID(ctx context.Context) (int64, error) {
	return m.st.NextGroupID(ctx)
}

// ProcessorExists fails when the processor id is not registered.
func (m *Manager) ProcessorExists(ctx context.Context, id int64) error {
	ok, err := m.st.ProcessorExists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("queue processor %d not exists", id)
	}
	return nil
}

// serializeResult turns the webhook `result` field into the stored message:
// plain strings verbatim, anything structured as JSON.
func serializeResult(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}

// toInt coerces the webhook http_code field, which arrives as a JSON number,
// a json.Number, or a form-encoded string depending on the caller.
func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		return int(i), err
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("not numeric: %T", v)
	}
}
