// ABOUTME: Store methods for the queue table: enqueue insert, atomic claims,
// ABOUTME: state transitions, dependency-group queries, stale-claim release, purge.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
)

// Queue item lifecycle states.
const (
	StateNew          = "new"
	StateProcess      = "process"
	StateWait         = "wait"
	StateProcessAsync = "process_async"
	StateError        = "error"
	StateDone         = "done"
)

// Execution modes.
const (
	TypeSync  = "sync"
	TypeAsync = "async"
)

// RetryUnlimited in the retry column means the item is retried without an
// attempt cap.
const RetryUnlimited = -1

// Item is one queue row — the unit of work.
type Item struct {
	ID            int64
	GroupID       *int64
	ParentGroupID *int64
	ProcessorID   int64
	ProcessType   string
	WebhookURL    *string
	URL           string
	Data          string
	State         string
	StateCode     *int32
	ProcessingPID *int64
	Message       *string
	Delay         int32
	RetryCounter  int32
	Retry         int32
	DateAdded     time.Time
	DateStart     *time.Time
	DateEnd       *time.Time
}

const itemColumns = `id, group_id, parent_group_id, queue_processor_id, process_type,
	webhook_url, url, data, state, state_code, processing_pid, message,
	delay, retry_counter, retry, date_added, date_start, date_end`

func scanItem(row pgx.Row) (*Item, error) {
	var it Item
	err := row.Scan(&it.ID, &it.GroupID, &it.ParentGroupID, &it.ProcessorID,
		&it.ProcessType, &it.WebhookURL, &it.URL, &it.Data, &it.State,
		&it.StateCode, &it.ProcessingPID, &it.Message, &it.Delay,
		&it.RetryCounter, &it.Retry, &it.DateAdded, &it.DateStart, &it.DateEnd)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func collectItems(rows pgx.Rows) ([]Item, error) {
	defer rows.Close()
	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, classify(err)
		}
		items = append(items, *it)
	}
	return items, classify(rows.Err())
}

// InsertItemParams holds the fields for a new queue row. Validation (type,
// URL normalization) is the queue manager's responsibility.
type InsertItemParams struct {
	GroupID       *int64
	ParentGroupID *int64
	ProcessorID   int64
	ProcessType   string
	WebhookURL    *string
	URL           string
	Data          string
	Retry         int32
	Delay         int32
}

// InsertItem inserts a state=new row and returns the generated id.
func (s *Store) InsertItem(ctx context.Context, p InsertItemParams) (int64, error) {
	query, args, err := psql.Insert("queue").
		Columns("group_id", "parent_group_id", "queue_processor_id", "process_type",
			"webhook_url", "url", "data", "state", "retry", "delay").
		Values(p.GroupID, p.ParentGroupID, p.ProcessorID, p.ProcessType,
			p.WebhookURL, p.URL, p.Data, StateNew, p.Retry, p.Delay).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build insert: %w", err)
	}

	var id int64
	if err := s.db.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert queue item: %w", classify(err))
	}
	return id, nil
}

// GetItem returns the queue row with the given id, or (nil, nil) if absent.
func (s *Store) GetItem(ctx context.Context, id int64) (*Item, error) {
	query, args, err := psql.Select(itemColumns).
		From("queue").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	it, err := scanItem(s.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get queue item %d: %w", id, classify(err))
	}
	return it, nil
}

// claimNewSQL atomically reserves fresh rows for one worker process. The
// UPDATE over a locked subselect is the sole concurrency-control primitive:
// SKIP LOCKED and the processing_pid IS NULL guard together guarantee that
// each row is claimed by at most one process.
const claimNewSQL = `
UPDATE queue SET processing_pid = $1
 WHERE id IN (
       SELECT id FROM queue
        WHERE state = 'new' AND processing_pid IS NULL AND queue_processor_id = $2
        ORDER BY date_added ASC, id ASC
        LIMIT $3
          FOR UPDATE SKIP LOCKED)`

// ClaimNew reserves up to limit unclaimed state=new rows of the processor
// for pid. Returns the number of rows reserved.
func (s *Store) ClaimNew(ctx context.Context, processorID, pid int64, limit int) (int64, error) {
	tag, err := s.db.Exec(ctx, claimNewSQL, pid, processorID, limit)
	if err != nil {
		return 0, fmt.Errorf("claim new items: %w", classify(err))
	}
	return tag.RowsAffected(), nil
}

// claimRetryableSQL reserves errored rows whose retry budget and backoff
// window permit another attempt. The stored delay already holds the backoff
// for the attempt that just failed (advanced at attempt start), so the wait
// window is the delay itself: 30s after the first failure, doubling each
// attempt. delay==0 means the row errored before ever starting.
const claimRetryableSQL = `
UPDATE queue SET processing_pid = $1
 WHERE id IN (
       SELECT id FROM queue
        WHERE state = 'error' AND state_code >= 500 AND queue_processor_id = $2
          AND (retry = -1 OR retry_counter < retry)
          AND (date_start IS NULL OR
               now() >= date_start + make_interval(secs =>
                   (CASE WHEN delay = 0 THEN 30 ELSE delay END)))
        ORDER BY date_added ASC, id ASC
        LIMIT $3
          FOR UPDATE SKIP LOCKED)
 RETURNING ` + itemColumns

// ClaimRetryable reserves up to limit retry-eligible error rows for pid and
// returns them oldest-first.
func (s *Store) ClaimRetryable(ctx context.Context, processorID, pid int64, limit int) ([]Item, error) {
	rows, err := s.db.Query(ctx, claimRetryableSQL, pid, processorID, limit)
	if err != nil {
		return nil, fmt.Errorf("claim retryable items: %w", classify(err))
	}
	items, err := collectItems(rows)
	if err != nil {
		return nil, fmt.Errorf("claim retryable items: %w", err)
	}
	return items, nil
}

// OwnedNew returns the state=new rows currently reserved for pid,
// oldest-first, up to limit.
func (s *Store) OwnedNew(ctx context.Context, processorID, pid int64, limit int) ([]Item, error) {
	query, args, err := psql.Select(itemColumns).
		From("queue").
		Where(sq.Eq{"state": StateNew, "queue_processor_id": processorID, "processing_pid": pid}).
		OrderBy("date_added ASC", "id ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select owned items: %w", classify(err))
	}
	items, err := collectItems(rows)
	if err != nil {
		return nil, fmt.Errorf("select owned items: %w", err)
	}
	return items, nil
}

// markProcessingSQL advances a row into active processing: one attempt is
// consumed and the backoff delay doubles (30s floor) for a potential later
// retry.
const markProcessingSQL = `
UPDATE queue
   SET state = 'process', date_start = now(), date_end = NULL,
       retry_counter = retry_counter + 1,
       delay = (CASE WHEN delay = 0 THEN 30 ELSE delay * 2 END)
 WHERE id = $1`

// MarkProcessing moves the row into state=process, stamps date_start, clears
// date_end, consumes one retry attempt and advances the backoff delay.
func (s *Store) MarkProcessing(ctx context.Context, id int64) error {
	if _, err := s.db.Exec(ctx, markProcessingSQL, id); err != nil {
		return fmt.Errorf("mark processing %d: %w", id, classify(err))
	}
	return nil
}

// SetState sets only the row state. Used for the process↔wait transitions,
// which must not consume retry attempts.
func (s *Store) SetState(ctx context.Context, id int64, state string) error {
	query, args, err := psql.Update("queue").
		Set("state", state).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("set state %s on %d: %w", state, id, classify(err))
	}
	return nil
}

// FinalizeItem records the outcome of an attempt: terminal done/error states
// carry a date_end, process_async leaves it NULL until the webhook arrives.
func (s *Store) FinalizeItem(ctx context.Context, id int64, state string, stateCode int32, message string, end *time.Time) error {
	query, args, err := psql.Update("queue").
		Set("state", state).
		Set("state_code", stateCode).
		Set("message", message).
		Set("date_end", end).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("finalize %d as %s: %w", id, state, classify(err))
	}
	return nil
}

// ResolveAsync applies a webhook-confirmed result to a process_async row.
// Returns the number of rows updated (0 when the id is unknown).
func (s *Store) ResolveAsync(ctx context.Context, id int64, state string, stateCode int32, message string, end time.Time) (int64, error) {
	query, args, err := psql.Update("queue").
		Set("state", state).
		Set("state_code", stateCode).
		Set("message", message).
		Set("date_end", end).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build update: %w", err)
	}
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("resolve async %d: %w", id, classify(err))
	}
	return tag.RowsAffected(), nil
}

// pendingStates are the non-terminal states a dependency wait blocks on.
var pendingStates = []string{StateNew, StateProcess, StateWait}

// CountGroupPending counts rows of the group still in a non-terminal state.
// Rows reserved by excludePID are not counted when excludePID is non-zero,
// so a waiting item never blocks on work its own process holds.
func (s *Store) CountGroupPending(ctx context.Context, groupID int64, excludePID int64) (int64, error) {
	b := psql.Select("COUNT(*)").
		From("queue").
		Where(sq.Eq{"group_id": groupID, "state": pendingStates})
	if excludePID != 0 {
		b = b.Where(sq.Or{
			sq.Eq{"processing_pid": nil},
			sq.NotEq{"processing_pid": excludePID},
		})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count: %w", err)
	}

	var n int64
	if err := s.db.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count group %d pending: %w", groupID, classify(err))
	}
	return n, nil
}

// GroupHasError reports whether any row of the group ended in state=error.
func (s *Store) GroupHasError(ctx context.Context, groupID int64) (bool, error) {
	query, args, err := psql.Select("COUNT(*)").
		From("queue").
		Where(sq.Eq{"group_id": groupID, "state": StateError}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build count: %w", err)
	}

	var n int64
	if err := s.db.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("count group %d errors: %w", groupID, classify(err))
	}
	return n > 0, nil
}

// releaseStaleClaimsSQL reverts claims left behind by a crashed worker. Rows
// still in new/process with a claim older than the threshold go back to the
// unclaimed pool; wait and terminal states are untouched.
const releaseStaleClaimsSQL = `
UPDATE queue
   SET processing_pid = NULL, state = 'new'
 WHERE queue_processor_id = $1
   AND processing_pid IS NOT NULL
   AND state IN ('new', 'process')
   AND COALESCE(date_start, date_added) < now() - make_interval(secs => $2)`

// ReleaseStaleClaims frees rows of the processor whose claim predates
// olderThan. Returns the number of rows released.
func (s *Store) ReleaseStaleClaims(ctx context.Context, processorID int64, olderThan time.Duration) (int64, error) {
	tag, err := s.db.Exec(ctx, releaseStaleClaimsSQL, processorID, int64(olderThan.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("release stale claims: %w", classify(err))
	}
	return tag.RowsAffected(), nil
}

// PurgeOlderThan deletes queue rows added before now()-interval. Dependent
// queue_response and queue_request rows go with them via FK cascade.
func (s *Store) PurgeOlderThan(ctx context.Context, interval time.Duration) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM queue WHERE date_added < now() - make_interval(secs => $1)`,
		int64(interval.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("purge old items: %w", classify(err))
	}
	return tag.RowsAffected(), nil
}

// NextGroupID returns max(group_id)+2: callers reserve one group id for a
// batch plus a companion id for its parent group. The convention is the
// callers'; nothing here validates it.
func (s *Store) NextGroupID(ctx context.Context) (int64, error) {
	var maxGroup *int64
	if err := s.db.QueryRow(ctx, `SELECT MAX(group_id) FROM queue`).Scan(&maxGroup); err != nil {
		return 0, fmt.Errorf("next group id: %w", classify(err))
	}
	if maxGroup == nil {
		return 2, nil
	}
	return *maxGroup + 2, nil
}
