// ABOUTME: Append-only logs: queue_response (webhook deliveries received) and
// ABOUTME: queue_request (dispatch attempts made). Rows are written once, never updated.
package store

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// Response is one received async webhook delivery.
type Response struct {
	ID           int64
	QueueID      int64
	Code         int32
	ResponseData string
	Datetime     time.Time
}

// AppendResponse records one webhook delivery for the queue item.
func (s *Store) AppendResponse(ctx context.Context, queueID int64, code int32, responseData string) error {
	query, args, err := psql.Insert("queue_response").
		Columns("queue_id", "code", "response_data").
		Values(queueID, code, responseData).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("append response for %d: %w", queueID, classify(err))
	}
	return nil
}

// ListResponses returns the delivery log for one queue item, oldest first.
func (s *Store) ListResponses(ctx context.Context, queueID int64) ([]Response, error) {
	query, args, err := psql.Select("id", "queue_id", "code", "response_data", "datetime").
		From("queue_response").
		Where(sq.Eq{"queue_id": queueID}).
		OrderBy("id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list responses for %d: %w", queueID, classify(err))
	}
	defer rows.Close()

	var out []Response
	for rows.Next() {
		var r Response
		if err := rows.Scan(&r.ID, &r.QueueID, &r.Code, &r.ResponseData, &r.Datetime); err != nil {
			return nil, fmt.Errorf("list responses for %d: %w", queueID, classify(err))
		}
		out = append(out, r)
	}
	return out, classify(rows.Err())
}

// AppendRequest records one outbound dispatch attempt against the endpoint.
func (s *Store) AppendRequest(ctx context.Context, queueID int64, endpoint string) error {
	query, args, err := psql.Insert("queue_request").
		Columns("queue_id", "endpoint").
		Values(queueID, endpoint).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("append request for %d: %w", queueID, classify(err))
	}
	return nil
}
