// ABOUTME: Store methods for the queue_processor registry: existence check for
// ABOUTME: worker bootstrap, listing and state flips for the liveness checker.
package store

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// Processor liveness states.
const (
	ProcessorUp   = "up"
	ProcessorDown = "down"
)

// Processor is one named worker identity.
type Processor struct {
	ID      int64
	Name    string
	State   string
	Updated time.Time
}

// ProcessorExists reports whether the processor id is registered. Worker
// bootstrap fails fast when it is not.
func (s *Store) ProcessorExists(ctx context.Context, id int64) (bool, error) {
	query, args, err := psql.Select("COUNT(*)").
		From("queue_processor").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build count: %w", err)
	}

	var n int64
	if err := s.db.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("processor exists %d: %w", id, classify(err))
	}
	return n > 0, nil
}

// ListProcessors returns all registered processors ordered by id.
func (s *Store) ListProcessors(ctx context.Context) ([]Processor, error) {
	query, args, err := psql.Select("id", "name", "state", "updated").
		From("queue_processor").
		OrderBy("id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list processors: %w", classify(err))
	}
	defer rows.Close()

	var out []Processor
	for rows.Next() {
		var p Processor
		if err := rows.Scan(&p.ID, &p.Name, &p.State, &p.Updated); err != nil {
			return nil, fmt.Errorf("list processors: %w", classify(err))
		}
		out = append(out, p)
	}
	return out, classify(rows.Err())
}

// SetProcessorState flips the processor's liveness state and stamps the
// check time. Only the liveness checker writes this table.
func (s *Store) SetProcessorState(ctx context.Context, id int64, state string) error {
	query, args, err := psql.Update("queue_processor").
		Set("state", state).
		Set("updated", time.Now()).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("set processor %d state %s: %w", id, state, classify(err))
	}
	return nil
}

// CreateProcessor registers a named processor and returns its id. Used by
// installs and tests; workers never create their own identity.
func (s *Store) CreateProcessor(ctx context.Context, name string) (int64, error) {
	query, args, err := psql.Insert("queue_processor").
		Columns("name", "state", "updated").
		Values(name, ProcessorDown, time.Now()).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build insert: %w", err)
	}

	var id int64
	if err := s.db.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("create processor: %w", classify(err))
	}
	return id, nil
}
