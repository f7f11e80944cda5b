// ABOUTME: Single-connection session with deadlock retry, named savepoint transactions,
// ABOUTME: and explicit reconnect. Each worker process owns exactly one Conn.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	// queryRetryAttempts is the in-connection retry budget for deadlock and
	// lock-wait-timeout errors.
	queryRetryAttempts = 10
	// queryRetryPause is the fixed pause between deadlock retries.
	queryRetryPause = 100 * time.Millisecond
)

// txNamePattern restricts transaction names to plain identifiers; names are
// spliced into SAVEPOINT statements and must not carry SQL.
var txNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Conn is a single database connection session. The outermost Begin issues a
// real BEGIN; nested Begin calls issue savepoints. A stack of open
// transaction names tracks nesting depth, and implicit per-statement commit
// resumes only when the stack empties again.
//
// Conn is not safe for concurrent use. That is deliberate: a worker is a
// single-threaded loop and owns its session; concurrent callers use a
// pgxpool.Pool instead.
type Conn struct {
	url      string
	timezone string
	conn     *pgx.Conn
	open     []string
	log      *slog.Logger
}

// Connect dials the database and applies session settings. timezone may be
// empty, in which case the server default is kept.
func Connect(ctx context.Context, url, timezone string) (*Conn, error) {
	c := &Conn{url: url, timezone: timezone, log: slog.Default()}
	if err := c.dial(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Conn) dial(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, c.url)
	if err != nil {
		return classify(fmt.Errorf("connect: %w", err))
	}
	if c.timezone != "" {
		// Session setting, re-applied on every reconnect.
		if _, err := conn.Exec(ctx, fmt.Sprintf("SET TIME ZONE '%s'", c.timezone)); err != nil {
			_ = conn.Close(ctx)
			return classify(fmt.Errorf("set time zone: %w", err))
		}
	}
	c.conn = conn
	c.open = c.open[:0]
	return nil
}

// Reconnect closes the current connection and re-establishes it, re-applying
// session settings. Any open transactions are abandoned — the server rolled
// them back when the connection died.
func (c *Conn) Reconnect(ctx context.Context) error {
	if c.conn != nil {
		_ = c.conn.Close(ctx)
		c.conn = nil
	}
	return c.dial(ctx)
}

// Close terminates the session.
func (c *Conn) Close(ctx context.Context) error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close(ctx)
	c.conn = nil
	return err
}

// IsConnected reports whether the session answers a ping.
func (c *Conn) IsConnected(ctx context.Context) bool {
	return c.conn != nil && c.conn.Ping(ctx) == nil
}

// Exec runs sql, retrying transparently on deadlock or lock-wait timeout up
// to the attempt budget. Exhausting the budget surfaces the last error.
func (c *Conn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	var tag pgconn.CommandTag
	err := c.withRetry(ctx, func() error {
		var execErr error
		tag, execErr = c.conn.Exec(ctx, sql, args...)
		return execErr
	})
	return tag, err
}

// Query runs sql and returns the rows, with the same retry discipline as
// Exec for errors raised at query start.
func (c *Conn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	var rows pgx.Rows
	err := c.withRetry(ctx, func() error {
		var qErr error
		rows, qErr = c.conn.Query(ctx, sql, args...)
		return qErr
	})
	return rows, err
}

// QueryRow runs sql expecting a single row. Errors are reported by Scan,
// classified into the store taxonomy.
func (c *Conn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return classifiedRow{c.conn.QueryRow(ctx, sql, args...)}
}

type classifiedRow struct{ pgx.Row }

func (r classifiedRow) Scan(dest ...any) error { return classify(r.Row.Scan(dest...)) }

func (c *Conn) withRetry(ctx context.Context, fn func() error) error {
	// Inside an open transaction a deadlock aborts the whole transaction
	// (25P02 on any further statement), so re-running the statement cannot
	// succeed. Surface the error and let the transaction owner roll back.
	if len(c.open) > 0 {
		return classify(fn())
	}

	var err error
	for attempt := 1; attempt <= queryRetryAttempts; attempt++ {
		err = classify(fn())
		if err == nil || !IsTransient(err) {
			return err
		}
		c.log.Warn("transient store error, retrying",
			"attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(queryRetryPause):
		}
	}
	return err
}

// ── Named transactions ────────────────────────────────────────────────────────

// Begin opens the named transaction. The outermost call issues BEGIN and
// suspends implicit commit; nested calls create a savepoint. Reusing an open
// name is a logic error.
func (c *Conn) Begin(ctx context.Context, name string) error {
	if !txNamePattern.MatchString(name) {
		return fmt.Errorf("%w: bad transaction name %q", ErrLogic, name)
	}
	for _, n := range c.open {
		if n == name {
			return fmt.Errorf("%w: transaction %q already open", ErrLogic, name)
		}
	}

	stmt := "BEGIN"
	if len(c.open) > 0 {
		stmt = "SAVEPOINT " + name
	}
	if _, err := c.conn.Exec(ctx, stmt); err != nil {
		return classify(err)
	}
	c.open = append(c.open, name)
	return nil
}

// Commit commits the named transaction: RELEASE SAVEPOINT for nested names,
// COMMIT when the last open name closes. Only the innermost open name may be
// committed.
func (c *Conn) Commit(ctx context.Context, name string) error {
	if err := c.checkInnermost(name); err != nil {
		return err
	}

	stmt := "COMMIT"
	if len(c.open) > 1 {
		stmt = "RELEASE SAVEPOINT " + name
	}
	if _, err := c.conn.Exec(ctx, stmt); err != nil {
		return classify(err)
	}
	c.open = c.open[:len(c.open)-1]
	return nil
}

// Rollback rolls back the named transaction: ROLLBACK TO SAVEPOINT for
// nested names, full ROLLBACK when the last open name closes.
func (c *Conn) Rollback(ctx context.Context, name string) error {
	if err := c.checkInnermost(name); err != nil {
		return err
	}

	if len(c.open) > 1 {
		if _, err := c.conn.Exec(ctx, "ROLLBACK TO SAVEPOINT "+name); err != nil {
			return classify(err)
		}
	} else {
		if _, err := c.conn.Exec(ctx, "ROLLBACK"); err != nil {
			return classify(err)
		}
	}
	c.open = c.open[:len(c.open)-1]
	return nil
}

// InTransaction reports whether the named transaction is open; with an empty
// name it reports whether any transaction is open.
func (c *Conn) InTransaction(name string) bool {
	if name == "" {
		return len(c.open) > 0
	}
	for _, n := range c.open {
		if n == name {
			return true
		}
	}
	return false
}

func (c *Conn) checkInnermost(name string) error {
	if len(c.open) == 0 {
		return fmt.Errorf("%w: transaction %q is not open", ErrLogic, name)
	}
	if innermost := c.open[len(c.open)-1]; innermost != name {
		if !c.InTransaction(name) {
			return fmt.Errorf("%w: transaction %q is not open", ErrLogic, name)
		}
		return fmt.Errorf("%w: transaction %q is not innermost (have %q)", ErrLogic, name, innermost)
	}
	return nil
}

// WithTx runs fn inside the named transaction, committing on nil and rolling
// back otherwise.
func (c *Conn) WithTx(ctx context.Context, name string, fn func() error) error {
	if err := c.Begin(ctx, name); err != nil {
		return err
	}
	if err := fn(); err != nil {
		if rbErr := c.Rollback(ctx, name); rbErr != nil {
			c.log.Error("rollback failed", "tx", name, "error", rbErr)
		}
		return err
	}
	return c.Commit(ctx, name)
}
