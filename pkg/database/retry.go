package database

import (
	"context"
	"database/sql/driver"
	"math/rand"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	busyBaseDelay = 50 * time.Millisecond
	busyMaxDelay  = 2 * time.Second
)

// retryConnector wraps a driver.Connector so that every connection it hands
// out retries statements that fail with SQLITE_BUSY or SQLITE_LOCKED. The
// given pragmas run on each new connection since SQLite scopes them per
// connection.
type retryConnector struct {
	connector  driver.Connector
	maxRetries int
	pragmas    []string
}

func newRetryConnector(connector driver.Connector, maxRetries int, pragmas ...string) *retryConnector {
	return &retryConnector{connector: connector, maxRetries: maxRetries, pragmas: pragmas}
}

func (rc *retryConnector) Connect(ctx context.Context) (driver.Conn, error) {
	conn, err := rc.connector.Connect(ctx)
	if err != nil {
		return nil, err
	}
	if len(rc.pragmas) > 0 {
		execer, ok := conn.(driver.ExecerContext)
		if !ok {
			_ = conn.Close()
			return nil, errors.New("sqlite connection does not support ExecContext")
		}
		for _, pragma := range rc.pragmas {
			if _, err := execer.ExecContext(ctx, pragma, nil); err != nil {
				_ = conn.Close()
				return nil, errors.Wrapf(err, "failed to run %q", pragma)
			}
		}
	}
	return &retryConn{conn: conn, maxRetries: rc.maxRetries}, nil
}

func (rc *retryConnector) Driver() driver.Driver {
	return rc.connector.Driver()
}

// isBusyError matches the busy/locked errors of both the cgo and the pure Go
// SQLite drivers.
func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{
		"database is locked",
		"database table is locked",
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"(5)",
		"(6)",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// busyDelay returns the wait before the given retry attempt: exponential from
// busyBaseDelay with up to 25% jitter, capped at busyMaxDelay.
func busyDelay(attempt int) time.Duration {
	delay := busyBaseDelay * time.Duration(1<<attempt)
	if delay >= busyMaxDelay {
		return busyMaxDelay
	}
	delay += time.Duration(rand.Int63n(int64(delay/4) + 1))
	if delay > busyMaxDelay {
		delay = busyMaxDelay
	}
	return delay
}

func retryWithBackoff(ctx context.Context, maxRetries int, fn func() error) error {
	_, err := retryValue(ctx, maxRetries, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func retryValue[T any](ctx context.Context, maxRetries int, fn func() (T, error)) (T, error) {
	var (
		v   T
		err error
	)
	for attempt := 0; ; attempt++ {
		v, err = fn()
		if err == nil || !isBusyError(err) || attempt >= maxRetries {
			return v, err
		}

		select {
		case <-ctx.Done():
			return v, ctx.Err()
		case <-time.After(busyDelay(attempt)):
		}
	}
}

type retryConn struct {
	conn       driver.Conn
	maxRetries int
}

func (c *retryConn) Prepare(query string) (driver.Stmt, error) {
	stmt, err := c.conn.Prepare(query)
	if err != nil {
		return nil, err
	}
	return &retryStmt{stmt: stmt, maxRetries: c.maxRetries}, nil
}

func (c *retryConn) Close() error {
	return c.conn.Close()
}

func (c *retryConn) Begin() (driver.Tx, error) {
	return retryValue(context.Background(), c.maxRetries, func() (driver.Tx, error) {
		return c.conn.Begin() //nolint:staticcheck // required by driver.Conn
	})
}

func (c *retryConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	beginner, ok := c.conn.(driver.ConnBeginTx)
	if !ok {
		return c.Begin()
	}
	return retryValue(ctx, c.maxRetries, func() (driver.Tx, error) {
		return beginner.BeginTx(ctx, opts)
	})
}

func (c *retryConn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	preparer, ok := c.conn.(driver.ConnPrepareContext)
	if !ok {
		return c.Prepare(query)
	}
	stmt, err := preparer.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	return &retryStmt{stmt: stmt, maxRetries: c.maxRetries}, nil
}

func (c *retryConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	execer, ok := c.conn.(driver.ExecerContext)
	if !ok {
		return nil, driver.ErrSkip
	}
	return retryValue(ctx, c.maxRetries, func() (driver.Result, error) {
		return execer.ExecContext(ctx, query, args)
	})
}

func (c *retryConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	queryer, ok := c.conn.(driver.QueryerContext)
	if !ok {
		return nil, driver.ErrSkip
	}
	return retryValue(ctx, c.maxRetries, func() (driver.Rows, error) {
		return queryer.QueryContext(ctx, query, args)
	})
}

func (c *retryConn) Ping(ctx context.Context) error {
	if pinger, ok := c.conn.(driver.Pinger); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

func (c *retryConn) ResetSession(ctx context.Context) error {
	if resetter, ok := c.conn.(driver.SessionResetter); ok {
		return resetter.ResetSession(ctx)
	}
	return nil
}

func (c *retryConn) IsValid() bool {
	if validator, ok := c.conn.(driver.Validator); ok {
		return validator.IsValid()
	}
	return true
}

type retryStmt struct {
	stmt       driver.Stmt
	maxRetries int
}

func (s *retryStmt) Close() error {
	return s.stmt.Close()
}

func (s *retryStmt) NumInput() int {
	return s.stmt.NumInput()
}

func (s *retryStmt) Exec(args []driver.Value) (driver.Result, error) {
	return retryValue(context.Background(), s.maxRetries, func() (driver.Result, error) {
		return s.stmt.Exec(args) //nolint:staticcheck // required by driver.Stmt
	})
}

func (s *retryStmt) Query(args []driver.Value) (driver.Rows, error) {
	return retryValue(context.Background(), s.maxRetries, func() (driver.Rows, error) {
		return s.stmt.Query(args) //nolint:staticcheck // required by driver.Stmt
	})
}

func (s *retryStmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	execer, ok := s.stmt.(driver.StmtExecContext)
	if !ok {
		return s.Exec(namedToValues(args))
	}
	return retryValue(ctx, s.maxRetries, func() (driver.Result, error) {
		return execer.ExecContext(ctx, args)
	})
}

func (s *retryStmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	queryer, ok := s.stmt.(driver.StmtQueryContext)
	if !ok {
		return s.Query(namedToValues(args))
	}
	return retryValue(ctx, s.maxRetries, func() (driver.Rows, error) {
		return queryer.QueryContext(ctx, args)
	})
}

func namedToValues(args []driver.NamedValue) []driver.Value {
	values := make([]driver.Value, len(args))
	for i, arg := range args {
		values[i] = arg.Value
	}
	return values
}
