package fakedriver

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"time"
)

type conn struct {
	driver *Driver
	name   string
	stmts  int
}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	c.stmts++
	c.driver.statementPrepared()
	name := fmt.Sprintf("%s.Prepared[%d]", c.name, c.stmts)
	c.driver.logf("preparing %s: %#v", name, query)
	return &stmt{conn: c, name: name, query: query}, nil
}

// QueryContext runs query without preparing it.
func (c *conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	s := &stmt{conn: c, name: c.name + ".Direct", query: query}
	return s.QueryContext(ctx, args)
}

func (c *conn) Close() error {
	c.driver.connClosed(c.name)
	return nil
}

func (c *conn) Begin() (driver.Tx, error) {
	return nil, errors.New("fakedriver: transactions are not supported")
}

type stmt struct {
	conn  *conn
	name  string
	query string
}

func (s *stmt) Close() error {
	s.conn.driver.logf("closing %s", s.name)
	s.conn.driver.mu.Lock()
	defer s.conn.driver.mu.Unlock()
	return s.conn.driver.stmtCloseErr
}

func (s *stmt) NumInput() int {
	return -1
}

func (s *stmt) Exec([]driver.Value) (driver.Result, error) {
	return nil, errors.New("fakedriver: exec is not supported")
}

func (s *stmt) Query([]driver.Value) (driver.Rows, error) {
	return s.QueryContext(context.Background(), nil)
}

// QueryContext blocks for the configured delay, returning early if ctx ends.
func (s *stmt) QueryContext(ctx context.Context, _ []driver.NamedValue) (driver.Rows, error) {
	d := s.conn.driver
	d.logf("querying %s", s.name)
	delay, err := d.startQuery(s.query)
	if err != nil {
		return nil, err
	}
	defer d.endQuery()
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	columns, values, closeErr := d.result()
	return &rows{columns: columns, values: values, closeErr: closeErr}, nil
}

type rows struct {
	columns  []string
	values   [][]driver.Value
	next     int
	closeErr error
}

func (r *rows) Columns() []string {
	return r.columns
}

func (r *rows) Close() error {
	return r.closeErr
}

func (r *rows) Next(dest []driver.Value) error {
	if r.next >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.next])
	r.next++
	return nil
}
