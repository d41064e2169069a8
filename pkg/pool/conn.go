package pool

import (
	"context"
	"database/sql"
	"runtime/debug"
	"time"

	"github.com/jackc/puddle/v2"
)

type connState int

const (
	stateIdle connState = iota
	stateBorrowed
	stateValidating // taken out of idle by the sweep
	stateReturning  // on its way back to idle or to be closed
	stateClosed
)

// Conn is a connection leased from a Pool. It belongs to the borrower until
// Release; it must not be shared between goroutines.
type Conn struct {
	id   string
	pool *Pool
	raw  *sql.Conn

	createdAt   time.Time
	returnedAt  time.Time
	validatedAt time.Time

	// guarded by pool.mu
	res        *puddle.Resource[*Conn] // set while checked out of the puddle pool
	state      connState
	borrowedAt time.Time
	invalid    bool
	abandoned  bool
	stack      []byte

	ctx    context.Context
	cancel context.CancelFunc
}

func (p *Pool) borrowLocked(ctx context.Context, c *Conn) {
	c.state = stateBorrowed
	c.borrowedAt = time.Now()
	c.ctx, c.cancel = context.WithCancel(ctx)
	if p.cfg.LogAbandoned {
		c.stack = debug.Stack()
	}
	p.borrowed[c] = struct{}{}
}

// ID identifies the connection in log events.
func (c *Conn) ID() string {
	return c.id
}

// Context is cancelled when the lease ends: on Release or when the pool
// reclaims the connection as abandoned. Work done on the connection should
// run under it.
func (c *Conn) Context() context.Context {
	return c.ctx
}

// Raw returns the underlying session.
func (c *Conn) Raw() *sql.Conn {
	return c.raw
}

// QueryContext runs query on the connection without preparing it first.
func (c *Conn) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return c.raw.QueryContext(ctx, query, args...)
}

// PrepareContext creates a prepared statement on the connection.
func (c *Conn) PrepareContext(ctx context.Context, query string) (*sql.Stmt, error) {
	return c.raw.PrepareContext(ctx, query)
}

// Invalidate marks the connection broken; Release will close it instead of
// returning it to the idle set.
func (c *Conn) Invalidate() {
	c.pool.mu.Lock()
	c.invalid = true
	c.pool.mu.Unlock()
}

// Abandoned reports whether the pool reclaimed the connection while it was borrowed.
func (c *Conn) Abandoned() bool {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	return c.abandoned
}

// Release returns the connection to its pool. Calling it more than once, or
// after the connection was reclaimed, does nothing.
func (c *Conn) Release() {
	c.pool.put(c)
}
