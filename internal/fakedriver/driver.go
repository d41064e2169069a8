// Package fakedriver provides an in-memory "database/sql/driver" implementation
// with fault injection, used to exercise pools and the dispatcher without a server.
package fakedriver

import (
	"context"
	"database/sql/driver"
	"fmt"
	"sync"
	"time"
)

// Driver is a fake database/sql/driver.Driver that is also its own driver.Connector.
// The zero value returns a single row with column "1" for every query.
type Driver struct {
	Logf func(string, ...interface{})

	mu           sync.Mutex
	openErr      error
	openDelay    time.Duration
	queryErr     error
	validateErr  error
	queryDelay   time.Duration
	rowsCloseErr error
	stmtCloseErr error
	columns      []string
	rows         [][]driver.Value

	opened      int
	closed      int
	maxLive     int
	inFlight    int
	maxInFlight int
	prepared    int
	queries     []string
}

// New returns a Driver that answers every query with one row.
func New() *Driver {
	return &Driver{columns: []string{"1"}, rows: [][]driver.Value{{int64(1)}}}
}

// Open opens a new fake connection, or fails with the configured open error.
func (d *Driver) Open(string) (driver.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return nil, d.openErr
	}
	d.opened++
	if live := d.opened - d.closed; live > d.maxLive {
		d.maxLive = live
	}
	name := fmt.Sprintf("conn[%d]", d.opened)
	d.logf("opening: %s", name)
	return &conn{driver: d, name: name}, nil
}

// Connect implements driver.Connector. It waits out the open delay first,
// returning early if ctx ends.
func (d *Driver) Connect(ctx context.Context) (driver.Conn, error) {
	d.mu.Lock()
	delay := d.openDelay
	d.mu.Unlock()
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	return d.Open("")
}

// Driver implements driver.Connector.
func (d *Driver) Driver() driver.Driver {
	return d
}

// SetOpenErr makes every following Open fail with err; nil restores it.
func (d *Driver) SetOpenErr(err error) {
	d.mu.Lock()
	d.openErr = err
	d.mu.Unlock()
}

// SetOpenDelay makes every following Connect take delay.
func (d *Driver) SetOpenDelay(delay time.Duration) {
	d.mu.Lock()
	d.openDelay = delay
	d.mu.Unlock()
}

// SetQueryErr makes every following query fail with err.
func (d *Driver) SetQueryErr(err error) {
	d.mu.Lock()
	d.queryErr = err
	d.mu.Unlock()
}

// SetValidateErr makes queries matching ValidationQuery fail with err.
func (d *Driver) SetValidateErr(err error) {
	d.mu.Lock()
	d.validateErr = err
	d.mu.Unlock()
}

// SetQueryDelay makes every query block for delay, or until its context ends.
func (d *Driver) SetQueryDelay(delay time.Duration) {
	d.mu.Lock()
	d.queryDelay = delay
	d.mu.Unlock()
}

// SetCloseErrs makes row and statement Close return the given errors.
func (d *Driver) SetCloseErrs(rowsErr, stmtErr error) {
	d.mu.Lock()
	d.rowsCloseErr, d.stmtCloseErr = rowsErr, stmtErr
	d.mu.Unlock()
}

// SetResult sets the columns and rows returned by queries.
func (d *Driver) SetResult(columns []string, rows [][]driver.Value) {
	d.mu.Lock()
	d.columns, d.rows = columns, rows
	d.mu.Unlock()
}

// ValidationQuery is the query tests configure pools with. Only it is affected by SetValidateErr.
const ValidationQuery = "SELECT 'validate'"

// Stats is a snapshot of the driver counters.
type Stats struct {
	Opened      int
	Closed      int
	Live        int
	MaxLive     int
	MaxInFlight int
	Prepared    int
	Queries     []string
}

// Stats returns the current counters.
func (d *Driver) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		Opened:      d.opened,
		Closed:      d.closed,
		Live:        d.opened - d.closed,
		MaxLive:     d.maxLive,
		MaxInFlight: d.maxInFlight,
		Prepared:    d.prepared,
		Queries:     append([]string(nil), d.queries...),
	}
}

func (d *Driver) logf(format string, args ...interface{}) {
	if d.Logf != nil {
		d.Logf(format, args...)
	}
}

func (d *Driver) statementPrepared() {
	d.mu.Lock()
	d.prepared++
	d.mu.Unlock()
}

func (d *Driver) connClosed(name string) {
	d.mu.Lock()
	d.closed++
	d.logf("closing: %s", name)
	d.mu.Unlock()
}

// startQuery records the query and returns the delay and error it should observe.
func (d *Driver) startQuery(query string) (time.Duration, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queries = append(d.queries, query)
	if query == ValidationQuery {
		return 0, d.validateErr
	}
	if d.queryErr != nil {
		return 0, d.queryErr
	}
	d.inFlight++
	if d.inFlight > d.maxInFlight {
		d.maxInFlight = d.inFlight
	}
	return d.queryDelay, nil
}

func (d *Driver) endQuery() {
	d.mu.Lock()
	d.inFlight--
	d.mu.Unlock()
}

func (d *Driver) result() ([]string, [][]driver.Value, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.columns, d.rows, d.rowsCloseErr
}
