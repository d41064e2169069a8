// Package dispatch runs a query against the first endpoint of a registry
// that executes it successfully.
package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kong/adb-failover-client/pkg/metrics"
	"github.com/kong/adb-failover-client/pkg/registry"
	"go.uber.org/zap"
)

var (
	// ErrQueryFailed covers query execution and row handling errors.
	ErrQueryFailed = errors.New("dispatch: query failed")
	// ErrHandler wraps an error returned by the RowHandler.
	ErrHandler = fmt.Errorf("%w: row handler", ErrQueryFailed)
	// ErrConnectionAbandoned is returned for an attempt whose connection the
	// pool reclaimed before the attempt finished.
	ErrConnectionAbandoned = fmt.Errorf("%w: connection reclaimed as abandoned", ErrQueryFailed)
	// ErrAllEndpointsFailed is returned when no endpoint executed the query.
	// Per-endpoint causes are logged, not returned.
	ErrAllEndpointsFailed = errors.New("dispatch: query failed on all endpoints")
	// ErrNoEndpointsConfigured is returned for an empty registry.
	ErrNoEndpointsConfigured = fmt.Errorf("%w: no endpoints configured", ErrAllEndpointsFailed)
)

// RowHandler consumes the result of a query. ctx ends when the connection's
// lease ends. An error makes the dispatcher try the next endpoint.
type RowHandler func(ctx context.Context, rows *sql.Rows) error

// Dispatcher executes queries with ordered failover. It is safe for concurrent use.
type Dispatcher struct {
	registry *registry.Registry
	logger   *zap.Logger
}

func New(r *registry.Registry, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{registry: r, logger: logger}
}

// ExecuteQuery tries each endpoint in registry order and returns the name of
// the first one on which the query and handler succeeded. Endpoints after it
// are not contacted. If ctx ends, the loop stops and ctx.Err() is returned.
func (d *Dispatcher) ExecuteQuery(ctx context.Context, query string, handler RowHandler) (string, error) {
	if d.registry.Closed() {
		return "", registry.ErrRegistryClosed
	}
	start := time.Now()
	endpoints := d.registry.Endpoints()
	for _, e := range endpoints {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		tag := "database:" + e.Name()
		err := d.attempt(ctx, e, query, handler)
		if err == nil {
			metrics.Incr("dispatch.success", tag)
			metrics.Timing("dispatch.duration", time.Since(start), tag)
			return e.Name(), nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		d.logger.Warn("QUERY_FAILED_ON_ENDPOINT", zap.String("database", e.Name()), zap.Error(err))
		metrics.Incr("dispatch.endpoint_failure", tag)
	}

	d.logger.Error("QUERY_FAILED_ON_ALL_ENDPOINTS", zap.Int("endpoints", len(endpoints)))
	metrics.Incr("dispatch.all_failed")
	if len(endpoints) == 0 {
		return "", ErrNoEndpointsConfigured
	}
	return "", ErrAllEndpointsFailed
}

func (d *Dispatcher) attempt(ctx context.Context, e registry.Endpoint, query string, handler RowHandler) error {
	conn, err := e.Pool.Acquire(ctx)
	if err != nil {
		return err
	}
	scope := NewScope(conn, d.logger.With(zap.String("database", e.Name())))
	defer scope.Release()

	// the lease context also ends if the pool reclaims the connection
	qctx := conn.Context()
	driverErr := func(err error) error {
		if conn.Abandoned() {
			return fmt.Errorf("%w: %s", ErrConnectionAbandoned, err)
		}
		conn.Invalidate()
		return fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}

	// text protocol; some analytical engines cannot prepare every statement
	rows, err := conn.QueryContext(qctx, query)
	if err != nil {
		return driverErr(err)
	}
	scope.SetRows(rows)

	if err := handler(qctx, rows); err != nil {
		if conn.Abandoned() {
			return fmt.Errorf("%w: %s", ErrConnectionAbandoned, err)
		}
		return fmt.Errorf("%w: %w", ErrHandler, err)
	}
	if err := rows.Err(); err != nil {
		return driverErr(err)
	}
	if conn.Abandoned() {
		return ErrConnectionAbandoned
	}
	return nil
}
