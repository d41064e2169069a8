// Package registry owns the ordered set of endpoint pools a dispatcher
// iterates over.
package registry

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kong/adb-failover-client/pkg/endpoint"
	"github.com/kong/adb-failover-client/pkg/pool"
	"go.uber.org/zap"
)

// ErrRegistryClosed is returned for work submitted after Close.
var ErrRegistryClosed = errors.New("registry: registry is closed")

// Endpoint pairs a spec with the pool serving it.
type Endpoint struct {
	Spec endpoint.Spec
	Pool *pool.Pool
}

// Name returns the endpoint name.
func (e Endpoint) Name() string {
	return e.Spec.Name
}

// Registry is an immutable, ordered collection of endpoint pools.
type Registry struct {
	endpoints []Endpoint
	byName    map[string]*pool.Pool
	logger    *zap.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// New builds one pool per spec, in order, and probes each with an acquire and
// release. If any endpoint cannot be reached the pools built so far are shut
// down and New fails.
func New(ctx context.Context, specs []endpoint.Spec, logger *zap.Logger, opts ...Option) (*Registry, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.poolConfig == nil {
		o.poolConfig = pool.DefaultConfig()
	}

	r := &Registry{
		endpoints: make([]Endpoint, 0, len(specs)),
		byName:    make(map[string]*pool.Pool, len(specs)),
		logger:    logger,
	}
	for _, spec := range specs {
		p, err := r.register(ctx, spec, o)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.endpoints = append(r.endpoints, Endpoint{Spec: spec, Pool: p})
		r.byName[spec.Name] = p
		logger.Info("ENDPOINT_REGISTER", zap.String("database", spec.Name),
			zap.String("URL", spec.RedactedURL()))
	}
	return r, nil
}

func (r *Registry) register(ctx context.Context, spec endpoint.Spec, o *options) (*pool.Pool, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("%w: endpoint name is empty", endpoint.ErrConfigInvalid)
	}
	if _, ok := r.byName[spec.Name]; ok {
		return nil, fmt.Errorf("%w: duplicate endpoint %q", endpoint.ErrConfigInvalid, spec.Name)
	}

	cfg := *o.poolConfig
	if o.emitter != nil {
		cfg.MetricsEmitter = o.emitter
	}
	var (
		connector driver.Connector
		err       error
	)
	if o.connector != nil {
		connector, err = o.connector(spec)
	} else {
		var dialect endpoint.Dialect
		connector, dialect, err = endpoint.Resolve(spec)
		if err == nil && cfg.QueryValidator == nil &&
			(cfg.ValidationQuery == "" || cfg.ValidationQuery == pool.DefaultValidationQuery) {
			cfg.ValidationQuery = dialect.ValidationQuery
		}
	}
	if err != nil {
		return nil, fmt.Errorf("endpoint %s: %w", spec.Name, err)
	}

	p, err := pool.New(ctx, spec.Name, connector, &cfg, r.logger)
	if err != nil {
		return nil, fmt.Errorf("endpoint %s: %w", spec.Name, err)
	}
	c, err := p.Acquire(ctx)
	if err != nil {
		p.Shutdown()
		return nil, fmt.Errorf("endpoint %s: probe: %w", spec.Name, err)
	}
	c.Release()
	return p, nil
}

// Endpoints returns the endpoints in registration order. The slice must not be modified.
func (r *Registry) Endpoints() []Endpoint {
	return r.endpoints
}

// Len returns the number of endpoints.
func (r *Registry) Len() int {
	return len(r.endpoints)
}

// Lookup returns the pool registered under name.
func (r *Registry) Lookup(name string) (*pool.Pool, bool) {
	p, ok := r.byName[name]
	return p, ok
}

// Stats returns a snapshot of every pool, in registration order.
func (r *Registry) Stats() []pool.Stat {
	stats := make([]pool.Stat, 0, len(r.endpoints))
	for _, e := range r.endpoints {
		stats = append(stats, e.Pool.Stat())
	}
	return stats
}

// Closed reports whether Close has been called.
func (r *Registry) Closed() bool {
	return r.closed.Load()
}

// Close shuts down every pool. It is safe to call more than once.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		for _, e := range r.endpoints {
			e.Pool.Shutdown()
		}
		r.logger.Info("registry closed", zap.Int("endpoints", len(r.endpoints)))
	})
}
