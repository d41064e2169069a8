package pool

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/puddle/v2"
	"go.uber.org/zap"
)

var (
	// ErrPoolClosed is returned by Acquire after Shutdown.
	ErrPoolClosed = errors.New("pool: pool is closed")
	// ErrPoolExhausted is returned when no connection became available within MaxWait.
	ErrPoolExhausted = errors.New("pool: timed out waiting for a connection")
	// ErrEndpointUnreachable is returned when a new connection cannot complete its handshake.
	ErrEndpointUnreachable = errors.New("pool: endpoint unreachable")
)

type (
	ValidationFunction func(ctx context.Context, conn *sql.Conn, logger *zap.Logger) bool
	Metric             struct {
		Key   string
		Value float64
	}
	MetricsTag struct {
		Key   string
		Value string
	}
	// MetricsEmitterFunction the pool can emit its Stat or raw metrics
	MetricsEmitterFunction func(metrics interface{}, tags []MetricsTag)
)

type closeReason int

const (
	closedMaxIdleTime closeReason = iota
	closedMinIdleTime
	closedValidation
	closedAbandoned
	closedInvalid
	closedShutdown
)

// Pool is a bounded set of connections to one endpoint. It is safe for
// concurrent use. A puddle pool enforces MaxActive, keeps the idle set and
// queues waiting acquires in FIFO order. Leases, abandoned tracking and the
// background sweep are layered on top of it.
type Pool struct {
	name   string
	db     *sql.DB
	cfg    Config
	logger *zap.Logger
	res    *puddle.Pool[*Conn]

	waiting atomic.Int32

	// mu protects the following fields and the state of every Conn. Resources
	// change hands with the puddle pool only while it is held.
	mu       sync.Mutex
	borrowed map[*Conn]struct{}
	closed   bool
	counters counters

	closeChan   chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
	maintCtx    context.Context
	maintCancel context.CancelFunc

	// owned by the maintenance goroutine
	connectBackoff backoff.BackOff
	nextConnect    time.Time
}

type counters struct {
	exhaustedCount    int64
	closedMaxIdleTime int64
	closedMinIdleTime int64
	closedValidation  int64
	closedAbandoned   int64
	closedInvalid     int64
}

// New opens a pool to the endpoint behind connector. One connection must
// open successfully or New fails with ErrEndpointUnreachable; the pool is
// then warmed to InitialSize on a best-effort basis.
func New(ctx context.Context, name string, connector driver.Connector, config *Config, logger *zap.Logger) (*Pool, error) {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := config.withDefaults()
	logger = logger.With(zap.String("database", name))

	db := sql.OpenDB(connector)
	// idle connections are kept by the puddle pool; database/sql only dials and closes
	db.SetMaxIdleConns(0)

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.EvictionScanInterval
	eb.MaxInterval = cfg.EvictionScanInterval * 30
	eb.MaxElapsedTime = 0

	maintCtx, maintCancel := context.WithCancel(context.Background())
	p := &Pool{
		name:           name,
		db:             db,
		cfg:            cfg,
		logger:         logger,
		borrowed:       make(map[*Conn]struct{}),
		closeChan:      make(chan struct{}),
		maintCtx:       maintCtx,
		maintCancel:    maintCancel,
		connectBackoff: eb,
	}
	fail := func(err error) (*Pool, error) {
		maintCancel()
		if p.res != nil {
			p.res.Close()
		}
		if cerr := db.Close(); cerr != nil {
			logger.Warn("closing failed pool", zap.Error(cerr))
		}
		return nil, err
	}

	res, err := puddle.NewPool(&puddle.Config[*Conn]{
		Constructor: p.open,
		Destructor:  p.closeIdle,
		MaxSize:     int32(cfg.MaxActive),
	})
	if err != nil {
		return fail(err)
	}
	p.res = res

	if err := res.CreateResource(ctx); err != nil {
		return fail(err)
	}
	for i := 1; i < cfg.InitialSize; i++ {
		if err := res.CreateResource(ctx); err != nil {
			logger.Warn("pool warm-up stopped early", zap.Int("opened", i),
				zap.Int("initialSize", cfg.InitialSize), zap.Error(err))
			break
		}
	}

	p.wg.Add(1)
	go p.backgroundMaintenance()
	return p, nil
}

// Name returns the endpoint name the pool serves.
func (p *Pool) Name() string {
	return p.name
}

// Config returns a copy of the effective configuration.
func (p *Pool) Config() Config {
	return p.cfg
}

// Acquire returns an idle connection, opens a new one while under MaxActive,
// or waits up to MaxWait for one to be released. The returned Conn must be
// released exactly once.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.MaxWait)
	defer cancel()
	// Shutdown ends pending waits
	stop := context.AfterFunc(p.maintCtx, cancel)
	defer stop()
	for {
		c, reused, err := p.conn(ctx, waitCtx)
		if err != nil {
			return nil, err
		}
		if reused && p.cfg.TestOnBorrow && !p.validate(waitCtx, c) {
			p.logger.Warn("CONNECTION_VALIDATION_FAILED", zap.String("conn", c.id))
			p.mu.Lock()
			delete(p.borrowed, c)
			c.state = stateReturning
			c.cancel()
			p.mu.Unlock()
			p.discard(c, closedValidation)
			continue
		}
		return c, nil
	}
}

// conn borrows a connection; reused is false for a connection opened by this call.
func (p *Pool) conn(ctx, waitCtx context.Context) (c *Conn, reused bool, err error) {
	if p.isClosed() {
		return nil, false, ErrPoolClosed
	}
	start := time.Now()
	p.waiting.Add(1)
	res, err := p.res.Acquire(waitCtx)
	p.waiting.Add(-1)
	if err != nil {
		return nil, false, p.acquireErr(ctx, err)
	}

	p.mu.Lock()
	c = p.checkoutLocked(res)
	if p.closed {
		c.state = stateReturning
		p.mu.Unlock()
		p.discard(c, closedShutdown)
		return nil, false, ErrPoolClosed
	}
	p.borrowLocked(ctx, c)
	p.mu.Unlock()
	return c, c.createdAt.Before(start), nil
}

// acquireErr classifies a failed acquire. A wait that MaxWait cut short is
// exhaustion, also when it ended while a new connection was being opened.
func (p *Pool) acquireErr(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, puddle.ErrClosedPool) || p.isClosed():
		return ErrPoolClosed
	case errors.Is(err, ErrEndpointUnreachable):
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	case !errors.Is(err, context.DeadlineExceeded):
		return err
	}
	p.mu.Lock()
	p.counters.exhaustedCount++
	p.mu.Unlock()
	return fmt.Errorf("%w: %s: waited %s", ErrPoolExhausted, p.name, p.cfg.MaxWait)
}

// open is the puddle constructor.
func (p *Pool) open(ctx context.Context) (*Conn, error) {
	raw, err := p.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrEndpointUnreachable, p.name, err)
	}
	now := time.Now()
	return &Conn{
		id:          uuid.New().String(),
		pool:        p,
		raw:         raw,
		createdAt:   now,
		returnedAt:  now,
		validatedAt: now,
	}, nil
}

// closeIdle is the puddle destructor. It runs for connections the puddle pool
// drops on its own: idle ones at shutdown and ones returned after it.
func (p *Pool) closeIdle(c *Conn) {
	p.closeRaw(c)
	p.mu.Lock()
	c.state = stateClosed
	p.mu.Unlock()
}

// checkoutLocked records that res is held by this pool's code.
func (p *Pool) checkoutLocked(res *puddle.Resource[*Conn]) *Conn {
	c := res.Value()
	c.res = res
	return c
}

// checkinLocked hands c back to the idle set. Only a borrower's return counts
// as use; the sweep hands connections back with their idle time intact.
func (p *Pool) checkinLocked(c *Conn, used bool) {
	res := c.res
	c.res = nil
	c.state = stateIdle
	if used {
		c.returnedAt = time.Now()
		res.Release()
		return
	}
	res.ReleaseUnused()
}

// detachLocked takes c out of the puddle pool, freeing its slot.
func (p *Pool) detachLocked(c *Conn) {
	if c.res != nil {
		c.res.Hijack()
		c.res = nil
	}
}

// discard closes a connection that is checked out but no longer borrowed.
// The slot is freed after the session is closed.
func (p *Pool) discard(c *Conn, reason closeReason) {
	p.closeRaw(c)
	p.mu.Lock()
	p.detachLocked(c)
	c.state = stateClosed
	p.countClosedLocked(reason)
	p.mu.Unlock()
}

// put returns a borrowed connection. It is a no-op for connections that were
// already released or reclaimed.
func (p *Pool) put(c *Conn) {
	p.mu.Lock()
	if c.state != stateBorrowed {
		p.mu.Unlock()
		return
	}
	delete(p.borrowed, c)
	c.state = stateReturning
	c.cancel()
	invalid, closed := c.invalid, p.closed
	p.mu.Unlock()

	switch {
	case closed:
		p.discard(c, closedShutdown)
		return
	case invalid:
		p.discard(c, closedInvalid)
		return
	}
	if p.cfg.TestOnReturn && !p.validate(context.Background(), c) {
		p.logger.Warn("CONNECTION_VALIDATION_FAILED", zap.String("conn", c.id))
		p.discard(c, closedValidation)
		return
	}
	p.mu.Lock()
	p.checkinLocked(c, true)
	p.mu.Unlock()
}

func (p *Pool) closeRaw(c *Conn) {
	if err := c.raw.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		p.logger.Error("RESOURCE_CLOSE_FAILED", zap.String("kind", "connection"),
			zap.String("conn", c.id), zap.Error(err))
	}
}

func (p *Pool) countClosedLocked(reason closeReason) {
	switch reason {
	case closedMaxIdleTime:
		p.counters.closedMaxIdleTime++
	case closedMinIdleTime:
		p.counters.closedMinIdleTime++
	case closedValidation:
		p.counters.closedValidation++
	case closedAbandoned:
		p.counters.closedAbandoned++
	case closedInvalid:
		p.counters.closedInvalid++
	}
}

func (p *Pool) validate(ctx context.Context, c *Conn) bool {
	tCtx, tCancel := context.WithTimeout(ctx, p.cfg.QueryValidationTimeout)
	defer tCancel()
	if !p.cfg.QueryValidator(tCtx, c.raw, p.logger) {
		return false
	}
	c.validatedAt = time.Now()
	return true
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Reset closes every idle connection and marks borrowed ones invalid so they
// are closed on release.
func (p *Pool) Reset() {
	idle := p.res.AcquireAllIdle()
	p.mu.Lock()
	conns := make([]*Conn, 0, len(idle))
	for _, res := range idle {
		c := p.checkoutLocked(res)
		c.state = stateReturning
		conns = append(conns, c)
	}
	for c := range p.borrowed {
		c.invalid = true
	}
	p.mu.Unlock()
	for _, c := range conns {
		p.discard(c, closedInvalid)
	}
	p.logger.Info("pool reset complete", zap.Int("closed", len(conns)))
}

// Shutdown stops maintenance, fails waiting acquires, closes idle
// connections and rejects further acquires. Borrowed connections are closed
// when released.
func (p *Pool) Shutdown() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		close(p.closeChan)
		p.maintCancel()
		p.wg.Wait()

		p.mu.Lock()
		for c := range p.borrowed {
			p.detachLocked(c)
		}
		p.mu.Unlock()

		// waits for connections being returned or opened
		p.res.Close()
		if err := p.db.Close(); err != nil {
			p.logger.Warn("closing database handle", zap.Error(err))
		}
		p.logger.Info("pool shut down")
	})
}

// Stat is a snapshot of pool state and lifetime counters. AcquireCount,
// EmptyAcquireCount, CanceledAcquireCount and AcquireDuration include the
// acquires the sweep makes to refill the pool.
type Stat struct {
	Name                 string        `json:"name"`
	InUse                int           `json:"inUse"`
	Idle                 int           `json:"idle"`
	Total                int           `json:"total"`
	MaxActive            int           `json:"maxActive"`
	Waiting              int           `json:"waiting"`
	AcquireCount         int64         `json:"acquireCount"`
	EmptyAcquireCount    int64         `json:"emptyAcquireCount"`
	CanceledAcquireCount int64         `json:"canceledAcquireCount"`
	AcquireDuration      time.Duration `json:"acquireDuration"`
	ExhaustedCount       int64         `json:"exhaustedCount"`
	ClosedMaxIdleTime    int64         `json:"closedMaxIdleTime"`
	ClosedMinIdleTime    int64         `json:"closedMinIdleTime"`
	ClosedValidation     int64         `json:"closedValidation"`
	ClosedAbandoned      int64         `json:"closedAbandoned"`
	ClosedInvalid        int64         `json:"closedInvalid"`
}

// Stat returns a snapshot of the pool.
func (p *Pool) Stat() Stat {
	p.mu.Lock()
	defer p.mu.Unlock()
	// read under mu: a borrowed connection is never also counted idle
	ps := p.res.Stat()
	return Stat{
		Name:                 p.name,
		InUse:                len(p.borrowed),
		Idle:                 int(ps.IdleResources()),
		Total:                int(ps.TotalResources()),
		MaxActive:            p.cfg.MaxActive,
		Waiting:              int(p.waiting.Load()),
		AcquireCount:         ps.AcquireCount(),
		EmptyAcquireCount:    ps.EmptyAcquireCount(),
		CanceledAcquireCount: ps.CanceledAcquireCount(),
		AcquireDuration:      ps.AcquireDuration(),
		ExhaustedCount:       p.counters.exhaustedCount,
		ClosedMaxIdleTime:    p.counters.closedMaxIdleTime,
		ClosedMinIdleTime:    p.counters.closedMinIdleTime,
		ClosedValidation:     p.counters.closedValidation,
		ClosedAbandoned:      p.counters.closedAbandoned,
		ClosedInvalid:        p.counters.closedInvalid,
	}
}
