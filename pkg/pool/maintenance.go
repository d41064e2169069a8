package pool

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"
)

type eviction struct {
	conn   *Conn
	reason closeReason
}

func (p *Pool) backgroundMaintenance() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.EvictionScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.closeChan:
			p.logger.Debug("backgroundMaintenance exited..")
			return
		case <-ticker.C:
			p.sweep(time.Now())
		}
	}
}

// sweep runs one maintenance pass: idle eviction and validation, abandoned
// reclamation, then refill to MinIdle.
func (p *Pool) sweep(now time.Time) {
	if p.isClosed() {
		return
	}
	idle := p.res.AcquireAllIdle()

	var (
		evicted    []eviction
		validating []*Conn
		abandoned  []*Conn
	)

	p.mu.Lock()
	conns := make([]*Conn, 0, len(idle))
	for _, res := range idle {
		conns = append(conns, p.checkoutLocked(res))
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].returnedAt.Before(conns[j].returnedAt) })
	idleCount := len(conns)
	for _, c := range conns {
		idleFor := now.Sub(c.returnedAt)
		switch {
		case idleFor > p.cfg.MaxEvictableIdle:
			c.state = stateReturning
			evicted = append(evicted, eviction{c, closedMaxIdleTime})
			idleCount--
		case idleFor > p.cfg.MinEvictableIdle && idleCount > p.cfg.MinIdle:
			c.state = stateReturning
			evicted = append(evicted, eviction{c, closedMinIdleTime})
			idleCount--
		case p.cfg.TestWhileIdle && now.Sub(c.validatedAt) > p.cfg.ValidationWindow:
			c.state = stateValidating
			validating = append(validating, c)
		default:
			p.checkinLocked(c, false)
		}
	}

	if p.cfg.RemoveAbandoned {
		for c := range p.borrowed {
			if now.Sub(c.borrowedAt) <= p.cfg.RemoveAbandonedTimeout {
				continue
			}
			delete(p.borrowed, c)
			c.state = stateClosed
			c.abandoned = true
			c.cancel()
			p.detachLocked(c)
			p.counters.closedAbandoned++
			abandoned = append(abandoned, c)
		}
	}
	p.mu.Unlock()

	for _, e := range evicted {
		p.logger.Debug("idle connection evicted", zap.String("conn", e.conn.id),
			zap.Duration("idle", now.Sub(e.conn.returnedAt)))
		p.discard(e.conn, e.reason)
	}

	for _, c := range abandoned {
		fields := []zap.Field{
			zap.String("conn", c.id),
			zap.Duration("borrowed", now.Sub(c.borrowedAt)),
		}
		if c.stack != nil {
			fields = append(fields, zap.ByteString("stack", c.stack))
		}
		p.logger.Warn("ABANDONED_CONNECTION_REMOVED", fields...)
		// the borrower may still hold rows open on it; Close waits for them
		go p.closeRaw(c)
	}

	for _, c := range validating {
		if p.validate(p.maintCtx, c) {
			p.mu.Lock()
			p.checkinLocked(c, false)
			p.mu.Unlock()
			continue
		}
		p.logger.Warn("CONNECTION_VALIDATION_FAILED", zap.String("conn", c.id))
		p.discard(c, closedValidation)
	}

	p.fill()
	p.emitStats(len(abandoned))
}

// fill opens connections until MinIdle are idle, within MaxActive. The idle
// set is held meanwhile so each acquire opens a new connection. It does not
// compete with waiting borrowers, and after a failed open it backs off.
func (p *Pool) fill() {
	if p.cfg.MinIdle == 0 || time.Now().Before(p.nextConnect) {
		return
	}
	idle := p.res.AcquireAllIdle()
	p.mu.Lock()
	held := make([]*Conn, 0, p.cfg.MinIdle)
	for _, res := range idle {
		held = append(held, p.checkoutLocked(res))
	}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		for _, c := range held {
			p.checkinLocked(c, false)
		}
		p.mu.Unlock()
	}()

	want := p.cfg.MinIdle - len(held)
	for i := 0; i < want; i++ {
		if p.waiting.Load() > 0 || int(p.res.Stat().TotalResources()) >= p.cfg.MaxActive {
			return
		}
		ctx, cancel := context.WithTimeout(p.maintCtx, p.cfg.MaxWait)
		res, err := p.res.Acquire(ctx)
		cancel()
		if err != nil {
			if errors.Is(err, ErrEndpointUnreachable) {
				wait := p.connectBackoff.NextBackOff()
				p.nextConnect = time.Now().Add(wait)
				p.logger.Warn("pool refill failed", zap.Int("opened", i), zap.Int("wanted", want),
					zap.Duration("retryIn", wait), zap.Error(err))
			}
			return
		}
		p.connectBackoff.Reset()
		p.mu.Lock()
		held = append(held, p.checkoutLocked(res))
		p.mu.Unlock()
	}
}

func (p *Pool) emitStats(abandoned int) {
	stat := p.Stat()
	p.logger.Debug("pool stats", zap.Int("inUse", stat.InUse), zap.Int("idle", stat.Idle),
		zap.Int("total", stat.Total), zap.Int("max", stat.MaxActive))

	if p.cfg.MetricsEmitter == nil {
		return
	}
	tags := []MetricsTag{{"database", p.name}}
	p.cfg.MetricsEmitter(stat, tags)
	if abandoned > 0 {
		p.cfg.MetricsEmitter(Metric{"pool.abandoned", float64(abandoned)}, tags)
	}
}
