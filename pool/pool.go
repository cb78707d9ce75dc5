// Package pool implements the tiered connection pool: acquire/release of
// pooled handles with automatic reconnect-on-transient-error, idle/error
// eviction, and FIFO waiter queuing when a tier is at capacity. It
// generalizes the teacher's worker-pool-via-channel idiom
// (pkg/orchestration/executor.go's semaphore) into a pool of reusable,
// health-tracked handles instead of bare concurrency tokens.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quorumai/mesh/core"
)

// Factory creates a new underlying connection. The pool never interprets
// the returned value; it is handed back to the caller's Fn unchanged.
type Factory func(ctx context.Context) (interface{}, error)

// Closer releases an underlying connection's resources.
type Closer func(conn interface{}) error

// Handle wraps a pooled connection with the bookkeeping acquire/release/
// eviction needs.
type Handle struct {
	Conn       interface{}
	createdAt  time.Time
	lastUsedAt time.Time
	errorCount int
}

// Stale reports whether h has been idle longer than idleTimeout.
func (h *Handle) Stale(idleTimeout time.Duration) bool {
	return time.Since(h.lastUsedAt) > idleTimeout
}

type waiter struct {
	ch chan *Handle
}

// Pool is a tier-scoped connection pool: min connections are kept warm,
// max bounds how many may exist at once, and waiters queue FIFO once max
// is reached.
type Pool struct {
	mu      sync.Mutex
	tier    string
	min     int
	max     int
	cfg     core.PoolConfig
	logger  core.Logger
	bus     *core.Bus
	factory Factory
	closer  Closer

	idle      []*Handle
	inUse     map[*Handle]struct{}
	waiters   []*waiter
	total     int
	shutdown  bool
	evictStop chan struct{}
	evictOnce sync.Once
}

// New constructs a Pool for the given tier, bounded by limit. cfg supplies
// the timeouts/backoff/eviction knobs from spec §4.1; factory builds a new
// underlying connection, closer releases one.
func New(tier string, limit core.TierLimit, cfg core.PoolConfig, logger core.Logger, bus *core.Bus, factory Factory, closer Closer) *Pool {
	if logger == nil {
		logger = core.NewProductionLogger(core.LoggingConfig{Level: "error", Format: "json", Output: "stdout"}, core.DevelopmentConfig{}, "pool")
	}
	return &Pool{
		tier:      tier,
		min:       limit.Min,
		max:       limit.Max,
		cfg:       cfg,
		logger:    logger,
		bus:       bus,
		factory:   factory,
		closer:    closer,
		inUse:     make(map[*Handle]struct{}),
		evictStop: make(chan struct{}),
	}
}

// Initialize pre-warms the pool up to its tier minimum and starts the
// periodic eviction loop.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	for p.total < p.min {
		h, err := p.newHandle(ctx)
		if err != nil {
			p.mu.Unlock()
			return fmt.Errorf("pool %s: warming min connections: %w", p.tier, err)
		}
		p.idle = append(p.idle, h)
	}
	p.mu.Unlock()

	interval := p.cfg.EvictInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go p.evictLoop(interval)
	return nil
}

func (p *Pool) newHandle(ctx context.Context) (*Handle, error) {
	conn, err := p.factory(ctx)
	if err != nil {
		return nil, err
	}
	p.total++
	now := time.Now()
	return &Handle{Conn: conn, createdAt: now, lastUsedAt: now}, nil
}

// Acquire returns an idle handle, creates a new one if under the tier max,
// or enqueues as a FIFO waiter until AcquireTimeout elapses, returning
// core.ErrAcquireTimeout on expiry or core.ErrPoolShuttingDown post-shutdown.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	p.mu.Lock()

	if p.shutdown {
		p.mu.Unlock()
		return nil, core.ErrPoolShuttingDown
	}

	idleTimeout := p.cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}

	for len(p.idle) > 0 {
		h := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if h.Stale(idleTimeout) {
			p.closeHandle(h)
			continue
		}
		p.inUse[h] = struct{}{}
		p.mu.Unlock()
		return h, nil
	}

	if p.total < p.max {
		h, err := p.newHandle(ctx)
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		p.inUse[h] = struct{}{}
		p.mu.Unlock()
		return h, nil
	}

	w := &waiter{ch: make(chan *Handle, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	timeout := p.cfg.AcquireTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case h := <-w.ch:
		return h, nil
	case <-timer.C:
		p.removeWaiter(w)
		return nil, core.ErrAcquireTimeout
	case <-ctx.Done():
		p.removeWaiter(w)
		return nil, ctx.Err()
	}
}

func (p *Pool) removeWaiter(target *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == target {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// Release returns h to the pool: to the next waiter if one is queued,
// otherwise to the idle list.
func (p *Pool) Release(h *Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.inUse, h)
	h.lastUsedAt = time.Now()

	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.inUse[h] = struct{}{}
		w.ch <- h
		return
	}

	p.idle = append(p.idle, h)
}

// Execute acquires a handle, runs fn, releases the handle, and retries the
// whole acquire-run cycle on a connection-like error (spec §4.1's
// substring classifier) up to RetryAttempts times with exponential
// backoff. Non-connection errors propagate immediately without retry.
func (p *Pool) Execute(ctx context.Context, fn func(conn interface{}) error) error {
	attempts := p.cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 3
	}
	base := p.cfg.BackoffBase
	if base <= 0 {
		base = time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		h, err := p.Acquire(ctx)
		if err != nil {
			return err
		}

		err = fn(h.Conn)
		if err == nil {
			p.Release(h)
			return nil
		}

		lastErr = err
		if !core.IsConnectionLike(err) {
			p.Release(h)
			return err
		}

		p.mu.Lock()
		h.errorCount++
		p.mu.Unlock()
		p.Release(h)

		p.logger.Warn("connection-like error, retrying", map[string]interface{}{
			"tier": p.tier, "attempt": attempt, "error": err.Error(),
		})

		if attempt == attempts {
			break
		}
		delay := time.Duration(1<<uint(attempt-1)) * base
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("pool %s: exhausted %d attempt(s): %w", p.tier, attempts, lastErr)
}

// Shutdown marks the pool closed: further Acquire calls fail with
// core.ErrPoolShuttingDown, and every idle handle is closed.
func (p *Pool) Shutdown() {
	p.evictOnce.Do(func() { close(p.evictStop) })

	p.mu.Lock()
	defer p.mu.Unlock()
	p.shutdown = true
	for _, h := range p.idle {
		p.closeHandle(h)
	}
	p.idle = nil
}

func (p *Pool) closeHandle(h *Handle) {
	if p.closer != nil {
		if err := p.closer(h.Conn); err != nil {
			p.logger.Warn("error closing connection", map[string]interface{}{"tier": p.tier, "error": err.Error()})
		}
	}
	p.total--
}

// evictLoop periodically closes idle handles that are stale or have
// accumulated too many errors, never dropping the pool below its tier
// minimum.
func (p *Pool) evictLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.evict()
		case <-p.evictStop:
			return
		}
	}
}

func (p *Pool) evict() {
	p.mu.Lock()
	defer p.mu.Unlock()

	idleTimeout := p.cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}
	maxErrors := p.cfg.MaxErrorCount
	if maxErrors <= 0 {
		maxErrors = 5
	}

	evicted := 0
	kept := p.idle[:0]
	for _, h := range p.idle {
		if p.total <= p.min {
			kept = append(kept, h)
			continue
		}
		if h.Stale(idleTimeout) || h.errorCount > maxErrors {
			p.closeHandle(h)
			evicted++
			continue
		}
		kept = append(kept, h)
	}
	p.idle = kept

	if evicted > 0 && p.bus != nil {
		p.bus.PublishEvent(core.EventPoolEvict, map[string]interface{}{
			"tier": p.tier, "evicted": evicted, "remaining": p.total,
		})
	}
}

// Stats reports current pool occupancy for monitoring.
type Stats struct {
	Tier    string
	Total   int
	Idle    int
	InUse   int
	Waiting int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Tier:    p.tier,
		Total:   p.total,
		Idle:    len(p.idle),
		InUse:   len(p.inUse),
		Waiting: len(p.waiters),
	}
}
